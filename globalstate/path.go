package globalstate

import (
	"strings"

	"cyfscore/cyfserr"
	"cyfscore/objid"
)

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// spineStep is one map node visited while descending from a root to a
// target container; key is the entry in node that leads to the next step
// (or to the container itself, for the last step).
type spineStep struct {
	nodeId objid.ObjId
	node   *node
	key    string
}

// resolveContainer walks segments from rootId, following each as a map key,
// and returns the node found at the end plus the spine of ancestor steps
// needed to rebuild the path back to the root after a mutation.
func (e *Engine) resolveContainer(rootId objid.ObjId, segments []string) (objid.ObjId, *node, []spineStep, error) {
	current := rootId
	spine := make([]spineStep, 0, len(segments))
	for _, seg := range segments {
		n, err := e.getNode(current)
		if err != nil {
			return objid.ObjId{}, nil, nil, err
		}
		if n.ContentType != ContentMap {
			return objid.ObjId{}, nil, nil, cyfserr.New(cyfserr.InvalidFormat, "globalstate: path descends through a non-map node", nil)
		}
		child, ok, err := e.mapGet(n, seg)
		if err != nil {
			return objid.ObjId{}, nil, nil, err
		}
		if !ok {
			return objid.ObjId{}, nil, nil, cyfserr.New(cyfserr.NotFound, "globalstate: path segment not found: "+seg, nil)
		}
		spine = append(spine, spineStep{nodeId: current, node: n, key: seg})
		current = child
	}
	n, err := e.getNode(current)
	if err != nil {
		return objid.ObjId{}, nil, nil, err
	}
	return current, n, spine, nil
}

// rebuildSpine replaces the container at the end of spine with newContainerId
// and propagates the change up through every ancestor, returning the new
// root id (spec.md §4.4.2 commit step 2: "rebuild spine nodes bottom-up").
func (e *Engine) rebuildSpine(spine []spineStep, newContainerId objid.ObjId) (objid.ObjId, error) {
	childId := newContainerId
	for i := len(spine) - 1; i >= 0; i-- {
		step := spine[i]
		updated, _, err := e.mapInsert(step.node, step.key, childId)
		if err != nil {
			return objid.ObjId{}, err
		}
		newId, err := e.putNode(updated)
		if err != nil {
			return objid.ObjId{}, err
		}
		childId = newId
	}
	return childId, nil
}
