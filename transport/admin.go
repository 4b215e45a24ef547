package transport

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"cyfscore/globalstate"
	"cyfscore/objid"
)

// adminTopic is the per-zone gossipsub topic AdminCommands are broadcast on,
// so every device in a zone mirrors an access-mode change without needing a
// direct connection to whichever device issued it (spec.md §4.4.4).
func adminTopic(zoneId objid.ObjId) string {
	return "cyfs/admin/" + zoneId.String()
}

// wireAdminCommand is globalstate.AdminCommand's gossip encoding: ObjId
// fields travel as their string form rather than relying on objid.ObjId
// implementing json.Marshaler itself.
type wireAdminCommand struct {
	DecId    string `json:"dec_id"`
	Mode     uint8  `json:"mode"`
	Verified bool   `json:"verified"`
}

// BroadcastAdminCommand publishes cmd on zoneId's admin topic so every other
// device in the zone can apply it to its own globalstate.Engine.
func (n *Node) BroadcastAdminCommand(zoneId objid.ObjId, cmd globalstate.AdminCommand) error {
	data, err := json.Marshal(wireAdminCommand{
		DecId:    cmd.DecId.String(),
		Mode:     uint8(cmd.Mode),
		Verified: cmd.Verified,
	})
	if err != nil {
		return fmt.Errorf("transport: encode admin command: %w", err)
	}
	return n.Broadcast(adminTopic(zoneId), data)
}

// SubscribeAdminCommands mirrors AdminCommands gossiped on zoneId's admin
// topic. Malformed payloads are logged and dropped rather than closing the
// channel, since one bad peer message shouldn't stop this device from
// hearing the rest of the zone.
func (n *Node) SubscribeAdminCommands(zoneId objid.ObjId) (<-chan globalstate.AdminCommand, error) {
	raw, err := n.Subscribe(adminTopic(zoneId))
	if err != nil {
		return nil, err
	}
	out := make(chan globalstate.AdminCommand)
	go func() {
		defer close(out)
		for msg := range raw {
			var w wireAdminCommand
			if err := json.Unmarshal(msg.Data, &w); err != nil {
				logrus.Warnf("transport: dropping malformed admin command from %s: %v", msg.FromPeer, err)
				continue
			}
			decId, err := objid.Parse(w.DecId)
			if err != nil {
				logrus.Warnf("transport: dropping admin command with bad dec_id from %s: %v", msg.FromPeer, err)
				continue
			}
			out <- globalstate.AdminCommand{DecId: decId, Mode: globalstate.AccessMode(w.Mode), Verified: w.Verified}
		}
	}()
	return out, nil
}
