package transport

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"

	"cyfscore/objid"
)

const identityProtocol = protocol.ID("/cyfs/identity/1.0.0")

// DeviceDirectory resolves between a CYFS DeviceId and the libp2p peer.ID
// that currently carries it, learned via a one-line handshake run once per
// newly connected peer (spec.md's transport contract addresses targets by
// DeviceId; libp2p addresses them by peer.ID, so something has to bridge
// the two).
type DeviceDirectory struct {
	node *Node
	self objid.ObjId

	mu       sync.RWMutex
	byDevice map[objid.ObjId]peer.ID
	byPeer   map[peer.ID]objid.ObjId
}

func newDeviceDirectory(n *Node, self objid.ObjId) *DeviceDirectory {
	return &DeviceDirectory{
		node:     n,
		self:     self,
		byDevice: make(map[objid.ObjId]peer.ID),
		byPeer:   make(map[peer.ID]objid.ObjId),
	}
}

func (d *DeviceDirectory) record(id objid.ObjId, p peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byDevice[id] = p
	d.byPeer[p] = id
}

// Resolve returns the peer.ID currently believed to carry DeviceId id.
func (d *DeviceDirectory) Resolve(id objid.ObjId) (peer.ID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byDevice[id]
	return p, ok
}

// DeviceOf returns the DeviceId a connected peer announced, if known.
func (d *DeviceDirectory) DeviceOf(p peer.ID) (objid.ObjId, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byPeer[p]
	return id, ok
}

// registerIdentityHandler installs the inbound side of the handshake:
// whoever opens an identity stream gets this node's own DeviceId written
// back, and their line is recorded.
func (n *Node) registerIdentityHandler() {
	n.host.SetStreamHandler(identityProtocol, func(s network.Stream) {
		defer s.Close()
		remote := s.Conn().RemotePeer()
		line, err := bufio.NewReader(s).ReadString('\n')
		if err != nil {
			logrus.Warnf("transport: identity handshake read from %s: %v", remote, err)
			return
		}
		id, err := objid.Parse(line[:len(line)-1])
		if err != nil {
			logrus.Warnf("transport: identity handshake bad id from %s: %v", remote, err)
			return
		}
		n.dir.record(id, remote)
		if _, err := s.Write([]byte(n.dir.self.String() + "\n")); err != nil {
			logrus.Warnf("transport: identity handshake write to %s: %v", remote, err)
		}
	})
}

// handshake opens an identity stream to p, announces this node's own
// DeviceId, and records whatever DeviceId p answers with.
func (d *DeviceDirectory) handshake(ctx context.Context, p peer.ID) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s, err := d.node.host.NewStream(ctx, p, identityProtocol)
	if err != nil {
		logrus.Warnf("transport: identity handshake dial %s: %v", p, err)
		return
	}
	defer s.Close()

	if _, err := s.Write([]byte(d.self.String() + "\n")); err != nil {
		logrus.Warnf("transport: identity handshake write to %s: %v", p, err)
		return
	}
	line, err := bufio.NewReader(s).ReadString('\n')
	if err != nil {
		logrus.Warnf("transport: identity handshake read from %s: %v", p, err)
		return
	}
	id, err := objid.Parse(line[:len(line)-1])
	if err != nil {
		logrus.Warnf("transport: identity handshake bad id from %s: %v", p, err)
		return
	}
	d.record(id, p)
}
