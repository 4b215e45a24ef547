// Package transport implements the libp2p-backed network layer the router
// forwards non-local object and chunk calls through (spec.md §6's
// "transport contract (consumed)"). Node adapts the teacher's
// core/network.go host+gossipsub+mDNS shape from block/token broadcast to
// named-object request/response RPC (rpc.go) plus a device-identity
// handshake (identity.go) so a DeviceId can be resolved to a libp2p peer.
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"cyfscore/objid"
)

// Config configures a Node, renamed from the teacher's shape but otherwise
// identical: listen address, bootstrap peers, and the mDNS discovery tag.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
	// DeviceId is this node's own identity, announced to every peer the
	// identity handshake (identity.go) runs against.
	DeviceId objid.ObjId
}

// PeerInfo is one entry of Node.Peers().
type PeerInfo struct {
	PeerId   peer.ID
	Addr     string
	DeviceId objid.ObjId // zero until the identity handshake completes
}

// Node wraps a libp2p host with gossipsub and mDNS discovery, plus the
// device directory and RPC handler the router's ObjectSender/ChunkPuller
// adapter (rpc.go) needs.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub

	topicLock sync.RWMutex
	topics    map[string]*pubsub.Topic
	subLock   sync.RWMutex
	subs      map[string]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[peer.ID]*PeerInfo

	dir   *DeviceDirectory
	local localHandlers

	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
}

// NewNode creates and bootstraps a libp2p node, registers the identity and
// RPC stream handlers, and dials any configured bootstrap peers.
func NewNode(cfg Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("transport: create pubsub: %w", err)
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[peer.ID]*PeerInfo),
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
	}
	n.dir = newDeviceDirectory(n, cfg.DeviceId)
	n.registerIdentityHandler()
	n.registerRPCHandlers()

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		logrus.Warnf("transport: DialSeed warning: %v", err)
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)

	return n, nil
}

// Ensure Node implements mdns.Notifee.
var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a discovered peer and
// kick off the identity handshake.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}

	n.peerLock.RLock()
	_, exists := n.peers[info.ID]
	n.peerLock.RUnlock()
	if exists {
		return
	}

	if err := n.host.Connect(n.ctx, info); err != nil {
		logrus.Warnf("transport: failed to connect to discovered peer %s: %v", info.ID, err)
		return
	}

	n.peerLock.Lock()
	n.peers[info.ID] = &PeerInfo{PeerId: info.ID, Addr: info.String()}
	n.peerLock.Unlock()
	logrus.Infof("transport: connected to peer %s via mDNS", info.ID)

	go n.dir.handshake(n.ctx, info.ID)
}

// DialSeed connects to a list of bootstrap peers and handshakes identity
// with each.
func (n *Node) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		n.peerLock.Lock()
		n.peers[pi.ID] = &PeerInfo{PeerId: pi.ID, Addr: addr}
		n.peerLock.Unlock()
		logrus.Infof("transport: bootstrapped to %s", addr)
		go n.dir.handshake(n.ctx, pi.ID)
	}
	if len(errs) > 0 {
		return fmt.Errorf("transport: dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Broadcast publishes data on a gossipsub topic, e.g. zone-wide friend-list
// or access-mode change notifications — the non-RPC, fan-out side of the
// transport contract spec.md §5 doesn't otherwise name a mechanism for.
func (n *Node) Broadcast(topic string, data []byte) error {
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("transport: join topic %s: %w", topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("transport: publish topic %s: %w", topic, err)
	}
	return nil
}

// GossipMessage is one received Subscribe payload.
type GossipMessage struct {
	FromPeer peer.ID
	Topic    string
	Data     []byte
}

// Subscribe listens for messages on a gossipsub topic.
func (n *Node) Subscribe(topic string) (<-chan GossipMessage, error) {
	n.subLock.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		var err error
		sub, err = n.pubsub.Subscribe(topic)
		if err != nil {
			n.subLock.Unlock()
			return nil, fmt.Errorf("transport: subscribe topic %s: %w", topic, err)
		}
		n.subs[topic] = sub
	}
	n.subLock.Unlock()
	out := make(chan GossipMessage)
	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				logrus.Warnf("transport: subscription next error: %v", err)
				close(out)
				return
			}
			out <- GossipMessage{FromPeer: msg.GetFrom(), Topic: topic, Data: msg.Data}
		}
	}()
	return out, nil
}

// Close tears down the node.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}

// Peers returns the currently known peer list.
func (n *Node) Peers() []*PeerInfo {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	list := make([]*PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		list = append(list, p)
	}
	return list
}

// HostId returns this node's own libp2p peer id, used by tests and by
// bootstrap address construction.
func (n *Node) HostId() peer.ID { return n.host.ID() }

// HostAddrs returns this node's dialable multiaddrs.
func (n *Node) HostAddrs() []string {
	addrs := n.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return out
}
