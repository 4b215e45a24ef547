package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"

	"cyfscore/acl"
	"cyfscore/chunkstore"
	"cyfscore/cyfserr"
	"cyfscore/objid"
	"cyfscore/router"
)

// nonProtocol carries put_object/get_object/post_object calls; ndnProtocol
// carries get_chunk. Kept separate so a chunk stream's body (raw bytes,
// unbounded) never shares framing with the small JSON NON envelope.
const (
	nonProtocol = protocol.ID("/cyfs/non/1.0.0")
	ndnProtocol = protocol.ID("/cyfs/ndn/1.0.0")
)

type sourceWire struct {
	ZoneCategory uint8  `json:"zone_category"`
	ZoneId       string `json:"zone_id"`
	DeviceId     string `json:"device_id"`
	DecId        string `json:"dec_id"`
	Verified     bool   `json:"verified"`
}

func encodeSource(s acl.Source) sourceWire {
	return sourceWire{
		ZoneCategory: uint8(s.ZoneCategory),
		ZoneId:       s.ZoneId.String(),
		DeviceId:     s.DeviceId.String(),
		DecId:        s.DecId.String(),
		Verified:     s.Verified,
	}
}

func decodeSource(w sourceWire) (acl.Source, error) {
	zone, err := parseOrZero(w.ZoneId)
	if err != nil {
		return acl.Source{}, err
	}
	device, err := parseOrZero(w.DeviceId)
	if err != nil {
		return acl.Source{}, err
	}
	dec, err := parseOrZero(w.DecId)
	if err != nil {
		return acl.Source{}, err
	}
	return acl.Source{ZoneCategory: acl.ZoneCategory(w.ZoneCategory), ZoneId: zone, DeviceId: device, DecId: dec, Verified: w.Verified}, nil
}

func parseOrZero(s string) (objid.ObjId, error) {
	if s == "" {
		return objid.ObjId{}, nil
	}
	return objid.Parse(s)
}

type nonRequest struct {
	Op        string     `json:"op"` // "put", "get", "post"
	Id        string     `json:"id"`
	ObjectRaw []byte     `json:"object_raw,omitempty"`
	Source    sourceWire `json:"source"`
}

type nonResponse struct {
	Ok        bool   `json:"ok"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Id        string `json:"id,omitempty"`
	ObjectRaw []byte `json:"object_raw,omitempty"`
	// NoReply marks a post_object call that legitimately returned nothing
	// (spec.md §6: post_object -> Option<NONObjectInfo>), distinct from Ok
	// alone which can't tell "empty reply" from "no ObjectRaw sent yet".
	NoReply bool `json:"no_reply,omitempty"`
}

func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

func readJSONLine(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}

func errorToResponse(err error) nonResponse {
	var e *cyfserr.Error
	code, msg := cyfserr.IoError, err.Error()
	if asErr, ok := err.(*cyfserr.Error); ok {
		e = asErr
		code, msg = e.Code, e.Message
	}
	return nonResponse{Ok: false, Code: code.String(), Message: msg}
}

func responseToError(resp nonResponse) error {
	code := cyfserr.IoError
	for c := cyfserr.Ok; c <= cyfserr.UnSupport; c++ {
		if c.String() == resp.Code {
			code = c
			break
		}
	}
	return cyfserr.New(code, resp.Message, nil)
}

// registerRPCHandlers installs the inbound NON and NDN stream handlers that
// answer calls forwarded in by peers. local is the Router responsible for
// actually serving the call against this device's storage.
func (n *Node) registerRPCHandlers() {
	n.host.SetStreamHandler(nonProtocol, func(s network.Stream) {
		defer s.Close()
		n.serveNON(s)
	})
	n.host.SetStreamHandler(ndnProtocol, func(s network.Stream) {
		defer s.Close()
		n.serveNDN(s)
	})
}

// local is set once the owning Router exists (it is constructed after the
// Node, since the Router needs a ready Forwarder). SetLocalRouter wires the
// inbound side; until called, RPC calls fail with UnSupport.
type localHandlers interface {
	PutObject(ctx context.Context, target router.Target, info router.NONObjectInfo, source acl.Source, path string) error
	GetObject(ctx context.Context, target router.Target, id objid.ObjId, source acl.Source, path string) (router.NONObjectInfo, error)
	PostObject(ctx context.Context, target router.Target, info router.NONObjectInfo, source acl.Source, path string) (*router.NONObjectInfo, error)
	GetChunk(ctx context.Context, target router.Target, id objid.ObjId, start, end int64, source acl.Source, path string) (chunkstore.SeekReader, error)
}

// SetLocalRouter wires the Router this Node serves inbound RPCs against.
func (n *Node) SetLocalRouter(r localHandlers) { n.local = r }

func (n *Node) serveNON(s network.Stream) {
	reader := bufio.NewReader(s)
	var req nonRequest
	if err := readJSONLine(reader, &req); err != nil {
		return
	}
	if n.local == nil {
		_ = writeJSONLine(s, errorToResponse(cyfserr.New(cyfserr.UnSupport, "transport: no local router wired", nil)))
		return
	}
	id, err := objid.Parse(req.Id)
	if err != nil {
		_ = writeJSONLine(s, errorToResponse(cyfserr.New(cyfserr.InvalidFormat, "transport: bad object id", err)))
		return
	}
	source, err := decodeSource(req.Source)
	if err != nil {
		_ = writeJSONLine(s, errorToResponse(cyfserr.New(cyfserr.InvalidFormat, "transport: bad source", err)))
		return
	}
	local := router.Target{None: true}

	switch req.Op {
	case "put":
		err := n.local.PutObject(n.ctx, local, router.NONObjectInfo{Id: id, Raw: req.ObjectRaw}, source, "")
		if err != nil {
			_ = writeJSONLine(s, errorToResponse(err))
			return
		}
		_ = writeJSONLine(s, nonResponse{Ok: true})
	case "get":
		info, err := n.local.GetObject(n.ctx, local, id, source, "")
		if err != nil {
			_ = writeJSONLine(s, errorToResponse(err))
			return
		}
		_ = writeJSONLine(s, nonResponse{Ok: true, Id: info.Id.String(), ObjectRaw: info.Raw})
	case "post":
		reply, err := n.local.PostObject(n.ctx, local, router.NONObjectInfo{Id: id, Raw: req.ObjectRaw}, source, "")
		if err != nil {
			_ = writeJSONLine(s, errorToResponse(err))
			return
		}
		if reply == nil {
			_ = writeJSONLine(s, nonResponse{Ok: true, NoReply: true})
			return
		}
		_ = writeJSONLine(s, nonResponse{Ok: true, Id: reply.Id.String(), ObjectRaw: reply.Raw})
	default:
		_ = writeJSONLine(s, errorToResponse(cyfserr.New(cyfserr.InvalidFormat, "transport: unknown op "+req.Op, nil)))
	}
}

type ndnRequest struct {
	Id    string `json:"id"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

func (n *Node) serveNDN(s network.Stream) {
	reader := bufio.NewReader(s)
	var req ndnRequest
	if err := readJSONLine(reader, &req); err != nil {
		return
	}
	if n.local == nil {
		_ = writeJSONLine(s, nonResponse{Ok: false, Code: cyfserr.UnSupport.String(), Message: "no local router wired"})
		return
	}
	id, err := objid.Parse(req.Id)
	if err != nil {
		_ = writeJSONLine(s, nonResponse{Ok: false, Code: cyfserr.InvalidFormat.String(), Message: "bad chunk id"})
		return
	}
	r, err := n.local.GetChunk(n.ctx, router.Target{None: true}, id, req.Start, req.End, acl.Anonymous, "")
	if err != nil {
		_ = writeJSONLine(s, errorToResponse(err))
		return
	}
	defer r.Close()
	_ = writeJSONLine(s, nonResponse{Ok: true})
	_, _ = io.Copy(s, r)
}

// p2pForwarder implements router.ObjectSender and router.ChunkPuller over
// this Node's NON/NDN streams, turning a DeviceId into a peer.ID via the
// device directory before dialing.
type p2pForwarder struct {
	node *Node
}

// NewForwarder returns a router.ObjectSender/ChunkPuller backed by node.
func NewForwarder(node *Node) *p2pForwarder { return &p2pForwarder{node: node} }

func (f *p2pForwarder) dial(ctx context.Context, target objid.ObjId, proto protocol.ID) (network.Stream, error) {
	p, ok := f.node.dir.Resolve(target)
	if !ok {
		return nil, cyfserr.New(cyfserr.ConnectFailed, fmt.Sprintf("transport: no known peer for device %s", target), nil)
	}
	s, err := f.node.host.NewStream(ctx, p, proto)
	if err != nil {
		return nil, cyfserr.New(cyfserr.ConnectFailed, "transport: open stream failed", err)
	}
	return s, nil
}

func (f *p2pForwarder) PutObject(ctx context.Context, target objid.ObjId, info router.NONObjectInfo, source acl.Source) error {
	s, err := f.dial(ctx, target, nonProtocol)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := writeJSONLine(s, nonRequest{Op: "put", Id: info.Id.String(), ObjectRaw: info.Raw, Source: encodeSource(source)}); err != nil {
		return cyfserr.New(cyfserr.ConnectFailed, "transport: write request failed", err)
	}
	var resp nonResponse
	if err := readJSONLine(bufio.NewReader(s), &resp); err != nil {
		return cyfserr.New(cyfserr.Timeout, "transport: read response failed", err)
	}
	if !resp.Ok {
		return responseToError(resp)
	}
	return nil
}

func (f *p2pForwarder) GetObject(ctx context.Context, target objid.ObjId, id objid.ObjId, source acl.Source) (router.NONObjectInfo, error) {
	s, err := f.dial(ctx, target, nonProtocol)
	if err != nil {
		return router.NONObjectInfo{}, err
	}
	defer s.Close()
	if err := writeJSONLine(s, nonRequest{Op: "get", Id: id.String(), Source: encodeSource(source)}); err != nil {
		return router.NONObjectInfo{}, cyfserr.New(cyfserr.ConnectFailed, "transport: write request failed", err)
	}
	var resp nonResponse
	if err := readJSONLine(bufio.NewReader(s), &resp); err != nil {
		return router.NONObjectInfo{}, cyfserr.New(cyfserr.Timeout, "transport: read response failed", err)
	}
	if !resp.Ok {
		return router.NONObjectInfo{}, responseToError(resp)
	}
	gotId, err := objid.Parse(resp.Id)
	if err != nil {
		return router.NONObjectInfo{}, cyfserr.New(cyfserr.InvalidFormat, "transport: peer returned bad id", err)
	}
	obj, err := objid.DecodeNamedObject(resp.ObjectRaw)
	if err != nil {
		return router.NONObjectInfo{}, cyfserr.New(cyfserr.InvalidFormat, "transport: peer returned undecodable object", err)
	}
	return router.NONObjectInfo{Id: gotId, Object: obj, Raw: resp.ObjectRaw}, nil
}

func (f *p2pForwarder) PostObject(ctx context.Context, target objid.ObjId, info router.NONObjectInfo, source acl.Source) (*router.NONObjectInfo, error) {
	s, err := f.dial(ctx, target, nonProtocol)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if err := writeJSONLine(s, nonRequest{Op: "post", Id: info.Id.String(), ObjectRaw: info.Raw, Source: encodeSource(source)}); err != nil {
		return nil, cyfserr.New(cyfserr.ConnectFailed, "transport: write request failed", err)
	}
	var resp nonResponse
	if err := readJSONLine(bufio.NewReader(s), &resp); err != nil {
		return nil, cyfserr.New(cyfserr.Timeout, "transport: read response failed", err)
	}
	if !resp.Ok {
		return nil, responseToError(resp)
	}
	if resp.NoReply {
		return nil, nil
	}
	gotId, err := objid.Parse(resp.Id)
	if err != nil {
		return nil, cyfserr.New(cyfserr.InvalidFormat, "transport: peer returned bad id", err)
	}
	return &router.NONObjectInfo{Id: gotId, Raw: resp.ObjectRaw}, nil
}

func (f *p2pForwarder) GetChunk(ctx context.Context, target objid.ObjId, id objid.ObjId, start, end int64) (io.ReadCloser, error) {
	s, err := f.dial(ctx, target, ndnProtocol)
	if err != nil {
		return nil, err
	}
	if err := writeJSONLine(s, ndnRequest{Id: id.String(), Start: start, End: end}); err != nil {
		s.Close()
		return nil, cyfserr.New(cyfserr.ConnectFailed, "transport: write request failed", err)
	}
	reader := bufio.NewReader(s)
	var resp nonResponse
	if err := readJSONLine(reader, &resp); err != nil {
		s.Close()
		return nil, cyfserr.New(cyfserr.Timeout, "transport: read response failed", err)
	}
	if !resp.Ok {
		s.Close()
		return nil, responseToError(resp)
	}
	return &streamReader{Reader: reader, closer: s}, nil
}

type streamReader struct {
	io.Reader
	closer io.Closer
}

func (s *streamReader) Close() error { return s.closer.Close() }
