package transport

import (
	"context"
	"testing"
	"time"

	"cyfscore/acl"
	"cyfscore/chunkstore"
	"cyfscore/objid"
	"cyfscore/router"
)

type fakeLocal struct {
	getInfo router.NONObjectInfo
	getErr  error
}

func (f *fakeLocal) PutObject(ctx context.Context, target router.Target, info router.NONObjectInfo, source acl.Source, path string) error {
	return nil
}

func (f *fakeLocal) GetObject(ctx context.Context, target router.Target, id objid.ObjId, source acl.Source, path string) (router.NONObjectInfo, error) {
	if f.getErr != nil {
		return router.NONObjectInfo{}, f.getErr
	}
	return f.getInfo, nil
}

func (f *fakeLocal) PostObject(ctx context.Context, target router.Target, info router.NONObjectInfo, source acl.Source, path string) (*router.NONObjectInfo, error) {
	return nil, nil
}

func (f *fakeLocal) GetChunk(ctx context.Context, target router.Target, id objid.ObjId, start, end int64, source acl.Source, path string) (chunkstore.SeekReader, error) {
	return nil, nil
}

func waitForPeer(t *testing.T, dir *DeviceDirectory, device objid.ObjId) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := dir.Resolve(device); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for identity handshake to resolve device %s", device)
}

func TestIdentityHandshakeAndNONRoundTrip(t *testing.T) {
	descA := &objid.Desc{TypeCode: 1, CreateTime: 1, Content: []byte("device-a")}
	deviceA := descA.Id(objid.FormOwnHash)
	descB := &objid.Desc{TypeCode: 1, CreateTime: 2, Content: []byte("device-b")}
	deviceB := descB.Id(objid.FormOwnHash)

	nodeA, err := NewNode(Config{ListenAddr: "/ip4/127.0.0.1/tcp/0", DiscoveryTag: "cyfscore-test", DeviceId: deviceA})
	if err != nil {
		t.Fatalf("NewNode A: %v", err)
	}
	t.Cleanup(func() { _ = nodeA.Close() })

	nodeB, err := NewNode(Config{ListenAddr: "/ip4/127.0.0.1/tcp/0", DiscoveryTag: "cyfscore-test", DeviceId: deviceB})
	if err != nil {
		t.Fatalf("NewNode B: %v", err)
	}
	t.Cleanup(func() { _ = nodeB.Close() })

	descObj := &objid.Desc{TypeCode: 5, CreateTime: 3, Content: []byte("payload")}
	objId := descObj.Id(objid.FormOwnHash)
	obj := &objid.NamedObject{Desc: descObj, Body: &objid.Body{UpdateTime: 3, Content: []byte("payload")}}
	raw := obj.EncodeCanonical(objid.PurposeSerialize)
	nodeB.SetLocalRouter(&fakeLocal{getInfo: router.NONObjectInfo{Id: objId, Object: obj, Raw: raw}})

	addrs := nodeB.HostAddrs()
	if len(addrs) == 0 {
		t.Fatalf("node B has no dialable addresses")
	}
	if err := nodeA.DialSeed([]string{addrs[0]}); err != nil {
		t.Fatalf("DialSeed: %v", err)
	}

	waitForPeer(t, nodeA.dir, deviceB)

	fwd := NewForwarder(nodeA)
	info, err := fwd.GetObject(context.Background(), deviceB, objId, acl.Anonymous)
	if err != nil {
		t.Fatalf("GetObject over the wire: %v", err)
	}
	if info.Id != objId {
		t.Fatalf("expected id %v, got %v", objId, info.Id)
	}
}
