package noc

import (
	"crypto/ed25519"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"cyfscore/acl"
	"cyfscore/cyfserr"
	"cyfscore/objid"
	"cyfscore/telemetry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Fs: afero.NewMemMapFs(), RootPath: "/noc", MemoryCacheSize: 64})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func signedObject(t *testing.T, bodyUpdateTime int64, content string) (*objid.NamedObject, objid.ObjId) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	desc := &objid.Desc{TypeCode: 9, CreateTime: 1, PublicKeys: [][]byte{pub}, Content: []byte("desc")}
	body := &objid.Body{UpdateTime: bodyUpdateTime, Content: []byte(content)}
	o := &objid.NamedObject{Desc: desc, Body: body}
	sig := objid.Sign(desc.EncodeCanonical(), priv, objid.SignatureSource{Kind: objid.SourceRefIndex, RefIndex: 0}, time.Unix(bodyUpdateTime, 0))
	o.DescSignatures = objid.SignatureSet{Signatures: []objid.Signature{sig}}
	return o, o.Id(objid.FormOwnHash)
}

func TestPutObjectAccepted(t *testing.T) {
	s := newTestStore(t)
	obj, id := signedObject(t, 1, "v1")
	raw := obj.EncodeCanonical(objid.PurposeSerialize)

	res, err := s.PutObject(PutRequest{Id: id, ObjectRaw: raw, StorageCategory: Storage})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if res.Outcome != Accepted {
		t.Fatalf("expected Accepted, got %v", res.Outcome)
	}

	got, err := s.GetObject(GetRequest{Id: id})
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if string(got.Object.Body.Content) != "v1" {
		t.Fatalf("unexpected body content: %q", got.Object.Body.Content)
	}
}

func TestPutObjectRejectsIdMismatch(t *testing.T) {
	s := newTestStore(t)
	obj, id := signedObject(t, 1, "v1")
	id[10] ^= 0xFF // corrupt the digest so recompute_id disagrees
	raw := obj.EncodeCanonical(objid.PurposeSerialize)

	_, err := s.PutObject(PutRequest{Id: id, ObjectRaw: raw, StorageCategory: Storage})
	if cyfserr.AsCode(err) != cyfserr.Unmatch {
		t.Fatalf("expected Unmatch, got %v", err)
	}
}

func TestPutObjectIdempotent(t *testing.T) {
	s := newTestStore(t)
	obj, id := signedObject(t, 1, "v1")
	raw := obj.EncodeCanonical(objid.PurposeSerialize)

	if _, err := s.PutObject(PutRequest{Id: id, ObjectRaw: raw, StorageCategory: Storage}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	res, err := s.PutObject(PutRequest{Id: id, ObjectRaw: raw, StorageCategory: Storage})
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if res.Outcome != AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", res.Outcome)
	}
}

func TestPutObjectNewerBodyReplaces(t *testing.T) {
	s := newTestStore(t)
	obj1, id := signedObject(t, 1, "v1")
	raw1 := obj1.EncodeCanonical(objid.PurposeSerialize)
	if _, err := s.PutObject(PutRequest{Id: id, ObjectRaw: raw1, StorageCategory: Storage}); err != nil {
		t.Fatalf("first put: %v", err)
	}

	// Construct a second version sharing the same desc (and therefore id)
	// but a newer body.
	obj2 := &objid.NamedObject{Desc: obj1.Desc, Body: &objid.Body{UpdateTime: 2, Content: []byte("v2")}}
	obj2.DescSignatures = obj1.DescSignatures
	raw2 := obj2.EncodeCanonical(objid.PurposeSerialize)

	res, err := s.PutObject(PutRequest{Id: id, ObjectRaw: raw2, StorageCategory: Storage})
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if res.Outcome != Updated {
		t.Fatalf("expected Updated, got %v", res.Outcome)
	}
	got, err := s.GetObject(GetRequest{Id: id})
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if string(got.Object.Body.Content) != "v2" {
		t.Fatalf("expected newer body to win, got %q", got.Object.Body.Content)
	}
}

func TestGetObjectDeniesWithoutRevealingExistence(t *testing.T) {
	s := newTestStore(t)
	obj, id := signedObject(t, 1, "secret")
	raw := obj.EncodeCanonical(objid.PurposeSerialize)
	denyAll := acl.AccessString(0)
	if _, err := s.PutObject(PutRequest{Id: id, ObjectRaw: raw, StorageCategory: Storage, AccessOverride: &denyAll}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	_, err := s.GetObject(GetRequest{Id: id, Source: acl.Anonymous})
	if cyfserr.AsCode(err) != cyfserr.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}

	// The same denied caller asking for an id that was never put must get
	// the identical error code: spec.md §4.2 "Applies the access-string
	// check first; on denial returns PermissionDenied without revealing
	// existence" — NotFound here would let a caller distinguish "denied"
	// from "never existed".
	_, neverPutId := signedObject(t, 1, "never-put")
	_, err = s.GetObject(GetRequest{Id: neverPutId, Source: acl.Anonymous})
	if cyfserr.AsCode(err) != cyfserr.PermissionDenied {
		t.Fatalf("expected PermissionDenied for a missing id too, got %v", err)
	}
}

func TestDeleteObjectReturnsRemovedRecord(t *testing.T) {
	s := newTestStore(t)
	obj, id := signedObject(t, 1, "v1")
	raw := obj.EncodeCanonical(objid.PurposeSerialize)
	if _, err := s.PutObject(PutRequest{Id: id, ObjectRaw: raw, StorageCategory: Storage}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	res, err := s.DeleteObject(GetRequest{Id: id})
	if err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if string(res.Object.Body.Content) != "v1" {
		t.Fatalf("unexpected deleted content: %q", res.Object.Body.Content)
	}
	if exists := s.ExistsObject(id); exists.Meta {
		t.Fatalf("expected record to be gone after delete")
	}
}

func TestEvictionDropsAscendingLastAccess(t *testing.T) {
	s := newTestStore(t)

	obj1, id1 := signedObject(t, 1, "a")
	obj2, id2 := signedObject(t, 1, "bbbbbbbbbb")
	raw1 := obj1.EncodeCanonical(objid.PurposeSerialize)
	raw2 := obj2.EncodeCanonical(objid.PurposeSerialize)

	// Budget room for either record alone (raw2 is the larger), not for both
	// at once.
	s.cacheBudget = int64(len(raw2)) + 4

	if _, err := s.PutObject(PutRequest{Id: id1, ObjectRaw: raw1, StorageCategory: Cache}); err != nil {
		t.Fatalf("put1: %v", err)
	}
	if !s.ExistsObject(id1).Meta {
		t.Fatalf("first record should fit under the budget alone")
	}
	// Both puts land within the same second; age the first record so the
	// last_access_time ordering is not a tie.
	s.meta[id1].LastAccessTime--
	if _, err := s.PutObject(PutRequest{Id: id2, ObjectRaw: raw2, StorageCategory: Cache}); err != nil {
		t.Fatalf("put2: %v", err)
	}

	if s.ExistsObject(id1).Meta {
		t.Fatalf("expected the earlier, now-stale record to have been evicted")
	}
	if !s.ExistsObject(id2).Meta {
		t.Fatalf("expected the newer record to survive eviction")
	}
}

func TestEvictionRecordsMetric(t *testing.T) {
	metrics := telemetry.New(nil)
	s, err := Open(Config{Fs: afero.NewMemMapFs(), RootPath: "/noc", MemoryCacheSize: 64, Metrics: metrics})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	obj1, id1 := signedObject(t, 1, "a")
	obj2, id2 := signedObject(t, 1, "bbbbbbbbbb")
	raw1 := obj1.EncodeCanonical(objid.PurposeSerialize)
	raw2 := obj2.EncodeCanonical(objid.PurposeSerialize)
	s.cacheBudget = int64(len(raw2)) + 4

	if _, err := s.PutObject(PutRequest{Id: id1, ObjectRaw: raw1, StorageCategory: Cache}); err != nil {
		t.Fatalf("put1: %v", err)
	}
	if _, err := s.PutObject(PutRequest{Id: id2, ObjectRaw: raw2, StorageCategory: Cache}); err != nil {
		t.Fatalf("put2: %v", err)
	}

	srv, err := metrics.StartServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer srv.Close()
	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "cyfs_noc_evictions_total 1") {
		t.Fatalf("expected exactly one recorded eviction, got:\n%s", body)
	}
}

func TestSelectObjectPaginates(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		obj, id := signedObject(t, int64(i+1), "x")
		if _, err := s.PutObject(PutRequest{Id: id, ObjectRaw: obj.EncodeCanonical(objid.PurposeSerialize), StorageCategory: Storage}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	page := s.SelectObject(SelectFilter{}, SelectOptions{PageSize: 2})
	if len(page.Records) != 2 || page.NextId == nil {
		t.Fatalf("expected a first page of 2 with more to come, got %d records, next=%v", len(page.Records), page.NextId)
	}

	var total int
	for {
		total += len(page.Records)
		if page.NextId == nil {
			break
		}
		page = s.SelectObject(SelectFilter{}, SelectOptions{PageSize: 2, AfterId: page.NextId})
	}
	if total != 5 {
		t.Fatalf("expected all 5 records across pages, got %d", total)
	}
}

func TestReopenReplaysWAL(t *testing.T) {
	fs := afero.NewMemMapFs()
	s1, err := Open(Config{Fs: fs, RootPath: "/noc"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	obj, id := signedObject(t, 1, "persisted")
	if _, err := s1.PutObject(PutRequest{Id: id, ObjectRaw: obj.EncodeCanonical(objid.PurposeSerialize), StorageCategory: Storage}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(Config{Fs: fs, RootPath: "/noc"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	got, err := s2.GetObject(GetRequest{Id: id})
	if err != nil {
		t.Fatalf("GetObject after reopen: %v", err)
	}
	if string(got.Object.Body.Content) != "persisted" {
		t.Fatalf("unexpected content after reopen: %q", got.Object.Body.Content)
	}
}
