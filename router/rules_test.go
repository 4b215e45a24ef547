package router

import (
	"testing"
	"time"

	"cyfscore/acl"
	"cyfscore/cyfserr"
	"cyfscore/objid"
)

func testId(t *testing.T, seed byte) objid.ObjId {
	t.Helper()
	desc := &objid.Desc{TypeCode: 7, CreateTime: int64(seed), Content: []byte{seed}}
	return desc.Id(objid.FormOwnHash)
}

func TestRuleTableLongestPrefixWins(t *testing.T) {
	table := NewRuleTable()
	table.AddAccess(AccessRule{Path: "/a", Default: acl.Full})
	table.AddAccess(AccessRule{Path: "/a/b", Default: acl.DecDefault})

	rule, ok := table.MatchAccess("/a/b/c")
	if !ok {
		t.Fatalf("expected a match")
	}
	if rule.Path != "/a/b" {
		t.Fatalf("expected the longer prefix /a/b to win, got %q", rule.Path)
	}
}

func TestRuleTableTieBrokenByInsertionOrder(t *testing.T) {
	table := NewRuleTable()
	table.AddAccess(AccessRule{Path: "/x", Default: acl.Full})
	table.AddAccess(AccessRule{Path: "/x", Default: acl.DecDefault})

	rule, ok := table.MatchAccess("/x/y")
	if !ok || rule.Default != acl.Full {
		t.Fatalf("expected the first-inserted /x rule to win ties")
	}
}

func TestRuleTableNoMatch(t *testing.T) {
	table := NewRuleTable()
	table.AddAccess(AccessRule{Path: "/other", Default: acl.Full})
	if _, ok := table.MatchAccess("/unrelated"); ok {
		t.Fatalf("expected no match")
	}
}

func TestLinkRuleResolve(t *testing.T) {
	table := NewRuleTable()
	table.AddLink(LinkRule{Path: "/alias", Target: "/real"})

	if got := table.Resolve("/alias/inner"); got != "/real/inner" {
		t.Fatalf("expected alias rewrite, got %q", got)
	}
}

func TestObjectMetaGlobMatch(t *testing.T) {
	table := NewRuleTable()
	table.AddMeta(ObjectMetaRule{Selector: "photo-*.jpg", Default: acl.Full})

	if _, ok := table.MatchMeta("photo-1.jpg"); !ok {
		t.Fatalf("expected glob to match")
	}
	if _, ok := table.MatchMeta("video-1.mp4"); ok {
		t.Fatalf("expected glob not to match")
	}
}

func TestBuiltinDefaultsWhenNoRuleMatches(t *testing.T) {
	zone := testId(t, 1)
	dec := testId(t, 2)
	otherDec := testId(t, 3)

	d := &AccessDecider{}

	sameZoneSameDec := acl.Source{ZoneCategory: acl.CurrentZone, ZoneId: zone, DecId: dec, Verified: true}
	if !d.Decide(sameZoneSameDec, "/p", acl.Write, zone, dec) {
		t.Fatalf("same-zone-same-dec should get write by default")
	}

	sameZoneOtherDec := acl.Source{ZoneCategory: acl.CurrentZone, ZoneId: zone, DecId: otherDec, Verified: true}
	if d.Decide(sameZoneOtherDec, "/p", acl.Write, zone, dec) {
		t.Fatalf("same-zone-other-dec should not get write by default")
	}
	if !d.Decide(sameZoneOtherDec, "/p", acl.Read, zone, dec) {
		t.Fatalf("same-zone-other-dec should get read by default")
	}

	friend := acl.Source{ZoneCategory: acl.FriendZoneCategory, Verified: true}
	if !d.Decide(friend, "/p", acl.Read, zone, dec) {
		t.Fatalf("friend-zone should get read by default")
	}
	if d.Decide(friend, "/p", acl.Write, zone, dec) {
		t.Fatalf("friend-zone should not get write by default")
	}

	if d.Decide(acl.Anonymous, "/p", acl.Read, zone, dec) {
		t.Fatalf("other-zone/anonymous should be denied by default")
	}
}

func TestAccessDeciderHonoursSpecifiedRule(t *testing.T) {
	zone := testId(t, 10)
	dec := testId(t, 11)
	otherDec := testId(t, 12)

	table := NewRuleTable()
	table.AddAccess(AccessRule{
		Path:          "/shared",
		SpecifiedZone: &zone,
		SpecifiedDec:  &otherDec,
		Specified:     acl.Full,
		Default:       0,
	})
	d := &AccessDecider{Table: table}

	src := acl.Source{ZoneCategory: acl.CurrentZone, ZoneId: zone, DecId: otherDec, Verified: true}
	if !d.Decide(src, "/shared/x", acl.Write, zone, dec) {
		t.Fatalf("expected the Specified rule to grant write")
	}
}

func TestHandlerChainRejectShortCircuits(t *testing.T) {
	chain := NewChain()
	chain.Use(func(Event) Verdict { return Verdict{Action: Reject} })
	chain.Use(func(Event) Verdict { t.Fatalf("second handler should not run"); return Verdict{} })

	d := &AccessDecider{Chain: chain}
	if d.Decide(acl.Anonymous, "/p", acl.Read, objid.ObjId{}, objid.ObjId{}) {
		t.Fatalf("expected Reject handler to deny access")
	}
}

func TestHandlerChainPassSkipsRestButContinues(t *testing.T) {
	chain := NewChain()
	chain.Use(func(Event) Verdict { return Verdict{Action: Pass} })
	chain.Use(func(Event) Verdict { t.Fatalf("handler after Pass should not run"); return Verdict{} })

	zone := testId(t, 20)
	d := &AccessDecider{Chain: chain}
	src := acl.Source{ZoneCategory: acl.CurrentZone, ZoneId: zone, DecId: zone, Verified: true}
	if !d.Decide(src, "/p", acl.Read, zone, zone) {
		t.Fatalf("expected default flow to run after Pass")
	}
}

func TestFailureCacheExpires(t *testing.T) {
	fc := NewFailureCache(16)
	target := testId(t, 30)
	fc.MarkFailed(target, cyfserr.ConnectFailed)

	if _, failed := fc.Check(target); !failed {
		t.Fatalf("expected target to be in its failure window")
	}

	fc.mu.Lock()
	e, _ := fc.c.Get(target)
	e.expiresAt = time.Now().Add(-time.Second)
	fc.c.Add(target, e)
	fc.mu.Unlock()

	if _, failed := fc.Check(target); failed {
		t.Fatalf("expected expired entry to no longer report failed")
	}
}

func TestPathCacheRecordsHitsAndFailures(t *testing.T) {
	pc := NewPathCache()
	root := testId(t, 40)
	id := testId(t, 41)

	pc.RecordHit(root, "/a/b", id)
	got, cachedErr, found := pc.Lookup(root, "/a/b")
	if !found || cachedErr != nil || got != id {
		t.Fatalf("expected cached hit, got found=%v err=%v id=%v", found, cachedErr, got)
	}

	pc.RecordFailure(root, "/missing", cyfserr.New(cyfserr.NotFound, "nope", nil))
	_, cachedErr, found = pc.Lookup(root, "/missing")
	if !found || cachedErr == nil || cachedErr.Code != cyfserr.NotFound {
		t.Fatalf("expected cached failure, got found=%v err=%v", found, cachedErr)
	}

	// A later hit for the same key clears the cached failure.
	pc.RecordHit(root, "/missing", id)
	_, cachedErr, found = pc.Lookup(root, "/missing")
	if !found || cachedErr != nil {
		t.Fatalf("expected the hit to supersede the cached failure")
	}
}

func TestClassifySourceDefaultsAnonymousWhenDeviceAbsent(t *testing.T) {
	r := New(Config{Local: LocalIdentity{}})
	src := r.ClassifySource(objid.ObjId{}, objid.ObjId{}, objid.ObjId{}, true)
	if src.ZoneCategory != acl.OtherZone || src.Verified {
		t.Fatalf("expected acl.Anonymous, got %+v", src)
	}
}

func TestClassifyCurrentDeviceAndFriendZone(t *testing.T) {
	device := testId(t, 50)
	zone := testId(t, 51)
	friendZone := testId(t, 52)
	local := LocalIdentity{DeviceId: device, ZoneId: zone}
	friends := StaticFriends{friendZone.String(): struct{}{}}

	if got := Classify(local, device, zone, true, friends); got != acl.CurrentDevice {
		t.Fatalf("expected CurrentDevice, got %v", got)
	}
	if got := Classify(local, testId(t, 53), friendZone, true, friends); got != acl.FriendZoneCategory {
		t.Fatalf("expected FriendZone, got %v", got)
	}
	if got := Classify(local, testId(t, 54), testId(t, 55), true, friends); got != acl.OtherZone {
		t.Fatalf("expected OtherZone, got %v", got)
	}
	if got := Classify(local, testId(t, 56), testId(t, 57), false, friends); got != acl.OtherZone {
		t.Fatalf("unverified should never classify above OtherZone")
	}
}
