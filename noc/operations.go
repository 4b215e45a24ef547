package noc

import (
	"time"

	"cyfscore/acl"
	"cyfscore/cyfserr"
	"cyfscore/objid"
)

// PutObject implements spec.md §4.2's put_object: idempotent insert with
// body-newer-wins / sign-merge semantics, serialized per id.
func (s *Store) PutObject(req PutRequest) (PutResult, error) {
	parsed := req.Parsed
	if parsed == nil {
		decoded, err := objid.DecodeNamedObject(req.ObjectRaw)
		if err != nil {
			return PutResult{}, cyfserr.New(cyfserr.InvalidFormat, "noc: put_object: object_raw does not parse", err)
		}
		parsed = decoded
	}
	if recomputed := parsed.Id(req.Id.Form()); recomputed != req.Id {
		return PutResult{}, cyfserr.New(cyfserr.Unmatch, "noc: put_object: id does not match recompute_id(object_raw)", nil)
	}

	unlock := s.locks.Lock(req.Id)
	defer unlock()

	now := time.Now().Unix()

	s.mu.RLock()
	existing, had := s.meta[req.Id]
	s.mu.RUnlock()

	if !had {
		access := acl.DecDefault
		if req.AccessOverride != nil {
			access = *req.AccessOverride
		}
		var createDec objid.ObjId
		if req.Source.Verified {
			createDec = req.Source.DecId
		}
		r := &Record{
			Id:              req.Id,
			Object:          parsed,
			Raw:             req.ObjectRaw,
			InsertTime:      now,
			LastUpdateTime:  now,
			LastAccessTime:  now,
			CreateDec:       createDec,
			Access:          access,
			StorageCategory: req.StorageCategory,
			Context:         req.Context,
			LastAccessRPath: req.LastAccessRPath,
		}
		if err := s.persist(walPut, r); err != nil {
			return PutResult{}, err
		}
		return PutResult{Outcome: Accepted, UpdateTime: r.LastUpdateTime, ExpireTime: r.Object.Desc.ExpireTime}, nil
	}

	// An access override on an existing record requires write on the
	// current record, per spec.md §4.2's put_object precondition.
	if req.AccessOverride != nil {
		axis := acl.DeriveAxis(req.Source, existing.CreateDec, existing.CreateDec)
		if !acl.Check(existing.Access, axis, acl.Write) {
			return PutResult{}, cyfserr.New(cyfserr.PermissionDenied, "noc: put_object: access override requires write", nil)
		}
	}

	winner, replaced := objid.MergeBody(existing.Object, parsed)
	// Copy rather than mutate winner in place: winner may alias
	// existing.Object, which a concurrent GetObject could be holding a
	// reference to outside this id's lock.
	merged := &objid.NamedObject{
		Desc:           winner.Desc,
		Body:           winner.Body,
		DescSignatures: winner.DescSignatures,
		BodySignatures: winner.BodySignatures,
	}
	descSigs, descGrew := existing.Object.DescSignatures.Merge(&parsed.DescSignatures)
	merged.DescSignatures = *descSigs

	outcome := AlreadyExists
	switch {
	case replaced:
		outcome = Updated
	case descGrew:
		outcome = Merged
	default:
		if bodySigs, bodyGrew := existing.Object.BodySignatures.Merge(&parsed.BodySignatures); bodyGrew {
			merged.BodySignatures = *bodySigs
			outcome = Merged
		}
	}

	if outcome == AlreadyExists {
		return PutResult{Outcome: AlreadyExists, UpdateTime: existing.LastUpdateTime, ExpireTime: existing.Object.Desc.ExpireTime}, nil
	}

	access := existing.Access
	if req.AccessOverride != nil {
		access = *req.AccessOverride
	}
	r := &Record{
		Id:              req.Id,
		Object:          merged,
		Raw:             merged.EncodeCanonical(objid.PurposeSerialize),
		InsertTime:      existing.InsertTime,
		LastUpdateTime:  now,
		LastAccessTime:  existing.LastAccessTime,
		CreateDec:       existing.CreateDec,
		Access:          access,
		StorageCategory: existing.StorageCategory,
		Context:         req.Context,
		LastAccessRPath: existing.LastAccessRPath,
	}
	if err := s.persist(walPut, r); err != nil {
		return PutResult{}, err
	}
	return PutResult{Outcome: outcome, UpdateTime: r.LastUpdateTime, ExpireTime: r.Object.Desc.ExpireTime}, nil
}

func (s *Store) persist(op walOp, r *Record) error {
	if err := s.wal.append(recordToEntry(op, r)); err != nil {
		return err
	}
	s.mu.Lock()
	if old, ok := s.meta[r.Id]; ok {
		s.totalSize -= int64(len(old.Raw))
	}
	if op == walPut {
		s.meta[r.Id] = r
		s.totalSize += int64(len(r.Raw))
	} else {
		delete(s.meta, r.Id)
	}
	s.mu.Unlock()
	if s.memCache != nil {
		if op == walPut {
			s.memCache.Add(r.Id, r.Object)
		} else {
			s.memCache.Remove(r.Id)
		}
	}
	s.maybeCheckpoint()
	if op == walPut && r.StorageCategory == Cache {
		s.evictIfNeeded()
	}
	return nil
}

// GetObject implements spec.md §4.2's get_object: access-gated lookup that
// never reveals existence on denial, and refreshes last-access bookkeeping
// unless the caller asked not to.
func (s *Store) GetObject(req GetRequest) (GetResult, error) {
	unlock := s.locks.Lock(req.Id)
	defer unlock()

	s.mu.RLock()
	r, ok := s.meta[req.Id]
	s.mu.RUnlock()
	if !ok {
		if !checkAccessForMissing(req.Source, acl.Read) {
			return GetResult{}, cyfserr.New(cyfserr.PermissionDenied, "noc: get_object: access denied", nil)
		}
		return GetResult{}, cyfserr.New(cyfserr.NotFound, "noc: get_object: no such record", nil)
	}
	if !checkAccess(r, req.Source, acl.Read) {
		return GetResult{}, cyfserr.New(cyfserr.PermissionDenied, "noc: get_object: access denied", nil)
	}

	if !req.NoUpdateLastAccess {
		updated := *r
		updated.LastAccessTime = time.Now().Unix()
		if err := s.persist(walPut, &updated); err != nil {
			return GetResult{}, err
		}
		r = &updated
	}
	return GetResult{Object: r.Object, Meta: *r}, nil
}

// DeleteObject implements spec.md §4.2's delete_object: access-gated,
// returns the record that was removed.
func (s *Store) DeleteObject(req GetRequest) (GetResult, error) {
	unlock := s.locks.Lock(req.Id)
	defer unlock()

	s.mu.RLock()
	r, ok := s.meta[req.Id]
	s.mu.RUnlock()
	if !ok {
		if !checkAccessForMissing(req.Source, acl.Write) {
			return GetResult{}, cyfserr.New(cyfserr.PermissionDenied, "noc: delete_object: access denied", nil)
		}
		return GetResult{}, cyfserr.New(cyfserr.NotFound, "noc: delete_object: no such record", nil)
	}
	if !checkAccess(r, req.Source, acl.Write) {
		return GetResult{}, cyfserr.New(cyfserr.PermissionDenied, "noc: delete_object: access denied", nil)
	}
	if err := s.persist(walDelete, r); err != nil {
		return GetResult{}, err
	}
	return GetResult{Object: r.Object, Meta: *r}, nil
}

// ExistsObject implements spec.md §4.2's exists_object: meta may exist
// without bytes (an orphan record), so the two flags are reported
// independently.
func (s *Store) ExistsObject(id objid.ObjId) ExistsResult {
	s.mu.RLock()
	r, ok := s.meta[id]
	s.mu.RUnlock()
	if !ok {
		return ExistsResult{}
	}
	return ExistsResult{Meta: true, Object: len(r.Raw) > 0}
}

// Stat implements spec.md §4.2's stat().
func (s *Store) Stat() Stat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stat{Count: len(s.meta), StorageSize: s.totalSize}
}
