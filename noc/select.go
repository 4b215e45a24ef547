package noc

import (
	"sort"

	"cyfscore/objid"
)

// SelectFilter narrows select_object by time range, type code, owner or
// dec (spec.md §4.2). A zero value matches every record.
type SelectFilter struct {
	InsertTimeFrom, InsertTimeTo int64 // zero means unbounded
	TypeCode                     *uint16
	Owner                        *objid.ObjId
	CreateDec                    *objid.ObjId
}

func (f SelectFilter) matches(r *Record) bool {
	if f.InsertTimeFrom != 0 && r.InsertTime < f.InsertTimeFrom {
		return false
	}
	if f.InsertTimeTo != 0 && r.InsertTime > f.InsertTimeTo {
		return false
	}
	if f.TypeCode != nil && r.Object.Desc.TypeCode != *f.TypeCode {
		return false
	}
	if f.Owner != nil {
		if r.Object.Desc.Owner == nil || *r.Object.Desc.Owner != *f.Owner {
			return false
		}
	}
	if f.CreateDec != nil && r.CreateDec != *f.CreateDec {
		return false
	}
	return true
}

// SelectOptions paginates a select_object call.
type SelectOptions struct {
	PageSize int
	// AfterId resumes a previous page: results start strictly after this id
	// in the stable sort order (by InsertTime, then Id).
	AfterId *objid.ObjId
}

// SelectPage is one page of select_object results.
type SelectPage struct {
	Records []Record
	NextId  *objid.ObjId // nil once exhausted
}

// SelectObject implements spec.md §4.2's select_object, paginated and
// ordered by insert_time then id so repeated calls make forward progress.
// Each call collects and sorts every matching record before returning one
// page. It performs no access check of its own, and no router or HTTP path
// calls it.
func (s *Store) SelectObject(filter SelectFilter, opt SelectOptions) SelectPage {
	s.mu.RLock()
	matched := make([]*Record, 0)
	for _, r := range s.meta {
		if filter.matches(r) {
			matched = append(matched, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].InsertTime != matched[j].InsertTime {
			return matched[i].InsertTime < matched[j].InsertTime
		}
		return matched[i].Id.Compare(matched[j].Id) < 0
	})

	start := 0
	if opt.AfterId != nil {
		for i, r := range matched {
			if r.Id == *opt.AfterId {
				start = i + 1
				break
			}
		}
	}

	pageSize := opt.PageSize
	if pageSize <= 0 {
		pageSize = len(matched) - start
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	if start > len(matched) {
		start = len(matched)
	}

	page := make([]Record, 0, end-start)
	for _, r := range matched[start:end] {
		page = append(page, *r)
	}

	var next *objid.ObjId
	if end < len(matched) {
		id := matched[end-1].Id
		next = &id
	}
	return SelectPage{Records: page, NextId: next}
}
