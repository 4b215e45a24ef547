package globalstate

import (
	"sync"

	"cyfscore/cyfserr"
	"cyfscore/objid"
)

// AccessMode gates whether off-dec sources may mutate a dec's global state
// (spec.md §4.4.4).
type AccessMode uint8

const (
	// Write is the default: off-dec write ops are evaluated normally by
	// rmeta (spec.md doesn't name a default; Write is chosen so a freshly
	// created dec is usable without an explicit AdminCommand first).
	Write AccessMode = iota
	Read
)

// AdminCommand changes a dec's access mode. Its signature chain must
// terminate at the zone owner (spec.md §4.4.4); verifying that chain is the
// caller's responsibility (it needs the owner object and friend/zone
// context the router holds, not the engine) — AdminCommand.Verified
// records that the caller already did so.
type AdminCommand struct {
	DecId    objid.ObjId
	Mode     AccessMode
	Verified bool
}

type accessModeRegister struct {
	mu    sync.RWMutex
	modes map[objid.ObjId]AccessMode
}

func newAccessModeRegister() *accessModeRegister {
	return &accessModeRegister{modes: make(map[objid.ObjId]AccessMode)}
}

func (r *accessModeRegister) get(dec objid.ObjId) AccessMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.modes[dec]; ok {
		return m
	}
	return Write
}

func (r *accessModeRegister) set(dec objid.ObjId, mode AccessMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[dec] = mode
}

// ApplyAdminCommand changes dec's access mode. cmd must already have been
// signature-verified against the zone owner by the caller.
func (e *Engine) ApplyAdminCommand(cmd AdminCommand) error {
	if !cmd.Verified {
		return cyfserr.New(cyfserr.PermissionDenied, "globalstate: admin command not verified against zone owner", nil)
	}
	e.modes.set(cmd.DecId, cmd.Mode)
	return nil
}

// AccessMode reports dec's current mode.
func (e *Engine) AccessMode(dec objid.ObjId) AccessMode { return e.modes.get(dec) }
