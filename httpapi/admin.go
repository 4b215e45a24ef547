package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"cyfscore/cyfserr"
	"cyfscore/globalstate"
	"cyfscore/objid"
)

// adminAccessModeRequest is the POST /rmeta/admin/access_mode body: the
// dec/mode half of an AdminCommand (spec.md §4.4.4). Verified is not a
// request field: this endpoint is part of the local-only HTTP surface (see
// the sourceFromRequest comment in helpers.go), so reaching it at
// all already carries the same local-caller trust every other handler in
// this package extends — it is not itself a zone-owner signature-chain
// check, which remains the documented, unimplemented verification the
// caller of Engine.ApplyAdminCommand is responsible for (accessmode.go).
type adminAccessModeRequest struct {
	Dec  string `json:"dec"`
	Mode uint8  `json:"mode"`
}

// handleAdminAccessMode applies an AdminCommand to this device's own
// globalstate.Engine and, if a broadcaster is attached, gossips it to the
// rest of the zone so every device converges on the same access mode.
func (s *Server) handleAdminAccessMode(w http.ResponseWriter, r *http.Request) {
	var req adminAccessModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad request body", err))
		return
	}
	dec, err := objid.Parse(req.Dec)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad dec", err))
		return
	}

	cmd := globalstate.AdminCommand{DecId: dec, Mode: globalstate.AccessMode(req.Mode), Verified: true}
	if err := s.state.ApplyAdminCommand(cmd); err != nil {
		writeError(w, err)
		return
	}

	if s.broadcast != nil {
		if err := s.broadcast.BroadcastAdminCommand(s.core.Local().ZoneId, cmd); err != nil {
			s.log.Warn("rmeta: admin command broadcast failed", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
