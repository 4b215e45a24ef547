package httpapi

import (
	"encoding/json"
	"net/http"

	"cyfscore/acl"
	"cyfscore/cyfserr"
	"cyfscore/objid"
)

// sourceFromRequest derives an acl.Source for an HTTP caller. The HTTP
// surface is local-only (spec.md §6: "for local UIs and for peer-to-peer
// fallback"), so the device and zone are always this router's own —  only
// the dec varies, carried in the cyfs-dec-id header a UI sets per
// application.
func (s *Server) sourceFromRequest(r *http.Request) (acl.Source, error) {
	local := s.core.Local()
	dec := local.DeviceId
	if h := r.Header.Get("cyfs-dec-id"); h != "" {
		parsed, err := objid.Parse(h)
		if err != nil {
			return acl.Source{}, cyfserr.New(cyfserr.InvalidFormat, "bad cyfs-dec-id header", err)
		}
		dec = parsed
	}
	return s.core.ClassifySource(local.DeviceId, local.ZoneId, dec, true), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch cyfserr.AsCode(err) {
	case cyfserr.NotFound:
		status = http.StatusNotFound
	case cyfserr.InvalidData, cyfserr.InvalidFormat, cyfserr.InvalidSignature, cyfserr.Unmatch:
		status = http.StatusBadRequest
	case cyfserr.PermissionDenied:
		status = http.StatusForbidden
	case cyfserr.AlreadyExists, cyfserr.Conflict:
		status = http.StatusConflict
	case cyfserr.Timeout:
		status = http.StatusGatewayTimeout
	case cyfserr.UnSupport:
		status = http.StatusNotImplemented
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
