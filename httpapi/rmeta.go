package httpapi

import (
	"encoding/json"
	"net/http"

	"cyfscore/acl"
	"cyfscore/cyfserr"
	"cyfscore/objid"
	"cyfscore/router"
)

// accessAddRequest is the POST /rmeta/access/add body: a path prefix plus
// either a Default access string (applied via DeriveAxis) or a Specified
// grant scoped to one exact (zone, dec).
type accessAddRequest struct {
	Zone          string `json:"zone"`
	Dec           string `json:"dec"`
	Path          string `json:"path"`
	Default       uint32 `json:"default"`
	SpecifiedZone string `json:"specified_zone,omitempty"`
	SpecifiedDec  string `json:"specified_dec,omitempty"`
	Specified     uint32 `json:"specified,omitempty"`
}

func (s *Server) handleAccessAdd(w http.ResponseWriter, r *http.Request) {
	var req accessAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad request body", err))
		return
	}
	zone, err := objid.Parse(req.Zone)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad zone", err))
		return
	}
	dec, err := objid.Parse(req.Dec)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad dec", err))
		return
	}

	rule := router.AccessRule{Path: req.Path, Default: acl.AccessString(req.Default)}
	if req.SpecifiedZone != "" || req.SpecifiedDec != "" {
		sz, err := objid.Parse(req.SpecifiedZone)
		if err != nil {
			writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad specified_zone", err))
			return
		}
		sd, err := objid.Parse(req.SpecifiedDec)
		if err != nil {
			writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad specified_dec", err))
			return
		}
		rule.SpecifiedZone = &sz
		rule.SpecifiedDec = &sd
		rule.Specified = acl.AccessString(req.Specified)
	}

	s.core.RuleTable(zone, dec).AddAccess(rule)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
