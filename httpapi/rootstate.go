package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cyfscore/cyfserr"
	"cyfscore/globalstate"
	"cyfscore/objid"
)

// sessionEnv returns the OpEnv for an op_env session, opening a new
// path-scoped one against the caller's dec root on first use — spec.md §6
// names no separate "open session" call, only insert_with_key and commit,
// so the first operation against a session id implicitly opens it.
func (s *Server) sessionEnv(r *http.Request, session string) (*globalstate.OpEnv, error) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if env, ok := s.sessions[session]; ok {
		return env, nil
	}
	source, err := s.sourceFromRequest(r)
	if err != nil {
		return nil, err
	}
	env, err := globalstate.NewPathOpEnv(s.state, source, source.DecId)
	if err != nil {
		return nil, err
	}
	s.sessions[session] = env
	return env, nil
}

func (s *Server) dropSession(session string) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	delete(s.sessions, session)
}

type insertWithKeyRequest struct {
	Path    string `json:"path"`
	Key     string `json:"key"`
	ChildId string `json:"child_id"`
}

func (s *Server) handleInsertWithKey(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	var req insertWithKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad request body", err))
		return
	}
	child, err := objid.Parse(req.ChildId)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad child_id", err))
		return
	}
	env, err := s.sessionEnv(r, session)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := env.InsertWithKey(req.Path, req.Key, child); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	s.sessMu.Lock()
	env, ok := s.sessions[session]
	s.sessMu.Unlock()
	if !ok {
		writeError(w, cyfserr.New(cyfserr.NotFound, "unknown op_env session", nil))
		return
	}
	newRoot, err := env.Commit()
	s.dropSession(session)
	if err != nil {
		s.metrics.RecordCommit("error")
		writeError(w, err)
		return
	}
	s.metrics.RecordCommit("ok")
	writeJSON(w, http.StatusOK, map[string]string{"root": newRoot.String()})
}

func (s *Server) handleCurrentRoot(w http.ResponseWriter, r *http.Request) {
	decStr := r.URL.Query().Get("dec")
	if decStr == "" {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "missing dec query parameter", nil))
		return
	}
	dec, err := objid.Parse(decStr)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad dec", err))
		return
	}
	root, err := s.state.DecRoot(dec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"root": root.String()})
}
