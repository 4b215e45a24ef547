package httpapi

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cyfscore/cyfserr"
	"cyfscore/objid"
	"cyfscore/router"
)

func nonPath(id string) string { return "/non/" + id }

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := objid.Parse(idStr)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad object id", err))
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.IoError, "read body", err))
		return
	}
	obj, err := objid.DecodeNamedObject(raw)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidData, "decode object", err))
		return
	}
	source, err := s.sourceFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	info := router.NONObjectInfo{Id: id, Object: obj, Raw: raw}
	if err := s.core.PutObject(r.Context(), router.Target{None: true}, info, source, nonPath(idStr)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := objid.Parse(idStr)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad object id", err))
		return
	}
	source, err := s.sourceFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.core.GetObject(r.Context(), router.Target{None: true}, id, source, nonPath(idStr))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(info.Raw)
}

func (s *Server) handlePostObject(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := objid.Parse(idStr)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad object id", err))
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.IoError, "read body", err))
		return
	}
	source, err := s.sourceFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	reply, err := s.core.PostObject(r.Context(), router.Target{None: true}, router.NONObjectInfo{Id: id, Raw: raw}, source, nonPath(idStr))
	if err != nil {
		writeError(w, err)
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(reply.Raw)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := objid.Parse(idStr)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad object id", err))
		return
	}
	source, err := s.sourceFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.core.DeleteObject(id, source, nonPath(idStr)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
