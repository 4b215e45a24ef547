package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"cyfscore/cyfserr"
	"cyfscore/objid"
	"cyfscore/router"
)

func ndnPath(id string) string { return "/ndn/" + id }

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "chunkId")
	id, err := objid.Parse(idStr)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad chunk id", err))
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.IoError, "read body", err))
		return
	}
	source, err := s.sourceFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.core.PutChunk(id, data, source, ndnPath(idStr)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// parseRange parses a single-range "bytes=a-b" header per spec.md §6
// ("Range: bytes=a-b supported"). HTTP ranges are inclusive of both ends;
// the returned end is adjusted to the chunkstore's [start, end) convention.
// A missing header returns (0, 0, false): the router's own zero/zero
// convention for "whole chunk".
func parseRange(header string) (start, end int64, ok bool, err error) {
	if header == "" {
		return 0, 0, false, nil
	}
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, 0, false, fmt.Errorf("unsupported range unit in %q", header)
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false, fmt.Errorf("malformed range %q", header)
	}
	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false, err
	}
	end, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false, err
	}
	end++
	return start, end, true, nil
}

func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "chunkId")
	id, err := objid.Parse(idStr)
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad chunk id", err))
		return
	}
	start, end, ranged, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		writeError(w, cyfserr.New(cyfserr.InvalidFormat, "bad Range header", err))
		return
	}
	source, err := s.sourceFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	reader, err := s.core.GetChunk(r.Context(), router.Target{None: true}, id, start, end, source, ndnPath(idStr))
	if err != nil {
		writeError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if ranged {
		w.WriteHeader(http.StatusPartialContent)
	}
	_, _ = io.Copy(w, reader)
}
