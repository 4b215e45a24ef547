package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// loggingMiddleware mirrors the teacher's cmd/explorer loggingMiddleware,
// switched from the stdlib *log.Logger to zap per the house logging
// convention the rest of the module uses.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("http request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}
