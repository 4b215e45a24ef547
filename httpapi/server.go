// Package httpapi is the HTTP surface spec.md §6 names "provided": a local
// UI and peer-to-peer fallback entrypoint under the /non, /ndn, /root_state
// and /rmeta prefixes. Shaped after the teacher's cmd/explorer
// Server{router,httpServer} + routes() pattern, with gorilla/mux swapped
// for the teacher's own declared-but-unused go-chi/chi dependency.
package httpapi

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"cyfscore/globalstate"
	"cyfscore/objid"
	"cyfscore/router"
	"cyfscore/telemetry"
)

// AdminBroadcaster gossips a verified AdminCommand to the rest of the
// issuing device's zone, so every device's globalstate.Engine converges on
// the same access mode without a direct connection to whichever device the
// command originated on. *transport.Node implements this.
type AdminBroadcaster interface {
	BroadcastAdminCommand(zoneId objid.ObjId, cmd globalstate.AdminCommand) error
}

// Server exposes a Router's object, chunk and global-state operations over
// HTTP.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	core       *router.Router
	state      *globalstate.Engine
	log        *zap.Logger
	metrics    *telemetry.Metrics
	broadcast  AdminBroadcaster

	sessMu   sync.Mutex
	sessions map[string]*globalstate.OpEnv
}

// SetMetrics attaches a telemetry.Metrics recorder for root_state commits.
// A Server with no Metrics attached records nothing (Metrics' own Record*
// methods are nil-safe).
func (s *Server) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// SetBroadcaster attaches the transport used to gossip AdminCommands to the
// rest of the zone. A Server with no broadcaster attached applies admin
// commands locally only, which is what single-device zones and tests want.
func (s *Server) SetBroadcaster(b AdminBroadcaster) { s.broadcast = b }

// NewServer constructs the chi router and HTTP server. log may be nil, in
// which case a no-op logger is used.
func NewServer(addr string, core *router.Router, state *globalstate.Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		core:     core,
		state:    state,
		log:      log,
		sessions: make(map[string]*globalstate.OpEnv),
	}
	s.routes()
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// Start runs the HTTP server, blocking until it stops or fails.
func (s *Server) Start() error { return s.httpServer.ListenAndServe() }

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error { return s.httpServer.Shutdown(ctx) }

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Route("/non/{id}", func(r chi.Router) {
		r.Put("/", s.handlePutObject)
		r.Get("/", s.handleGetObject)
		r.Post("/", s.handlePostObject)
		r.Delete("/", s.handleDeleteObject)
	})

	r.Route("/ndn/{chunkId}", func(r chi.Router) {
		r.Put("/", s.handlePutChunk)
		r.Get("/", s.handleGetChunk)
	})

	r.Route("/root_state", func(r chi.Router) {
		r.Get("/current_root", s.handleCurrentRoot)
		r.Route("/op_env/{session}", func(r chi.Router) {
			r.Post("/insert_with_key", s.handleInsertWithKey)
			r.Post("/commit", s.handleCommit)
		})
	})

	r.Route("/rmeta", func(r chi.Router) {
		r.Post("/access/add", s.handleAccessAdd)
		r.Post("/admin/access_mode", s.handleAdminAccessMode)
	})

	s.router = r
}
