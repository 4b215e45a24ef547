// Package telemetry wires prometheus/client_golang counters and gauges for
// the NOC, chunk store, global-state commit, and router operations,
// grounded on the teacher's core/system_health_logging.go HealthLogger
// (a private prometheus.Registry plus named Gauge/Counter fields, served
// over a dedicated http.Server rather than the default global registry).
package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics is a nil-safe recorder: every Record* method is a no-op on a nil
// *Metrics, so callers (router, noc, httpapi) can hold an optional
// field and skip constructing one in tests that don't care about metrics.
type Metrics struct {
	registry *prometheus.Registry
	log      *zap.Logger

	nocOps     *prometheus.CounterVec
	chunkOps   *prometheus.CounterVec
	commits    *prometheus.CounterVec
	forwards   *prometheus.CounterVec
	cacheHits  *prometheus.CounterVec
	evictions  prometheus.Counter
	pathLocked prometheus.Gauge
}

// New builds a Metrics with its own registry (never the global default one,
// so multiple Engines/Routers in the same test binary don't collide on
// duplicate registration).
func New(log *zap.Logger) *Metrics {
	if log == nil {
		log = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		log:      log,
		nocOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cyfs_noc_ops_total",
			Help: "NOC put/get/delete operations by op and result.",
		}, []string{"op", "result"}),
		chunkOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cyfs_chunk_ops_total",
			Help: "Chunk store put/get operations by op and result.",
		}, []string{"op", "result"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cyfs_state_commits_total",
			Help: "Global-state op-env commits by result.",
		}, []string{"result"}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cyfs_router_forwards_total",
			Help: "Router forward attempts by op and result.",
		}, []string{"op", "result"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cyfs_router_path_cache_total",
			Help: "Router path cache lookups by outcome (hit/miss/failure).",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cyfs_noc_evictions_total",
			Help: "NOC cache-category records evicted under the byte budget.",
		}),
		pathLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cyfs_state_locked_paths",
			Help: "Global-state paths currently held by an advisory lock.",
		}),
	}
	reg.MustRegister(m.nocOps, m.chunkOps, m.commits, m.forwards, m.cacheHits, m.evictions, m.pathLocked)
	return m
}

func (m *Metrics) RecordNOCOp(op, result string) {
	if m == nil {
		return
	}
	m.nocOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RecordChunkOp(op, result string) {
	if m == nil {
		return
	}
	m.chunkOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RecordCommit(result string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordForward(op, result string) {
	if m == nil {
		return
	}
	m.forwards.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RecordCacheOutcome(outcome string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) SetLockedPaths(n int) {
	if m == nil {
		return
	}
	m.pathLocked.Set(float64(n))
}

// StartServer exposes the registry's /metrics endpoint on addr, returning
// the underlying http.Server so the caller manages its lifecycle (mirrors
// the teacher's StartMetricsServer/ShutdownMetricsServer pair). The
// listener is opened eagerly so srv.Addr reports the actual bound address
// even when addr ends in ":0".
func (m *Metrics) StartServer(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Warn("telemetry: metrics server stopped", zap.Error(err))
		}
	}()
	return srv, nil
}

// ShutdownServer gracefully stops a server returned by StartServer.
func (m *Metrics) ShutdownServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
