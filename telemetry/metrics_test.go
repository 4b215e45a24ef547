package telemetry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordNOCOpIncrementsCounter(t *testing.T) {
	m := New(nil)
	m.RecordNOCOp("put", "ok")
	m.RecordNOCOp("put", "ok")
	m.RecordNOCOp("put", "error")

	if got := testutil.ToFloat64(m.nocOps.WithLabelValues("put", "ok")); got != 2 {
		t.Fatalf("put/ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.nocOps.WithLabelValues("put", "error")); got != 1 {
		t.Fatalf("put/error = %v, want 1", got)
	}
}

func TestNilMetricsRecordIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordNOCOp("get", "ok")
	m.RecordChunkOp("get", "ok")
	m.RecordCommit("ok")
	m.RecordForward("get_object", "ok")
	m.RecordCacheOutcome("hit")
	m.RecordEviction()
	m.SetLockedPaths(3)
}

func TestStartServerExposesMetrics(t *testing.T) {
	m := New(nil)
	m.RecordCommit("ok")

	srv, err := m.StartServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let Serve take over the listener before probing it

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "cyfs_state_commits_total") {
		t.Fatalf("expected commits metric in output, got: %s", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.ShutdownServer(ctx, srv); err != nil {
		t.Fatalf("ShutdownServer: %v", err)
	}
}

func TestRecordEvictionAndLockedPaths(t *testing.T) {
	m := New(nil)
	m.RecordEviction()
	m.RecordEviction()
	if got := testutil.ToFloat64(m.evictions); got != 2 {
		t.Fatalf("evictions = %v, want 2", got)
	}

	m.SetLockedPaths(5)
	if got := testutil.ToFloat64(m.pathLocked); got != 5 {
		t.Fatalf("pathLocked = %v, want 5", got)
	}
}

func TestRecordCacheOutcomeLabels(t *testing.T) {
	m := New(nil)
	m.RecordCacheOutcome("hit")
	m.RecordCacheOutcome("hit")
	m.RecordCacheOutcome("miss")

	if got := testutil.ToFloat64(m.cacheHits.WithLabelValues("hit")); got != 2 {
		t.Fatalf("hit = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cacheHits.WithLabelValues("miss")); got != 1 {
		t.Fatalf("miss = %v, want 1", got)
	}
}
