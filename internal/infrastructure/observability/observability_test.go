package observability

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GAIKONDO/app42-sub006/internal/config"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.Logging{Level: "debug", Format: "json", Output: filepath.Join(t.TempDir(), "sync.log")})
	require.NoError(t, err)
	logger.Info("hello")
	assert.NoError(t, logger.Sync())

	_, err = NewLogger(config.Logging{Level: "verbose"})
	assert.Error(t, err)
}

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("test")

	c.RecordStoreOperation("get", "topics", nil, 10*time.Millisecond)
	c.RecordStoreOperation("get", "topics", errors.New("boom"), time.Millisecond)
	c.RecordCacheLookup("stale")
	c.SetPendingWrites(4)
	c.RecordReplay("synced")
	c.RecordConflict("last_writer_wins", "kept_stored")
	c.RecordReconciled("entity", "created", 3)
	c.RecordReconciled("entity", "skipped", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.StoreOperations.WithLabelValues("get", "topics", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StoreOperations.WithLabelValues("get", "topics", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CacheLookups.WithLabelValues("stale")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.PendingWrites))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Conflicts.WithLabelValues("last_writer_wins", "kept_stored")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.Reconciled.WithLabelValues("entity", "created")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "test_pending_writes 4")
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordStoreOperation("set", "t", nil, 0)
		c.RecordCacheLookup("miss")
		c.SetPendingWrites(1)
		c.RecordReplay("dropped")
		c.RecordConflict("optimistic_lock", "rejected")
		c.RecordChangeEvent("t", "INSERT")
		c.RecordReconciled("relation", "created", 1)
		c.RecordEmbedding("entity", nil)
	})
}

func TestInitTracingWithoutEndpoint(t *testing.T) {
	tp, err := InitTracing(context.Background(), config.Tracing{ServiceName: "knowledge-sync", SampleRatio: 1}, config.Test)
	require.NoError(t, err)
	assert.Nil(t, tp)
	assert.NoError(t, tp.Shutdown(context.Background()))

	_, span := Tracer("test").Start(context.Background(), "noop")
	EndSpan(span, errors.New("boom"))
	assert.False(t, span.IsRecording())
}
