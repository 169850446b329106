package persistence_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence/memory"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence/storetest"
)

func TestDocumentAccessors(t *testing.T) {
	doc := persistence.Document{
		"id":        "x",
		"version":   float64(4),
		"updatedAt": "2024-05-01T10:00:00.5Z",
	}
	assert.Equal(t, "x", doc.ID())

	v, ok := doc.Version()
	require.True(t, ok)
	assert.Equal(t, int64(4), v)

	ts, ok := doc.UpdatedAt()
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, time.Duration(ts.Nanosecond()))

	_, ok = persistence.Document{"version": "abc"}.Version()
	assert.False(t, ok)
	_, ok = persistence.Document{}.UpdatedAt()
	assert.False(t, ok)
}

func TestDocumentCloneIsDeep(t *testing.T) {
	orig := persistence.Document{"metadata": map[string]any{"topicId": "t1"}, "aliases": []any{"a"}}
	clone := orig.Clone()
	clone["metadata"].(map[string]any)["topicId"] = "t2"
	clone["aliases"].([]any)[0] = "b"

	assert.Equal(t, "t1", orig["metadata"].(map[string]any)["topicId"])
	assert.Equal(t, "a", orig["aliases"].([]any)[0])
}

func TestStamping(t *testing.T) {
	doc, id := persistence.StampNew(persistence.Document{"name": "n"})
	assert.NotEmpty(t, id)
	assert.Equal(t, id, doc.ID())
	assert.Equal(t, doc[persistence.FieldCreatedAt], doc[persistence.FieldUpdatedAt])

	existing := persistence.Document{"createdAt": "2020-01-01T00:00:00Z"}
	set := persistence.StampSet("y", persistence.Document{"name": "n"}, existing)
	assert.Equal(t, "2020-01-01T00:00:00Z", set[persistence.FieldCreatedAt])
	assert.NotEqual(t, "2020-01-01T00:00:00Z", set[persistence.FieldUpdatedAt])

	upd := persistence.StampUpdate(persistence.Document{"id": "z", "name": "n"})
	assert.NotContains(t, upd, persistence.FieldID)
	assert.Contains(t, upd, persistence.FieldUpdatedAt)
}

func TestQueryApply(t *testing.T) {
	docs := []persistence.Document{
		{"id": "1", "kind": "a", "at": "2024-01-01T00:00:05Z"},
		{"id": "2", "kind": "a", "at": "2024-01-01T00:00:05.1Z"},
		{"id": "3", "kind": "b", "at": "2024-01-01T00:00:01Z"},
		{"id": "4", "kind": "a"},
	}

	got := persistence.NewQuery().Eq("kind", "a").Order("at", true).Apply(docs)
	require.Len(t, got, 3)
	assert.Equal(t, "2", got[0].ID())
	assert.Equal(t, "1", got[1].ID())
	assert.Equal(t, "4", got[2].ID(), "nil sorts first ascending, last descending")

	got = persistence.NewQuery().Take(2).Apply(docs)
	assert.Len(t, got, 2)

	assert.Error(t, persistence.NewQuery().Eq("", 1).Validate())
	assert.Error(t, persistence.NewQuery().Take(-1).Validate())
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, persistence.ValuesEqual(1, float64(1)))
	assert.True(t, persistence.ValuesEqual(int64(7), 7))
	assert.True(t, persistence.ValuesEqual("a", "a"))
	assert.False(t, persistence.ValuesEqual("1", 1))
	assert.True(t, persistence.ValuesEqual(nil, nil))
	assert.False(t, persistence.ValuesEqual(nil, "x"))
}

func TestSimilarityProcedureNames(t *testing.T) {
	proc, err := persistence.ParseSimilarityProcedure("find_similar_topics_768")
	require.NoError(t, err)
	assert.Equal(t, "topic", proc.Subject)
	assert.Equal(t, "topic_embeddings", proc.Table)
	assert.Equal(t, "topic_id", proc.IDColumn)
	assert.Equal(t, 768, proc.Dimension)

	proc, err = persistence.ProcedureFor("focus_initiative", 1536)
	require.NoError(t, err)
	assert.Equal(t, "find_similar_focus_initiatives", proc.Name)

	_, err = persistence.ParseSimilarityProcedure("find_similar_unicorns")
	assert.Error(t, err)
	_, err = persistence.ProcedureFor("unicorn", 768)
	assert.Error(t, err)
}

func TestRetryDecoratorRetriesNetworkErrorsOnIdempotentCalls(t *testing.T) {
	base := memory.New()
	flaky := storetest.NewFlaky(base)
	ctx := context.Background()
	require.NoError(t, base.Set(ctx, "topics", "t1", persistence.Document{"title": "x"}))

	cfg := persistence.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}
	store := persistence.Chain(flaky, persistence.WithRetry(cfg, zap.NewNop()))

	flaky.FailTimes(persistence.OpGet, "topics", "t1", 2)
	doc, err := store.Get(ctx, "topics", "t1")
	require.NoError(t, err)
	assert.Equal(t, "x", doc["title"])
	assert.Equal(t, 3, flaky.Calls(persistence.OpGet))

	// Insert is never retried
	flaky.FailTimes(persistence.OpInsert, "topics", "t2", 1)
	_, err = store.Insert(ctx, "topics", persistence.Document{"id": "t2"})
	require.Error(t, err)
	assert.True(t, syncerrors.IsNetwork(err))
	assert.Equal(t, 1, flaky.Calls(persistence.OpInsert))

	// Exhausted retries keep the network shape
	flaky.SetOffline(true)
	_, err = store.Get(ctx, "topics", "t1")
	require.Error(t, err)
	assert.True(t, syncerrors.IsNetwork(err))
}

func TestRetryDecoratorDoesNotRetryBackendErrors(t *testing.T) {
	calls := 0
	failing := persistence.Intercept(func(ctx context.Context, op persistence.Operation, table string, call func(context.Context) error) error {
		calls++
		return &syncerrors.BackendError{Code: "42501", Message: "permission denied"}
	})
	store := persistence.Chain(memory.New(),
		persistence.WithRetry(persistence.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond}, nil),
		failing,
	)

	_, err := store.Get(context.Background(), "topics", "x")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryDelayBackoff(t *testing.T) {
	cfg := persistence.RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(0))
	assert.Equal(t, 400*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, time.Second, cfg.Delay(10))

	cfg.JitterFactor = 0.1
	for i := 0; i < 20; i++ {
		d := cfg.Delay(0)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestLoggingAndMetricsDecorators(t *testing.T) {
	var buf bytes.Buffer
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(&buf), zapcore.DebugLevel)
	collector := observability.NewCollector("decorators")

	store := persistence.Chain(memory.New(),
		persistence.WithLogging(zap.New(core)),
		persistence.WithMetrics(collector),
	)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "topics", "t1", persistence.Document{}))
	err := store.Update(ctx, "topics", "missing", persistence.Document{})
	require.True(t, errors.Is(err, syncerrors.ErrNotFound))

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.StoreOperations.WithLabelValues("set", "topics", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.StoreOperations.WithLabelValues("update", "topics", "error")))
	assert.Contains(t, buf.String(), `"operation":"update"`)
	assert.Contains(t, buf.String(), `"error_code":"NOT_FOUND"`)

	// Optional capabilities survive decoration
	_, ok := store.(persistence.Subscriber)
	assert.True(t, ok)
	_, ok = store.(persistence.Searcher)
	assert.True(t, ok)
}
