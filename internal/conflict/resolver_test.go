package conflict

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence/memory"
)

func fixedClock(t *testing.T, at time.Time) func(time.Duration) {
	t.Helper()
	now := at
	var mu sync.Mutex
	prev := persistence.Clock
	persistence.Clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	t.Cleanup(func() { persistence.Clock = prev })
	return func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
}

func seed(t *testing.T, store *memory.Store, table, id string, doc persistence.Document) persistence.Document {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, table, id, doc))
	stored, err := store.Get(ctx, table, id)
	require.NoError(t, err)
	return stored
}

func TestUpdateWithVersionMatchingBumpsVersion(t *testing.T) {
	for _, version := range []int64{0, 1, 7, 42} {
		store := memory.New()
		seed(t, store, "org_charts", "o1", persistence.Document{"name": "Acme", "version": version})
		r := NewResolver(store, nil, nil)

		doc, err := r.UpdateWithVersion(context.Background(), "org_charts", "o1", persistence.Document{"name": "Acme 2", "version": version})
		require.NoError(t, err)
		got, _ := doc.Version()
		assert.Equal(t, version+1, got)
		assert.Equal(t, "Acme 2", doc["name"])
	}
}

func TestUpdateWithVersionMismatchConflictsWithoutWriting(t *testing.T) {
	cases := []struct{ stored, attempted int64 }{{3, 2}, {3, 4}, {0, 1}, {10, 0}}
	for _, tc := range cases {
		store := memory.New()
		before := seed(t, store, "org_charts", "o1", persistence.Document{"name": "Acme", "version": tc.stored})
		r := NewResolver(store, observability.NewCollector("conflict_test"), nil)

		_, err := r.UpdateWithVersion(context.Background(), "org_charts", "o1", persistence.Document{"name": "Other", "version": tc.attempted})
		require.Error(t, err)
		conflict, ok := syncerrors.AsConflict(err)
		require.True(t, ok)
		assert.Equal(t, tc.stored, conflict.CurrentVersion)
		assert.Equal(t, tc.attempted, conflict.AttemptedVersion)

		after, err := store.Get(context.Background(), "org_charts", "o1")
		require.NoError(t, err)
		assert.Equal(t, before, after)

		records := r.Conflicts()
		require.Len(t, records, 1)
		assert.Equal(t, StrategyOptimistic, records[0].Strategy)
		assert.Equal(t, ResolutionRejected, records[0].Resolution)
	}
}

func TestUpdateWithVersionWithoutVersionAlwaysWrites(t *testing.T) {
	store := memory.New()
	seed(t, store, "org_charts", "o1", persistence.Document{"name": "Acme", "version": 5})
	r := NewResolver(store, nil, nil)

	doc, err := r.UpdateWithVersion(context.Background(), "org_charts", "o1", persistence.Document{"name": "B"})
	require.NoError(t, err)
	v, _ := doc.Version()
	assert.Equal(t, int64(6), v)
}

func TestUpdateWithVersionMissingDocument(t *testing.T) {
	r := NewResolver(memory.New(), nil, nil)
	_, err := r.UpdateWithVersion(context.Background(), "org_charts", "nope", persistence.Document{"version": 1})
	assert.True(t, syncerrors.IsNotFound(err))
}

func TestUpdateWithVersionRejectsNonIntegerVersion(t *testing.T) {
	store := memory.New()
	seed(t, store, "org_charts", "o1", persistence.Document{"version": 1})
	r := NewResolver(store, nil, nil)

	_, err := r.UpdateWithVersion(context.Background(), "org_charts", "o1", persistence.Document{"version": "one"})
	assert.True(t, syncerrors.IsValidation(err))
}

func TestCompetingStaleUpdatesOnlyOneSucceeds(t *testing.T) {
	store := memory.New()
	seed(t, store, "org_charts", "o1", persistence.Document{"name": "Acme", "version": 1})
	r := NewResolver(store, nil, nil)

	const writers = 20
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.UpdateWithVersion(context.Background(), "org_charts", "o1", persistence.Document{"version": 1, "writer": i})
		}(i)
	}
	wg.Wait()

	succeeded, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case syncerrors.IsConflict(err):
			conflicts++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, conflicts)

	doc, _ := store.Get(context.Background(), "org_charts", "o1")
	v, _ := doc.Version()
	assert.Equal(t, int64(2), v)
}

func TestLastWriterWinsDropsOlderPatch(t *testing.T) {
	t1 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(t, t1)
	store := memory.New()
	before := seed(t, store, "topics", "t1", persistence.Document{"title": "Newer"})
	r := NewResolver(store, nil, nil)

	t0 := t1.Add(-time.Minute)
	doc, err := r.UpdateLastWriterWins(context.Background(), "topics", "t1", persistence.Document{
		"title":                   "Older",
		persistence.FieldUpdatedAt: persistence.FormatTime(t0),
	})
	require.NoError(t, err)
	assert.Equal(t, before, doc)

	after, _ := store.Get(context.Background(), "topics", "t1")
	assert.Equal(t, before, after)

	records := r.Conflicts()
	require.Len(t, records, 1)
	assert.Equal(t, ResolutionKeptStored, records[0].Resolution)
	assert.Equal(t, t0, records[0].LocalTimestamp)
	assert.Equal(t, t1, records[0].RemoteTimestamp)
}

func TestLastWriterWinsAppliesNewerOrUnstampedPatch(t *testing.T) {
	advance := fixedClock(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	seed(t, store, "topics", "t1", persistence.Document{"title": "A"})
	r := NewResolver(store, nil, nil)
	ctx := context.Background()

	advance(time.Second)
	doc, err := r.UpdateLastWriterWins(ctx, "topics", "t1", persistence.Document{"title": "B"})
	require.NoError(t, err)
	assert.Equal(t, "B", doc["title"])

	advance(time.Second)
	doc, err = r.UpdateLastWriterWins(ctx, "topics", "t1", persistence.Document{
		"title":                   "C",
		persistence.FieldUpdatedAt: persistence.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "C", doc["title"])
	assert.Empty(t, r.Conflicts())
}

func TestLastWriterWinsCreatesAbsentDocument(t *testing.T) {
	fixedClock(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	r := NewResolver(store, nil, nil)

	doc, err := r.UpdateLastWriterWins(context.Background(), "topics", "new", persistence.Document{"title": "Fresh"})
	require.NoError(t, err)
	assert.Equal(t, "Fresh", doc["title"])
	assert.Equal(t, persistence.Now(), doc[persistence.FieldCreatedAt])
	assert.Equal(t, persistence.Now(), doc[persistence.FieldUpdatedAt])
}

func TestResolveDispatchesAndRejectsUnknownStrategy(t *testing.T) {
	store := memory.New()
	seed(t, store, "topics", "t1", persistence.Document{"title": "A", "version": 1})
	r := NewResolver(store, nil, nil)
	ctx := context.Background()

	doc, err := r.Resolve(ctx, "topics", "t1", persistence.Document{"version": 1, "title": "B"}, StrategyOptimistic)
	require.NoError(t, err)
	assert.Equal(t, "B", doc["title"])

	doc, err = r.Resolve(ctx, "topics", "t1", persistence.Document{"title": "C"}, StrategyLastWriterWins)
	require.NoError(t, err)
	assert.Equal(t, "C", doc["title"])

	_, err = r.Resolve(ctx, "topics", "t1", persistence.Document{}, Strategy("merge"))
	var unknown *syncerrors.UnknownStrategyError
	require.ErrorAs(t, err, &unknown)
	assert.Contains(t, err.Error(), "merge")
	assert.Contains(t, err.Error(), "optimistic")
}

func TestLogRingKeepsMostRecent(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.add(Record{ID: string(rune('a' + i))})
	}
	records := l.Records()
	require.Len(t, records, 3)
	assert.Equal(t, "c", records[0].ID)
	assert.Equal(t, "e", records[2].ID)
}
