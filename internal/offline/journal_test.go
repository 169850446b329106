package offline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

func TestRedisJournalRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	j := NewRedisJournal(client, "test:pending")
	ctx := context.Background()

	loaded, err := j.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	queue := []PendingWrite{
		{Table: "topics", ID: "a", Data: persistence.Document{"title": "A"}, Timestamp: at},
		{Table: "entities", ID: "b", Data: persistence.Document{"name": "B"}, Timestamp: at, RetryCount: 2},
	}
	require.NoError(t, j.Save(ctx, queue))

	loaded, err = j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "a", loaded[0].ID)
	assert.Equal(t, "A", loaded[0].Data["title"])
	assert.True(t, at.Equal(loaded[0].Timestamp))
	assert.Equal(t, 2, loaded[1].RetryCount)

	require.NoError(t, j.Save(ctx, queue[1:]))
	loaded, err = j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "b", loaded[0].ID)

	require.NoError(t, j.Save(ctx, nil))
	assert.False(t, mr.Exists("test:pending"))
}

func TestRedisJournalRejectsCorruptEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := mr.RPush("test:pending", "not json")
	require.NoError(t, err)

	_, err = NewRedisJournal(client, "test:pending").Load(context.Background())
	assert.Error(t, err)
}

func TestMemoryJournalCopies(t *testing.T) {
	j := NewMemoryJournal()
	queue := []PendingWrite{{Table: "topics", ID: "a", Data: persistence.Document{"title": "A"}}}
	require.NoError(t, j.Save(context.Background(), queue))
	queue[0].Data["title"] = "mutated"

	loaded, err := j.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", loaded[0].Data["title"])
}
