// Package offline wraps the storage port with a read cache and a pending-write
// queue that is replayed when connectivity returns.
package offline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/cache"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// PendingWrite is a Set that has not reached the backend yet.
type PendingWrite struct {
	Table      string               `json:"table"`
	ID         string               `json:"id"`
	Data       persistence.Document `json:"data"`
	Timestamp  time.Time            `json:"timestamp"`
	RetryCount int                  `json:"retry_count"`
}

func (w PendingWrite) key() string {
	return cache.Key(w.Table, w.ID)
}

// Options configures a Cache.
type Options struct {
	// FreshFor is how long a cached entry is served without a backend call.
	FreshFor time.Duration
	// MaxRetries is the number of failed replays after which a write is dropped.
	MaxRetries int
	// Retry spaces the drain passes that follow a reconnect.
	Retry      persistence.RetryConfig
	CacheItems int
	Journal    Journal
}

// DefaultOptions returns the standard settings.
func DefaultOptions() Options {
	return Options{
		FreshFor:   5 * time.Minute,
		MaxRetries: 3,
		Retry:      persistence.DefaultRetryConfig(),
		CacheItems: 10000,
	}
}

// DrainResult summarizes one pass over the pending-write queue.
type DrainResult struct {
	Attempted int `json:"attempted"`
	Replayed  int `json:"replayed"`
	Requeued  int `json:"requeued"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
}

// Cache is the offline-aware front of the storage port.
type Cache struct {
	store   persistence.Store
	monitor Monitor
	entries *cache.MemoryCache
	journal Journal
	opts    Options

	collector *observability.Collector
	logger    *zap.Logger

	mu    sync.Mutex
	queue []PendingWrite

	// drainMu keeps drain passes sequential.
	drainMu sync.Mutex

	lifecycle sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

// New creates a cache over store. Zero options fall back to DefaultOptions.
func New(store persistence.Store, monitor Monitor, opts Options, collector *observability.Collector, logger *zap.Logger) *Cache {
	defaults := DefaultOptions()
	if opts.FreshFor <= 0 {
		opts.FreshFor = defaults.FreshFor
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaults.MaxRetries
	}
	if opts.Retry.InitialDelay <= 0 {
		opts.Retry = defaults.Retry
	}
	if opts.CacheItems <= 0 {
		opts.CacheItems = defaults.CacheItems
	}
	if opts.Journal == nil {
		opts.Journal = NewMemoryJournal()
	}
	logger = observability.OrNop(logger)
	return &Cache{
		store:     store,
		monitor:   monitor,
		entries:   cache.NewMemoryCache(opts.CacheItems, logger),
		journal:   opts.Journal,
		opts:      opts,
		collector: collector,
		logger:    logger.Named("offline_cache"),
	}
}

// Online reports the monitor's view of connectivity.
func (c *Cache) Online() bool {
	return c.monitor.Online()
}

// Get serves a fresh cached entry without touching the backend. Otherwise it reads
// through; when offline or on a network-shaped failure it falls back to a stale
// entry. A missing row is reported as a nil document.
func (c *Cache) Get(ctx context.Context, table, id string) (persistence.Document, error) {
	key := cache.Key(table, id)
	entry, cached := c.entries.Get(key)
	now := persistence.Clock()

	if cached && entry.Fresh(now, c.opts.FreshFor) {
		c.collector.RecordCacheLookup("hit")
		return entry.Data, nil
	}

	if !c.monitor.Online() {
		if cached {
			c.collector.RecordCacheLookup("stale")
			return entry.Data, nil
		}
		c.collector.RecordCacheLookup("miss")
		return nil, &syncerrors.OfflineError{Table: table, ID: id}
	}

	doc, err := c.store.Get(ctx, table, id)
	if err != nil {
		if syncerrors.IsNetwork(err) && cached {
			c.logger.Debug("Serving stale entry after network failure",
				zap.String("table", table),
				zap.String("id", id),
				zap.Error(err))
			c.collector.RecordCacheLookup("stale")
			return entry.Data, nil
		}
		return nil, err
	}

	c.collector.RecordCacheLookup("miss")
	if doc == nil {
		c.entries.Delete(key)
		return nil, nil
	}
	c.entries.Set(key, doc, now)
	return doc, nil
}

// Set writes the cache entry first, so reads observe the write immediately, then
// writes through. When offline, or when the backend call fails with a
// network-shaped error, the write is queued and an OfflineError with Queued set
// is returned. Any other error is returned unchanged.
func (c *Cache) Set(ctx context.Context, table, id string, data persistence.Document) error {
	key := cache.Key(table, id)
	merged := data
	if entry, ok := c.entries.Get(key); ok {
		merged = entry.Data.Merge(data)
	}
	c.entries.Set(key, merged, persistence.Clock())

	if !c.monitor.Online() {
		c.enqueue(ctx, table, id, data)
		return &syncerrors.OfflineError{Table: table, ID: id, Queued: true}
	}

	err := c.store.Set(ctx, table, id, data)
	if err == nil {
		return nil
	}
	if syncerrors.IsNetwork(err) {
		c.enqueue(ctx, table, id, data)
		return &syncerrors.OfflineError{Table: table, ID: id, Queued: true, Cause: err}
	}
	return err
}

// Invalidate drops the cached entry of a row.
func (c *Cache) Invalidate(table, id string) {
	c.entries.Delete(cache.Key(table, id))
}

// InvalidateTable drops every cached row of table and reports how many were dropped.
func (c *Cache) InvalidateTable(table string) int {
	return c.entries.Clear(cache.Key(table, "*"))
}

// enqueue appends a pending write. A queued write for the same row absorbs the new
// data, since replay is a merging Set.
func (c *Cache) enqueue(ctx context.Context, table, id string, data persistence.Document) {
	w := PendingWrite{Table: table, ID: id, Data: data.Clone(), Timestamp: persistence.Clock()}

	c.mu.Lock()
	c.queue = coalesce(c.queue, w)
	snapshot := clonePending(c.queue)
	c.mu.Unlock()

	c.logger.Info("Write queued for sync", zap.String("table", table), zap.String("id", id))
	c.persist(ctx, snapshot)
}

func coalesce(queue []PendingWrite, w PendingWrite) []PendingWrite {
	for i := range queue {
		if queue[i].key() == w.key() {
			queue[i].Data = queue[i].Data.Merge(w.Data)
			queue[i].Timestamp = w.Timestamp
			return queue
		}
	}
	return append(queue, w)
}

func (c *Cache) persist(ctx context.Context, queue []PendingWrite) {
	c.collector.SetPendingWrites(len(queue))
	if err := c.journal.Save(context.WithoutCancel(ctx), queue); err != nil {
		c.logger.Error("Failed to journal pending writes", zap.Int("pending", len(queue)), zap.Error(err))
	}
}

// Pending returns a copy of the queue, oldest first.
func (c *Cache) Pending() []PendingWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clonePending(c.queue)
}

// Stats returns the read cache statistics.
func (c *Cache) Stats() cache.CacheStats {
	return c.entries.GetStats()
}

// SyncPendingWrites replays every queued write once, oldest first. A failure does
// not block later entries: the failed write is requeued with its retry count
// incremented, or dropped once the count reaches MaxRetries.
func (c *Cache) SyncPendingWrites(ctx context.Context) DrainResult {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	c.mu.Unlock()

	var result DrainResult
	var requeue []PendingWrite
	for i, w := range batch {
		if ctx.Err() != nil {
			requeue = append(requeue, batch[i:]...)
			break
		}
		result.Attempted++

		err := c.store.Set(ctx, w.Table, w.ID, w.Data)
		if err == nil {
			result.Replayed++
			c.collector.RecordReplay("replayed")
			continue
		}

		w.RetryCount++
		if w.RetryCount >= c.opts.MaxRetries {
			result.Dropped++
			c.collector.RecordReplay("dropped")
			c.logger.Error("Dropping pending write after repeated failures",
				zap.String("table", w.Table),
				zap.String("id", w.ID),
				zap.Int("retries", w.RetryCount),
				zap.Error(err))
			continue
		}
		result.Requeued++
		c.collector.RecordReplay("requeued")
		c.logger.Warn("Pending write failed, requeued",
			zap.String("table", w.Table),
			zap.String("id", w.ID),
			zap.Int("retries", w.RetryCount),
			zap.Error(err))
		requeue = append(requeue, w)
	}

	c.mu.Lock()
	for _, w := range c.queue {
		requeue = coalesce(requeue, w)
	}
	c.queue = requeue
	snapshot := clonePending(c.queue)
	c.mu.Unlock()

	result.Remaining = len(snapshot)
	c.persist(ctx, snapshot)

	if result.Attempted > 0 {
		c.logger.Info("Drained pending writes",
			zap.Int("attempted", result.Attempted),
			zap.Int("replayed", result.Replayed),
			zap.Int("requeued", result.Requeued),
			zap.Int("dropped", result.Dropped),
			zap.Int("remaining", result.Remaining))
	}
	return result
}

// Restore merges the journaled queue into the in-memory one. Entries queued in
// this process since startup come after the journaled ones.
func (c *Cache) Restore(ctx context.Context) error {
	loaded, err := c.journal.Load(ctx)
	if err != nil {
		return err
	}
	if len(loaded) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, w := range c.queue {
		loaded = coalesce(loaded, w)
	}
	c.queue = loaded
	n := len(c.queue)
	c.mu.Unlock()
	c.collector.SetPendingWrites(n)
	c.logger.Info("Restored pending writes from journal", zap.Int("pending", n))
	return nil
}

// Start reloads the journal and follows the monitor: every offline→online
// transition triggers a drain, repeated with backoff while writes remain and the
// process stays online.
func (c *Cache) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.stop != nil {
		return nil
	}

	if err := c.Restore(ctx); err != nil {
		return err
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(ctx, c.stop, c.done)
	return nil
}

// Stop ends the loop started by Start and waits for it.
func (c *Cache) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	c.stop, c.done = nil, nil
}

func (c *Cache) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if c.monitor.Online() {
		c.drainUntilEmpty(ctx)
	}
	changes := c.monitor.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-changes:
			if online && c.monitor.Online() {
				c.logger.Info("Connectivity restored, draining pending writes")
				c.drainUntilEmpty(ctx)
			}
		}
	}
}

func (c *Cache) drainUntilEmpty(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		result := c.SyncPendingWrites(ctx)
		if result.Remaining == 0 || !c.monitor.Online() {
			return
		}
		if err := persistence.Sleep(ctx, c.opts.Retry.Delay(attempt)); err != nil {
			return
		}
	}
}
