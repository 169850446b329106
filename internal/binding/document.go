// Package binding keeps one document's local state in step with the change feed and
// routes edits through optimistic locking.
package binding

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/changefeed"
	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// ErrMounted is returned by Mount on an already mounted binding.
var ErrMounted = errors.New("binding already mounted")

// Updater applies a versioned patch. *conflict.Resolver satisfies it.
type Updater interface {
	UpdateWithVersion(ctx context.Context, table, id string, patch persistence.Document) (persistence.Document, error)
}

// Feed delivers row notifications. *changefeed.Multiplexer satisfies it.
type Feed interface {
	Subscribe(ctx context.Context, table string, h changefeed.Handlers) (changefeed.Unsubscribe, error)
}

// Options configures a Document.
type Options struct {
	// OnConflict is called when an update is rejected, before the refetch.
	OnConflict func(*syncerrors.ConflictError)
}

// Document binds local state to the row table/id.
type Document struct {
	table, id string
	store     persistence.Store
	updater   Updater
	feed      Feed
	opts      Options
	logger    *zap.Logger

	mu          sync.Mutex
	state       persistence.Document
	updating    int
	listeners   map[uint64]func(persistence.Document)
	nextID      uint64
	unsubscribe changefeed.Unsubscribe
}

// New creates an unmounted binding.
func New(store persistence.Store, updater Updater, feed Feed, table, id string, opts Options, logger *zap.Logger) *Document {
	return &Document{
		table:     table,
		id:        id,
		store:     store,
		updater:   updater,
		feed:      feed,
		opts:      opts,
		logger:    observability.OrNop(logger).Named("binding").With(zap.String("table", table), zap.String("id", id)),
		listeners: make(map[uint64]func(persistence.Document)),
	}
}

// Mount fetches the current row and subscribes to its table.
func (d *Document) Mount(ctx context.Context) error {
	d.mu.Lock()
	if d.unsubscribe != nil {
		d.mu.Unlock()
		return ErrMounted
	}
	d.mu.Unlock()

	doc, err := d.store.Get(ctx, d.table, d.id)
	if err != nil {
		return err
	}
	d.replace(doc)

	unsubscribe, err := d.feed.Subscribe(ctx, d.table, changefeed.Handlers{
		OnInsert: d.push,
		OnUpdate: d.push,
		OnDelete: d.push,
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.unsubscribe = unsubscribe
	d.mu.Unlock()
	return nil
}

// Unmount drops the subscription. State and listeners are kept.
func (d *Document) Unmount() {
	d.mu.Lock()
	unsubscribe := d.unsubscribe
	d.unsubscribe = nil
	d.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// State returns a copy of the current state, nil when the row does not exist.
func (d *Document) State() persistence.Document {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Clone()
}

// OnChange registers fn to receive every new state. The returned function removes it.
func (d *Document) OnChange(fn func(persistence.Document)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Update writes patch with the locally known version. On a conflict the OnConflict
// callback runs, the authoritative row is refetched into the state and the
// ConflictError is returned.
func (d *Document) Update(ctx context.Context, patch persistence.Document) (persistence.Document, error) {
	patch = patch.Clone()
	if patch == nil {
		patch = persistence.Document{}
	}

	d.mu.Lock()
	if _, ok := patch[persistence.FieldVersion]; !ok {
		if v, ok := d.state.Version(); ok {
			patch[persistence.FieldVersion] = v
		}
	}
	d.updating++
	d.mu.Unlock()

	doc, err := d.updater.UpdateWithVersion(ctx, d.table, d.id, patch)

	d.mu.Lock()
	d.updating--
	d.mu.Unlock()

	if err == nil {
		d.replace(doc)
		return doc, nil
	}

	conflict, ok := syncerrors.AsConflict(err)
	if !ok {
		return nil, err
	}
	d.logger.Info("Update rejected by version check",
		zap.Int64("current_version", conflict.CurrentVersion),
		zap.Int64("attempted_version", conflict.AttemptedVersion))
	if d.opts.OnConflict != nil {
		d.opts.OnConflict(conflict)
	}

	fresh, ferr := d.store.Get(ctx, d.table, d.id)
	if ferr != nil {
		d.logger.Warn("Failed to refetch after conflict", zap.Error(ferr))
		return nil, err
	}
	d.replace(fresh)
	return nil, err
}

// push applies a notification for this row unless an own update is in flight.
func (d *Document) push(e persistence.ChangeEvent) {
	if e.RowID() != d.id {
		return
	}
	d.mu.Lock()
	if d.updating > 0 {
		d.mu.Unlock()
		d.logger.Debug("Ignoring echo of own update", zap.String("event", string(e.EventType)))
		return
	}
	d.mu.Unlock()

	if e.EventType == persistence.EventDelete {
		d.replace(nil)
		return
	}
	d.replace(e.New)
}

func (d *Document) replace(doc persistence.Document) {
	d.mu.Lock()
	d.state = doc.Clone()
	listeners := make([]func(persistence.Document), 0, len(d.listeners))
	for _, fn := range d.listeners {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(doc.Clone())
	}
}
