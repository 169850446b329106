// Package changefeed turns per-table push notifications into typed callbacks.
//
// The Multiplexer owns at most one physical channel per table, opened through a
// Source, and fans every notification out to the logical listeners registered for
// that table. Listeners are reference counted: the channel is closed when the last
// one unsubscribes.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("change feed multiplexer is closed")

// State is the lifecycle state of a table's physical channel.
type State string

const (
	StateUnsubscribed State = "unsubscribed"
	StateSubscribing  State = "subscribing"
	StateSubscribed   State = "subscribed"
	StateError        State = "error"
)

// Handlers are the typed callbacks of one logical listener. Nil handlers are skipped.
type Handlers struct {
	OnInsert func(persistence.ChangeEvent)
	OnUpdate func(persistence.ChangeEvent)
	OnDelete func(persistence.ChangeEvent)
}

// Unsubscribe removes a logical listener. Calling it more than once is harmless.
type Unsubscribe func()

// Channel is an open physical subscription.
type Channel interface {
	Close() error
}

// SourceHandler receives what a physical channel produces. Event is called
// sequentially, in the order notifications arrive.
type SourceHandler struct {
	Event func(persistence.ChangeEvent)
	Error func(error)
}

// Source opens physical channels.
type Source interface {
	Open(ctx context.Context, table string, h SourceHandler) (Channel, error)
}

type listener struct {
	id       uint64
	handlers Handlers
}

type tableFeed struct {
	table string

	// openMu serializes opening and closing the physical channel.
	openMu  sync.Mutex
	channel Channel

	mu        sync.RWMutex
	state     State
	lastErr   error
	listeners []*listener
}

// Multiplexer is safe for concurrent use.
type Multiplexer struct {
	source    Source
	enabled   atomic.Bool
	nextID    atomic.Uint64
	collector *observability.Collector
	logger    *zap.Logger

	mu     sync.Mutex
	tables map[string]*tableFeed
	closed bool
}

// NewMultiplexer creates a multiplexer over source. When enabled is false every
// Subscribe is a no-op.
func NewMultiplexer(source Source, enabled bool, collector *observability.Collector, logger *zap.Logger) *Multiplexer {
	m := &Multiplexer{
		source:    source,
		collector: collector,
		logger:    observability.OrNop(logger).Named("changefeed"),
		tables:    make(map[string]*tableFeed),
	}
	m.enabled.Store(enabled && source != nil)
	return m
}

// Enabled reports whether subscriptions reach the source.
func (m *Multiplexer) Enabled() bool {
	return m.enabled.Load()
}

// SetEnabled toggles realtime delivery. Disabling closes every open channel but
// keeps the registered listeners; enabling reopens the channels of tables that
// still have listeners.
func (m *Multiplexer) SetEnabled(enabled bool) {
	if m.source == nil {
		enabled = false
	}
	if m.enabled.Swap(enabled) == enabled {
		return
	}
	m.logger.Info("Realtime delivery toggled", zap.Bool("enabled", enabled))
	if enabled {
		m.reopenAll(context.Background())
	} else {
		m.closeAll(false)
	}
}

// Subscribe registers handlers for table. The first listener of a table opens the
// physical channel; a failure to open removes the listener and is returned.
func (m *Multiplexer) Subscribe(ctx context.Context, table string, h Handlers) (Unsubscribe, error) {
	if !m.Enabled() {
		return func() {}, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	feed, ok := m.tables[table]
	if !ok {
		feed = &tableFeed{table: table, state: StateUnsubscribed}
		m.tables[table] = feed
	}
	m.mu.Unlock()

	l := &listener{id: m.nextID.Add(1), handlers: h}

	feed.openMu.Lock()
	defer feed.openMu.Unlock()

	feed.mu.Lock()
	feed.listeners = append(feed.listeners, l)
	needOpen := feed.channel == nil || feed.state == StateError
	if needOpen {
		feed.state = StateSubscribing
	}
	feed.mu.Unlock()

	if needOpen {
		if err := m.open(ctx, feed); err != nil {
			feed.mu.Lock()
			feed.remove(l.id)
			feed.mu.Unlock()
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(feed, l.id) })
	}, nil
}

// open must be called with feed.openMu held.
func (m *Multiplexer) open(ctx context.Context, feed *tableFeed) error {
	if feed.channel != nil {
		if err := feed.channel.Close(); err != nil {
			m.logger.Debug("Closing failed channel", zap.String("table", feed.table), zap.Error(err))
		}
		feed.channel = nil
	}

	ch, err := m.source.Open(ctx, feed.table, SourceHandler{
		Event: func(e persistence.ChangeEvent) { m.dispatch(feed, e) },
		Error: func(err error) { m.fail(feed, err) },
	})
	if err != nil {
		feed.mu.Lock()
		feed.state = StateError
		feed.lastErr = err
		feed.mu.Unlock()
		m.logger.Warn("Failed to open change feed channel", zap.String("table", feed.table), zap.Error(err))
		return fmt.Errorf("failed to subscribe to %s: %w", feed.table, err)
	}

	feed.channel = ch
	feed.mu.Lock()
	feed.state = StateSubscribed
	feed.lastErr = nil
	feed.mu.Unlock()
	m.logger.Debug("Change feed channel opened", zap.String("table", feed.table))
	return nil
}

func (m *Multiplexer) unsubscribe(feed *tableFeed, id uint64) {
	feed.openMu.Lock()
	defer feed.openMu.Unlock()

	feed.mu.Lock()
	feed.remove(id)
	remaining := len(feed.listeners)
	feed.mu.Unlock()

	if remaining > 0 || feed.channel == nil {
		return
	}
	if err := feed.channel.Close(); err != nil {
		m.logger.Warn("Failed to close change feed channel", zap.String("table", feed.table), zap.Error(err))
	}
	feed.channel = nil
	feed.mu.Lock()
	feed.state = StateUnsubscribed
	feed.mu.Unlock()
	m.logger.Debug("Change feed channel closed", zap.String("table", feed.table))
}

// dispatch delivers e to every listener of the table, in registration order.
func (m *Multiplexer) dispatch(feed *tableFeed, e persistence.ChangeEvent) {
	m.collector.RecordChangeEvent(feed.table, string(e.EventType))

	feed.mu.RLock()
	listeners := make([]*listener, len(feed.listeners))
	copy(listeners, feed.listeners)
	feed.mu.RUnlock()

	for _, l := range listeners {
		var fn func(persistence.ChangeEvent)
		switch e.EventType {
		case persistence.EventInsert:
			fn = l.handlers.OnInsert
		case persistence.EventUpdate:
			fn = l.handlers.OnUpdate
		case persistence.EventDelete:
			fn = l.handlers.OnDelete
		default:
			m.logger.Warn("Dropping change event with unknown type",
				zap.String("table", feed.table),
				zap.String("event_type", string(e.EventType)))
			return
		}
		if fn != nil {
			fn(e)
		}
	}
}

// fail marks the table's channel as broken. The next Subscribe reopens it.
func (m *Multiplexer) fail(feed *tableFeed, err error) {
	feed.mu.Lock()
	feed.state = StateError
	feed.lastErr = err
	feed.mu.Unlock()
	m.logger.Warn("Change feed channel failed", zap.String("table", feed.table), zap.Error(err))
}

// State returns the state of table's physical channel.
func (m *Multiplexer) State(table string) State {
	m.mu.Lock()
	feed, ok := m.tables[table]
	m.mu.Unlock()
	if !ok {
		return StateUnsubscribed
	}
	feed.mu.RLock()
	defer feed.mu.RUnlock()
	return feed.state
}

// ListenerCount returns the number of logical listeners of table.
func (m *Multiplexer) ListenerCount(table string) int {
	m.mu.Lock()
	feed, ok := m.tables[table]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	feed.mu.RLock()
	defer feed.mu.RUnlock()
	return len(feed.listeners)
}

// TableStatus is a snapshot of one table's feed.
type TableStatus struct {
	Table     string `json:"table"`
	State     State  `json:"state"`
	Listeners int    `json:"listeners"`
	LastError string `json:"last_error,omitempty"`
}

// Status returns a snapshot of every table the multiplexer has seen.
func (m *Multiplexer) Status() []TableStatus {
	feeds := m.feeds()
	out := make([]TableStatus, 0, len(feeds))
	for _, feed := range feeds {
		feed.mu.RLock()
		s := TableStatus{Table: feed.table, State: feed.state, Listeners: len(feed.listeners)}
		if feed.lastErr != nil {
			s.LastError = feed.lastErr.Error()
		}
		feed.mu.RUnlock()
		out = append(out, s)
	}
	return out
}

// Close closes every physical channel. Subscribe fails with ErrClosed afterwards.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.closeAll(true)
	if c, ok := m.source.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (m *Multiplexer) feeds() []*tableFeed {
	m.mu.Lock()
	defer m.mu.Unlock()
	feeds := make([]*tableFeed, 0, len(m.tables))
	for _, feed := range m.tables {
		feeds = append(feeds, feed)
	}
	return feeds
}

// closeAll closes every physical channel. forget also drops the listeners.
func (m *Multiplexer) closeAll(forget bool) {
	for _, feed := range m.feeds() {
		feed.openMu.Lock()
		if feed.channel != nil {
			if err := feed.channel.Close(); err != nil {
				m.logger.Warn("Failed to close change feed channel", zap.String("table", feed.table), zap.Error(err))
			}
			feed.channel = nil
		}
		feed.mu.Lock()
		if forget {
			feed.listeners = nil
		}
		feed.state = StateUnsubscribed
		feed.mu.Unlock()
		feed.openMu.Unlock()
	}
}

// reopenAll opens the channel of every table that has listeners but no channel.
// A failure leaves the table in StateError; its next Subscribe retries.
func (m *Multiplexer) reopenAll(ctx context.Context) {
	for _, feed := range m.feeds() {
		feed.openMu.Lock()
		feed.mu.Lock()
		needOpen := m.Enabled() && len(feed.listeners) > 0 && feed.channel == nil
		if needOpen {
			feed.state = StateSubscribing
		}
		feed.mu.Unlock()
		if needOpen {
			_ = m.open(ctx, feed)
		}
		feed.openMu.Unlock()
	}
}

// remove must be called with f.mu held.
func (f *tableFeed) remove(id uint64) {
	for i, l := range f.listeners {
		if l.id == id {
			f.listeners = append(f.listeners[:i:i], f.listeners[i+1:]...)
			return
		}
	}
}
