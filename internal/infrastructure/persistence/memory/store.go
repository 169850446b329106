// Package memory provides an in-process implementation of the storage port,
// used by tests and as a development backend.
package memory

import (
	"context"
	"sort"
	"sync"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// Store keeps documents in maps and publishes changes to in-process subscribers.
type Store struct {
	persistence.LocalAuthenticator

	mu     sync.RWMutex
	tables map[string]map[string]persistence.Document
	feed   *persistence.Broadcaster
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tables: make(map[string]map[string]persistence.Document),
		feed:   persistence.NewBroadcaster("public"),
	}
}

var (
	_ persistence.Backend    = (*Store)(nil)
	_ persistence.Subscriber = (*Store)(nil)
	_ persistence.Searcher   = (*Store)(nil)
)

func (s *Store) Get(ctx context.Context, table, id string) (persistence.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.tables[table][id]
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

// Set merges data over the existing row, if any, like a PostgREST upsert.
func (s *Store) Set(ctx context.Context, table, id string, data persistence.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	rows := s.table(table)
	existing := rows[id]
	doc := persistence.StampSet(id, existing.Merge(data), existing)
	rows[id] = doc
	s.mu.Unlock()

	eventType := persistence.EventInsert
	if existing != nil {
		eventType = persistence.EventUpdate
	}
	s.feed.Publish(table, eventType, existing, doc)
	return nil
}

func (s *Store) Update(ctx context.Context, table, id string, partial persistence.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	rows := s.table(table)
	existing, ok := rows[id]
	if !ok {
		s.mu.Unlock()
		return syncerrors.ErrNotFound
	}
	doc := existing.Merge(persistence.StampUpdate(partial))
	rows[id] = doc
	s.mu.Unlock()

	s.feed.Publish(table, persistence.EventUpdate, existing, doc)
	return nil
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	existing, ok := s.tables[table][id]
	delete(s.tables[table], id)
	s.mu.Unlock()

	if ok {
		s.feed.Publish(table, persistence.EventDelete, existing, nil)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, table string, q persistence.Query) ([]persistence.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, &syncerrors.BackendError{Code: string(syncerrors.CodeInvalidQuery), Message: err.Error()}
	}

	rows := s.snapshot(table)

	// Map iteration is random; unordered queries follow creation order.
	sort.SliceStable(rows, func(i, j int) bool {
		return persistence.CompareValues(rows[i][persistence.FieldCreatedAt], rows[j][persistence.FieldCreatedAt]) < 0
	})

	matched := q.Apply(rows)
	out := make([]persistence.Document, len(matched))
	for i, doc := range matched {
		out[i] = doc.Clone()
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, table string, data persistence.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	doc, id := persistence.StampNew(data)

	s.mu.Lock()
	rows := s.table(table)
	if _, exists := rows[id]; exists {
		s.mu.Unlock()
		return "", &syncerrors.BackendError{
			Code:    "23505",
			Message: "duplicate key value violates unique constraint",
			Details: "Key (id)=(" + id + ") already exists.",
		}
	}
	rows[id] = doc
	s.mu.Unlock()

	s.feed.Publish(table, persistence.EventInsert, nil, doc)
	return id, nil
}

// CallProcedure serves find_similar_* procedures from the stored embedding rows.
func (s *Store) CallProcedure(ctx context.Context, name string, params map[string]any) ([]persistence.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	proc, err := persistence.ParseSimilarityProcedure(name)
	if err != nil {
		return nil, &syncerrors.BackendError{Code: "PGRST202", Message: err.Error()}
	}
	p, err := persistence.ParseSimilarityParams(params)
	if err != nil {
		return nil, &syncerrors.BackendError{Code: string(syncerrors.CodeInvalidQuery), Message: err.Error()}
	}
	return persistence.RankBySimilarity(proc, s.snapshot(proc.Table), p), nil
}

// Subscribe registers fn for changes to table.
func (s *Store) Subscribe(ctx context.Context, table string, fn func(persistence.ChangeEvent)) (func(), error) {
	return s.feed.Subscribe(ctx, table, fn)
}

// HealthCheck always succeeds.
func (s *Store) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of rows in table.
func (s *Store) Len(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

func (s *Store) snapshot(table string) []persistence.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]persistence.Document, 0, len(s.tables[table]))
	for _, doc := range s.tables[table] {
		rows = append(rows, doc)
	}
	return rows
}

func (s *Store) table(name string) map[string]persistence.Document {
	rows, ok := s.tables[name]
	if !ok {
		rows = make(map[string]persistence.Document)
		s.tables[name] = rows
	}
	return rows
}
