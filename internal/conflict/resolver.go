// Package conflict implements the two write strategies used for shared documents:
// optimistic locking on a version counter and last-writer-wins on updatedAt.
package conflict

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// Strategy selects how a write is reconciled with the stored document.
type Strategy string

const (
	StrategyOptimistic     Strategy = "optimistic"
	StrategyLastWriterWins Strategy = "last_writer_wins"
)

// Strategies lists the known strategies.
var Strategies = []Strategy{StrategyOptimistic, StrategyLastWriterWins}

// Resolver applies patches through the storage port. The version check is
// read-then-write; a per-document lock serializes competing updates inside this
// process only.
type Resolver struct {
	store     persistence.Store
	locks     keyedMutex
	log       *Log
	collector *observability.Collector
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewResolver creates a resolver over store.
func NewResolver(store persistence.Store, collector *observability.Collector, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:     store,
		locks:     keyedMutex{locks: make(map[string]*refMutex)},
		log:       NewLog(100),
		collector: collector,
		logger:    observability.OrNop(logger).Named("conflict_resolver"),
		tracer:    observability.Tracer("conflict"),
	}
}

// Conflicts returns the recently detected conflicts, oldest first.
func (r *Resolver) Conflicts() []Record {
	return r.log.Records()
}

// Resolve dispatches to the strategy named by strategy.
func (r *Resolver) Resolve(ctx context.Context, table, id string, patch persistence.Document, strategy Strategy) (persistence.Document, error) {
	switch strategy {
	case StrategyOptimistic:
		return r.UpdateWithVersion(ctx, table, id, patch)
	case StrategyLastWriterWins:
		return r.UpdateLastWriterWins(ctx, table, id, patch)
	}
	known := make([]string, len(Strategies))
	for i, s := range Strategies {
		known[i] = string(s)
	}
	return nil, &syncerrors.UnknownStrategyError{Strategy: string(strategy), Known: known}
}

// UpdateWithVersion writes patch when its version matches the stored one, or when
// it carries no version, and bumps the version. A mismatch returns ConflictError
// and writes nothing. The stored document is re-read and returned.
func (r *Resolver) UpdateWithVersion(ctx context.Context, table, id string, patch persistence.Document) (doc persistence.Document, err error) {
	ctx, span := r.tracer.Start(ctx, "conflict.UpdateWithVersion",
		trace.WithAttributes(attribute.String("table", table), attribute.String("id", id)))
	defer func() { observability.EndSpan(span, err) }()

	attempted, hasVersion := patch.Version()
	if _, present := patch[persistence.FieldVersion]; present && !hasVersion {
		return nil, syncerrors.NewValidation(syncerrors.CodeValidationFailed, persistence.FieldVersion, "must be an integer")
	}

	unlock := r.locks.lock(table + ":" + id)
	defer unlock()

	current, err := r.store.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, syncerrors.ErrNotFound)
	}
	currentVersion, _ := current.Version()

	if hasVersion && attempted != currentVersion {
		r.record(Record{
			Table:         table,
			ID:            id,
			Strategy:      StrategyOptimistic,
			LocalVersion:  attempted,
			RemoteVersion: currentVersion,
			Resolution:    ResolutionRejected,
		})
		r.logger.Info("Version conflict detected",
			zap.String("table", table),
			zap.String("id", id),
			zap.Int64("current_version", currentVersion),
			zap.Int64("attempted_version", attempted))
		return nil, &syncerrors.ConflictError{
			Table:            table,
			ID:               id,
			CurrentVersion:   currentVersion,
			AttemptedVersion: attempted,
		}
	}

	data := patch.Clone()
	if data == nil {
		data = persistence.Document{}
	}
	data[persistence.FieldVersion] = currentVersion + 1
	if err := r.store.Update(ctx, table, id, data); err != nil {
		return nil, err
	}
	return r.store.Get(ctx, table, id)
}

// UpdateLastWriterWins writes patch unless the stored document is strictly newer
// than patch.updatedAt (now when absent). A dropped write returns the stored
// document unchanged. An absent document is created.
func (r *Resolver) UpdateLastWriterWins(ctx context.Context, table, id string, patch persistence.Document) (doc persistence.Document, err error) {
	ctx, span := r.tracer.Start(ctx, "conflict.UpdateLastWriterWins",
		trace.WithAttributes(attribute.String("table", table), attribute.String("id", id)))
	defer func() { observability.EndSpan(span, err) }()

	unlock := r.locks.lock(table + ":" + id)
	defer unlock()

	current, err := r.store.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		if err := r.store.Set(ctx, table, id, patch); err != nil {
			return nil, err
		}
		return r.store.Get(ctx, table, id)
	}

	patchTime, ok := patch.UpdatedAt()
	if !ok {
		patchTime = persistence.Clock()
	}
	if storedTime, ok := current.UpdatedAt(); ok && storedTime.After(patchTime) {
		r.record(Record{
			Table:           table,
			ID:              id,
			Strategy:        StrategyLastWriterWins,
			LocalTimestamp:  patchTime,
			RemoteTimestamp: storedTime,
			Resolution:      ResolutionKeptStored,
		})
		r.logger.Info("Stale write dropped",
			zap.String("table", table),
			zap.String("id", id),
			zap.Time("stored_updated_at", storedTime),
			zap.Time("patch_updated_at", patchTime))
		return current, nil
	}

	if err := r.store.Update(ctx, table, id, patch); err != nil {
		return nil, err
	}
	return r.store.Get(ctx, table, id)
}

func (r *Resolver) record(rec Record) {
	rec.DetectedAt = persistence.Clock()
	r.log.add(rec)
	r.collector.RecordConflict(string(rec.Strategy), rec.Resolution)
}

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
