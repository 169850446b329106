// Package storetest provides test helpers for code built on the storage port:
// a shared conformance suite and a backend with injectable failures.
package storetest

import (
	"context"
	"errors"
	"sync"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// ErrInjected is the cause of injected network failures.
var ErrInjected = errors.New("injected network failure")

// Flaky wraps a backend and fails calls on demand with network-shaped errors.
type Flaky struct {
	persistence.Backend

	mu       sync.Mutex
	offline  bool
	failures map[string]int
	calls    map[persistence.Operation]int
}

// NewFlaky wraps inner.
func NewFlaky(inner persistence.Backend) *Flaky {
	return &Flaky{
		Backend:  inner,
		failures: make(map[string]int),
		calls:    make(map[persistence.Operation]int),
	}
}

// SetOffline makes every call fail (true) or succeed (false).
func (f *Flaky) SetOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

// FailTimes makes the next n calls of op on table/id fail.
func (f *Flaky) FailTimes(op persistence.Operation, table, id string, n int) {
	f.mu.Lock()
	f.failures[failureKey(op, table, id)] = n
	f.mu.Unlock()
}

// Calls returns how many times op was invoked, including failed calls.
func (f *Flaky) Calls(op persistence.Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ResetCalls zeroes the call counters.
func (f *Flaky) ResetCalls() {
	f.mu.Lock()
	f.calls = make(map[persistence.Operation]int)
	f.mu.Unlock()
}

func failureKey(op persistence.Operation, table, id string) string {
	return string(op) + ":" + table + ":" + id
}

func (f *Flaky) check(op persistence.Operation, table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.offline {
		return syncerrors.NewNetwork(string(op), syncerrors.CodeConnectionFailed, ErrInjected)
	}
	key := failureKey(op, table, id)
	if n := f.failures[key]; n > 0 {
		f.failures[key] = n - 1
		return syncerrors.NewNetwork(string(op), syncerrors.CodeConnectionFailed, ErrInjected)
	}
	return nil
}

func (f *Flaky) Get(ctx context.Context, table, id string) (persistence.Document, error) {
	if err := f.check(persistence.OpGet, table, id); err != nil {
		return nil, err
	}
	return f.Backend.Get(ctx, table, id)
}

func (f *Flaky) Set(ctx context.Context, table, id string, data persistence.Document) error {
	if err := f.check(persistence.OpSet, table, id); err != nil {
		return err
	}
	return f.Backend.Set(ctx, table, id, data)
}

func (f *Flaky) Update(ctx context.Context, table, id string, partial persistence.Document) error {
	if err := f.check(persistence.OpUpdate, table, id); err != nil {
		return err
	}
	return f.Backend.Update(ctx, table, id, partial)
}

func (f *Flaky) Delete(ctx context.Context, table, id string) error {
	if err := f.check(persistence.OpDelete, table, id); err != nil {
		return err
	}
	return f.Backend.Delete(ctx, table, id)
}

func (f *Flaky) Query(ctx context.Context, table string, q persistence.Query) ([]persistence.Document, error) {
	if err := f.check(persistence.OpQuery, table, ""); err != nil {
		return nil, err
	}
	return f.Backend.Query(ctx, table, q)
}

func (f *Flaky) Insert(ctx context.Context, table string, data persistence.Document) (string, error) {
	if err := f.check(persistence.OpInsert, table, data.ID()); err != nil {
		return "", err
	}
	return f.Backend.Insert(ctx, table, data)
}

func (f *Flaky) HealthCheck(ctx context.Context) error {
	if err := f.check(persistence.OpHealthCheck, "", ""); err != nil {
		return err
	}
	return f.Backend.HealthCheck(ctx)
}

// Subscribe forwards to the wrapped backend's change feed.
func (f *Flaky) Subscribe(ctx context.Context, table string, fn func(persistence.ChangeEvent)) (func(), error) {
	sub, ok := f.Backend.(persistence.Subscriber)
	if !ok {
		return nil, persistence.ErrUnsupported
	}
	return sub.Subscribe(ctx, table, fn)
}

// CallProcedure forwards to the wrapped backend's procedures.
func (f *Flaky) CallProcedure(ctx context.Context, name string, params map[string]any) ([]persistence.Document, error) {
	if err := f.check(persistence.OpCallProcedure, name, ""); err != nil {
		return nil, err
	}
	searcher, ok := f.Backend.(persistence.Searcher)
	if !ok {
		return nil, persistence.ErrUnsupported
	}
	return searcher.CallProcedure(ctx, name, params)
}
