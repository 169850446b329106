package persistence

import (
	"context"
	"io"
)

// Operation names a storage port call.
type Operation string

const (
	OpGet            Operation = "get"
	OpSet            Operation = "set"
	OpUpdate         Operation = "update"
	OpDelete         Operation = "delete"
	OpQuery          Operation = "query"
	OpInsert         Operation = "insert"
	OpSubscribe      Operation = "subscribe"
	OpCallProcedure  Operation = "call_procedure"
	OpHealthCheck    Operation = "health_check"
	OpSignIn         Operation = "sign_in"
	OpSignOut        Operation = "sign_out"
	OpCurrentUser    Operation = "current_user"
	OpRefreshSession Operation = "refresh_session"
)

// Idempotent reports whether repeating the operation has the same effect as running it once.
func (o Operation) Idempotent() bool {
	switch o {
	case OpInsert, OpSignIn, OpSignOut, OpRefreshSession, OpSubscribe:
		return false
	}
	return true
}

// Interceptor wraps one storage call. table is "" for calls not bound to a table;
// for OpCallProcedure it carries the procedure name.
type Interceptor func(ctx context.Context, op Operation, table string, call func(context.Context) error) error

// Decorator adds a cross-cutting concern to a backend.
type Decorator func(Backend) Backend

// Chain applies decorators so that the first one is the outermost.
// Order used by the daemon: Logging -> Metrics -> Retry -> base.
func Chain(base Backend, decorators ...Decorator) Backend {
	decorated := base
	for i := len(decorators) - 1; i >= 0; i-- {
		if decorators[i] != nil {
			decorated = decorators[i](decorated)
		}
	}
	return decorated
}

// Intercept returns a decorator that routes every call of the backend through fn.
func Intercept(fn Interceptor) Decorator {
	return func(inner Backend) Backend {
		return &interceptedBackend{inner: inner, intercept: fn}
	}
}

// interceptedBackend forwards every call, including optional capabilities,
// through an interceptor.
type interceptedBackend struct {
	inner     Backend
	intercept Interceptor
}

// Unwrap returns the decorated backend.
func (b *interceptedBackend) Unwrap() Backend {
	return b.inner
}

func (b *interceptedBackend) Get(ctx context.Context, table, id string) (Document, error) {
	var doc Document
	err := b.intercept(ctx, OpGet, table, func(ctx context.Context) error {
		var err error
		doc, err = b.inner.Get(ctx, table, id)
		return err
	})
	return doc, err
}

func (b *interceptedBackend) Set(ctx context.Context, table, id string, data Document) error {
	return b.intercept(ctx, OpSet, table, func(ctx context.Context) error {
		return b.inner.Set(ctx, table, id, data)
	})
}

func (b *interceptedBackend) Update(ctx context.Context, table, id string, partial Document) error {
	return b.intercept(ctx, OpUpdate, table, func(ctx context.Context) error {
		return b.inner.Update(ctx, table, id, partial)
	})
}

func (b *interceptedBackend) Delete(ctx context.Context, table, id string) error {
	return b.intercept(ctx, OpDelete, table, func(ctx context.Context) error {
		return b.inner.Delete(ctx, table, id)
	})
}

func (b *interceptedBackend) Query(ctx context.Context, table string, q Query) ([]Document, error) {
	var docs []Document
	err := b.intercept(ctx, OpQuery, table, func(ctx context.Context) error {
		var err error
		docs, err = b.inner.Query(ctx, table, q)
		return err
	})
	return docs, err
}

func (b *interceptedBackend) Insert(ctx context.Context, table string, data Document) (string, error) {
	var id string
	err := b.intercept(ctx, OpInsert, table, func(ctx context.Context) error {
		var err error
		id, err = b.inner.Insert(ctx, table, data)
		return err
	})
	return id, err
}

func (b *interceptedBackend) SignIn(ctx context.Context, email, password string) (*Session, error) {
	var s *Session
	err := b.intercept(ctx, OpSignIn, "", func(ctx context.Context) error {
		var err error
		s, err = b.inner.SignIn(ctx, email, password)
		return err
	})
	return s, err
}

func (b *interceptedBackend) SignOut(ctx context.Context) error {
	return b.intercept(ctx, OpSignOut, "", func(ctx context.Context) error {
		return b.inner.SignOut(ctx)
	})
}

func (b *interceptedBackend) CurrentUser(ctx context.Context) (*User, error) {
	var u *User
	err := b.intercept(ctx, OpCurrentUser, "", func(ctx context.Context) error {
		var err error
		u, err = b.inner.CurrentUser(ctx)
		return err
	})
	return u, err
}

func (b *interceptedBackend) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	var s *Session
	err := b.intercept(ctx, OpRefreshSession, "", func(ctx context.Context) error {
		var err error
		s, err = b.inner.RefreshSession(ctx, refreshToken)
		return err
	})
	return s, err
}

func (b *interceptedBackend) HealthCheck(ctx context.Context) error {
	return b.intercept(ctx, OpHealthCheck, "", b.inner.HealthCheck)
}

// Subscribe forwards to the inner backend's change feed, or fails with ErrUnsupported.
func (b *interceptedBackend) Subscribe(ctx context.Context, table string, fn func(ChangeEvent)) (func(), error) {
	sub, ok := b.inner.(Subscriber)
	if !ok {
		return nil, ErrUnsupported
	}
	var unsubscribe func()
	err := b.intercept(ctx, OpSubscribe, table, func(ctx context.Context) error {
		var err error
		unsubscribe, err = sub.Subscribe(ctx, table, fn)
		return err
	})
	return unsubscribe, err
}

// CallProcedure forwards to the inner backend's procedures, or fails with ErrUnsupported.
func (b *interceptedBackend) CallProcedure(ctx context.Context, name string, params map[string]any) ([]Document, error) {
	searcher, ok := b.inner.(Searcher)
	if !ok {
		return nil, ErrUnsupported
	}
	var docs []Document
	err := b.intercept(ctx, OpCallProcedure, name, func(ctx context.Context) error {
		var err error
		docs, err = searcher.CallProcedure(ctx, name, params)
		return err
	})
	return docs, err
}

// Close closes the inner backend when it holds resources.
func (b *interceptedBackend) Close() error {
	if c, ok := b.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
