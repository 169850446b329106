package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
)

// Broadcaster delivers row changes of in-process backends to their subscribers.
// Delivery is synchronous and follows subscription order.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]func(ChangeEvent)
	next        int
	schema      string
}

// NewBroadcaster creates a broadcaster reporting events under schema.
func NewBroadcaster(schema string) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]map[int]func(ChangeEvent)),
		schema:      schema,
	}
}

// Subscribe registers fn for changes to table.
func (b *Broadcaster) Subscribe(ctx context.Context, table string, fn func(ChangeEvent)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.subscribers[table] == nil {
		b.subscribers[table] = make(map[int]func(ChangeEvent))
	}
	id := b.next
	b.next++
	b.subscribers[table][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers[table], id)
			b.mu.Unlock()
		})
	}, nil
}

// Publish delivers one change to the subscribers of table.
func (b *Broadcaster) Publish(table string, eventType EventType, old, new Document) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subscribers[table]))
	for id := range b.subscribers[table] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(ChangeEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subscribers[table][id])
	}
	b.mu.RUnlock()

	if len(fns) == 0 {
		return
	}
	event := ChangeEvent{
		EventType:       eventType,
		Schema:          b.schema,
		Table:           table,
		CommitTimestamp: Clock(),
		Old:             old.Clone(),
		New:             new.Clone(),
	}
	for _, fn := range fns {
		fn(event)
	}
}

// LocalUser is the principal reported by in-process backends.
var LocalUser = User{ID: "local", Email: "local@localhost"}

// LocalAuthenticator answers the auth passthrough calls of in-process backends
// with a fixed local user and a synthetic session.
type LocalAuthenticator struct {
	mu      sync.RWMutex
	session *Session
}

func (a *LocalAuthenticator) SignIn(ctx context.Context, email, password string) (*Session, error) {
	user := LocalUser
	if email != "" {
		user.Email = email
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = &Session{
		AccessToken:  "local-" + NewID(),
		RefreshToken: "local-refresh-" + NewID(),
		ExpiresAt:    Clock().Add(time.Hour),
		User:         user,
	}
	session := *a.session
	return &session, nil
}

func (a *LocalAuthenticator) SignOut(ctx context.Context) error {
	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()
	return nil
}

func (a *LocalAuthenticator) CurrentUser(ctx context.Context) (*User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return nil, nil
	}
	user := a.session.User
	return &user, nil
}

func (a *LocalAuthenticator) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil || a.session.RefreshToken != refreshToken {
		return nil, &syncerrors.BackendError{Code: "invalid_grant", Message: "invalid refresh token"}
	}
	a.session.AccessToken = "local-" + NewID()
	a.session.ExpiresAt = Clock().Add(time.Hour)
	session := *a.session
	return &session, nil
}
