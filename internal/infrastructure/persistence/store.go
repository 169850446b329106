// Package persistence defines the storage port shared by every backend adapter.
// Higher layers depend only on these interfaces and never branch on backend identity.
package persistence

import (
	"context"
	"errors"
	"time"
)

// Well-known document fields.
const (
	FieldID        = "id"
	FieldVersion   = "version"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// ErrUnsupported is returned when an optional capability is not offered by the backend.
var ErrUnsupported = errors.New("operation not supported by this backend")

// Store is the row-level storage port.
type Store interface {
	// Get returns the document, or nil when it does not exist.
	Get(ctx context.Context, table, id string) (Document, error)

	// Set upserts the document, merging data over an existing row. createdAt is
	// stamped only when the row is new; updatedAt is always stamped.
	Set(ctx context.Context, table, id string, data Document) error

	// Update merges partial into an existing row and stamps updatedAt.
	// It fails with errors.ErrNotFound when the row is absent.
	Update(ctx context.Context, table, id string, partial Document) error

	Delete(ctx context.Context, table, id string) error

	Query(ctx context.Context, table string, q Query) ([]Document, error)

	// Insert creates a row, generating an id when data has none, and stamps both timestamps.
	Insert(ctx context.Context, table string, data Document) (string, error)
}

// User is the authenticated principal as reported by the backend.
type User struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Session is an authenticated session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Authenticator passes authentication calls through to the backend.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
	CurrentUser(ctx context.Context) (*User, error)
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
}

// EventType tags a change feed notification.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row-level change notification.
type ChangeEvent struct {
	EventType       EventType `json:"eventType"`
	Schema          string    `json:"schema"`
	Table           string    `json:"table"`
	CommitTimestamp time.Time `json:"commitTimestamp"`
	Errors          []string  `json:"errors,omitempty"`
	Old             Document  `json:"old"`
	New             Document  `json:"new"`
}

// RowID returns the id of the affected row, taken from New, or from Old for deletes.
func (e ChangeEvent) RowID() string {
	if id := e.New.ID(); id != "" {
		return id
	}
	return e.Old.ID()
}

// Subscriber is the optional change-feed capability of a backend.
type Subscriber interface {
	Subscribe(ctx context.Context, table string, fn func(ChangeEvent)) (unsubscribe func(), err error)
}

// Searcher is the optional capability to call named similarity procedures.
type Searcher interface {
	CallProcedure(ctx context.Context, name string, params map[string]any) ([]Document, error)
}

// HealthChecker reports whether the backend is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Backend is the full capability set every adapter provides.
// Subscriber and Searcher are discovered with type assertions.
type Backend interface {
	Store
	Authenticator
	HealthChecker
}
