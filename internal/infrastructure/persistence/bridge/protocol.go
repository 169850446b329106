// Package bridge carries storage commands across a host/engine boundary as JSON.
// The Dispatcher runs commands against the embedded engine; the Client implements
// the storage port by encoding commands and handing them to a Transport.
package bridge

import (
	"context"
	"encoding/json"
	"errors"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// Command is one request crossing the bridge.
type Command struct {
	Op           persistence.Operation `json:"op"`
	Table        string                `json:"table,omitempty"`
	ID           string                `json:"id,omitempty"`
	Data         persistence.Document  `json:"data,omitempty"`
	Query        *persistence.Query    `json:"query,omitempty"`
	Procedure    string                `json:"procedure,omitempty"`
	Params       map[string]any        `json:"params,omitempty"`
	Email        string                `json:"email,omitempty"`
	Password     string                `json:"password,omitempty"`
	RefreshToken string                `json:"refreshToken,omitempty"`
}

// Response is the engine's answer to a Command.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error kinds let the client rebuild typed errors.
const (
	KindNotFound    = "not_found"
	KindBackend     = "backend"
	KindNetwork     = "network"
	KindUnsupported = "unsupported"
	KindCanceled    = "canceled"
	KindInternal    = "internal"
)

// Error is the wire form of a failed command.
type Error struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// Transport delivers an encoded command and returns the encoded response.
type Transport interface {
	Send(ctx context.Context, request []byte) ([]byte, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, request []byte) ([]byte, error)

func (f TransportFunc) Send(ctx context.Context, request []byte) ([]byte, error) {
	return f(ctx, request)
}

// Notifier is implemented by transports that can push encoded change events.
type Notifier interface {
	Listen(ctx context.Context, table string, fn func(event []byte)) (func(), error)
}

func encodeError(err error) *Error {
	var be *syncerrors.BackendError
	var ne *syncerrors.NetworkError
	switch {
	case errors.Is(err, syncerrors.ErrNotFound):
		return &Error{Kind: KindNotFound, Code: string(syncerrors.CodeNotFound), Message: err.Error()}
	case errors.As(err, &be):
		return &Error{Kind: KindBackend, Code: be.Code, Message: be.Message, Details: be.Details, Hint: be.Hint}
	case errors.Is(err, persistence.ErrUnsupported):
		return &Error{Kind: KindUnsupported, Code: string(syncerrors.CodeUnsupported), Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Code: string(syncerrors.CodeTimeout), Message: err.Error()}
	case errors.As(err, &ne):
		return &Error{Kind: KindNetwork, Code: string(ne.Code), Message: err.Error()}
	case syncerrors.IsNetwork(err):
		return &Error{Kind: KindNetwork, Code: string(syncerrors.CodeOf(err)), Message: err.Error()}
	}
	return &Error{Kind: KindInternal, Code: string(syncerrors.CodeOf(err)), Message: err.Error()}
}

func (e *Error) decode(op persistence.Operation) error {
	switch e.Kind {
	case KindNotFound:
		return syncerrors.ErrNotFound
	case KindBackend:
		return &syncerrors.BackendError{Code: e.Code, Message: e.Message, Details: e.Details, Hint: e.Hint}
	case KindUnsupported:
		return persistence.ErrUnsupported
	case KindCanceled:
		return context.Canceled
	case KindNetwork:
		return syncerrors.NewNetwork(string(op), syncerrors.ErrorCode(e.Code), errors.New(e.Message))
	}
	return &syncerrors.BackendError{Code: e.Code, Message: e.Message}
}
