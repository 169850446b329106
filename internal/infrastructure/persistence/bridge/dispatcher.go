package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// Dispatcher executes bridge commands against the embedded engine.
type Dispatcher struct {
	engine persistence.Backend
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher over engine.
func NewDispatcher(engine persistence.Backend, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{engine: engine, logger: logger.Named("bridge")}
}

// Handle decodes one request, executes it and encodes the response. Failures are
// reported inside the response, never as a transport error.
func (d *Dispatcher) Handle(ctx context.Context, request []byte) []byte {
	var cmd Command
	var resp Response
	if err := json.Unmarshal(request, &cmd); err != nil {
		resp = Response{Error: &Error{Kind: KindInternal, Code: "BAD_COMMAND", Message: err.Error()}}
	} else {
		resp = d.Execute(ctx, cmd)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error("Failed to encode bridge response", zap.String("op", string(cmd.Op)), zap.Error(err))
		out, _ = json.Marshal(Response{Error: &Error{Kind: KindInternal, Code: "BAD_RESPONSE", Message: err.Error()}})
	}
	return out
}

// Execute runs cmd.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) Response {
	result, err := d.execute(ctx, cmd)
	if err != nil {
		d.logger.Debug("Bridge command failed",
			zap.String("op", string(cmd.Op)),
			zap.String("table", cmd.Table),
			zap.String("id", cmd.ID),
			zap.Error(err))
		return Response{Error: encodeError(err)}
	}
	if result == nil {
		return Response{OK: true}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return Response{Error: &Error{Kind: KindInternal, Code: "BAD_RESPONSE", Message: err.Error()}}
	}
	return Response{OK: true, Data: data}
}

func (d *Dispatcher) execute(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Op {
	case persistence.OpGet:
		doc, err := d.engine.Get(ctx, cmd.Table, cmd.ID)
		if err != nil || doc == nil {
			return nil, err
		}
		return doc, nil
	case persistence.OpSet:
		return nil, d.engine.Set(ctx, cmd.Table, cmd.ID, cmd.Data)
	case persistence.OpUpdate:
		return nil, d.engine.Update(ctx, cmd.Table, cmd.ID, cmd.Data)
	case persistence.OpDelete:
		return nil, d.engine.Delete(ctx, cmd.Table, cmd.ID)
	case persistence.OpQuery:
		q := persistence.NewQuery()
		if cmd.Query != nil {
			q = *cmd.Query
		}
		docs, err := d.engine.Query(ctx, cmd.Table, q)
		if err != nil {
			return nil, err
		}
		return nonNil(docs), nil
	case persistence.OpInsert:
		return d.engine.Insert(ctx, cmd.Table, cmd.Data)
	case persistence.OpCallProcedure:
		searcher, ok := d.engine.(persistence.Searcher)
		if !ok {
			return nil, persistence.ErrUnsupported
		}
		docs, err := searcher.CallProcedure(ctx, cmd.Procedure, cmd.Params)
		if err != nil {
			return nil, err
		}
		return nonNil(docs), nil
	case persistence.OpHealthCheck:
		return nil, d.engine.HealthCheck(ctx)
	case persistence.OpSignIn:
		return d.engine.SignIn(ctx, cmd.Email, cmd.Password)
	case persistence.OpSignOut:
		return nil, d.engine.SignOut(ctx)
	case persistence.OpCurrentUser:
		user, err := d.engine.CurrentUser(ctx)
		if err != nil || user == nil {
			return nil, err
		}
		return user, nil
	case persistence.OpRefreshSession:
		return d.engine.RefreshSession(ctx, cmd.RefreshToken)
	}
	return nil, fmt.Errorf("unknown bridge op %q: %w", cmd.Op, persistence.ErrUnsupported)
}

// Listen forwards the engine's change events for table as encoded JSON.
func (d *Dispatcher) Listen(ctx context.Context, table string, fn func(event []byte)) (func(), error) {
	sub, ok := d.engine.(persistence.Subscriber)
	if !ok {
		return nil, persistence.ErrUnsupported
	}
	return sub.Subscribe(ctx, table, func(e persistence.ChangeEvent) {
		data, err := json.Marshal(e)
		if err != nil {
			d.logger.Error("Failed to encode change event", zap.String("table", table), zap.Error(err))
			return
		}
		fn(data)
	})
}

func nonNil(docs []persistence.Document) []persistence.Document {
	if docs == nil {
		return []persistence.Document{}
	}
	return docs
}

// InProcess connects a Client directly to a Dispatcher in the same process.
type InProcess struct {
	Dispatcher *Dispatcher
}

func (t InProcess) Send(ctx context.Context, request []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.Dispatcher.Handle(ctx, request), nil
}

func (t InProcess) Listen(ctx context.Context, table string, fn func(event []byte)) (func(), error) {
	return t.Dispatcher.Listen(ctx, table, fn)
}

// Close closes the engine when it holds resources.
func (d *Dispatcher) Close() error {
	if c, ok := d.engine.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (t InProcess) Close() error {
	return t.Dispatcher.Close()
}
