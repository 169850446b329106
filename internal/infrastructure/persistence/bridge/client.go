package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// Client is the local adapter: it implements the storage port over a Transport.
type Client struct {
	transport Transport
}

var (
	_ persistence.Backend    = (*Client)(nil)
	_ persistence.Subscriber = (*Client)(nil)
	_ persistence.Searcher   = (*Client)(nil)
)

// NewClient creates a client sending commands through transport.
func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

func (c *Client) call(ctx context.Context, cmd Command, out any) error {
	req, err := json.Marshal(cmd)
	if err != nil {
		return &syncerrors.BackendError{Code: string(syncerrors.CodeInvalidQuery), Message: fmt.Sprintf("encode %s command: %v", cmd.Op, err)}
	}
	raw, err := c.transport.Send(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return syncerrors.NewNetwork(string(cmd.Op), syncerrors.CodeConnectionFailed, err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return &syncerrors.BackendError{Code: string(syncerrors.CodeDataCorruption), Message: fmt.Sprintf("decode %s response: %v", cmd.Op, err)}
	}
	if !resp.OK {
		if resp.Error == nil {
			return &syncerrors.BackendError{Code: string(syncerrors.CodeBackendError), Message: "command failed without an error"}
		}
		return resp.Error.decode(cmd.Op)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return &syncerrors.BackendError{Code: string(syncerrors.CodeDataCorruption), Message: fmt.Sprintf("decode %s result: %v", cmd.Op, err)}
	}
	return nil
}

func (c *Client) Get(ctx context.Context, table, id string) (persistence.Document, error) {
	var doc persistence.Document
	if err := c.call(ctx, Command{Op: persistence.OpGet, Table: table, ID: id}, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Client) Set(ctx context.Context, table, id string, data persistence.Document) error {
	return c.call(ctx, Command{Op: persistence.OpSet, Table: table, ID: id, Data: data}, nil)
}

func (c *Client) Update(ctx context.Context, table, id string, partial persistence.Document) error {
	return c.call(ctx, Command{Op: persistence.OpUpdate, Table: table, ID: id, Data: partial}, nil)
}

func (c *Client) Delete(ctx context.Context, table, id string) error {
	return c.call(ctx, Command{Op: persistence.OpDelete, Table: table, ID: id}, nil)
}

func (c *Client) Query(ctx context.Context, table string, q persistence.Query) ([]persistence.Document, error) {
	var docs []persistence.Document
	if err := c.call(ctx, Command{Op: persistence.OpQuery, Table: table, Query: &q}, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *Client) Insert(ctx context.Context, table string, data persistence.Document) (string, error) {
	var id string
	if err := c.call(ctx, Command{Op: persistence.OpInsert, Table: table, Data: data}, &id); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) CallProcedure(ctx context.Context, name string, params map[string]any) ([]persistence.Document, error) {
	var docs []persistence.Document
	if err := c.call(ctx, Command{Op: persistence.OpCallProcedure, Procedure: name, Params: params}, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	return c.call(ctx, Command{Op: persistence.OpHealthCheck}, nil)
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*persistence.Session, error) {
	var session persistence.Session
	if err := c.call(ctx, Command{Op: persistence.OpSignIn, Email: email, Password: password}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	return c.call(ctx, Command{Op: persistence.OpSignOut}, nil)
}

func (c *Client) CurrentUser(ctx context.Context) (*persistence.User, error) {
	var user *persistence.User
	if err := c.call(ctx, Command{Op: persistence.OpCurrentUser}, &user); err != nil {
		return nil, err
	}
	return user, nil
}

func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*persistence.Session, error) {
	var session persistence.Session
	if err := c.call(ctx, Command{Op: persistence.OpRefreshSession, RefreshToken: refreshToken}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Subscribe listens for change events when the transport can push them.
func (c *Client) Subscribe(ctx context.Context, table string, fn func(persistence.ChangeEvent)) (func(), error) {
	notifier, ok := c.transport.(Notifier)
	if !ok {
		return nil, persistence.ErrUnsupported
	}
	return notifier.Listen(ctx, table, func(raw []byte) {
		var event persistence.ChangeEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return
		}
		fn(event)
	})
}

// Close closes the transport when it holds resources.
func (c *Client) Close() error {
	if closer, ok := c.transport.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
