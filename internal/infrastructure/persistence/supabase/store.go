// Package supabase is the remote storage adapter: rows through PostgREST, similarity
// procedures through RPC and auth passthrough through GoTrue, behind a circuit breaker.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/supabase-community/gotrue-go/types"
	postgrest "github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/config"
	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// Store implements the storage port against a Supabase project.
type Store struct {
	client *supa.Client

	// RPC errors stick to a postgrest client until reset, so procedures use
	// their own client and lock.
	rpcMu sync.Mutex
	rpc   *postgrest.Client

	// authMu guards the token swap supabase-go performs on sign-in.
	authMu  sync.RWMutex
	session *persistence.Session

	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

var (
	_ persistence.Backend  = (*Store)(nil)
	_ persistence.Searcher = (*Store)(nil)
)

// New creates the remote adapter.
func New(cfg config.Backend, breaker config.CircuitBreaker, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("supabase")

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	client, err := supa.NewClient(cfg.SupabaseURL, cfg.SupabaseKey, &supa.ClientOptions{Schema: schema})
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	rpc := postgrest.NewClient(cfg.SupabaseURL+supa.REST_URL, schema, map[string]string{
		"Authorization": "Bearer " + cfg.SupabaseKey,
		"apikey":        cfg.SupabaseKey,
	})
	if rpc.ClientError != nil {
		return nil, fmt.Errorf("failed to create rpc client: %w", rpc.ClientError)
	}

	s := &Store{client: client, rpc: rpc, logger: logger}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "supabase",
		MaxRequests: breaker.MaxRequests,
		Interval:    breaker.Interval,
		Timeout:     breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breaker.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= breaker.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Errors reported by PostgREST mean the backend is reachable.
		IsSuccessful: func(err error) bool {
			return err == nil || !syncerrors.IsNetwork(err)
		},
	})
	return s, nil
}

// do runs fn inside the breaker and returns a translated error.
func (s *Store) do(ctx context.Context, op persistence.Operation, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, translate(op, fn())
	})
	return translate(op, err)
}

func (s *Store) Get(ctx context.Context, table, id string) (persistence.Document, error) {
	var rows []persistence.Document
	err := s.do(ctx, persistence.OpGet, func() error {
		_, err := s.client.From(table).Select("*", "", false).Eq(persistence.FieldID, id).Limit(1, "").ExecuteTo(&rows)
		return err
	})
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Set upserts on id. PostgREST merges the given columns into an existing row.
func (s *Store) Set(ctx context.Context, table, id string, data persistence.Document) error {
	existing, err := s.Get(ctx, table, id)
	if err != nil {
		return err
	}
	doc, err := persistence.Normalize(persistence.StampSet(id, data, existing))
	if err != nil {
		return &syncerrors.BackendError{Code: string(syncerrors.CodeInvalidQuery), Message: err.Error()}
	}
	return s.do(ctx, persistence.OpSet, func() error {
		_, _, err := s.client.From(table).Upsert(doc, persistence.FieldID, "minimal", "").Execute()
		return err
	})
}

func (s *Store) Update(ctx context.Context, table, id string, partial persistence.Document) error {
	patch, err := persistence.Normalize(persistence.StampUpdate(partial))
	if err != nil {
		return &syncerrors.BackendError{Code: string(syncerrors.CodeInvalidQuery), Message: err.Error()}
	}
	var rows []persistence.Document
	err = s.do(ctx, persistence.OpUpdate, func() error {
		_, err := s.client.From(table).Update(patch, "representation", "").Eq(persistence.FieldID, id).ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return syncerrors.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	return s.do(ctx, persistence.OpDelete, func() error {
		_, _, err := s.client.From(table).Delete("minimal", "").Eq(persistence.FieldID, id).Execute()
		return err
	})
}

func (s *Store) Query(ctx context.Context, table string, q persistence.Query) ([]persistence.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, &syncerrors.BackendError{Code: string(syncerrors.CodeInvalidQuery), Message: err.Error()}
	}

	var rows []persistence.Document
	err := s.do(ctx, persistence.OpQuery, func() error {
		f := s.client.From(table).Select("*", "", false)
		for _, c := range q.Where {
			if c.Value == nil {
				f = f.Is(c.Field, "null")
				continue
			}
			value, err := filterValue(c.Value)
			if err != nil {
				return &syncerrors.BackendError{Code: string(syncerrors.CodeInvalidQuery), Message: err.Error()}
			}
			f = f.Eq(c.Field, value)
		}
		if q.OrderBy != "" {
			f = f.Order(q.OrderBy, &postgrest.OrderOpts{Ascending: !q.Descending, NullsFirst: !q.Descending})
		}
		if q.Limit > 0 {
			f = f.Limit(q.Limit, "")
		}
		_, err := f.ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) Insert(ctx context.Context, table string, data persistence.Document) (string, error) {
	stamped, id := persistence.StampNew(data)
	doc, err := persistence.Normalize(stamped)
	if err != nil {
		return "", &syncerrors.BackendError{Code: string(syncerrors.CodeInvalidQuery), Message: err.Error()}
	}
	err = s.do(ctx, persistence.OpInsert, func() error {
		_, _, err := s.client.From(table).Insert(doc, false, "", "minimal", "").Execute()
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CallProcedure invokes a named similarity procedure.
func (s *Store) CallProcedure(ctx context.Context, name string, params map[string]any) ([]persistence.Document, error) {
	var rows []persistence.Document
	err := s.do(ctx, persistence.OpCallProcedure, func() error {
		s.rpcMu.Lock()
		defer s.rpcMu.Unlock()

		body := s.rpc.Rpc(name, "", params)
		if err := s.rpc.ClientError; err != nil {
			s.rpc.ClientError = nil
			return err
		}
		if err := decodeRPCError(body); err != nil {
			return err
		}
		return json.Unmarshal([]byte(body), &rows)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// HealthCheck pings the PostgREST root.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.do(ctx, persistence.OpHealthCheck, func() error {
		s.rpcMu.Lock()
		defer s.rpcMu.Unlock()

		if s.rpc.Ping() {
			return nil
		}
		err := s.rpc.ClientError
		s.rpc.ClientError = nil
		if err == nil {
			err = errors.New("ping failed")
		}
		return syncerrors.NewNetwork(string(persistence.OpHealthCheck), syncerrors.CodeConnectionFailed, err)
	})
}

func (s *Store) SignIn(ctx context.Context, email, password string) (*persistence.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.authMu.Lock()
	defer s.authMu.Unlock()

	raw, err := s.client.SignInWithEmailPassword(email, password)
	if err != nil {
		return nil, translate(persistence.OpSignIn, err)
	}
	session := toSession(raw)
	s.session = &session
	return &session, nil
}

func (s *Store) SignOut(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.authMu.Lock()
	defer s.authMu.Unlock()

	if s.session == nil {
		return nil
	}
	if err := s.client.Auth.Logout(); err != nil {
		return translate(persistence.OpSignOut, err)
	}
	s.session = nil
	return nil
}

func (s *Store) CurrentUser(ctx context.Context) (*persistence.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.authMu.RLock()
	defer s.authMu.RUnlock()

	if s.session == nil {
		return nil, nil
	}
	resp, err := s.client.Auth.GetUser()
	if err != nil {
		return nil, translate(persistence.OpCurrentUser, err)
	}
	user := toUser(resp.User)
	return &user, nil
}

func (s *Store) RefreshSession(ctx context.Context, refreshToken string) (*persistence.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.authMu.Lock()
	defer s.authMu.Unlock()

	raw, err := s.client.RefreshToken(refreshToken)
	if err != nil {
		return nil, translate(persistence.OpRefreshSession, err)
	}
	session := toSession(raw)
	s.session = &session
	return &session, nil
}

// BreakerState reports the circuit breaker state.
func (s *Store) BreakerState() string {
	return s.breaker.State().String()
}

func toSession(raw types.Session) persistence.Session {
	expiresAt := time.Unix(raw.ExpiresAt, 0).UTC()
	if raw.ExpiresAt == 0 && raw.ExpiresIn > 0 {
		expiresAt = persistence.Clock().Add(time.Duration(raw.ExpiresIn) * time.Second)
	}
	return persistence.Session{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		ExpiresAt:    expiresAt,
		User:         toUser(raw.User),
	}
}

func toUser(u types.User) persistence.User {
	return persistence.User{
		ID:       u.ID.String(),
		Email:    u.Email,
		Metadata: u.UserMetadata,
	}
}

// filterValue renders an equality operand the way PostgREST expects it in a query string.
func filterValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case json.Number:
		return t.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
