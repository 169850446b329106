// Package sqlite is the local storage adapter. Every table lives in one
// documents table with a JSON body; similarity procedures filter in SQL and rank
// the candidates in process.
// Uses ncruces/go-sqlite3/driver which provides a database/sql interface.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    tbl TEXT NOT NULL,
    id TEXT NOT NULL,
    data TEXT NOT NULL,
    version INTEGER,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (tbl, id)
);

CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(tbl, created_at);
CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(tbl, updated_at);
`

// Store is the SQLite-backed backend.
type Store struct {
	persistence.LocalAuthenticator

	db   *sql.DB
	feed *persistence.Broadcaster
}

var (
	_ persistence.Backend    = (*Store)(nil)
	_ persistence.Subscriber = (*Store)(nil)
	_ persistence.Searcher   = (*Store)(nil)
)

// Open opens (creating when needed) the database at dsn, e.g.
// "file:knowledge.db" or ":memory:".
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A private in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db, feed: persistence.NewBroadcaster("main")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, table, id string) (persistence.Document, error) {
	return getRow(ctx, s.db, table, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRow(ctx context.Context, q querier, table, id string) (persistence.Document, error) {
	var data string
	err := q.QueryRowContext(ctx, "SELECT data FROM documents WHERE tbl = ? AND id = ?", table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return decode(data)
}

func (s *Store) Set(ctx context.Context, table, id string, data persistence.Document) error {
	var existing, doc persistence.Document
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		existing, err = getRow(ctx, tx, table, id)
		if err != nil {
			return err
		}
		doc = persistence.StampSet(id, existing.Merge(data), existing)
		return upsert(ctx, tx, table, id, doc)
	})
	if err != nil {
		return err
	}

	eventType := persistence.EventInsert
	if existing != nil {
		eventType = persistence.EventUpdate
	}
	s.feed.Publish(table, eventType, existing, doc)
	return nil
}

func (s *Store) Update(ctx context.Context, table, id string, partial persistence.Document) error {
	var existing, doc persistence.Document
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		existing, err = getRow(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return syncerrors.ErrNotFound
		}
		doc = existing.Merge(persistence.StampUpdate(partial))
		return upsert(ctx, tx, table, id, doc)
	})
	if err != nil {
		return err
	}
	s.feed.Publish(table, persistence.EventUpdate, existing, doc)
	return nil
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	var existing persistence.Document
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		existing, err = getRow(ctx, tx, table, id)
		if err != nil || existing == nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM documents WHERE tbl = ? AND id = ?", table, id)
		return translate(err)
	})
	if err != nil {
		return err
	}
	if existing != nil {
		s.feed.Publish(table, persistence.EventDelete, existing, nil)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, table string, q persistence.Query) ([]persistence.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, &syncerrors.BackendError{Code: string(syncerrors.CodeInvalidQuery), Message: err.Error()}
	}

	var sb strings.Builder
	args := []any{table}
	sb.WriteString("SELECT data FROM documents WHERE tbl = ?")
	for _, c := range q.Where {
		value, err := bindValue(c.Value)
		if err != nil {
			return nil, &syncerrors.BackendError{Code: string(syncerrors.CodeInvalidQuery), Message: err.Error()}
		}
		if value == nil {
			sb.WriteString(" AND json_extract(data, ?) IS NULL")
			args = append(args, jsonPath(c.Field))
			continue
		}
		sb.WriteString(" AND json_extract(data, ?) = ?")
		args = append(args, jsonPath(c.Field), value)
	}

	if q.OrderBy != "" {
		// NULLs sort first ascending and last descending, like Query.Apply.
		sb.WriteString(" ORDER BY json_extract(data, ?)")
		args = append(args, jsonPath(q.OrderBy))
		if q.Descending {
			sb.WriteString(" DESC")
		}
		sb.WriteString(", rowid")
	} else {
		sb.WriteString(" ORDER BY created_at, rowid")
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	return s.queryDocuments(ctx, sb.String(), args...)
}

func (s *Store) Insert(ctx context.Context, table string, data persistence.Document) (string, error) {
	doc, id := persistence.StampNew(data)
	body, err := json.Marshal(doc)
	if err != nil {
		return "", &syncerrors.BackendError{Code: string(syncerrors.CodeInvalidQuery), Message: err.Error()}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (tbl, id, data, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		table, id, string(body), nullableVersion(doc),
		doc.String(persistence.FieldCreatedAt), doc.String(persistence.FieldUpdatedAt),
	)
	if err != nil {
		return "", translate(err)
	}
	s.feed.Publish(table, persistence.EventInsert, nil, doc)
	return id, nil
}

// CallProcedure serves find_similar_* procedures. Scope filters and the vector
// length check run in SQL; cosine ranking runs on the remaining rows.
func (s *Store) CallProcedure(ctx context.Context, name string, params map[string]any) ([]persistence.Document, error) {
	proc, err := persistence.ParseSimilarityProcedure(name)
	if err != nil {
		return nil, &syncerrors.BackendError{Code: "PGRST202", Message: err.Error()}
	}
	p, err := persistence.ParseSimilarityParams(params)
	if err != nil {
		return nil, &syncerrors.BackendError{Code: string(syncerrors.CodeInvalidQuery), Message: err.Error()}
	}

	var sb strings.Builder
	args := []any{proc.Table, len(p.Embedding)}
	sb.WriteString("SELECT data FROM documents WHERE tbl = ? AND json_array_length(data, '$.embedding') = ?")
	if p.OrganizationID != "" {
		sb.WriteString(" AND json_extract(data, '$.organization_id') = ?")
		args = append(args, p.OrganizationID)
	}
	if p.CompanyID != "" {
		sb.WriteString(" AND json_extract(data, '$.company_id') = ?")
		args = append(args, p.CompanyID)
	}

	rows, err := s.queryDocuments(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	return persistence.RankBySimilarity(proc, rows, p), nil
}

// Subscribe registers fn for changes made through this store.
func (s *Store) Subscribe(ctx context.Context, table string, fn func(persistence.ChangeEvent)) (func(), error) {
	return s.feed.Subscribe(ctx, table, fn)
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return translate(s.db.PingContext(ctx))
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]persistence.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []persistence.Document
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, translate(err)
		}
		doc, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, translate(rows.Err())
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return translate(tx.Commit())
}

func upsert(ctx context.Context, tx *sql.Tx, table, id string, doc persistence.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return &syncerrors.BackendError{Code: string(syncerrors.CodeInvalidQuery), Message: err.Error()}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (tbl, id, data, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tbl, id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		table, id, string(body), nullableVersion(doc),
		doc.String(persistence.FieldCreatedAt), doc.String(persistence.FieldUpdatedAt),
	)
	return translate(err)
}

func nullableVersion(doc persistence.Document) sql.NullInt64 {
	version, ok := doc.Version()
	return sql.NullInt64{Int64: version, Valid: ok}
}

func decode(data string) (persistence.Document, error) {
	var doc persistence.Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, &syncerrors.BackendError{Code: string(syncerrors.CodeDataCorruption), Message: "stored document is not valid JSON: " + err.Error()}
	}
	return doc, nil
}

// jsonPath quotes field so keys with dots or spaces address one member.
func jsonPath(field string) string {
	return `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
}

// bindValue converts a filter value to what json_extract yields for it.
func bindValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, int, int32, int64, float32, float64:
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		return t.Float64()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, sqlite3.CONSTRAINT):
		return &syncerrors.BackendError{Code: "23505", Message: "duplicate key value violates unique constraint", Details: err.Error()}
	case errors.Is(err, sqlite3.BUSY), errors.Is(err, sqlite3.LOCKED):
		return syncerrors.NewNetwork("sqlite", syncerrors.CodeTimeout, err)
	case errors.Is(err, sqlite3.CORRUPT), errors.Is(err, sqlite3.NOTADB):
		return &syncerrors.BackendError{Code: string(syncerrors.CodeDataCorruption), Message: err.Error()}
	}
	var be *syncerrors.BackendError
	if errors.As(err, &be) {
		return err
	}
	return &syncerrors.BackendError{Code: string(syncerrors.CodeBackendError), Message: err.Error()}
}
