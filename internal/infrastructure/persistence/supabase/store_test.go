package supabase_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GAIKONDO/app42-sub006/internal/config"
	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence/supabase"
)

// fakePostgREST answers the subset of the PostgREST and GoTrue APIs the adapter uses.
type fakePostgREST struct {
	mu       sync.Mutex
	rows     map[string]map[string]map[string]any
	requests []*http.Request
	bodies   []string
}

func newFake() *fakePostgREST {
	return &fakePostgREST{rows: make(map[string]map[string]map[string]any)}
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	f.bodies = append(f.bodies, string(body))

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/rest/v1":
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	case strings.HasPrefix(r.URL.Path, "/rest/v1/rpc/"):
		f.rpc(w, strings.TrimPrefix(r.URL.Path, "/rest/v1/rpc/"))
	case strings.HasPrefix(r.URL.Path, "/rest/v1/"):
		f.table(w, r, strings.TrimPrefix(r.URL.Path, "/rest/v1/"), body)
	case r.URL.Path == "/auth/v1/token":
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"bearer","expires_in":3600,"expires_at":1900000000,
			"user":{"id":"2b7e1c8e-1b1a-4c55-9d84-7c0b2e7a9f11","email":"ada@example.com","user_metadata":{"name":"Ada"}}}`))
	case r.URL.Path == "/auth/v1/user":
		w.Write([]byte(`{"id":"2b7e1c8e-1b1a-4c55-9d84-7c0b2e7a9f11","email":"ada@example.com"}`))
	case r.URL.Path == "/auth/v1/logout":
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakePostgREST) table(w http.ResponseWriter, r *http.Request, table string, body []byte) {
	if f.rows[table] == nil {
		f.rows[table] = make(map[string]map[string]any)
	}
	id := strings.TrimPrefix(r.URL.Query().Get("id"), "eq.")

	switch r.Method {
	case http.MethodGet:
		out := []map[string]any{}
		if row, ok := f.rows[table][id]; ok {
			out = append(out, row)
		}
		json.NewEncoder(w).Encode(out)
	case http.MethodPost:
		var row map[string]any
		json.Unmarshal(body, &row)
		rowID, _ := row["id"].(string)
		existing, exists := f.rows[table][rowID]
		if exists && !strings.Contains(r.Header.Get("Prefer"), "merge-duplicates") {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint","details":"Key (id) exists","hint":null}`))
			return
		}
		if exists {
			for k, v := range row {
				existing[k] = v
			}
		} else {
			f.rows[table][rowID] = row
		}
		w.WriteHeader(http.StatusCreated)
	case http.MethodPatch:
		row, ok := f.rows[table][id]
		if !ok {
			w.Write([]byte(`[]`))
			return
		}
		var patch map[string]any
		json.Unmarshal(body, &patch)
		for k, v := range patch {
			row[k] = v
		}
		json.NewEncoder(w).Encode([]map[string]any{row})
	case http.MethodDelete:
		delete(f.rows[table], id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (f *fakePostgREST) rpc(w http.ResponseWriter, name string) {
	if name != "find_similar_topics_768" {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"PGRST202","message":"Could not find the function public.` + name + `","details":null,"hint":"Perhaps you meant find_similar_topics"}`))
		return
	}
	w.Write([]byte(`[{"id":"n1-topic-a","topic_id":"a","meeting_note_id":"n1","similarity":0.93}]`))
}

func (f *fakePostgREST) lastRequest() (*http.Request, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.requests)
	return f.requests[n-1], f.bodies[n-1]
}

func newStore(t *testing.T, serverURL string) *supabase.Store {
	t.Helper()
	store, err := supabase.New(
		config.Backend{SupabaseURL: serverURL, SupabaseKey: "anon-key"},
		config.CircuitBreaker{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 0.5, MinRequests: 2},
		zaptest.NewLogger(t),
	)
	require.NoError(t, err)
	return store
}

func TestRowOperations(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	store := newStore(t, srv.URL)
	ctx := context.Background()

	doc, err := store.Get(ctx, "topics", "missing")
	require.NoError(t, err)
	assert.Nil(t, doc)

	require.NoError(t, store.Set(ctx, "topics", "t1", persistence.Document{"title": "Roadmap"}))
	req, body := fake.lastRequest()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Contains(t, req.Header.Get("Prefer"), "resolution=merge-duplicates")
	assert.Equal(t, "id", req.URL.Query().Get("on_conflict"))
	assert.Contains(t, body, `"createdAt"`)

	doc, err = store.Get(ctx, "topics", "t1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Roadmap", doc["title"])

	require.NoError(t, store.Update(ctx, "topics", "t1", persistence.Document{"title": "Roadmap v2"}))
	err = store.Update(ctx, "topics", "nope", persistence.Document{"title": "x"})
	assert.True(t, syncerrors.IsNotFound(err))

	require.NoError(t, store.Delete(ctx, "topics", "t1"))
	doc, err = store.Get(ctx, "topics", "t1")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestInsertDuplicateTranslatesBackendError(t *testing.T) {
	srv := httptest.NewServer(newFake())
	defer srv.Close()
	store := newStore(t, srv.URL)
	ctx := context.Background()

	id, err := store.Insert(ctx, "entities", persistence.Document{"id": "e1", "name": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "e1", id)

	_, err = store.Insert(ctx, "entities", persistence.Document{"id": "e1", "name": "Acme"})
	var be *syncerrors.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "23505", be.Code)
	assert.False(t, syncerrors.IsNetwork(err))
}

func TestQueryBuildsFilters(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	store := newStore(t, srv.URL)

	q := persistence.NewQuery().Eq("topicId", "t1").Eq("archived", false).Eq("parent", nil).Order("createdAt", true).Take(5)
	_, err := store.Query(context.Background(), "relations", q)
	require.NoError(t, err)

	req, _ := fake.lastRequest()
	params := req.URL.Query()
	assert.Equal(t, "eq.t1", params.Get("topicId"))
	assert.Equal(t, "eq.false", params.Get("archived"))
	assert.Equal(t, "is.null", params.Get("parent"))
	assert.Equal(t, "createdAt.desc.nullslast", params.Get("order"))
	assert.Equal(t, "5", params.Get("limit"))
}

func TestCallProcedure(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	store := newStore(t, srv.URL)
	ctx := context.Background()

	params := persistence.SimilarityParams{Embedding: make([]float32, 768), Threshold: 0.7, Count: 3, OrganizationID: "org"}
	rows, err := store.CallProcedure(ctx, "find_similar_topics_768", params.Params())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "n1", rows[0]["meeting_note_id"])

	_, body := fake.lastRequest()
	assert.Contains(t, body, `"organization_id_filter":"org"`)
	assert.Contains(t, body, `"match_count":3`)

	_, err = store.CallProcedure(ctx, "find_similar_unicorns", params.Params())
	var be *syncerrors.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "PGRST202", be.Code)
	assert.NotEmpty(t, be.Hint)

	// A failed call must not poison the next one.
	rows, err = store.CallProcedure(ctx, "find_similar_topics_768", params.Params())
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestUnreachableBackendIsNetworkShapedAndTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(newFake())
	serverURL := srv.URL
	srv.Close()

	store := newStore(t, serverURL)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := store.Get(ctx, "topics", "t1")
		require.Error(t, err)
		assert.True(t, syncerrors.IsNetwork(err), "attempt %d: %v", i, err)
	}
	assert.Equal(t, "open", store.BreakerState())

	_, err := store.Get(ctx, "topics", "t1")
	assert.True(t, syncerrors.IsNetwork(err))
	assert.Equal(t, syncerrors.CodeCircuitOpen, syncerrors.CodeOf(err))

	assert.Error(t, store.HealthCheck(ctx))
}

func TestBackendErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(newFake())
	defer srv.Close()
	store := newStore(t, srv.URL)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.CallProcedure(ctx, "find_similar_unicorns", nil)
		require.Error(t, err)
	}
	assert.Equal(t, "closed", store.BreakerState())
	assert.NoError(t, store.HealthCheck(ctx))
}

func TestAuthPassthrough(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	store := newStore(t, srv.URL)
	ctx := context.Background()

	user, err := store.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, user, "no session yet")

	session, err := store.SignIn(ctx, "ada@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "at-1", session.AccessToken)
	assert.Equal(t, "ada@example.com", session.User.Email)
	assert.Equal(t, "Ada", session.User.Metadata["name"])

	req, _ := fake.lastRequest()
	assert.Equal(t, url.Values{"grant_type": {"password"}}, req.URL.Query())

	user, err = store.CurrentUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "2b7e1c8e-1b1a-4c55-9d84-7c0b2e7a9f11", user.ID)

	// Row requests now carry the user's token.
	_, err = store.Get(ctx, "topics", "t1")
	require.NoError(t, err)
	req, _ = fake.lastRequest()
	assert.Contains(t, req.Header.Values("Authorization"), "Bearer at-1")

	require.NoError(t, store.SignOut(ctx))
	user, err = store.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, user)
}
