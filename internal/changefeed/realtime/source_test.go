package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GAIKONDO/app42-sub006/internal/changefeed"
	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// fakeRealtime is a minimal Phoenix server: it accepts joins for allowed tables,
// records every message, and can push frames to the client.
type fakeRealtime struct {
	t       *testing.T
	reject  string
	mu      sync.Mutex
	conn    *websocket.Conn
	events  []inbound
	joined  chan string
	writeMu sync.Mutex
}

func newFakeRealtime(t *testing.T) (*fakeRealtime, *httptest.Server) {
	f := &fakeRealtime{t: t, joined: make(chan string, 10)}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			var msg inbound
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.mu.Lock()
			f.events = append(f.events, msg)
			f.mu.Unlock()
			if msg.Event == eventJoin {
				status := "ok"
				f.mu.Lock()
				rejected := f.reject != "" && strings.HasSuffix(msg.Topic, ":"+f.reject)
				f.mu.Unlock()
				if rejected {
					status = "error"
				}
				f.send(map[string]any{
					"topic": msg.Topic, "event": eventReply, "ref": msg.Ref,
					"payload": map[string]any{"status": status, "response": map[string]any{}},
				})
				f.joined <- msg.Topic
			}
		}
	}))
	return f, srv
}

func (f *fakeRealtime) send(v any) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	assert.NoError(f.t, conn.WriteJSON(v))
}

func (f *fakeRealtime) sawEvent(event, topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Event == event && e.Topic == topic {
			return true
		}
	}
	return false
}

func (f *fakeRealtime) setReject(table string) {
	f.mu.Lock()
	f.reject = table
	f.mu.Unlock()
}

func (f *fakeRealtime) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn.Close()
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/v1/websocket?apikey=anon&vsn=1.0.0"
}

func TestJoinAndReceiveChanges(t *testing.T) {
	fake, srv := newFakeRealtime(t)
	defer srv.Close()

	src := New(Options{URL: wsURL(srv), AccessToken: "anon"}, zaptest.NewLogger(t))
	defer src.Close()

	events := make(chan persistence.ChangeEvent, 1)
	ch, err := src.Open(context.Background(), "topics", changefeed.SourceHandler{
		Event: func(e persistence.ChangeEvent) { events <- e },
		Error: func(error) {},
	})
	require.NoError(t, err)
	assert.Equal(t, "realtime:public:topics", <-fake.joined)

	fake.send(map[string]any{
		"topic": "realtime:public:topics",
		"event": eventChanges,
		"ref":   nil,
		"payload": map[string]any{
			"ids": []int{1},
			"data": map[string]any{
				"schema":           "public",
				"table":            "topics",
				"commit_timestamp": "2024-05-01T10:00:00.5Z",
				"type":             "INSERT",
				"record":           map[string]any{"id": "x", "title": "Roadmap"},
				"old_record":       map[string]any{},
				"errors":           nil,
			},
		},
	})

	select {
	case e := <-events:
		assert.Equal(t, persistence.EventInsert, e.EventType)
		assert.Equal(t, "topics", e.Table)
		assert.Equal(t, "x", e.RowID())
		assert.Equal(t, "Roadmap", e.New["title"])
		assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 500_000_000, time.UTC), e.CommitTimestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event delivered")
	}

	require.NoError(t, ch.Close())
	assert.Eventually(t, func() bool { return fake.sawEvent(eventLeave, "realtime:public:topics") }, 2*time.Second, 10*time.Millisecond)
}

func TestJoinRejected(t *testing.T) {
	fake, srv := newFakeRealtime(t)
	fake.setReject("secrets")
	defer srv.Close()

	src := New(Options{URL: wsURL(srv)}, nil)
	defer src.Close()

	_, err := src.Open(context.Background(), "secrets", changefeed.SourceHandler{Event: func(persistence.ChangeEvent) {}})
	require.Error(t, err)
	assert.True(t, syncerrors.IsBackend(err))

	// The topic can be joined again once the server allows it.
	fake.setReject("")
	_, err = src.Open(context.Background(), "topics", changefeed.SourceHandler{Event: func(persistence.ChangeEvent) {}})
	require.NoError(t, err)
}

func TestDialFailureIsNetworkShaped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	src := New(Options{URL: url}, nil)
	_, err := src.Open(context.Background(), "topics", changefeed.SourceHandler{Event: func(persistence.ChangeEvent) {}})
	require.Error(t, err)
	assert.True(t, syncerrors.IsNetwork(err))
}

func TestConnectionLossReportsErrorAndRedials(t *testing.T) {
	fake, srv := newFakeRealtime(t)
	defer srv.Close()

	src := New(Options{URL: wsURL(srv)}, nil)
	defer src.Close()

	failures := make(chan error, 1)
	_, err := src.Open(context.Background(), "topics", changefeed.SourceHandler{
		Event: func(persistence.ChangeEvent) {},
		Error: func(err error) { failures <- err },
	})
	require.NoError(t, err)
	<-fake.joined

	fake.dropConnection()
	select {
	case err := <-failures:
		assert.True(t, syncerrors.IsNetwork(err))
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}

	_, err = src.Open(context.Background(), "topics", changefeed.SourceHandler{Event: func(persistence.ChangeEvent) {}})
	require.NoError(t, err)
}

func TestHeartbeat(t *testing.T) {
	fake, srv := newFakeRealtime(t)
	defer srv.Close()

	src := New(Options{URL: wsURL(srv), Heartbeat: 20 * time.Millisecond}, nil)
	defer src.Close()

	_, err := src.Open(context.Background(), "topics", changefeed.SourceHandler{Event: func(persistence.ChangeEvent) {}})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return fake.sawEvent(eventHeartbeat, "phoenix") }, 2*time.Second, 10*time.Millisecond)
}

func TestDecodeDelete(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"data": map[string]any{
		"schema": "public", "table": "topics", "type": "DELETE",
		"record": map[string]any{}, "old_record": map[string]any{"id": "x"},
	}})
	e, err := decodeChange(raw)
	require.NoError(t, err)
	assert.Equal(t, persistence.EventDelete, e.EventType)
	assert.Nil(t, e.New)
	assert.Equal(t, "x", e.RowID())
}
