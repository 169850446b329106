// Package realtime is a change-feed source speaking the Supabase Realtime (Phoenix
// channels) protocol over a single websocket.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/changefeed"
	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

const (
	// Time allowed to write a message to the server
	writeWait = 10 * time.Second

	// Maximum message size accepted from the server
	maxMessageSize = 1024 * 1024

	defaultHeartbeat = 25 * time.Second
)

// Phoenix events.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
)

// Options configures the source.
type Options struct {
	// URL is the websocket endpoint, including the apikey query parameter.
	URL         string
	Schema      string
	AccessToken string
	Heartbeat   time.Duration
	Dialer      *websocket.Dialer
}

type outbound struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

type inbound struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changesPayload struct {
	Data struct {
		Schema          string               `json:"schema"`
		Table           string               `json:"table"`
		CommitTimestamp string               `json:"commit_timestamp"`
		Type            string               `json:"type"`
		Record          persistence.Document `json:"record"`
		OldRecord       persistence.Document `json:"old_record"`
		Errors          []string             `json:"errors"`
	} `json:"data"`
}

// Source multiplexes Phoenix topics, one per table, over one websocket that is
// dialed on the first Open and redialed after a failure.
type Source struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	topics  map[string]*channel
	pending map[string]chan reply
	ref     uint64

	writeMu sync.Mutex
}

// New creates a source. Nothing is dialed until the first Open.
func New(opts Options, logger *zap.Logger) *Source {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Source{
		opts:    opts,
		logger:  observability.OrNop(logger).Named("realtime"),
		topics:  make(map[string]*channel),
		pending: make(map[string]chan reply),
	}
}

var _ changefeed.Source = (*Source)(nil)

type channel struct {
	src     *Source
	topic   string
	table   string
	joinRef string
	handler changefeed.SourceHandler
	once    sync.Once
}

// Open joins the table's topic and waits for the server to accept it.
func (s *Source) Open(ctx context.Context, table string, h changefeed.SourceHandler) (changefeed.Channel, error) {
	conn, done, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	topic := "realtime:" + s.opts.Schema + ":" + table
	ref := s.nextRef()
	ch := &channel{src: s, topic: topic, table: table, joinRef: ref, handler: h}
	replies := make(chan reply, 1)

	s.mu.Lock()
	if _, exists := s.topics[topic]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("topic %s is already joined", topic)
	}
	s.topics[topic] = ch
	s.pending[ref] = replies
	s.mu.Unlock()

	payload := map[string]any{
		"config": map[string]any{
			"broadcast": map[string]any{"self": false},
			"presence":  map[string]any{"key": ""},
			"postgres_changes": []map[string]any{
				{"event": "*", "schema": s.opts.Schema, "table": table},
			},
		},
	}
	if s.opts.AccessToken != "" {
		payload["access_token"] = s.opts.AccessToken
	}

	err = s.write(conn, outbound{Topic: topic, Event: eventJoin, Payload: payload, Ref: ref, JoinRef: ref})
	if err == nil {
		select {
		case r := <-replies:
			if r.Status != "ok" {
				err = &syncerrors.BackendError{Code: "realtime_join", Message: fmt.Sprintf("join %s rejected: %s", topic, string(r.Response))}
			}
		case <-done:
			err = syncerrors.NewNetwork(string(persistence.OpSubscribe), syncerrors.CodeConnectionFailed, errors.New("realtime connection closed during join"))
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		s.mu.Lock()
		if s.topics[topic] == ch {
			delete(s.topics, topic)
		}
		delete(s.pending, ref)
		s.mu.Unlock()
		return nil, err
	}

	s.logger.Debug("Joined realtime topic", zap.String("topic", topic))
	return ch, nil
}

// Close leaves the topic.
func (c *channel) Close() error {
	var err error
	c.once.Do(func() {
		s := c.src
		s.mu.Lock()
		if s.topics[c.topic] == c {
			delete(s.topics, c.topic)
		}
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}
		err = s.write(conn, outbound{Topic: c.topic, Event: eventLeave, Payload: map[string]any{}, Ref: s.nextRef(), JoinRef: c.joinRef})
	})
	return err
}

func (s *Source) connect(ctx context.Context) (*websocket.Conn, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, s.done, nil
	}

	conn, _, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, syncerrors.NewNetwork(string(persistence.OpSubscribe), syncerrors.CodeConnectionFailed, err)
	}
	conn.SetReadLimit(maxMessageSize)

	done := make(chan struct{})
	s.conn, s.done = conn, done
	go s.readLoop(conn)
	go s.heartbeatLoop(conn, done)
	s.logger.Info("Realtime connection established")
	return conn, done, nil
}

func (s *Source) readLoop(conn *websocket.Conn) {
	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			s.fail(conn, err)
			return
		}
		s.route(msg)
	}
}

func (s *Source) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			msg := outbound{Topic: "phoenix", Event: eventHeartbeat, Payload: map[string]any{}, Ref: s.nextRef()}
			if err := s.write(conn, msg); err != nil {
				s.fail(conn, err)
				return
			}
		}
	}
}

func (s *Source) route(msg inbound) {
	switch msg.Event {
	case eventReply:
		var r reply
		if err := json.Unmarshal(msg.Payload, &r); err != nil {
			s.logger.Warn("Malformed realtime reply", zap.Error(err))
			return
		}
		s.mu.Lock()
		replies, ok := s.pending[msg.Ref]
		delete(s.pending, msg.Ref)
		s.mu.Unlock()
		if ok {
			replies <- r
		}
	case eventChanges:
		ch := s.channel(msg.Topic)
		if ch == nil {
			return
		}
		e, err := decodeChange(msg.Payload)
		if err != nil {
			s.logger.Warn("Malformed change notification", zap.String("topic", msg.Topic), zap.Error(err))
			return
		}
		if e.Table == "" {
			e.Table = ch.table
		}
		ch.handler.Event(e)
	case eventError, eventClose:
		ch := s.channel(msg.Topic)
		if ch == nil {
			return
		}
		s.mu.Lock()
		delete(s.topics, msg.Topic)
		s.mu.Unlock()
		if ch.handler.Error != nil {
			ch.handler.Error(fmt.Errorf("realtime topic %s: %s", msg.Topic, msg.Event))
		}
	default:
		s.logger.Debug("Ignoring realtime message", zap.String("topic", msg.Topic), zap.String("event", msg.Event))
	}
}

func (s *Source) channel(topic string) *channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics[topic]
}

// fail tears down conn and reports the failure to every joined topic.
func (s *Source) fail(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	close(s.done)
	topics := s.topics
	s.topics = make(map[string]*channel)
	s.pending = make(map[string]chan reply)
	s.mu.Unlock()

	conn.Close()
	s.logger.Warn("Realtime connection lost", zap.Int("topics", len(topics)), zap.Error(err))

	netErr := syncerrors.NewNetwork(string(persistence.OpSubscribe), syncerrors.CodeConnectionFailed, err)
	for _, ch := range topics {
		if ch.handler.Error != nil {
			ch.handler.Error(netErr)
		}
	}
}

func (s *Source) write(conn *websocket.Conn, msg outbound) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return syncerrors.NewNetwork(string(persistence.OpSubscribe), syncerrors.CodeConnectionFailed, err)
	}
	return nil
}

func (s *Source) nextRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

// Close closes the websocket. Joined topics are dropped without notification.
func (s *Source) Close() error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.conn = nil
	close(s.done)
	s.topics = make(map[string]*channel)
	s.pending = make(map[string]chan reply)
	s.mu.Unlock()

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return conn.Close()
}

func decodeChange(raw json.RawMessage) (persistence.ChangeEvent, error) {
	var p changesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return persistence.ChangeEvent{}, err
	}
	committed := persistence.Clock()
	if p.Data.CommitTimestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, p.Data.CommitTimestamp); err == nil {
			committed = t
		}
	}
	e := persistence.ChangeEvent{
		EventType:       persistence.EventType(p.Data.Type),
		Schema:          p.Data.Schema,
		Table:           p.Data.Table,
		CommitTimestamp: committed,
		Errors:          p.Data.Errors,
		Old:             p.Data.OldRecord,
		New:             p.Data.Record,
	}
	if e.EventType == persistence.EventDelete && len(e.New) == 0 {
		e.New = nil
	}
	return e, nil
}
