// Package stream fans reconciliation notifications out to websocket
// subscribers.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"agrisubsidy/observability"
)

const (
	defaultHistory = 1024
	defaultBuffer  = 32
	writeTimeout   = 10 * time.Second
)

// Message is one notification as delivered to subscribers.
type Message struct {
	Sequence  uint64          `json:"sequence"`
	Cursor    string          `json:"cursor"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Options tunes a Hub.
type Options struct {
	// History is the number of past messages replayed to a subscriber that
	// reconnects with a cursor.
	History int
	// Buffer is the per-subscriber queue length. A subscriber whose queue is
	// full is disconnected.
	Buffer  int
	Logger  *slog.Logger
	Metrics *observability.SubsidydMetrics
	Now     func() time.Time
}

type subscriber struct {
	ch     chan Message
	topics map[string]bool
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) wants(topic string) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

func (s *subscriber) drop() {
	s.once.Do(func() { close(s.done) })
}

// Hub keeps a bounded history of messages and a set of live subscribers.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	history []Message
	subs    map[uint64]*subscriber
	nextID  uint64

	limit   int
	buffer  int
	logger  *slog.Logger
	metrics *observability.SubsidydMetrics
	now     func() time.Time
}

// NewHub returns an empty hub.
func NewHub(opts Options) *Hub {
	h := &Hub{
		subs:    make(map[uint64]*subscriber),
		limit:   opts.History,
		buffer:  opts.Buffer,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if h.limit <= 0 {
		h.limit = defaultHistory
	}
	if h.buffer <= 0 {
		h.buffer = defaultBuffer
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Publish encodes payload and delivers it to every subscriber of topic.
func (h *Hub) Publish(topic string, payload any) {
	if h == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("stream payload not encodable", slog.String("topic", topic), slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	h.seq++
	msg := Message{
		Sequence:  h.seq,
		Cursor:    strconv.FormatUint(h.seq, 10),
		Topic:     topic,
		Payload:   data,
		Timestamp: h.now().UTC().Unix(),
	}
	h.history = append(h.history, msg)
	if len(h.history) > h.limit {
		excess := len(h.history) - h.limit
		trimmed := make([]Message, h.limit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	var slow []uint64
	for id, sub := range h.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			slow = append(slow, id)
		}
	}
	for _, id := range slow {
		h.subs[id].drop()
		delete(h.subs, id)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if len(slow) > 0 {
		h.logger.Warn("dropped slow stream subscribers", slog.Int("count", len(slow)))
		h.metrics.SetStreamClients(count)
	}
}

// Subscribe registers a subscriber for topics (all topics when empty). It
// returns the backlog after cursor, the live channel, a channel closed when
// the subscriber is dropped, and a cancel func.
func (h *Hub) Subscribe(cursor string, topics []string) ([]Message, <-chan Message, <-chan struct{}, func()) {
	sub := &subscriber{
		ch:     make(chan Message, h.buffer),
		topics: make(map[string]bool, len(topics)),
		done:   make(chan struct{}),
	}
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			sub.topics[t] = true
		}
	}
	var since uint64
	hasCursor := false
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since, hasCursor = parsed, true
		}
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	var backlog []Message
	if hasCursor {
		for _, msg := range h.history {
			if msg.Sequence > since && sub.wants(msg.Topic) {
				backlog = append(backlog, msg)
			}
		}
	}
	count := len(h.subs)
	h.mu.Unlock()
	h.metrics.SetStreamClients(count)

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		count := len(h.subs)
		h.mu.Unlock()
		sub.drop()
		h.metrics.SetStreamClients(count)
	}
	return backlog, sub.ch, sub.done, cancel
}

// Clients returns the number of live subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams messages until the client leaves
// or falls behind. Query parameters: cursor, topics (comma separated).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	var topics []string
	if raw := strings.TrimSpace(r.URL.Query().Get("topics")); raw != "" {
		topics = strings.Split(raw, ",")
	}
	backlog, updates, dropped, cancel := h.Subscribe(r.URL.Query().Get("cursor"), topics)
	defer cancel()

	// Reads are discarded; CloseRead cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for _, msg := range backlog {
		if err := write(ctx, conn, msg); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-dropped:
			_ = conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
			return
		case msg := <-updates:
			if err := write(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) == -1 {
					_ = conn.Close(websocket.StatusInternalError, "stream error")
				}
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
