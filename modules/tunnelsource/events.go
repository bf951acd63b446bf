package tunnelsource

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/KapTmaN/pulseaudio/internal/protocol"
)

// TunnelEventType represents different types of tunnel events.
type TunnelEventType string

const (
	TunnelEventStateChanged  TunnelEventType = "tunnel-state-changed"
	TunnelEventMetricsUpdate TunnelEventType = "tunnel-metrics-update"
)

// TunnelEvent represents a WebSocket tunnel event.
type TunnelEvent struct {
	Type TunnelEventType `json:"type"`
	Data interface{}     `json:"data"`
}

// TunnelStateData represents session/stream state change data.
type TunnelStateData struct {
	Session string `json:"session"`
	Stream  string `json:"stream"`
}

// TunnelMetricsData represents data-path metrics.
type TunnelMetricsData struct {
	ChunksPosted int64 `json:"chunks_posted"`
	BytesPosted  int64 `json:"bytes_posted"`
}

// eventSubscriber represents a WebSocket connection subscribed to
// tunnel events.
type eventSubscriber struct {
	conn   *websocket.Conn
	ctx    context.Context
	logger *zerolog.Logger
}

// EventBroadcaster fans tunnel state and metrics events out to
// WebSocket subscribers. The module works identically with zero
// subscribers; hosts wire this into their UI transport.
type EventBroadcaster struct {
	// Atomic fields must be first for proper alignment on 32-bit targets.
	chunksPosted int64
	bytesPosted  int64

	mutex       sync.RWMutex
	subscribers map[string]*eventSubscriber
	logger      *zerolog.Logger
	closed      bool

	lastSession protocol.SessionState
	lastStream  protocol.StreamState
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster(logger *zerolog.Logger) *EventBroadcaster {
	l := logger.With().Str("component", "tunnel-events").Logger()
	return &EventBroadcaster{
		subscribers: make(map[string]*eventSubscriber),
		logger:      &l,
	}
}

// Subscribe adds a WebSocket connection to receive tunnel events.
func (b *EventBroadcaster) Subscribe(connectionID string, conn *websocket.Conn, ctx context.Context, logger *zerolog.Logger) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return
	}
	b.subscribers[connectionID] = &eventSubscriber{conn: conn, ctx: ctx, logger: logger}
	b.logger.Info().Str("connectionID", connectionID).Msg("tunnel events subscription added")
}

// Unsubscribe removes a WebSocket connection from tunnel events.
func (b *EventBroadcaster) Unsubscribe(connectionID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.subscribers, connectionID)
	b.logger.Info().Str("connectionID", connectionID).Msg("tunnel events subscription removed")
}

// SubscriberCount returns the number of live subscriptions.
func (b *EventBroadcaster) SubscriberCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.subscribers)
}

// BroadcastState publishes a state change; duplicate states are
// suppressed.
func (b *EventBroadcaster) BroadcastState(session protocol.SessionState, stream protocol.StreamState) {
	b.mutex.Lock()
	if b.closed || (session == b.lastSession && stream == b.lastStream) {
		b.mutex.Unlock()
		return
	}
	b.lastSession = session
	b.lastStream = stream
	b.mutex.Unlock()

	b.broadcast(TunnelEvent{
		Type: TunnelEventStateChanged,
		Data: TunnelStateData{Session: session.String(), Stream: stream.String()},
	})
}

// NoteChunk records one posted chunk and periodically publishes a
// metrics update.
func (b *EventBroadcaster) NoteChunk(bytes int) {
	chunks := atomic.AddInt64(&b.chunksPosted, 1)
	total := atomic.AddInt64(&b.bytesPosted, int64(bytes))

	// One metrics event per 64 chunks keeps subscriber traffic light.
	if chunks%64 != 0 {
		return
	}
	b.broadcast(TunnelEvent{
		Type: TunnelEventMetricsUpdate,
		Data: TunnelMetricsData{ChunksPosted: chunks, BytesPosted: total},
	})
}

// Stats returns the chunk and byte counters.
func (b *EventBroadcaster) Stats() (chunks, bytes int64) {
	return atomic.LoadInt64(&b.chunksPosted), atomic.LoadInt64(&b.bytesPosted)
}

// Close drops all subscriptions; further broadcasts are no-ops.
func (b *EventBroadcaster) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.closed = true
	b.subscribers = make(map[string]*eventSubscriber)
}

// broadcast sends an event to all subscribers.
func (b *EventBroadcaster) broadcast(event TunnelEvent) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	for connectionID, subscriber := range b.subscribers {
		go func(id string, sub *eventSubscriber) {
			if !b.sendToSubscriber(sub, event) {
				b.mutex.Lock()
				delete(b.subscribers, id)
				b.mutex.Unlock()
				b.logger.Warn().Str("connectionID", id).Msg("removed failed tunnel events subscriber")
			}
		}(connectionID, subscriber)
	}
}

// sendToSubscriber sends an event to a specific subscriber.
func (b *EventBroadcaster) sendToSubscriber(subscriber *eventSubscriber, event TunnelEvent) bool {
	ctx, cancel := context.WithTimeout(subscriber.ctx, 5*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, subscriber.conn, event); err != nil {
		subscriber.logger.Warn().Err(err).Msg("failed to send tunnel event to subscriber")
		return false
	}
	return true
}
