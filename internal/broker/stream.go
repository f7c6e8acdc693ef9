package broker

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamState is the connection lifecycle of the hub client.
type StreamState string

const (
	StreamDisconnected StreamState = "DISCONNECTED"
	StreamConnecting   StreamState = "CONNECTING"
	StreamConnected    StreamState = "CONNECTED"
	StreamSubscribed   StreamState = "SUBSCRIBED"
	StreamReconnecting StreamState = "RECONNECTING"
)

// StreamEvent is one decoded hub message, stamped with a monotonic
// per-topic sequence and wall-clock receipt time.
type StreamEvent struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Seq     uint64          `json:"seq"`
	TS      time.Time       `json:"ts"`
}

// GapDetected is raised when a topic's sequence jumps, signalling the
// caller must reconcile via REST.
type GapDetected struct {
	Topic    string
	Expected uint64
	Got      uint64
}

// StreamClient maintains one long-lived WebSocket connection to the
// broker's event hub, re-subscribing on reconnect and tracking
// per-topic sequence numbers for gap detection. Architecture is
// adapted from the register/unregister/broadcast hub pattern seen in
// the pack's WebSocket examples, specialized to a single upstream
// connection rather than many downstream ones.
type StreamClient struct {
	url    string
	token  func() string
	logger *log.Logger

	mu            sync.Mutex
	state         StreamState
	conn          *websocket.Conn
	subscriptions map[string]bool
	lastSeq       map[string]uint64

	events chan StreamEvent
	gaps   chan GapDetected
	done   chan struct{}

	lastHeartbeat time.Time
}

// NewStreamClient builds a client against url, using tokenFn to fetch
// the current bearer token on each (re)connect attempt.
func NewStreamClient(url string, tokenFn func() string) *StreamClient {
	return &StreamClient{
		url:           url,
		token:         tokenFn,
		logger:        log.New(os.Stderr, "stream: ", log.LstdFlags),
		state:         StreamDisconnected,
		subscriptions: make(map[string]bool),
		lastSeq:       make(map[string]uint64),
		events:        make(chan StreamEvent, 1024),
		gaps:          make(chan GapDetected, 64),
		done:          make(chan struct{}),
	}
}

// Events returns the channel decoded hub messages are published on.
func (s *StreamClient) Events() <-chan StreamEvent { return s.events }

// Gaps returns the channel sequence gaps are published on.
func (s *StreamClient) Gaps() <-chan GapDetected { return s.gaps }

// State returns the current connection state.
func (s *StreamClient) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe adds topic to the active subscription set. If currently
// connected, the subscription is sent immediately; it is always
// replayed on reconnect.
func (s *StreamClient) Subscribe(topic string) {
	s.mu.Lock()
	s.subscriptions[topic] = true
	conn := s.conn
	connected := s.state == StreamSubscribed || s.state == StreamConnected
	s.mu.Unlock()
	if connected && conn != nil {
		_ = s.sendSubscribe(conn, topic)
	}
}

func (s *StreamClient) sendSubscribe(conn *websocket.Conn, topic string) error {
	return conn.WriteJSON(map[string]string{"action": "subscribe", "topic": topic})
}

// Run connects and reconnects until ctx is cancelled, with capped
// exponential backoff (1s -> 30s) between attempts. It blocks until
// ctx.Done(), so callers run it in its own goroutine.
func (s *StreamClient) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		default:
		}

		s.setState(StreamConnecting)
		if err := s.connectAndServe(ctx); err != nil {
			s.logger.Printf("stream disconnected: %v", err)
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			return
		default:
		}

		s.setState(StreamReconnecting)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.shutdown()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *StreamClient) setState(st StreamState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *StreamClient) connectAndServe(ctx context.Context) error {
	header := map[string][]string{}
	if s.token != nil {
		header["Authorization"] = []string{"Bearer " + s.token()}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	s.setState(StreamConnected)

	// Re-establish every active subscription before reporting connected.
	s.mu.Lock()
	topics := make([]string, 0, len(s.subscriptions))
	for t := range s.subscriptions {
		topics = append(topics, t)
	}
	s.mu.Unlock()
	for _, t := range topics {
		if err := s.sendSubscribe(conn, t); err != nil {
			return err
		}
	}
	s.setState(StreamSubscribed)

	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.watchHeartbeat(heartbeatCtx, conn)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		var raw StreamEvent
		if err := conn.ReadJSON(&raw); err != nil {
			return err
		}
		s.lastHeartbeat = time.Now()
		raw.TS = time.Now()
		s.checkSequence(raw)
		select {
		case s.events <- raw:
		default:
			s.logger.Printf("event buffer full, dropping event on topic %s", raw.Topic)
		}
	}
}

// checkSequence tracks the last seen seq per topic and raises a
// GapDetected when a jump is observed.D.
func (s *StreamClient) checkSequence(evt StreamEvent) {
	s.mu.Lock()
	expected := s.lastSeq[evt.Topic] + 1
	s.lastSeq[evt.Topic] = evt.Seq
	s.mu.Unlock()
	if expected != 1 && evt.Seq != expected {
		select {
		case s.gaps <- GapDetected{Topic: evt.Topic, Expected: expected, Got: evt.Seq}:
		default:
		}
	}
}

// watchHeartbeat forces a disconnect (by closing conn) if no message
// has arrived in 15s.
func (s *StreamClient) watchHeartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(s.lastHeartbeat) > 15*time.Second && !s.lastHeartbeat.IsZero() {
				s.logger.Printf("heartbeat absent >15s, forcing reconnect")
				conn.Close()
				return
			}
		}
	}
}

// shutdown tears down the current connection and drains the outbound
// queue within 2s.D cancellation semantics.
func (s *StreamClient) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StreamDisconnected
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		s.conn.Close()
		s.conn = nil
	}
}
