package room

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the connection state of a sync channel, surfaced to the editing
// surface for its connected/disconnected indicator.
type State string

const (
	// StateDisconnected means the channel is closed and will not redial.
	StateDisconnected State = "disconnected"
	// StateConnecting means the first dial is in flight.
	StateConnecting State = "connecting"
	// StateConnected means frames are flowing.
	StateConnected State = "connected"
	// StateReconnecting means the connection dropped and the channel is
	// redialing with backoff.
	StateReconnecting State = "reconnecting"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 32 * time.Second
)

var errChannelClosed = errors.New("room: channel closed")

// ChannelConfig describes a client-side sync channel.
type ChannelConfig struct {
	URL            string
	Dialer         *websocket.Dialer
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *zap.Logger
}

// Channel is the client side of a room connection. It owns reconnect logic:
// when the websocket drops, the channel redials with capped exponential
// backoff and keeps redialing until Disconnect. Each (re)connection replays
// missed frames through the server's catch-up before live traffic resumes.
// Delivery is at-least-once; consumers rely on operation idempotence.
type Channel struct {
	url    string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	cursor  int
	queue   []Message
	stopped bool

	handlerMu     sync.Mutex
	handlers      map[string][]func(Message)
	stateHandlers []func(State)

	stop           chan struct{}
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *zap.Logger
}

// NewChannel constructs a Channel for the given room websocket URL.
func NewChannel(cfg ChannelConfig) *Channel {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maximum := cfg.MaxBackoff
	if maximum < initial {
		maximum = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		url:            cfg.URL,
		dialer:         dialer,
		state:          StateDisconnected,
		handlers:       make(map[string][]func(Message)),
		stop:           make(chan struct{}),
		initialBackoff: initial,
		maxBackoff:     maximum,
		logger:         logger,
	}
}

// On registers a handler for a message type. Handlers run sequentially on
// the channel's read goroutine, preserving a single apply path downstream.
func (ch *Channel) On(messageType string, handler func(Message)) {
	if handler == nil {
		return
	}
	ch.handlerMu.Lock()
	ch.handlers[messageType] = append(ch.handlers[messageType], handler)
	ch.handlerMu.Unlock()
}

// OnStateChange registers an observer for connection-state transitions.
func (ch *Channel) OnStateChange(handler func(State)) {
	if handler == nil {
		return
	}
	ch.handlerMu.Lock()
	ch.stateHandlers = append(ch.stateHandlers, handler)
	ch.handlerMu.Unlock()
}

// State returns the current connection state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Connect dials the room and starts the read loop. It returns an error only
// when the first dial fails; later drops are retried internally.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.setState(StateConnecting)
	conn, err := ch.dial(ctx)
	if err != nil {
		ch.setState(StateDisconnected)
		return err
	}
	ch.adopt(conn)
	go ch.run(ctx)
	return nil
}

// Send queues a frame for the room. When the channel is connected the frame
// goes out immediately; otherwise it is held and flushed after reconnect.
func (ch *Channel) Send(message Message) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.stopped {
		return errChannelClosed
	}
	if ch.state == StateConnected && ch.conn != nil {
		if err := ch.conn.WriteJSON(message); err == nil {
			return nil
		}
	}
	ch.queue = append(ch.queue, message)
	return nil
}

// Disconnect closes the channel and stops reconnecting.
func (ch *Channel) Disconnect() {
	ch.mu.Lock()
	if ch.stopped {
		ch.mu.Unlock()
		return
	}
	ch.stopped = true
	conn := ch.conn
	ch.conn = nil
	ch.mu.Unlock()

	close(ch.stop)
	if conn != nil {
		_ = conn.Close()
	}
	ch.setState(StateDisconnected)
}

func (ch *Channel) run(ctx context.Context) {
	for {
		conn := ch.currentConn()
		if conn == nil {
			return
		}
		for {
			var message Message
			if err := conn.ReadJSON(&message); err != nil {
				break
			}
			ch.dispatch(message)
		}

		if ch.isStopped() || ctx.Err() != nil {
			ch.setState(StateDisconnected)
			return
		}
		if !ch.reconnect(ctx) {
			ch.setState(StateDisconnected)
			return
		}
	}
}

// reconnect redials with capped exponential backoff. Content edited while
// offline is not lost: it stays applied locally and the owning session
// replays it once the catch-up frame arrives.
func (ch *Channel) reconnect(ctx context.Context) bool {
	ch.setState(StateReconnecting)
	backoff := ch.initialBackoff
	for {
		select {
		case <-ch.stop:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := ch.dial(ctx)
		if err == nil {
			ch.adopt(conn)
			return true
		}
		ch.logger.Warn("room channel redial failed",
			zap.String("url", ch.url),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		backoff *= 2
		if backoff > ch.maxBackoff {
			backoff = ch.maxBackoff
		}
	}
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(ch.url)
	if err != nil {
		return nil, err
	}
	query := target.Query()
	query.Set("cursor", strconv.Itoa(ch.currentCursor()))
	target.RawQuery = query.Encode()

	conn, resp, err := ch.dialer.DialContext(ctx, target.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (ch *Channel) adopt(conn *websocket.Conn) {
	ch.mu.Lock()
	ch.conn = conn
	ch.state = StateConnected
	pending := ch.queue
	ch.queue = nil
	for _, message := range pending {
		if err := conn.WriteJSON(message); err != nil {
			ch.queue = append(ch.queue, message)
		}
	}
	handlers := ch.stateHandlersLocked()
	ch.mu.Unlock()
	for _, handler := range handlers {
		handler(StateConnected)
	}
}

func (ch *Channel) dispatch(message Message) {
	if message.Type == MessageTypeCatchUp && message.CatchUp != nil {
		ch.mu.Lock()
		ch.cursor = message.CatchUp.Cursor
		ch.mu.Unlock()
	}
	ch.handlerMu.Lock()
	handlers := make([]func(Message), len(ch.handlers[message.Type]))
	copy(handlers, ch.handlers[message.Type])
	ch.handlerMu.Unlock()
	for _, handler := range handlers {
		handler(message)
	}
}

func (ch *Channel) setState(state State) {
	ch.mu.Lock()
	if ch.state == state {
		ch.mu.Unlock()
		return
	}
	ch.state = state
	handlers := ch.stateHandlersLocked()
	ch.mu.Unlock()
	for _, handler := range handlers {
		handler(state)
	}
}

func (ch *Channel) stateHandlersLocked() []func(State) {
	ch.handlerMu.Lock()
	handlers := make([]func(State), len(ch.stateHandlers))
	copy(handlers, ch.stateHandlers)
	ch.handlerMu.Unlock()
	return handlers
}

func (ch *Channel) currentConn() *websocket.Conn {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn
}

func (ch *Channel) currentCursor() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.cursor
}

func (ch *Channel) isStopped() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.stopped
}
