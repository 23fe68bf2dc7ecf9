package room

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type channelTestServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	cursors  []string
	received []Message
}

// newChannelTestServer accepts websocket connections, records the cursor
// query parameter of every dial and collects all inbound frames.
func newChannelTestServer(t *testing.T) *channelTestServer {
	t.Helper()
	s := &channelTestServer{upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
	s.server = httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		conn, err := s.upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.cursors = append(s.cursors, request.URL.Query().Get("cursor"))
		s.mu.Unlock()
		go func() {
			for {
				var message Message
				if err := conn.ReadJSON(&message); err != nil {
					return
				}
				s.mu.Lock()
				s.received = append(s.received, message)
				s.mu.Unlock()
			}
		}()
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *channelTestServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *channelTestServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *channelTestServer) conn(index int) *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= len(s.conns) {
		return nil
	}
	return s.conns[index]
}

func (s *channelTestServer) cursor(index int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= len(s.cursors) {
		return ""
	}
	return s.cursors[index]
}

func (s *channelTestServer) firstReceived() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) == 0 {
		return Message{}, false
	}
	return s.received[0], true
}

func waitUntil(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChannelConnects(t *testing.T) {
	server := newChannelTestServer(t)
	channel := NewChannel(ChannelConfig{URL: server.url()})

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer channel.Disconnect()

	if channel.State() != StateConnected {
		t.Fatalf("expected connected state, got %q", channel.State())
	}
}

func TestChannelFirstDialFailureSurfaces(t *testing.T) {
	channel := NewChannel(ChannelConfig{URL: "ws://127.0.0.1:1/unreachable"})
	if err := channel.Connect(context.Background()); err == nil {
		t.Fatalf("expected first dial to fail")
	}
	if channel.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %q", channel.State())
	}
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	server := newChannelTestServer(t)

	var stateMu sync.Mutex
	var states []State
	channel := NewChannel(ChannelConfig{
		URL:            server.url(),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})
	channel.OnStateChange(func(state State) {
		stateMu.Lock()
		states = append(states, state)
		stateMu.Unlock()
	})

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer channel.Disconnect()

	waitUntil(t, "first connection", func() bool { return server.dialCount() == 1 })
	server.conn(0).Close()

	waitUntil(t, "redial", func() bool { return server.dialCount() >= 2 })
	waitUntil(t, "recovered state", func() bool { return channel.State() == StateConnected })

	stateMu.Lock()
	defer stateMu.Unlock()
	sawReconnecting := false
	for _, state := range states {
		if state == StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Fatalf("expected a reconnecting transition, got %v", states)
	}
}

func TestChannelFlushesQueuedFramesOnConnect(t *testing.T) {
	server := newChannelTestServer(t)
	channel := NewChannel(ChannelConfig{URL: server.url()})

	if err := channel.Send(Message{Type: MessageTypePresenceLeave, Departed: "conn-1"}); err != nil {
		t.Fatalf("queued send failed: %v", err)
	}
	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer channel.Disconnect()

	waitUntil(t, "queued frame to flush", func() bool {
		_, ok := server.firstReceived()
		return ok
	})
	message, _ := server.firstReceived()
	if message.Type != MessageTypePresenceLeave || message.Departed != "conn-1" {
		t.Fatalf("unexpected flushed frame: %+v", message)
	}
}

func TestChannelRedialCarriesCatchUpCursor(t *testing.T) {
	server := newChannelTestServer(t)
	channel := NewChannel(ChannelConfig{
		URL:            server.url(),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer channel.Disconnect()

	waitUntil(t, "first connection", func() bool { return server.conn(0) != nil })
	if server.cursor(0) != "0" {
		t.Fatalf("expected initial cursor 0, got %q", server.cursor(0))
	}

	frame := Message{Type: MessageTypeCatchUp, CatchUp: &CatchUp{Cursor: 7}}
	if err := server.conn(0).WriteJSON(frame); err != nil {
		t.Fatalf("failed to send catch-up: %v", err)
	}
	waitUntil(t, "cursor update", func() bool { return channel.currentCursor() == 7 })

	server.conn(0).Close()
	waitUntil(t, "redial", func() bool { return server.dialCount() >= 2 })
	if server.cursor(1) != "7" {
		t.Fatalf("expected redial cursor 7, got %q", server.cursor(1))
	}
}

func TestSendAfterDisconnectRejected(t *testing.T) {
	server := newChannelTestServer(t)
	channel := NewChannel(ChannelConfig{URL: server.url()})
	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	channel.Disconnect()

	if err := channel.Send(Message{Type: MessageTypePresence}); err == nil {
		t.Fatalf("expected send on a closed channel to fail")
	}
}
