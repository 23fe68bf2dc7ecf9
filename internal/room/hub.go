package room

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/folioworks/folio/internal/presence"
	"github.com/folioworks/folio/internal/replica"
)

const (
	presenceSweepInterval = 10 * time.Second
	serverOrigin          = "room-server"
)

// RoomID composes the room identifier for an (article, branch) pair.
// Switching branches therefore opens a distinct collaborative room.
func RoomID(articleID, branchID string) string {
	return articleID + "/" + branchID
}

type inboundFrame struct {
	client  *Client
	message Message
}

// Room is the live collaborative session for one (article, branch) pair.
// It owns the authoritative replica and presence tracker for the room and
// serializes every apply through a single goroutine, so local deliveries
// and broadcasts never race. Rooms run independently of each other.
type Room struct {
	id         string
	articleID  string
	branchID   string
	store      *replica.Store
	tracker    *presence.Tracker
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	done       chan struct{}
	logger     *zap.Logger
}

func newRoom(articleID, branchID, seedContent string, timeout time.Duration, logger *zap.Logger) (*Room, error) {
	store, err := replica.NewStore(replica.StoreConfig{Origin: serverOrigin, Logger: logger})
	if err != nil {
		return nil, err
	}
	if seedContent != "" {
		if _, err := store.Insert(0, seedContent); err != nil {
			return nil, err
		}
	}
	return &Room{
		id:         RoomID(articleID, branchID),
		articleID:  articleID,
		branchID:   branchID,
		store:      store,
		tracker:    presence.NewTracker(presence.TrackerConfig{LivenessTimeout: timeout}),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame, 64),
		done:       make(chan struct{}),
		logger:     logger,
	}, nil
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// ArticleID returns the article this room edits.
func (r *Room) ArticleID() string {
	return r.articleID
}

// BranchID returns the branch this room edits.
func (r *Room) BranchID() string {
	return r.branchID
}

// Content returns the room's current merged document text.
func (r *Room) Content() string {
	return r.store.Content()
}

// Participants returns the number of attached connections.
func (r *Room) Participants() int {
	return r.tracker.Count()
}

// Attach registers a client with the room. The client receives a catch-up
// frame with the missed operations and presence snapshot before any live
// frame.
func (r *Room) Attach(client *Client) {
	select {
	case r.register <- client:
	case <-r.done:
	}
}

// Detach removes a client and announces its departure to the room.
func (r *Room) Detach(client *Client) {
	select {
	case r.unregister <- client:
	case <-r.done:
	}
}

func (r *Room) deliver(client *Client, message Message) {
	select {
	case r.inbound <- inboundFrame{client: client, message: message}:
	case <-r.done:
	}
}

func (r *Room) run() {
	sweep := time.NewTicker(presenceSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case client := <-r.register:
			r.clients[client] = true
			catchUp := Message{
				Type: MessageTypeCatchUp,
				CatchUp: &CatchUp{
					Operations: r.store.OperationsSince(client.cursor),
					Presence:   r.tracker.Snapshot(),
					Cursor:     r.store.LogLength(),
				},
			}
			client.enqueue(catchUp)
			r.logger.Info("room client attached",
				zap.String("room_id", r.id),
				zap.String("connection_id", client.ConnectionID()),
				zap.Int("clients", len(r.clients)))

		case client := <-r.unregister:
			if _, ok := r.clients[client]; !ok {
				continue
			}
			delete(r.clients, client)
			close(client.send)
			r.tracker.Remove(client.ConnectionID())
			r.broadcast(Message{Type: MessageTypePresenceLeave, Departed: client.ConnectionID()})
			r.logger.Info("room client detached",
				zap.String("room_id", r.id),
				zap.String("connection_id", client.ConnectionID()),
				zap.Int("clients", len(r.clients)))

		case frame := <-r.inbound:
			r.handleFrame(frame)

		case <-sweep.C:
			r.tracker.Sweep()

		case <-r.done:
			for client := range r.clients {
				close(client.send)
				delete(r.clients, client)
			}
			return
		}
	}
}

func (r *Room) handleFrame(frame inboundFrame) {
	switch frame.message.Type {
	case MessageTypeOperation:
		if frame.message.Operation == nil {
			return
		}
		if _, err := r.store.Apply(*frame.message.Operation); err != nil {
			if errors.Is(err, replica.ErrCorruptOperation) {
				r.logger.Warn("room dropped corrupt operation",
					zap.String("room_id", r.id),
					zap.String("connection_id", frame.client.ConnectionID()),
					zap.Error(err))
				return
			}
			r.logger.Error("room apply failed", zap.String("room_id", r.id), zap.Error(err))
			return
		}
		r.broadcast(frame.message)

	case MessageTypePresence:
		if frame.message.Presence == nil {
			return
		}
		entry := *frame.message.Presence
		entry.ConnectionID = frame.client.ConnectionID()
		entry.UserID = frame.client.user.ID
		if entry.DisplayName == "" {
			entry.DisplayName = frame.client.user.DisplayName
		}
		if entry.Color == "" {
			entry.Color = frame.client.user.Color
		}
		r.tracker.SetLocalState(entry)
		r.broadcast(Message{Type: MessageTypePresence, Presence: &entry})
	}
}

// broadcast fans a frame out to every attached client. A client whose send
// buffer is full cannot keep up; it is dropped rather than skipped, since a
// skipped frame would leave its replica diverged while it still reports
// connected. Dropping closes the connection, and the client recovers
// through catch-up on reconnect.
func (r *Room) broadcast(message Message) {
	var stalled []*Client
	for client := range r.clients {
		select {
		case client.send <- message:
		default:
			stalled = append(stalled, client)
		}
	}
	for _, client := range stalled {
		r.drop(client)
	}
}

// drop removes a client from the room loop. Closing the send channel ends
// the write pump, which closes the connection and unwinds the read pump.
func (r *Room) drop(client *Client) {
	if _, ok := r.clients[client]; !ok {
		return
	}
	delete(r.clients, client)
	close(client.send)
	r.tracker.Remove(client.ConnectionID())
	r.broadcast(Message{Type: MessageTypePresenceLeave, Departed: client.ConnectionID()})
	r.logger.Warn("room dropped slow client",
		zap.String("room_id", r.id),
		zap.String("connection_id", client.ConnectionID()))
}

func (r *Room) close() {
	close(r.done)
}
