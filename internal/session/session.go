package session

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/folioworks/folio/internal/branches"
	"github.com/folioworks/folio/internal/identity"
	"github.com/folioworks/folio/internal/presence"
	"github.com/folioworks/folio/internal/replica"
	"github.com/folioworks/folio/internal/room"
)

var (
	errMissingChannelURL = errors.New("session: channel url is required")
	errMissingUser       = errors.New("session: user is required")
	// ErrNoVersionStore indicates Save was called on a session opened
	// without a branch service.
	ErrNoVersionStore = errors.New("session: no version store attached")
)

// Status is what the editing surface observes about a session's room.
type Status struct {
	State        room.State
	Participants int
}

// Delta is a local content edit: remove DeleteCount characters at Position,
// then insert Insert there.
type Delta struct {
	Position    int
	DeleteCount int
	Insert      string
}

// Config describes how to open a document session.
type Config struct {
	ArticleID  string
	BranchID   string
	User       identity.User
	ChannelURL string
	Dialer     *websocket.Dialer
	Branches   *branches.Service
	Logger     *zap.Logger
}

// Session binds one replica and presence tracker to an (article, branch)
// room. Local edits apply optimistically and are forwarded over the sync
// channel; remote operations arrive through the channel and integrate via
// the same replica path, which is what guarantees convergence. Closing a
// session discards its in-memory state without persisting; Save is the
// explicit durability boundary.
type Session struct {
	articleID    string
	branchID     string
	connectionID string
	user         identity.User
	store        *replica.Store
	tracker      *presence.Tracker
	channel      *room.Channel
	branches     *branches.Service
	logger       *zap.Logger

	mu             sync.Mutex
	localOps       []replica.Operation
	statusHandlers []func(Status)
	closed         bool
}

// Open seeds a session from the room's catch-up frame and starts exchanging
// operations. The room itself is seeded from the branch's latest version,
// so every joining replica starts from durable history.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.ChannelURL == "" {
		return nil, errMissingChannelURL
	}
	if cfg.User.ID == "" {
		return nil, errMissingUser
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	connectionID := uuid.NewString()
	store, err := replica.NewStore(replica.StoreConfig{Origin: connectionID, Logger: logger})
	if err != nil {
		return nil, err
	}

	// The room stamps presence frames with the connection id it knows, so
	// the session announces its own id on dial to keep the two aligned.
	target, err := url.Parse(cfg.ChannelURL)
	if err != nil {
		return nil, err
	}
	query := target.Query()
	query.Set("connection_id", connectionID)
	target.RawQuery = query.Encode()

	s := &Session{
		articleID:    cfg.ArticleID,
		branchID:     cfg.BranchID,
		connectionID: connectionID,
		user:         cfg.User,
		store:        store,
		tracker:      presence.NewTracker(presence.TrackerConfig{}),
		branches:     cfg.Branches,
		logger:       logger,
	}
	s.channel = room.NewChannel(room.ChannelConfig{
		URL:    target.String(),
		Dialer: cfg.Dialer,
		Logger: logger,
	})
	s.wireChannel()

	if err := s.channel.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ConnectionID returns the id identifying this session's connection.
func (s *Session) ConnectionID() string {
	return s.connectionID
}

// Content returns the session's current view of the document.
func (s *Session) Content() string {
	return s.store.Content()
}

// Edit applies a local delta optimistically and forwards the resulting
// operations to the room. The edit takes effect locally even while the
// channel is reconnecting; held frames flush on reconnect and the replay
// after catch-up covers anything lost in between.
func (s *Session) Edit(delta Delta) error {
	applied := false
	if delta.DeleteCount > 0 {
		op, err := s.store.Delete(delta.Position, delta.DeleteCount)
		switch {
		case errors.Is(err, replica.ErrEmptyEdit):
		case err != nil:
			return err
		default:
			s.recordAndSend(op)
			applied = true
		}
	}
	if delta.Insert != "" {
		op, err := s.store.Insert(delta.Position, delta.Insert)
		if err != nil {
			return err
		}
		s.recordAndSend(op)
		applied = true
	}
	if !applied {
		return replica.ErrEmptyEdit
	}
	return nil
}

// SetPresence shares this participant's cursor with the room. Presence is
// advisory and never gates content operations.
func (s *Session) SetPresence(cursor *presence.CursorRange) {
	entry := presence.Entry{
		ConnectionID: s.connectionID,
		UserID:       s.user.ID,
		DisplayName:  s.user.DisplayName,
		Color:        s.user.Color,
		Cursor:       cursor,
	}
	s.tracker.SetLocalState(entry)
	_ = s.channel.Send(room.Message{Type: room.MessageTypePresence, Presence: &entry})
}

// Participants returns the presence entries currently visible to this session.
func (s *Session) Participants() []presence.Entry {
	return s.tracker.Snapshot()
}

// Status returns the current connection state and participant count.
func (s *Session) Status() Status {
	return Status{State: s.channel.State(), Participants: s.tracker.Count()}
}

// OnStatus registers an observer for connection-status and participant
// changes.
func (s *Session) OnStatus(handler func(Status)) {
	if handler == nil {
		return
	}
	s.mu.Lock()
	s.statusHandlers = append(s.statusHandlers, handler)
	s.mu.Unlock()
}

// Save persists the session's current content as a new version on its
// branch, attributed to the session user.
func (s *Session) Save(ctx context.Context, summary string) (branches.Version, error) {
	if s.branches == nil {
		return branches.Version{}, ErrNoVersionStore
	}
	branchID, err := branches.NewBranchID(s.branchID)
	if err != nil {
		return branches.Version{}, err
	}
	authorID, err := branches.NewUserID(s.user.ID)
	if err != nil {
		return branches.Version{}, err
	}
	return s.branches.AppendVersion(ctx, branchID, s.store.Content(), authorID, summary)
}

// Close detaches from the room and discards in-memory state. It does not
// persist anything.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.channel.Disconnect()
}

func (s *Session) wireChannel() {
	s.channel.On(room.MessageTypeOperation, func(message room.Message) {
		if message.Operation == nil {
			return
		}
		s.applyRemote(*message.Operation)
	})
	s.channel.On(room.MessageTypeCatchUp, func(message room.Message) {
		if message.CatchUp == nil {
			return
		}
		for _, op := range message.CatchUp.Operations {
			s.applyRemote(op)
		}
		for _, entry := range message.CatchUp.Presence {
			s.tracker.SetLocalState(entry)
		}
		s.replayLocal()
	})
	s.channel.On(room.MessageTypePresence, func(message room.Message) {
		if message.Presence == nil {
			return
		}
		s.tracker.SetLocalState(*message.Presence)
	})
	s.channel.On(room.MessageTypePresenceLeave, func(message room.Message) {
		if message.Departed == "" {
			return
		}
		s.tracker.Remove(message.Departed)
	})
	s.channel.OnStateChange(func(room.State) {
		s.notifyStatus()
	})
	s.tracker.OnChange(func([]presence.Entry) {
		s.notifyStatus()
	})
}

// applyRemote is the session's single apply path for operations arriving
// from the room. Replays are no-ops; corrupt operations are dropped and
// logged without poisoning the replica.
func (s *Session) applyRemote(op replica.Operation) {
	if _, err := s.store.Apply(op); err != nil && !errors.Is(err, replica.ErrCorruptOperation) {
		s.logger.Error("session apply failed",
			zap.String("connection_id", s.connectionID),
			zap.Error(err))
	}
}

func (s *Session) recordAndSend(op replica.Operation) {
	s.mu.Lock()
	s.localOps = append(s.localOps, op)
	s.mu.Unlock()
	_ = s.channel.Send(room.Message{Type: room.MessageTypeOperation, Operation: &op})
}

// replayLocal re-sends every locally generated operation after a catch-up.
// The room integrates operations idempotently, so redelivering frames the
// server already holds is harmless, and frames lost across a disconnect are
// recovered.
func (s *Session) replayLocal() {
	s.mu.Lock()
	ops := make([]replica.Operation, len(s.localOps))
	copy(ops, s.localOps)
	s.mu.Unlock()
	for index := range ops {
		op := ops[index]
		_ = s.channel.Send(room.Message{Type: room.MessageTypeOperation, Operation: &op})
	}
}

func (s *Session) notifyStatus() {
	s.mu.Lock()
	handlers := make([]func(Status), len(s.statusHandlers))
	copy(handlers, s.statusHandlers)
	s.mu.Unlock()
	status := s.Status()
	for _, handler := range handlers {
		handler(status)
	}
}
