package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errMissingSeeder = errors.New("room: seeder is required")

// Seeder loads the content a fresh room starts from, typically the head
// version of the room's branch.
type Seeder interface {
	SeedContent(ctx context.Context, articleID, branchID string) (string, error)
}

// RegistryConfig describes the dependencies of the room registry.
type RegistryConfig struct {
	Seeder          Seeder
	LivenessTimeout time.Duration
	Logger          *zap.Logger
}

type registryEntry struct {
	room *Room
	refs int
}

// Registry tracks the active rooms of this process, keyed by room id. Rooms
// are reference counted by attached sessions: the first Acquire seeds and
// starts the room, the last Release tears it down and discards its replica
// and presence state, so the map never outgrows the set of rooms actually
// being edited.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*registryEntry
	seeder  Seeder
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Seeder == nil {
		return nil, errMissingSeeder
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:   make(map[string]*registryEntry),
		seeder:  cfg.Seeder,
		timeout: cfg.LivenessTimeout,
		logger:  logger,
	}, nil
}

// Acquire returns the room for the (article, branch) pair, creating and
// seeding it when no session holds it yet.
func (reg *Registry) Acquire(ctx context.Context, articleID, branchID string) (*Room, error) {
	id := RoomID(articleID, branchID)

	reg.mu.Lock()
	if entry, ok := reg.rooms[id]; ok {
		entry.refs++
		reg.mu.Unlock()
		return entry.room, nil
	}
	reg.mu.Unlock()

	seed, err := reg.seeder.SeedContent(ctx, articleID, branchID)
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if entry, ok := reg.rooms[id]; ok {
		entry.refs++
		return entry.room, nil
	}
	newborn, err := newRoom(articleID, branchID, seed, reg.timeout, reg.logger)
	if err != nil {
		return nil, err
	}
	reg.rooms[id] = &registryEntry{room: newborn, refs: 1}
	go newborn.run()
	reg.logger.Info("room opened", zap.String("room_id", id))
	return newborn, nil
}

// Release drops one reference to a room. The last release closes the room
// and removes it from the registry.
func (reg *Registry) Release(target *Room) {
	if target == nil {
		return
	}
	reg.mu.Lock()
	entry, ok := reg.rooms[target.ID()]
	if !ok || entry.room != target {
		reg.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, target.ID())
	reg.mu.Unlock()

	target.close()
	reg.logger.Info("room closed", zap.String("room_id", target.ID()))
}

// Lookup returns the active room for the pair, if any.
func (reg *Registry) Lookup(articleID, branchID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	entry, ok := reg.rooms[RoomID(articleID, branchID)]
	if !ok {
		return nil, false
	}
	return entry.room, true
}

// Size returns the number of active rooms.
func (reg *Registry) Size() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
