package presence

import (
	"sort"
	"sync"
	"time"
)

const defaultLivenessTimeout = 30 * time.Second

// CursorRange marks a participant's selection inside the document.
type CursorRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Entry is the ephemeral state one connection shares with its room. Entries
// live in memory only and are discarded with the room.
type Entry struct {
	ConnectionID string       `json:"connection_id"`
	UserID       string       `json:"user_id"`
	DisplayName  string       `json:"display_name"`
	Color        string       `json:"color"`
	Cursor       *CursorRange `json:"cursor,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TrackerConfig describes the inputs required to build a Tracker.
type TrackerConfig struct {
	LivenessTimeout time.Duration
	Clock           func() time.Time
}

// Tracker holds the presence entries of one room. State changes invoke the
// registered callbacks with a full snapshot; entries expire after the
// liveness timeout when their connection goes silent. Presence is advisory
// and never gates document operations.
type Tracker struct {
	mu        sync.Mutex
	entries   map[string]Entry
	callbacks []func([]Entry)
	timeout   time.Duration
	clock     func() time.Time
}

// NewTracker constructs a Tracker with sane defaults.
func NewTracker(cfg TrackerConfig) *Tracker {
	timeout := cfg.LivenessTimeout
	if timeout <= 0 {
		timeout = defaultLivenessTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		entries: make(map[string]Entry),
		timeout: timeout,
		clock:   clock,
	}
}

// SetLocalState records the latest state for a connection and notifies
// observers. Later writes win; there is no ordering beyond that.
func (t *Tracker) SetLocalState(entry Entry) {
	if entry.ConnectionID == "" {
		return
	}
	t.mu.Lock()
	entry.UpdatedAt = t.clock()
	t.entries[entry.ConnectionID] = entry
	snapshot := t.snapshotLocked()
	callbacks := t.callbacksLocked()
	t.mu.Unlock()
	notify(callbacks, snapshot)
}

// Remove drops a connection's entry immediately, typically on disconnect.
func (t *Tracker) Remove(connectionID string) {
	t.mu.Lock()
	if _, ok := t.entries[connectionID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.entries, connectionID)
	snapshot := t.snapshotLocked()
	callbacks := t.callbacksLocked()
	t.mu.Unlock()
	notify(callbacks, snapshot)
}

// OnChange registers a callback invoked with a snapshot after every change.
func (t *Tracker) OnChange(callback func([]Entry)) {
	if callback == nil {
		return
	}
	t.mu.Lock()
	t.callbacks = append(t.callbacks, callback)
	t.mu.Unlock()
}

// Snapshot returns the live entries ordered by connection id.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Sweep expires entries whose connection has been silent longer than the
// liveness timeout and notifies observers when anything was removed.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	cutoff := t.clock().Add(-t.timeout)
	removed := false
	for connectionID, entry := range t.entries {
		if entry.UpdatedAt.Before(cutoff) {
			delete(t.entries, connectionID)
			removed = true
		}
	}
	if !removed {
		t.mu.Unlock()
		return
	}
	snapshot := t.snapshotLocked()
	callbacks := t.callbacksLocked()
	t.mu.Unlock()
	notify(callbacks, snapshot)
}

// Count returns the number of live entries.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) snapshotLocked() []Entry {
	snapshot := make([]Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		snapshot = append(snapshot, entry)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].ConnectionID < snapshot[j].ConnectionID
	})
	return snapshot
}

func (t *Tracker) callbacksLocked() []func([]Entry) {
	callbacks := make([]func([]Entry), len(t.callbacks))
	copy(callbacks, t.callbacks)
	return callbacks
}

func notify(callbacks []func([]Entry), snapshot []Entry) {
	for _, callback := range callbacks {
		callback(snapshot)
	}
}
