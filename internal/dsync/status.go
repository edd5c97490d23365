package dsync

import (
	"sync"
	"time"
)

// SyncState is the per-project sync state. Error is not sticky: the next
// pass starts from it like from idle.
type SyncState string

const (
	StateIdle    SyncState = "idle"
	StateSyncing SyncState = "syncing"
	StateError   SyncState = "error"
)

// ProjectStatus is the latest known sync state of one project.
type ProjectStatus struct {
	ProjectID int64
	State     SyncState
	RunID     string    // id of the latest pass
	LastRun   time.Time // when the latest pass finished, zero while the first one runs
	Remaining int       // queue items left after the latest pass
	LastError error     // first unresolved error of the latest pass
}

// Result summarizes one project's sync pass.
type Result struct {
	ProjectID int64
	RunID     string
	Synced    int   // items confirmed by the remote and removed
	Remaining int   // items still queued
	Err       error // first unresolved error, nil on success
}

// EventKind enumerates the engine's messages.
type EventKind int

const (
	// EventState reports a project state transition.
	EventState EventKind = iota + 1
	// EventItemSynced reports a queue item confirmed by the remote.
	EventItemSynced
	// EventItemFailed reports the queue item that stopped a pass.
	EventItemFailed
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventItemSynced:
		return "item_synced"
	case EventItemFailed:
		return "item_failed"
	}
	return "unknown"
}

// Event is sent to subscribers as a pass progresses. ItemID is zero for
// state events.
type Event struct {
	Kind      EventKind
	ProjectID int64
	RunID     string
	ItemID    int64
	Path      string
	State     SyncState
	Err       error
	At        time.Time
}

// broadcaster fans events out to subscribers without blocking the sender.
// A subscriber that falls behind misses events rather than stalling a pass.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan Event]struct{})
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
