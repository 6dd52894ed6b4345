// Package observation implements the ObservationBus: a fan-out hub that
// publishes per-worker snapshots and log lines to subscribers (the
// control plane's WebSocket handlers),
// grounded on FluxForge's control_plane/ws_hub.go (register/unregister
// channel hub, non-blocking broadcast) and streaming/logger.go (the
// Event envelope shape). Unlike ws_hub.go's single ticker-driven
// broadcast, this bus is push-driven from worker state transitions, with
// its own per-worker rate limit on non-transition snapshots.
package observation

import (
	"sync"
	"time"

	"github.com/vorthane/fleetvote/internal/types"
)

// EventKind discriminates what a subscriber receives.
type EventKind string

const (
	// EventTransition is a worker state change; always emitted immediately.
	EventTransition EventKind = "transition"
	// EventSnapshot is a coalesced, non-transition status refresh.
	EventSnapshot EventKind = "snapshot"
	// EventLog is one appended vote-log/operational line.
	EventLog EventKind = "log"
)

// Event is what subscribers see on their channel.
type Event struct {
	Kind     EventKind
	Instance types.InstanceSnapshot
	Line     string
	Time     time.Time
}

// subscriberBufSize bounds how far a slow subscriber can lag before the
// bus starts dropping its oldest queued events; the publisher never
// blocks waiting on a slow reader.
const subscriberBufSize = 64

// ringCapacity is how many recent log lines GET /api/logs can pull.
const ringCapacity = 5000

// coalesceWindow is the per-worker minimum gap between non-transition
// emissions.
const coalesceWindow = 60 * time.Second

// Bus is the ObservationBus. Zero value is not usable; construct with
// New.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	lastEmit    map[types.InstanceID]time.Time
	ring        []string
	ringStart   int // index of the oldest entry, once ring is full
	ringLen     int
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		lastEmit:    make(map[types.InstanceID]time.Time),
		ring:        make([]string, ringCapacity),
	}
}

// Subscribe registers a new channel; cancel must be called to unregister
// and release it.
func (b *Bus) Subscribe() (ch <-chan Event, cancel func()) {
	c := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[c] = struct{}{}
	b.mu.Unlock()

	return c, func() {
		b.mu.Lock()
		if _, ok := b.subscribers[c]; ok {
			delete(b.subscribers, c)
			close(c)
		}
		b.mu.Unlock()
	}
}

// PublishTransition emits a worker state-change event immediately,
// bypassing the coalescing window: transition events are never coalesced.
func (b *Bus) PublishTransition(snap types.InstanceSnapshot) {
	b.mu.Lock()
	b.lastEmit[snap.InstanceID] = time.Now()
	b.mu.Unlock()
	b.broadcast(Event{Kind: EventTransition, Instance: snap, Time: time.Now()})
}

// PublishSnapshot emits a non-transition status refresh for snap,
// coalesced to at most once per coalesceWindow per instance.
func (b *Bus) PublishSnapshot(snap types.InstanceSnapshot) {
	now := time.Now()
	b.mu.Lock()
	last, ok := b.lastEmit[snap.InstanceID]
	if ok && now.Sub(last) < coalesceWindow {
		b.mu.Unlock()
		return
	}
	b.lastEmit[snap.InstanceID] = now
	b.mu.Unlock()
	b.broadcast(Event{Kind: EventSnapshot, Instance: snap, Time: now})
}

// PublishLog appends line to the ring buffer and fans it out to
// subscribers.
func (b *Bus) PublishLog(line string) {
	b.mu.Lock()
	idx := (b.ringStart + b.ringLen) % len(b.ring)
	b.ring[idx] = line
	if b.ringLen < len(b.ring) {
		b.ringLen++
	} else {
		b.ringStart = (b.ringStart + 1) % len(b.ring)
	}
	b.mu.Unlock()
	b.broadcast(Event{Kind: EventLog, Line: line, Time: time.Now()})
}

// RecentLogs returns up to n of the most recently published lines,
// oldest first, for the GET /api/logs?lines=N pull endpoint.
func (b *Bus) RecentLogs(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.ringLen {
		n = b.ringLen
	}
	out := make([]string, n)
	start := b.ringStart + b.ringLen - n
	for i := 0; i < n; i++ {
		out[i] = b.ring[(start+i)%len(b.ring)]
	}
	return out
}

// broadcast fans out ev to every live subscriber. A full channel has its
// oldest queued event dropped to make room — never a blocking send.
func (b *Bus) broadcast(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subscribers {
		select {
		case c <- ev:
		default:
			select {
			case <-c:
			default:
			}
			select {
			case c <- ev:
			default:
			}
		}
	}
}

// Close unregisters and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subscribers {
		delete(b.subscribers, c)
		close(c)
	}
}
