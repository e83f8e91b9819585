// Package eventbus decouples the idle processor and the indexer from
// whatever observes them: cycle and scan lifecycle events are published into
// an in-memory fanout with strictly non-blocking delivery.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published occurrence. Data carries the typed payload
// (idle.CycleEvent, indexer.ScanEvent) and should stay small.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types published in this process.
const (
	TypeCycleStarted  = "idle.cycle.started"
	TypeCycleFinished = "idle.cycle.finished"
	TypeCycleFailed   = "idle.cycle.failed"
	TypeScanStarted   = "scan.started"
	TypeScanFinished  = "scan.finished"
	TypeScanFailed    = "scan.failed"
)

// Bus fans events out to subscribers.
//
// Publish never blocks: a subscriber whose buffer is full loses the event,
// and Dropped counts how many were lost that way. Publishers on the hot path
// (the processor's cycle loop) must never stall on a slow observer.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns the in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]chan Event
	dropped atomic.Uint64
}

// Publish delivers e to every current subscriber, dropping where a buffer is
// full. Sends happen under the bus lock; that is cheap because they are
// non-blocking, and it means a channel can never be closed mid-send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			// Safe to close here: Publish holds the same lock, so no send
			// can race the close.
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full.
func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
