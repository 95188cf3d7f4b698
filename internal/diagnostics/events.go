package diagnostics

import (
	"context"
	"sync"
	"sync/atomic"

	"fluidnet/sim/internal/fluid"
)

// subscriberBuffer bounds the events queued for one watcher before new ones are dropped.
const subscriberBuffer = 64

// EventBus is a tick sink that fans overload events out to gRPC watchers.
type EventBus struct {
	mu      sync.Mutex
	subs    map[uint64]chan fluid.Event
	nextID  uint64
	dropped atomic.Int64
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[uint64]chan fluid.Event)}
}

// SnapshotDue is always false; watchers only need events.
func (b *EventBus) SnapshotDue(uint64) bool { return false }

// HandleTick forwards the tick's events to every watcher without blocking.
func (b *EventBus) HandleTick(report fluid.TickReport, _ *fluid.Snapshot) {
	if len(report.Events) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		for _, event := range report.Events {
			select {
			case ch <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Subscribe registers a watcher. The returned cancel closes the channel exactly once;
// cancellation of ctx does the same.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan fluid.Event, func()) {
	//1.- Buffered so a slow watcher loses events instead of stalling the tick goroutine.
	ch := make(chan fluid.Event, subscriberBuffer)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel
}

// Watchers returns the number of active subscriptions.
func (b *EventBus) Watchers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many events were discarded for full watcher queues.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}
