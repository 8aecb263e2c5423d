// Package events carries task and slot lifecycle notifications from the
// scheduler to observers such as the audit log and the metrics collectors.
package events

import (
	"sync"
	"time"

	"github.com/pdart-go/hstqueue/internal/model"
)

type EventType string

const (
	// EventTaskQueued is published when a new task record is inserted.
	EventTaskQueued EventType = "task_queued"
	// EventTaskDuplicate is published when an enqueue finds the key already present.
	EventTaskDuplicate EventType = "task_duplicate"
	// EventTaskStarted is published once a worker process has been spawned.
	EventTaskStarted EventType = "task_started"
	// EventSlotReleased is published when the reclaimer removes a slot.
	EventSlotReleased EventType = "slot_released"
	// EventProposalSkipped is published for a proposal id the driver cannot parse.
	EventProposalSkipped EventType = "proposal_skipped"
	// EventProposalAbandoned is published when every task of a proposal is removed.
	EventProposalAbandoned EventType = "proposal_abandoned"
)

// AllEventTypes lists every type the scheduler publishes.
var AllEventTypes = []EventType{
	EventTaskQueued,
	EventTaskDuplicate,
	EventTaskStarted,
	EventSlotReleased,
	EventProposalSkipped,
	EventProposalAbandoned,
}

// Release reasons carried by EventSlotReleased.
const (
	ReasonSuccessorQueued = "successor_queued"
	ReasonExited          = "exited"
	ReasonZombie          = "zombie"
	ReasonDeadline        = "deadline"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	RunID     string
	Task      model.TaskKey
	PID       int
	Priority  int
	Reason    string
	// Count is the slot occupancy right after the event, where known.
	Count int
	// Runtime is how long a released slot was held.
	Runtime time.Duration
}

type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Each subscriber has its own
// buffered channel drained by one goroutine; when the buffer is full the event
// is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
	wg          sync.WaitGroup
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for the given types, or for every type when none are
// given. The returned function unsubscribes.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	if len(types) == 0 {
		types = AllEventTypes
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range ch {
			deliver(fn, ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, t := range types {
				b.subscribers[t] = removeChan(b.subscribers[t], ch)
			}
			close(ch)
		})
	}
}

func deliver(fn Subscriber, ev Event) {
	defer func() {
		// A panicking subscriber must not take the bus down.
		_ = recover()
	}()
	fn(ev)
}

func removeChan(subs []chan Event, ch chan Event) []chan Event {
	out := subs[:0]
	for _, c := range subs {
		if c != ch {
			out = append(out, c)
		}
	}
	return out
}

// Publish stamps the event and hands it to every subscriber of its type
// without blocking. A nil bus discards the event.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[ev.Type] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close stops delivery and waits until every subscriber has handled the
// events already buffered for it.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for t, subs := range b.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
		delete(b.subscribers, t)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
