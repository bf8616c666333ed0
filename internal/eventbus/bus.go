// Package eventbus is an in-memory, non-blocking fan-out used to publish run, step and task
// lifecycle signals.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine and the run tracker.
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"

	RunCreated  = "run.created"
	RunStatus   = "run.status"
	RunFinished = "run.finished"
	StepStatus  = "step.status"

	DigestWritten   = "digest.written"
	DigestDelivered = "digest.delivered"

	ScheduleFired   = "schedule.fired"
	ScheduleSkipped = "schedule.skipped"
	ScheduleFailed  = "schedule.failed"
)

// Event is a lightweight signal. Data should be small and JSON-serializable.
//
// Publish never blocks; subscribers own a buffered channel and slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock guarantees no Publish is mid-send on ch.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
