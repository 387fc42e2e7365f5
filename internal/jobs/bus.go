// internal/jobs/bus.go
package jobs

import (
	"sync"
	"time"
)

// EventType classifies job lifecycle events on the bus.
type EventType string

const (
	EventStateChanged EventType = "job_state_changed"
	EventCheckpoint   EventType = "job_checkpoint"
	EventLog          EventType = "job_log"
)

// Event is one job lifecycle notification. JobID "all" subscribers receive
// every event.
type Event struct {
	Type      EventType      `json:"type"`
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// AllJobs subscribes to events for every job.
const AllJobs = "all"

type subscription struct {
	ch    chan Event
	types []EventType
}

// Bus fans job events out to watchers: `job watch` pollers and the
// websocket stream. Publishing never blocks; a slow subscriber drops
// events rather than stalling the engine.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Subscribe returns a channel receiving events for jobID (or AllJobs).
// Nil or empty types means every event type.
func (b *Bus) Subscribe(jobID string, eventTypes []EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(chan Event, 64), types: eventTypes}
	b.subs[jobID] = append(b.subs[jobID], sub)
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(jobID string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[jobID]
	for i, sub := range subs {
		if sub.ch == ch {
			close(sub.ch)
			b.subs[jobID] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
			return
		}
	}
}

// Publish delivers the event to the job's subscribers and to AllJobs
// subscribers.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	deliver := func(subs []*subscription) {
		for _, sub := range subs {
			if !matchesType(ev.Type, sub.types) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	deliver(b.subs[ev.JobID])
	if ev.JobID != AllJobs {
		deliver(b.subs[AllJobs])
	}
}

func matchesType(t EventType, filter []EventType) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == t {
			return true
		}
	}
	return false
}
