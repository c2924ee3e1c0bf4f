// Package events carries task lifecycle and usage notifications from the
// engine to realtime clients.
package events

import (
	"sync"
	"time"
)

// Type names a notification.
type Type string

const (
	TaskStatus      Type = "task.status"
	TaskEvent       Type = "task.event"
	TaskHumanInput  Type = "task.human_input"
	SessionStatus   Type = "session.status"
	UsageSnapshot   Type = "usage.snapshot"
	AgentStatus     Type = "agent.status"
	SchedulerNotice Type = "scheduler.notice"
)

// Event is one published notification.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type subscriber struct {
	ch    chan Event
	types map[Type]bool
}

// Bus is a non-blocking publish/subscribe hub. Each subscriber owns a
// buffered channel; when it is full the event is dropped for that
// subscriber only.
type Bus struct {
	mu         sync.RWMutex
	subs       map[*subscriber]struct{}
	bufferSize int
	dropped    uint64
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{subs: make(map[*subscriber]struct{}), bufferSize: bufferSize}
}

// Subscribe returns a channel receiving events of the given types (all
// types when none are given) and a function that unsubscribes and closes
// the channel.
func (b *Bus) Subscribe(types ...Type) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.bufferSize)}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers an event to every interested subscriber without blocking.
func (b *Bus) Publish(t Type, data any) {
	ev := Event{Type: t, Timestamp: time.Now().UTC(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.types != nil && !sub.types[t] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
