package api

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/testhive/internal/arbiter"
	"github.com/mattjoyce/testhive/internal/hooks"
	"github.com/mattjoyce/testhive/internal/worker"
)

// Event types published by the hub.
const (
	EventWorkerSpawned = "worker.spawned"
	EventWorkerExited  = "worker.exited"
	EventTestAttempt   = "test.attempt"
	EventTestFinished  = "test.finished"
	EventFileAllocated = "file.allocated"
	EventFileReleased  = "file.released"
)

const eventHookPluginName = "api-events"

type Event struct {
	ID   int64
	Type string
	At   time.Time
	Data []byte // JSON payload
}

// EventHub is an in-memory pub/sub with a ring buffer for late clients.
type EventHub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewEventHub(capacity int) *EventHub {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventHub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and fans it out. Slow subscribers miss events
// rather than block the publisher.
func (h *EventHub) Publish(eventType string, data any) {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ev := Event{ID: h.nextID.Add(1), Type: eventType, At: time.Now().UTC(), Data: payload}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *EventHub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 32)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *EventHub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *EventHub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

// TestEvent is the payload of test.attempt and test.finished.
type TestEvent struct {
	Test   string        `json:"test"`
	Result worker.Result `json:"result"`
}

// FileEvent is the payload of file.allocated and file.released.
type FileEvent struct {
	Path string `json:"path"`
}

// AttachPool publishes worker lifecycle and test results.
func (h *EventHub) AttachPool(p *worker.Pool) {
	result := func(eventType string) hooks.ReadFunc[worker.Result] {
		return func(_ context.Context, r worker.Result, rest ...any) error {
			ev := TestEvent{Result: r}
			if len(rest) > 0 {
				ev.Test, _ = rest[0].(string)
			}
			h.Publish(eventType, ev)
			return nil
		}
	}
	lifecycle := func(eventType string) hooks.ReadFunc[worker.Snapshot] {
		return func(_ context.Context, s worker.Snapshot, _ ...any) error {
			h.Publish(eventType, s)
			return nil
		}
	}
	p.ResultHooks().MustHook(worker.OnAttempt).ReadHook(eventHookPluginName, result(EventTestAttempt))
	p.ResultHooks().MustHook(worker.OnResult).ReadHook(eventHookPluginName, result(EventTestFinished))
	p.LifecycleHooks().MustHook(worker.OnSpawn).ReadHook(eventHookPluginName, lifecycle(EventWorkerSpawned))
	p.LifecycleHooks().MustHook(worker.OnExit).ReadHook(eventHookPluginName, lifecycle(EventWorkerExited))
}

// AttachArbiter publishes file allocations and releases.
func (h *EventHub) AttachArbiter(a *arbiter.Arbiter) {
	file := func(eventType string) hooks.ReadFunc[string] {
		return func(_ context.Context, path string, _ ...any) error {
			h.Publish(eventType, FileEvent{Path: path})
			return nil
		}
	}
	a.Hooks().MustHook(hooks.OnFilename).ReadHook(eventHookPluginName, file(EventFileAllocated))
	a.Hooks().MustHook(hooks.OnRelease).ReadHook(eventHookPluginName, file(EventFileReleased))
}
