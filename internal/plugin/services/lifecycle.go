package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// EventType names a plugin lifecycle transition.
type EventType string

const (
	EventDiscovered EventType = "discovered"
	EventEnabled    EventType = "enabled"
	EventDisabled   EventType = "disabled"
	EventRan        EventType = "ran"
	EventRunFailed  EventType = "run_failed"
	EventRemoved    EventType = "removed"
)

// LifecycleEvent is published by controllers and the manager.
type LifecycleEvent struct {
	Type    EventType `json:"type"`
	Plugin  string    `json:"plugin"`
	Profile string    `json:"profile,omitempty"`
	RunID   string    `json:"runId,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

type listener struct {
	id uint64
	fn func(LifecycleEvent)
}

// LifecycleBroker fans lifecycle events out to in-process listeners, which run
// synchronously, and to channel subscribers such as SSE clients, which never
// block the publisher.
type LifecycleBroker struct {
	mu        sync.RWMutex
	clients   map[chan LifecycleEvent]string // channel -> plugin filter ("" = all)
	listeners []listener
	nextID    uint64
}

// NewLifecycleBroker creates a broker with no subscribers.
func NewLifecycleBroker() *LifecycleBroker {
	return &LifecycleBroker{
		clients: make(map[chan LifecycleEvent]string),
	}
}

// Listen registers fn to be called synchronously for every event.
func (b *LifecycleBroker) Listen(fn func(LifecycleEvent)) (dispose func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribe adds a channel subscriber. The pluginFilter limits events to a
// specific plugin ("" receives all).
func (b *LifecycleBroker) Subscribe(pluginFilter string) chan LifecycleEvent {
	ch := make(chan LifecycleEvent, 16)
	b.mu.Lock()
	b.clients[ch] = pluginFilter
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel subscriber.
func (b *LifecycleBroker) Unsubscribe(ch chan LifecycleEvent) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	close(ch)
}

// Publish delivers event to every listener, then to matching channel subscribers.
// Slow subscribers have the event dropped.
func (b *LifecycleBroker) Publish(event LifecycleEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	listeners := make([]listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		l.fn(event)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.clients {
		if filter != "" && filter != event.Plugin {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// ServeHTTP streams lifecycle events as server-sent events. Query params:
//   - plugin: filter events to a specific plugin (optional)
func (b *LifecycleBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := b.Subscribe(r.URL.Query().Get("plugin"))
	defer b.Unsubscribe(ch)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ClientCount returns the number of channel subscribers.
func (b *LifecycleBroker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
