package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Well-known topics. Per-request topics use the request ID directly.
const (
	TopicWorkers = "workers"
	TopicTasks   = "tasks"
	TopicEngines = "engines"
)

// Event is a structured observability event emitted on state changes.
type Event struct {
	Topic     string                 `json:"topic"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in sinks or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub for orchestration events with
// per-topic ring-buffer history for replay.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates an event manager; capacity bounds per-topic replay history.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a topic; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(topic string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[topic]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[topic] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(topic string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[topic]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, topic)
		}
	}
}

// Publish assigns a sequence number, records the event in history, and fans it
// out to all subscribers of the topic without blocking.
func (m *Manager) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[evt.Topic]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.Topic] = rg
	}
	// Sequence numbers start at 1 so ReplaySince(topic, 0) replays everything.
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	// Fan out under the lock: Unsubscribe closes channels under the same
	// lock, so a send can never hit a closed channel. Sends never block.
	for ch := range m.subscribers[evt.Topic] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(topic string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[topic]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
