package engine

import (
	"errors"
	"sync"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// ErrNotRunning is returned when subscribing to an execution that has no
// live stream, either because it never started or because it already
// finished. Callers are expected to fetch accumulated logs from the ledger
// instead.
var ErrNotRunning = errors.New("execution is not running")

// Event types published on a live execution stream.
const (
	EventLine   = "line"
	EventStatus = "status"
)

// Event is one item on a live execution stream: an output line or a status
// change. Stream end is signalled by channel close.
type Event struct {
	Type   string `json:"type"`
	Line   string `json:"line,omitempty"`
	Status string `json:"status,omitempty"`
}

// Broker fans out live execution events to subscribers. One topic exists
// per in-flight execution; it is opened when the run starts and torn down
// when it completes. Publishing never blocks on a slow subscriber; safe for
// concurrent use.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Open creates the live stream for an execution. Must be called before any
// Publish for that execution.
func (b *Broker) Open(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[executionID]; !ok {
		b.topics[executionID] = &topic{subs: make(map[int]chan Event)}
	}
}

// Subscribe attaches to a live execution stream and returns the event
// channel plus an unsubscribe function. Events emitted before the
// subscription are not replayed. Returns ErrNotRunning when the execution
// has no live stream.
func (b *Broker) Subscribe(executionID string) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		return nil, nil, ErrNotRunning
	}

	ch := make(chan Event, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, live := t.subs[id]; live {
			delete(t.subs, id)
			close(ch)
		}
	}, nil
}

// Publish sends an output line to all subscribers of the given execution.
// Lines are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(executionID, line string) {
	b.publish(executionID, Event{Type: EventLine, Line: line})
}

// PublishStatus sends a status change to all subscribers.
func (b *Broker) PublishStatus(executionID, status string) {
	b.publish(executionID, Event{Type: EventStatus, Status: status})
}

func (b *Broker) publish(executionID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking the capture loop.
		}
	}
}

// Close tears down an execution's stream. All subscriber channels are
// closed; later Subscribe calls get ErrNotRunning. The stream does not
// outlive the execution it represents.
func (b *Broker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, executionID)
}
