package investigation

import (
	"sync"
	"time"
)

// Event types published while an investigation runs.
const (
	EventStepStarted  = "step_started"
	EventToolFinished = "tool_finished"
	EventCompleted    = "completed"
	EventFailed       = "failed"
)

// Event is one progress update for a running investigation.
type Event struct {
	InvestigationID string    `json:"investigation_id"`
	Type            string    `json:"type"`
	Step            int       `json:"step,omitempty"`
	ToolName        string    `json:"tool_name,omitempty"`
	ToolStatus      string    `json:"tool_status,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Broker fans investigation events out to subscribers. Delivery is
// best-effort: a slow subscriber's channel drops events rather than
// blocking the loop.
type Broker struct {
	mu     sync.RWMutex
	topics map[string][]chan Event
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{topics: map[string][]chan Event{}}
}

// Subscribe returns a buffered event channel for one investigation and a
// cancel function. The channel also closes when the investigation reaches a
// terminal state.
func (b *Broker) Subscribe(investigationID string) (<-chan Event, func()) {
	ch := make(chan Event, 32)

	b.mu.Lock()
	b.topics[investigationID] = append(b.topics[investigationID], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.topics[investigationID]
			for i, sub := range subs {
				if sub == ch {
					b.topics[investigationID] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers of the investigation.
func (b *Broker) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.topics[event.InvestigationID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// CloseTopic closes all subscriber channels once the investigation is
// terminal.
func (b *Broker) CloseTopic(investigationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.topics[investigationID] {
		close(ch)
	}
	delete(b.topics, investigationID)
}
