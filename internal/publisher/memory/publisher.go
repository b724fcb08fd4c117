// Package memory contains an in-process event publisher for tests and
// deployments without a broker.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher records run lifecycle events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
}

// Event captures one publish call.
type Event struct {
	// Name is the logical event name, e.g. "run.captured".
	Name    string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, event string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Name: event, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns the recorded publishes.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// ByName returns the recorded events with the given name.
func (p *Publisher) ByName(name string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Event
	for _, e := range p.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
