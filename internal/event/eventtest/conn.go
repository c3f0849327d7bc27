// Package eventtest provides an in-memory event.Conn for registry and
// routing tests.
package eventtest

import (
	"sync"

	"relaychat/internal/event"
)

// Conn records every event it accepts.
type Conn struct {
	id string

	mu     sync.Mutex
	events []event.Event
	reject bool
}

func NewConn(id string) *Conn { return &Conn{id: id} }

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(e event.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject {
		return false
	}
	c.events = append(c.events, e)
	return true
}

// Reject makes subsequent sends fail, simulating a full send queue.
func (c *Conn) Reject() {
	c.mu.Lock()
	c.reject = true
	c.mu.Unlock()
}

// Events returns a copy of everything received so far.
func (c *Conn) Events() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType filters the received events by type.
func (c *Conn) OfType(typ string) []event.Event {
	var out []event.Event
	for _, e := range c.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent event of the given type.
func (c *Conn) Last(typ string) (event.Event, bool) {
	evts := c.OfType(typ)
	if len(evts) == 0 {
		return event.Event{}, false
	}
	return evts[len(evts)-1], true
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
