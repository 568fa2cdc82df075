package talk

import (
	"sync"
)

// Tracker is the per-session record of negotiated
// capacity and subscribed cellets.
type Tracker struct {
	mut      sync.Mutex
	capacity *Capacity
	ids      []string
}

func newTracker(c *Capacity) *Tracker {
	if c == nil {
		c = NewCapacity()
	}
	return &Tracker{capacity: c}
}

// AddIdentifier reports false when id was already there.
func (t *Tracker) AddIdentifier(id string) bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	for _, x := range t.ids {
		if x == id {
			return false
		}
	}
	t.ids = append(t.ids, id)
	return true
}

func (t *Tracker) RemoveIdentifier(id string) bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	for i, x := range t.ids {
		if x == id {
			t.ids = append(t.ids[:i], t.ids[i+1:]...)
			return true
		}
	}
	return false
}

func (t *Tracker) Has(id string) bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	for _, x := range t.ids {
		if x == id {
			return true
		}
	}
	return false
}

// Identifiers returns a copy, in subscription order.
func (t *Tracker) Identifiers() []string {
	t.mut.Lock()
	defer t.mut.Unlock()
	return append([]string{}, t.ids...)
}

// Capacity is the current negotiation result. Treat it
// as read-only; SetCapacity replaces it.
func (t *Tracker) Capacity() *Capacity {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.capacity
}

func (t *Tracker) SetCapacity(c *Capacity) {
	t.mut.Lock()
	t.capacity = c
	t.mut.Unlock()
}
