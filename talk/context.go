package talk

import (
	"sort"
	"sync"
	"time"

	"github.com/glycerine/celltalk"
)

// SessionContext holds every session currently speaking
// for one tag. A tag may have several at once, e.g. one
// per device. All changes to a context are serialized
// by its mutex; different tags never contend.
type SessionContext struct {
	tag string

	mut     sync.Mutex
	entries map[int64]*entry

	// set when the last entry left; a dead context
	// is out of the registry and must not be reused.
	dead bool
}

type entry struct {
	sess    *celltalk.Session
	tracker *Tracker

	// proxy is the proxy tag when this entry reaches
	// the context tag through a proxy session.
	proxy string

	heartbeat time.Time
}

func newSessionContext(tag string) *SessionContext {
	return &SessionContext{
		tag:     tag,
		entries: make(map[int64]*entry),
	}
}

func (c *SessionContext) Tag() string { return c.tag }

func (c *SessionContext) Len() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.entries)
}

// Sessions is ordered by session id.
func (c *SessionContext) Sessions() (r []*celltalk.Session) {
	c.mut.Lock()
	for _, e := range c.entries {
		r = append(r, e.sess)
	}
	c.mut.Unlock()
	sort.Slice(r, func(i, j int) bool { return r[i].ID() < r[j].ID() })
	return
}

// Tracker returns the tracker of s in this context, or nil.
func (c *SessionContext) Tracker(s *celltalk.Session) *Tracker {
	c.mut.Lock()
	defer c.mut.Unlock()
	if e, ok := c.entries[s.ID()]; ok {
		return e.tracker
	}
	return nil
}

// Heartbeat is when s last refreshed, zero if unknown.
func (c *SessionContext) Heartbeat(s *celltalk.Session) time.Time {
	c.mut.Lock()
	defer c.mut.Unlock()
	if e, ok := c.entries[s.ID()]; ok {
		return e.heartbeat
	}
	return time.Time{}
}

func (c *SessionContext) touch(sid int64, now time.Time) {
	c.mut.Lock()
	if e, ok := c.entries[sid]; ok {
		e.heartbeat = now
	}
	c.mut.Unlock()
}

// add fails only on a dead context.
func (c *SessionContext) add(e *entry) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.dead {
		return false
	}
	c.entries[e.sess.ID()] = e
	return true
}

// lookup returns the entry of session sid.
func (c *SessionContext) lookup(sid int64) *entry {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.entries[sid]
}

// remove drops session sid. quitted lists the identifiers
// that no remaining session of the tag subscribes to.
func (c *SessionContext) remove(sid int64) (removed *entry, quitted []string, empty bool) {
	c.mut.Lock()
	defer c.mut.Unlock()
	removed = c.entries[sid]
	if removed == nil {
		return nil, nil, false
	}
	delete(c.entries, sid)
	for _, id := range removed.tracker.Identifiers() {
		still := false
		for _, e := range c.entries {
			if e.tracker.Has(id) {
				still = true
				break
			}
		}
		if !still {
			quitted = append(quitted, id)
		}
	}
	if len(c.entries) == 0 {
		c.dead = true
		empty = true
	}
	return
}

// route returns the entries subscribed to identifier.
func (c *SessionContext) route(identifier string) (r []*entry) {
	c.mut.Lock()
	defer c.mut.Unlock()
	for _, e := range c.entries {
		if e.tracker.Has(identifier) {
			r = append(r, e)
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].sess.ID() < r[j].sess.ID() })
	return
}

// subscribedElsewhere reports whether any session of the tag
// other than sid already has identifier.
func (c *SessionContext) subscribedElsewhere(sid int64, identifier string) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	for id, e := range c.entries {
		if id != sid && e.tracker.Has(identifier) {
			return true
		}
	}
	return false
}
