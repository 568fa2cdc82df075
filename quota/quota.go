// Package quota throttles the bytes a worker may write per
// refill period. Unlike a rate limiter that refuses work, a
// Calculator lets the write through first and then makes the
// writer wait, so remaining credit can go negative and is
// paid back by later refills.
package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

var ErrStopped = fmt.Errorf("quota: calculator stopped")

// DefaultRefill is the refill period.
const DefaultRefill = time.Second

type Calculator struct {
	mut       sync.Mutex
	cond      *sync.Cond
	quota     int64
	remaining int64
	ticks     int64
	refill    time.Duration
	stopped   bool

	Halt *idem.Halter
}

// New returns a Calculator that allows quota bytes per
// refill period. A quota <= 0 means unlimited: Consume
// never blocks and no refill goroutine is started.
func New(quota int64, refill time.Duration) *Calculator {
	if refill <= 0 {
		refill = DefaultRefill
	}
	c := &Calculator{
		quota:     quota,
		remaining: quota,
		refill:    refill,
		Halt:      idem.NewHalterNamed(fmt.Sprintf("quota(%v/%v)", quota, refill)),
	}
	c.cond = sync.NewCond(&c.mut)
	if quota > 0 {
		go c.refillLoop()
	} else {
		c.Halt.Done.Close()
	}
	return c
}

func (c *Calculator) refillLoop() {
	defer func() {
		c.mut.Lock()
		c.stopped = true
		c.cond.Broadcast()
		c.mut.Unlock()
		c.Halt.Done.Close()
	}()
	tick := time.NewTicker(c.refill)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			c.mut.Lock()
			c.ticks++
			c.remaining += c.quota
			if c.remaining > c.quota {
				c.remaining = c.quota
			}
			c.cond.Broadcast()
			c.mut.Unlock()
		case <-c.Halt.ReqStop.Chan:
			return
		}
	}
}

// Consume charges n already-written bytes and blocks the
// caller until credit is positive again.
func (c *Calculator) Consume(n int) error {
	if c.quota <= 0 {
		return nil
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.stopped {
		return ErrStopped
	}
	c.remaining -= int64(n)
	for c.remaining <= 0 {
		if c.stopped {
			return ErrStopped
		}
		c.cond.Wait()
	}
	return nil
}

// Charge deducts n written bytes without waiting. The debt
// is paid back before the next Consume returns.
func (c *Calculator) Charge(n int) {
	if c.quota <= 0 {
		return
	}
	c.mut.Lock()
	c.remaining -= int64(n)
	c.mut.Unlock()
}

// Remaining may be negative.
func (c *Calculator) Remaining() int64 {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.remaining
}

// Ticks counts refills so far.
func (c *Calculator) Ticks() int64 {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.ticks
}

func (c *Calculator) Quota() int64 {
	return c.quota
}

// Stop releases any blocked writers with ErrStopped.
func (c *Calculator) Stop() {
	c.Halt.ReqStop.Close()
	<-c.Halt.Done.Chan
}
