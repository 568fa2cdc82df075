package celltalk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"

	"github.com/glycerine/celltalk/frame"
)

// unbindWait bounds how long Unbind waits for workers.
const unbindWait = 5 * time.Second

// Acceptor listens on one TCP address and runs a pool of
// workers over the sessions it accepts.
type Acceptor struct {
	mut   sync.Mutex
	cfg   *Config
	obs   Observer
	bound bool
	lsn   *rejectListener
	addr  net.Addr
	pool  *workerPool
	x     *frame.Extractor

	sessions *Mutexmap[int64, *Session]
	stats    *statsKeeper

	// Halt is replaced on each Bind.
	Halt       *idem.Halter
	acceptDone chan struct{}
}

// NewAcceptor copies cfg; later changes to cfg have no effect.
// A nil obs is treated as NopObserver.
func NewAcceptor(cfg *Config, obs Observer) *Acceptor {
	if cfg == nil {
		cfg = NewConfig()
	}
	if obs == nil {
		obs = NopObserver{}
	}
	return &Acceptor{
		cfg:      cfg.Clone(),
		obs:      obs,
		sessions: NewMutexmap[int64, *Session](),
		stats:    newStatsKeeper(),
	}
}

func (a *Acceptor) IsBound() bool {
	a.mut.Lock()
	defer a.mut.Unlock()
	return a.bound
}

// Addr is the bound address, nil when unbound.
func (a *Acceptor) Addr() net.Addr {
	a.mut.Lock()
	defer a.mut.Unlock()
	return a.addr
}

// Config returns a copy of the acceptor's configuration.
func (a *Acceptor) Config() *Config {
	a.mut.Lock()
	defer a.mut.Unlock()
	return a.cfg.Clone()
}

func (a *Acceptor) setWhileUnbound(f func()) error {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.bound {
		return ErrInvalidOperation
	}
	f()
	return nil
}

func (a *Acceptor) SetMaxConnections(n int) error {
	if n <= 0 {
		return fmt.Errorf("max connections must be positive, not %v", n)
	}
	return a.setWhileUnbound(func() { a.cfg.MaxConnections = n })
}

func (a *Acceptor) SetWorkerCount(n int) error {
	if n <= 0 {
		return fmt.Errorf("worker count must be positive, not %v", n)
	}
	return a.setWhileUnbound(func() { a.cfg.WorkerCount = n })
}

func (a *Acceptor) SetBlockSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("block size must be positive, not %v", n)
	}
	return a.setWhileUnbound(func() { a.cfg.BlockSize = n })
}

func (a *Acceptor) SetServiceIntervals(read, write time.Duration) error {
	return a.setWhileUnbound(func() {
		a.cfg.ReadInterval = read
		a.cfg.WriteInterval = write
	})
}

func (a *Acceptor) SetWorkerQuota(bytesPerRefill int64) error {
	return a.setWhileUnbound(func() { a.cfg.WorkerQuota = bytesPerRefill })
}

// Bind starts listening on addr, or on Config.BindAddr when
// addr is empty, and returns the actual address.
func (a *Acceptor) Bind(addr string) (bound net.Addr, err error) {
	var failCode ErrorCode
	defer func() {
		// runs after the unlock below
		if failCode != 0 {
			a.obs.ErrorOccurred(failCode, nil)
		}
	}()
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.bound {
		return nil, ErrAlreadyBound
	}
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	if addr == "" {
		addr = a.cfg.BindAddr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		failCode = ErrAddressInvalid
		return nil, fmt.Errorf("bad bind address '%v': %w", addr, err)
	}
	lc := net.ListenConfig{Control: listenControl}
	raw, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		failCode = ErrBindFailed
		return nil, fmt.Errorf("bind '%v' failed: %w", addr, err)
	}
	a.lsn = newRejectListener(raw, a.cfg.MaxConnections, func(c net.Conn) {
		a.stats.rejected.Add(1)
		if a.cfg.Verbose {
			alwaysPrintf("acceptor at %v full (%v); closing %v", raw.Addr(), a.cfg.MaxConnections, c.RemoteAddr())
		}
	})
	a.addr = raw.Addr()

	if a.cfg.Framed() {
		a.x = frame.NewExtractor(a.cfg.HeadMark, a.cfg.TailMark, a.cfg.MaxFrameCache)
	} else {
		a.x = nil
	}
	a.Halt = idem.NewHalterNamed(fmt.Sprintf("Acceptor(%v)", a.addr))
	a.pool = &workerPool{}
	for i := 0; i < a.cfg.WorkerCount; i++ {
		w := newWorker(i, a.cfg, a.obs, a, a.x, a.stats)
		a.Halt.AddChild(w.halt)
		a.pool.workers = append(a.pool.workers, w)
		w.start()
	}
	a.acceptDone = make(chan struct{})
	a.bound = true
	go a.acceptLoop(a.lsn, a.Halt, a.pool, a.acceptDone)

	pp("acceptor bound to %v with %v workers", a.addr, a.cfg.WorkerCount)
	return a.addr, nil
}

func (a *Acceptor) acceptLoop(lsn *rejectListener, halt *idem.Halter, pool *workerPool, done chan struct{}) {
	defer close(done)
	for {
		conn, err := lsn.Accept()
		if err != nil {
			if halt.ReqStop.IsClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			a.obs.ErrorOccurred(ErrAcceptFailed, nil)
			if a.cfg.Verbose {
				alwaysPrintf("accept error on %v: '%v'", lsn.Addr(), err)
			}
			select {
			case <-time.After(5 * time.Millisecond):
			case <-halt.ReqStop.Chan:
				return
			}
			continue
		}
		a.admit(conn, pool)
	}
}

func (a *Acceptor) admit(conn net.Conn, pool *workerPool) {
	if tc, ok := conn.(*rejectListenerConn); ok {
		if tcp, ok := tc.Conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
	}
	s := newSession(a, conn, a.cfg.Cipher)
	a.sessions.Set(s.id, s)
	a.stats.accepted.Add(1)
	pp("acceptor accepted %v", s)

	a.obs.SessionCreated(s)
	a.obs.SessionOpened(s)
	go a.readPump(s, pool)
}

// readPump blocks in Read for s and hands each chunk to the
// session's worker.
func (a *Acceptor) readPump(s *Session, pool *workerPool) {
	limit := max(64*a.cfg.BlockSize, a.cfg.MaxFrameCache)
	buf := make([]byte, a.cfg.BlockSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			a.stats.bytesRead.Add(int64(n))
			pool.handRead(s, chunk, false, nil, limit)
		}
		if err != nil {
			pool.handRead(s, nil, true, err, limit)
			return
		}
	}
}

// Write queues msg for s. It returns once msg is queued;
// wait on msg.DoneCh.WhenClosed() to know it was written.
func (a *Acceptor) Write(s *Session, msg *Message) error {
	if s.service != a {
		return ErrForeignSession
	}
	a.mut.Lock()
	pool := a.pool
	bound := a.bound
	a.mut.Unlock()
	if !bound {
		return ErrNotBound
	}
	return pool.handWrite(s, msg)
}

// Close closes s; repeated calls do nothing. Messages
// already queued for s get a best-effort flush first.
func (a *Acceptor) Close(s *Session) {
	a.closeSession(s, true, 0, nil)
}

// flushed accounts for a message written during a local
// close. Its bytes are charged to the owning worker as debt
// without waiting, so Close never blocks on the quota.
func (a *Acceptor) flushed(s *Session, m *Message, n int) {
	s.mut.Lock()
	w := s.owner
	s.mut.Unlock()
	a.mut.Lock()
	pool := a.pool
	a.mut.Unlock()
	if w == nil && pool != nil {
		w = pool.leastLoaded()
	}
	if w != nil {
		w.stats.sent(n, time.Since(m.Enqueued))
		w.quota.Charge(n)
	}
	a.obs.MessageSent(s, m)
}

func (a *Acceptor) closeSession(s *Session, local bool, code ErrorCode, err error) {
	s.closeOnce.Do(func() {
		closeAndFlush(s, local, a.x, a.cfg.WriteTimeout, func(m *Message, n int) {
			a.flushed(s, m, n)
		})

		if code != 0 {
			if a.cfg.Verbose {
				alwaysPrintf("acceptor closing %v on %v: '%v'", s, code, errorString(err))
			}
			a.obs.ErrorOccurred(code, s)
		}
		s.conn.Close()
		a.obs.SessionClosed(s)
		a.sessions.Del(s.id)
		a.obs.SessionDestroyed(s)
	})
}

func (a *Acceptor) Session(id int64) (*Session, bool) {
	return a.sessions.Get(id)
}

func (a *Acceptor) Sessions() []*Session {
	return a.sessions.GetValSlice()
}

func (a *Acceptor) SessionCount() int {
	return a.sessions.Len()
}

func (a *Acceptor) Stats() Stats {
	return a.stats.snapshot(a.sessions.Len())
}

// Unbind stops listening, closes every session and stops
// the workers, waiting a bounded time for them.
func (a *Acceptor) Unbind() {
	a.mut.Lock()
	if !a.bound {
		a.mut.Unlock()
		return
	}
	a.bound = false
	lsn, halt, pool, acceptDone := a.lsn, a.Halt, a.pool, a.acceptDone
	a.addr = nil
	a.mut.Unlock()

	halt.ReqStop.Close()
	lsn.Close()
	for _, s := range a.sessions.GetValSlice() {
		a.closeSession(s, true, 0, nil)
	}
	for _, w := range pool.workers {
		w.halt.ReqStop.Close()
		// release a worker parked in its quota
		w.quota.Stop()
	}
	timer := time.NewTimer(unbindWait)
	defer timer.Stop()
	expired := false
	waitOn := func(ch <-chan struct{}) bool {
		if expired {
			select {
			case <-ch:
				return true
			default:
				return false
			}
		}
		select {
		case <-ch:
			return true
		case <-timer.C:
			expired = true
			return false
		}
	}
	for _, w := range pool.workers {
		if !waitOn(w.halt.Done.Chan) {
			alwaysPrintf("acceptor Unbind: %v did not stop in %v", w, unbindWait)
		}
	}
	waitOn(acceptDone)
	halt.Done.Close()
	pp("acceptor unbound")
}
