package celltalk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"

	"github.com/glycerine/celltalk/frame"
	"github.com/glycerine/celltalk/quota"
)

// workerHost is the Acceptor, seen from a worker.
type workerHost interface {
	closeSession(s *Session, local bool, code ErrorCode, err error)
}

// worker services sessions that have bytes to read or
// messages to write. A session is owned by at most one
// worker at a time; ownership is taken on the first pending
// event and given back once both of its queues are empty.
type worker struct {
	id    int
	cfg   *Config
	obs   Observer
	host  workerHost
	x     *frame.Extractor
	quota *quota.Calculator
	stats *statsKeeper

	mut   sync.Mutex
	recvQ []*Session
	sendQ []*Session

	// pending is the queued entry count, for load balancing.
	pending atomic.Int64
	wake    chan struct{}

	halt *idem.Halter
}

func newWorker(id int, cfg *Config, obs Observer, host workerHost, x *frame.Extractor, st *statsKeeper) *worker {
	return &worker{
		id:    id,
		cfg:   cfg,
		obs:   obs,
		host:  host,
		x:     x,
		quota: quota.New(cfg.WorkerQuota, cfg.QuotaRefill),
		stats: st,
		wake:  make(chan struct{}, 1),
		halt:  idem.NewHalterNamed(fmt.Sprintf("worker_%v", id)),
	}
}

func (w *worker) String() string {
	return fmt.Sprintf("worker_%v(pending %v)", w.id, w.pending.Load())
}

func (w *worker) start() {
	go w.loop()
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) enqueue(s *Session, read bool) {
	w.mut.Lock()
	if read {
		w.recvQ = append(w.recvQ, s)
	} else {
		w.sendQ = append(w.sendQ, s)
	}
	w.mut.Unlock()
	w.pending.Add(1)
	w.signal()
}

// requeue puts back a session that was serviced too recently;
// its pending count is still held.
func (w *worker) requeue(s *Session, read bool) {
	w.mut.Lock()
	if read {
		w.recvQ = append(w.recvQ, s)
	} else {
		w.sendQ = append(w.sendQ, s)
	}
	w.mut.Unlock()
}

func (w *worker) take() (recv, send []*Session) {
	w.mut.Lock()
	recv, send = w.recvQ, w.sendQ
	w.recvQ, w.sendQ = nil, nil
	w.mut.Unlock()
	return
}

func (w *worker) loop() {
	defer func() {
		w.quota.Stop()
		w.halt.Done.Close()
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		wait := w.serviceAll()

		var timeout <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			timeout = timer.C
		} else {
			timer.Stop()
		}
		select {
		case <-w.wake:
		case <-timeout:
		case <-w.halt.ReqStop.Chan:
			return
		}
	}
}

// serviceAll makes one pass over both queues. It returns how
// long until the earliest requeued session becomes eligible,
// or 0 when nothing was requeued.
func (w *worker) serviceAll() (wait time.Duration) {
	recv, send := w.take()
	note := func(d time.Duration) {
		if d > 0 && (wait == 0 || d < wait) {
			wait = d
		}
	}
	for _, s := range recv {
		if w.halt.ReqStop.IsClosed() {
			return
		}
		note(w.serviceRead(s))
	}
	for _, s := range send {
		if w.halt.ReqStop.IsClosed() {
			return
		}
		note(w.serviceWrite(s))
	}
	return
}

// serviceRead returns > 0 if s was requeued, being too soon.
func (w *worker) serviceRead(s *Session) (requeuedFor time.Duration) {
	now := time.Now()
	s.mut.Lock()
	if !s.closed && w.cfg.ReadInterval > 0 && !s.lastRead.IsZero() {
		if d := s.lastRead.Add(w.cfg.ReadInterval).Sub(now); d > 0 {
			s.mut.Unlock()
			w.requeue(s, true)
			return d
		}
	}
	chunks := s.inbox
	s.inbox = nil
	s.inboxBytes = 0
	s.inRecvQ = false
	s.lastRead = now
	eof, readErr := s.readEOF, s.readErr
	closed := s.closed
	s.cond.Broadcast()
	s.mut.Unlock()
	w.pending.Add(-1)

	if !closed {
		code, err := s.deliverInbound(chunks, w.x, w.obs, w.stats)
		if err != nil {
			w.host.closeSession(s, false, code, err)
		} else if eof {
			code := ErrReadFailed
			if isQuietClose(readErr) {
				code = 0
			}
			w.host.closeSession(s, false, code, readErr)
		}
	}
	w.release(s)
	return 0
}

// serviceWrite sends up to WriteBatch messages. writeMut is
// held from pop to last write so a concurrent close cannot
// flush later messages ahead of this batch.
func (w *worker) serviceWrite(s *Session) (requeuedFor time.Duration) {
	now := time.Now()
	s.writeMut.Lock()
	s.mut.Lock()
	if s.closed {
		drop := s.outbox
		s.outbox = nil
		s.inSendQ = false
		s.mut.Unlock()
		s.writeMut.Unlock()
		w.pending.Add(-1)
		for _, m := range drop {
			m.finish(ErrSessionClosed)
		}
		w.release(s)
		return 0
	}
	if w.cfg.WriteInterval > 0 && !s.lastWrite.IsZero() {
		if d := s.lastWrite.Add(w.cfg.WriteInterval).Sub(now); d > 0 {
			s.mut.Unlock()
			s.writeMut.Unlock()
			w.requeue(s, false)
			return d
		}
	}
	n := min(w.cfg.WriteBatch, len(s.outbox))
	batch := append([]*Message{}, s.outbox[:n]...)
	s.outbox = s.outbox[n:]
	more := len(s.outbox) > 0
	if !more {
		s.inSendQ = false
	}
	s.lastWrite = now
	s.mut.Unlock()

	var werr error
	sizes := make([]int, 0, len(batch))
	for _, msg := range batch {
		buf, err := s.encodeOutbound(msg, w.x)
		if err == nil {
			err = writeFull(s.conn, buf, w.cfg.WriteTimeout)
		}
		if err != nil {
			werr = err
			break
		}
		sizes = append(sizes, len(buf))
	}
	s.writeMut.Unlock()

	for i, sz := range sizes {
		msg := batch[i]
		w.stats.sent(sz, time.Since(msg.Enqueued))
		// charged after the write; may block this worker
		w.quota.Consume(sz)
		w.obs.MessageSent(s, msg)
		msg.finish(nil)
	}
	if werr != nil {
		for _, m := range batch[len(sizes):] {
			m.finish(werr)
		}
		w.host.closeSession(s, false, ErrWriteFailed, werr)
	}

	if more {
		// keep our pending count and go around again; a
		// session closed above has its rest dropped then.
		w.requeue(s, false)
		w.signal()
		return 0
	}
	w.pending.Add(-1)
	w.release(s)
	return 0
}

// release gives up ownership when s has nothing queued.
func (w *worker) release(s *Session) {
	s.mut.Lock()
	if s.owner == w && !s.inRecvQ && !s.inSendQ {
		s.owner = nil
	}
	s.mut.Unlock()
}

// workerPool hands session events to workers.
type workerPool struct {
	workers []*worker
}

func (p *workerPool) leastLoaded() *worker {
	best := p.workers[0]
	bestN := best.pending.Load()
	for _, w := range p.workers[1:] {
		if n := w.pending.Load(); n < bestN {
			best, bestN = w, n
		}
	}
	return best
}

// own returns the worker owning s, assigning the least loaded
// one if s has none. Caller holds s.mut.
func (p *workerPool) ownLocked(s *Session) *worker {
	if s.owner == nil {
		s.owner = p.leastLoaded()
	}
	return s.owner
}

// handRead queues a read chunk; eof marks the end of input.
// It blocks while s already holds limit unserviced bytes.
func (p *workerPool) handRead(s *Session, chunk []byte, eof bool, readErr error, limit int) {
	s.mut.Lock()
	for !eof && !s.closed && s.inboxBytes >= limit {
		s.cond.Wait()
	}
	if s.closed {
		s.mut.Unlock()
		return
	}
	if len(chunk) > 0 {
		s.inbox = append(s.inbox, chunk)
		s.inboxBytes += len(chunk)
	}
	if eof {
		s.readEOF = true
		s.readErr = readErr
	}
	w := p.ownLocked(s)
	need := !s.inRecvQ
	s.inRecvQ = true
	s.mut.Unlock()
	if need {
		w.enqueue(s, true)
	}
}

// handWrite queues msg for writing.
func (p *workerPool) handWrite(s *Session, msg *Message) error {
	s.mut.Lock()
	if err := s.stampLocked(msg); err != nil {
		s.mut.Unlock()
		return err
	}
	s.outbox = append(s.outbox, msg)
	w := p.ownLocked(s)
	need := !s.inSendQ
	s.inSendQ = true
	s.mut.Unlock()
	if need {
		w.enqueue(s, false)
	}
	return nil
}
