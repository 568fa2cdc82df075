package celltalk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/glycerine/idem"

	"github.com/glycerine/celltalk/frame"
)

// disconnectWait bounds how long Disconnect waits for the
// connector goroutine to exit.
const disconnectWait = 5 * time.Second

// Connector owns one outbound session. A single goroutine
// dials, then alternates between flushing queued messages and
// reading with a short deadline.
type Connector struct {
	mut       sync.Mutex
	cfg       *Config
	obs       Observer
	x         *frame.Extractor
	sess      *Session
	connected bool
	loopGoro  int
	stats     *statsKeeper

	// Halt is replaced on each Connect.
	Halt *idem.Halter
}

func NewConnector(cfg *Config, obs Observer) *Connector {
	if cfg == nil {
		cfg = NewConfig()
	}
	if obs == nil {
		obs = NopObserver{}
	}
	c := &Connector{
		cfg:   cfg.Clone(),
		obs:   obs,
		stats: newStatsKeeper(),
	}
	if c.cfg.Framed() {
		c.x = frame.NewExtractor(c.cfg.HeadMark, c.cfg.TailMark, c.cfg.MaxFrameCache)
	}
	return c
}

// Connect dials addr and returns once the session is open.
// A timeout <= 0 uses Config.ConnectTimeout. Failures wrap
// ErrConnectTimeout or ErrConnectFailed.
func (c *Connector) Connect(addr string, timeout time.Duration) (*Session, error) {
	c.mut.Lock()
	if c.connected {
		c.mut.Unlock()
		return nil, ErrInvalidOperation
	}
	if err := c.cfg.Validate(); err != nil {
		c.mut.Unlock()
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.cfg.ConnectTimeout
	}
	halt := idem.NewHalterNamed(fmt.Sprintf("Connector(%v)", addr))
	c.Halt = halt
	c.connected = true
	c.mut.Unlock()

	result := make(chan error, 1)
	go c.run(addr, timeout, halt, result)

	err := <-result
	if err != nil {
		c.mut.Lock()
		c.connected = false
		c.mut.Unlock()
		return nil, err
	}
	return c.Session(), nil
}

func (c *Connector) run(addr string, timeout time.Duration, halt *idem.Halter, result chan error) {
	defer halt.Done.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	go func() {
		select {
		case <-halt.ReqStop.Chan:
			cancel()
		case <-ctx.Done():
		}
	}()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		code := ErrConnectFailedCode
		base := ErrConnectFailed
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			code = ErrConnectTimeoutCode
			base = ErrConnectTimeout
		}
		c.obs.ErrorOccurred(code, nil)
		result <- fmt.Errorf("%w: %v: %v", base, addr, err)
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	s := newSession(c, conn, c.cfg.Cipher)
	c.mut.Lock()
	c.sess = s
	c.loopGoro = GoroNumber()
	c.mut.Unlock()

	c.obs.SessionCreated(s)
	c.obs.SessionOpened(s)
	result <- nil

	buf := make([]byte, c.cfg.BlockSize)
	for !halt.ReqStop.IsClosed() {
		if err := c.flushOutbox(s); err != nil {
			c.closeSession(s, false, ErrWriteFailed, err)
			break
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PollInterval))
		if c.hasOutbound(s) {
			continue
		}
		n, err := conn.Read(buf)
		if n > 0 {
			c.stats.bytesRead.Add(int64(n))
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			code, derr := s.deliverInbound([][]byte{chunk}, c.x, c.obs, c.stats)
			if derr != nil {
				c.closeSession(s, false, code, derr)
				break
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			code := ErrReadFailed
			if isQuietClose(err) {
				code = 0
			}
			c.closeSession(s, false, code, err)
			break
		}
	}
	// a requested stop is a local close
	c.closeSession(s, true, 0, nil)
}

func (c *Connector) hasOutbound(s *Session) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.outbox) > 0
}

func (c *Connector) flushOutbox(s *Session) error {
	s.writeMut.Lock()
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		s.writeMut.Unlock()
		return nil
	}
	batch := s.outbox
	s.outbox = nil
	s.mut.Unlock()

	var werr error
	sizes := make([]int, 0, len(batch))
	for _, msg := range batch {
		buf, err := s.encodeOutbound(msg, c.x)
		if err == nil {
			err = writeFull(s.conn, buf, c.cfg.WriteTimeout)
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
		c.stats.sent(sz, time.Since(msg.Enqueued))
		c.obs.MessageSent(s, msg)
		msg.finish(nil)
	}
	for _, m := range batch[len(sizes):] {
		m.finish(werr)
	}
	return werr
}

// Session is the connected session, nil before Connect.
func (c *Connector) Session() *Session {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.sess
}

func (c *Connector) IsConnected() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.connected && c.sess != nil && !c.sess.IsClosed()
}

// Write queues msg and wakes the connector goroutine.
func (c *Connector) Write(s *Session, msg *Message) error {
	if s == nil || s.service != c {
		return ErrForeignSession
	}
	s.mut.Lock()
	if err := s.stampLocked(msg); err != nil {
		s.mut.Unlock()
		return err
	}
	s.outbox = append(s.outbox, msg)
	s.mut.Unlock()
	// cut the poll short so the message goes out now
	s.conn.SetReadDeadline(time.Now())
	return nil
}

// Close closes s and stops the connector goroutine without
// waiting for it. Safe to call from callbacks.
func (c *Connector) Close(s *Session) {
	if s == nil || s.service != c {
		return
	}
	c.closeSession(s, true, 0, nil)
	c.mut.Lock()
	halt := c.Halt
	c.mut.Unlock()
	if halt != nil {
		halt.ReqStop.Close()
	}
}

func (c *Connector) closeSession(s *Session, local bool, code ErrorCode, err error) {
	s.closeOnce.Do(func() {
		closeAndFlush(s, local, c.x, c.cfg.WriteTimeout, func(m *Message, n int) {
			c.stats.sent(n, time.Since(m.Enqueued))
			c.obs.MessageSent(s, m)
		})
		if code != 0 {
			if c.cfg.Verbose {
				alwaysPrintf("connector closing %v on %v: '%v'", s, code, errorString(err))
			}
			c.obs.ErrorOccurred(code, s)
		}
		s.conn.Close()
		c.obs.SessionClosed(s)
		c.mut.Lock()
		c.connected = false
		c.mut.Unlock()
		c.obs.SessionDestroyed(s)
	})
}

// Disconnect closes the session and waits a bounded time for
// the connector goroutine. Repeated calls are harmless.
func (c *Connector) Disconnect() {
	c.mut.Lock()
	s := c.sess
	halt := c.Halt
	onLoop := c.loopGoro != 0 && c.loopGoro == GoroNumber()
	c.mut.Unlock()
	if halt == nil {
		return
	}
	halt.ReqStop.Close()
	if s != nil {
		c.closeSession(s, true, 0, nil)
	}
	if onLoop {
		return
	}
	select {
	case <-halt.Done.Chan:
	case <-time.After(disconnectWait):
		alwaysPrintf("connector Disconnect: goroutine did not stop in %v", disconnectWait)
	}
}

func (c *Connector) Stats() Stats {
	active := 0
	if c.IsConnected() {
		active = 1
	}
	return c.stats.snapshot(active)
}
