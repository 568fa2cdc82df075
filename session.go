package celltalk

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/glycerine/celltalk/crypt"
	"github.com/glycerine/celltalk/frame"
)

// Service is what a Session writes through and is closed
// by: an Acceptor or a Connector.
type Service interface {
	Write(s *Session, msg *Message) error
	Close(s *Session)
}

// Session is one TCP connection. It is created by an
// Acceptor or Connector and lives until closed.
type Session struct {
	id         int64
	service    Service
	conn       net.Conn
	localAddr  net.Addr
	remoteAddr net.Addr
	created    time.Time
	cipherName string

	mut  sync.Mutex
	cond *sync.Cond // inbox drained, or closed

	// worker bookkeeping, all under mut
	owner      *worker
	inRecvQ    bool
	inSendQ    bool
	inbox      [][]byte
	inboxBytes int
	readEOF    bool
	readErr    error
	outbox     []*Message
	lastRead   time.Time
	lastWrite  time.Time
	closed     bool

	key    []byte
	cipher crypt.Cipher
	attr   any

	// cache is touched only by whoever services reads
	cache frame.Cache

	// writeMut orders whole frames on the socket; take it
	// before mut, never after.
	writeMut  sync.Mutex
	closeOnce sync.Once
}

// NewSession wraps conn for a Service other than Acceptor
// or Connector. conn may be nil. The Session does no I/O of
// its own; svc does it.
func NewSession(svc Service, conn net.Conn, cipherName string) *Session {
	return newSession(svc, conn, cipherName)
}

func newSession(svc Service, conn net.Conn, cipherName string) *Session {
	s := &Session{
		id:         NewSessionID(),
		service:    svc,
		conn:       conn,
		created:    time.Now(),
		cipherName: cipherName,
	}
	if conn != nil {
		s.localAddr = conn.LocalAddr()
		s.remoteAddr = conn.RemoteAddr()
	}
	s.cond = sync.NewCond(&s.mut)
	return s
}

func (s *Session) ID() int64            { return s.id }
func (s *Session) LocalAddr() net.Addr  { return s.localAddr }
func (s *Session) RemoteAddr() net.Addr { return s.remoteAddr }
func (s *Session) Created() time.Time   { return s.created }
func (s *Session) Service() Service     { return s.service }

// Address is the remote host:port, or "" when unknown.
func (s *Session) Address() string {
	if s.remoteAddr == nil {
		return ""
	}
	return s.remoteAddr.String()
}

func (s *Session) String() string {
	s.mut.Lock()
	fp := crypt.Fingerprint(s.key)
	closed := s.closed
	s.mut.Unlock()
	return fmt.Sprintf("Session{id:%v, remote:%v, key:'%v', closed:%v}", s.id, s.Address(), fp, closed)
}

// Write queues msg on the owning service.
func (s *Session) Write(msg *Message) error {
	return s.service.Write(s, msg)
}

// Close is idempotent.
func (s *Session) Close() {
	s.service.Close(s)
}

func (s *Session) IsClosed() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.closed
}

// SetSecretKey turns payload encryption on, or off for a nil
// key. Messages written after the call use the new setting;
// frames read after the call are decrypted with it.
func (s *Session) SetSecretKey(key []byte) error {
	var c crypt.Cipher
	if len(key) > 0 {
		var err error
		c, err = crypt.New(s.cipherName, key)
		if err != nil {
			return err
		}
	}
	s.mut.Lock()
	s.key = append([]byte{}, key...)
	s.cipher = c
	s.mut.Unlock()
	return nil
}

// SecretKey returns a copy, nil when not encrypting.
func (s *Session) SecretKey() []byte {
	s.mut.Lock()
	defer s.mut.Unlock()
	if len(s.key) == 0 {
		return nil
	}
	return append([]byte{}, s.key...)
}

func (s *Session) currentCipher() crypt.Cipher {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.cipher
}

// Attr returns the value set by SetAttr.
func (s *Session) Attr() any {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.attr
}

func (s *Session) SetAttr(v any) {
	s.mut.Lock()
	s.attr = v
	s.mut.Unlock()
}

// enqueue validates and stamps msg for the outbox. Caller holds s.mut.
func (s *Session) stampLocked(msg *Message) error {
	if s.closed {
		return ErrSessionClosed
	}
	if msg.DoneCh == nil {
		// built by hand, not by NewMessage
		return fmt.Errorf("message has no DoneCh; use NewMessage")
	}
	msg.Enqueued = time.Now()
	msg.cipher = s.cipher
	return nil
}

// encodeOutbound turns a queued message into wire bytes.
func (s *Session) encodeOutbound(msg *Message, x *frame.Extractor) ([]byte, error) {
	payload := msg.Payload
	if msg.cipher != nil {
		ct, err := msg.cipher.Encrypt(payload)
		if err != nil {
			return nil, err
		}
		payload = ct
	}
	if x == nil {
		return payload, nil
	}
	return x.Wrap(payload), nil
}

// closeAndFlush marks s closed and deals with its outbox:
// on a local close queued messages get a best-effort write,
// otherwise they fail. Each flushed message is passed to sent
// with its wire size before it is finished. The socket is
// left open.
func closeAndFlush(s *Session, local bool, x *frame.Extractor, timeout time.Duration, sent func(m *Message, n int)) {
	s.writeMut.Lock()

	s.mut.Lock()
	s.closed = true
	pend := s.outbox
	s.outbox = nil
	s.cond.Broadcast()
	s.mut.Unlock()

	var werr error = ErrSessionClosed
	sizes := make([]int, 0, len(pend))
	if local {
		for _, m := range pend {
			buf, err := s.encodeOutbound(m, x)
			if err == nil {
				err = writeFull(s.conn, buf, timeout)
			}
			if err != nil {
				break
			}
			sizes = append(sizes, len(buf))
		}
	}
	s.writeMut.Unlock()

	for i, sz := range sizes {
		if sent != nil {
			sent(pend[i], sz)
		}
		pend[i].finish(nil)
	}
	for _, m := range pend[len(sizes):] {
		m.finish(werr)
	}
}

// deliverInbound extracts frames from chunks, decrypts them
// and hands each to obs. A returned error is fatal to the
// connection.
func (s *Session) deliverInbound(chunks [][]byte, x *frame.Extractor, obs Observer, st *statsKeeper) (code ErrorCode, err error) {
	for _, chunk := range chunks {
		var frames [][]byte
		if x == nil {
			frames = [][]byte{chunk}
		} else {
			frames, err = x.Extract(&s.cache, chunk)
		}
		for _, fr := range frames {
			if c := s.currentCipher(); c != nil {
				plain, derr := c.Decrypt(fr)
				if derr != nil {
					return ErrReadFailed, derr
				}
				fr = plain
			}
			st.framesIn.Add(1)
			obs.MessageReceived(s, &Message{Payload: fr})
		}
		if err != nil {
			return ErrWriteOutOfBounds, err
		}
	}
	return 0, nil
}

// isQuietClose reports read errors that are an ordinary
// end of connection rather than a fault.
func isQuietClose(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
