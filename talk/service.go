package talk

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"

	"github.com/glycerine/celltalk"
	"github.com/glycerine/celltalk/crypt"
	"github.com/glycerine/celltalk/packet"
	"github.com/glycerine/celltalk/pressor"
)

// Counters tallies handshakes: Valid sessions proved they
// hold the challenge key, Invalid ones failed or timed out.
type Counters struct {
	Valid   int64 `json:"valid"`
	Invalid int64 `json:"invalid"`
}

// Service runs the Talk protocol over an Acceptor. It is
// the Acceptor's Observer.
type Service struct {
	cfg *celltalk.Config
	acc *celltalk.Acceptor
	tag string

	cellets  *celltalk.Mutexmap[string, Cellet]
	contexts *celltalk.Mutexmap[string, *SessionContext]
	certs    *celltalk.Mutexmap[int64, *certificate]
	hb       *heartbeatPQ

	clockMut sync.Mutex
	clock    func() time.Time

	// tests pin the challenge
	newChallenge func() (plaintext, key string)

	valid   atomic.Int64
	invalid atomic.Int64

	mut     sync.Mutex
	started bool

	Halt *idem.Halter
}

// sessState is what the Service knows about one socket.
// It hangs off Session.Attr.
type sessState struct {
	sess *celltalk.Session

	mut     sync.Mutex
	closed  bool
	authed  bool
	tag     string
	key     []byte
	tracker *Tracker
	endTags map[string]bool
	press   pressor.Pressor
}

func NewService(cfg *celltalk.Config) *Service {
	if cfg == nil {
		cfg = celltalk.NewConfig()
	}
	return &Service{
		cfg:          cfg.Clone(),
		tag:          celltalk.NewTag(),
		cellets:      celltalk.NewMutexmap[string, Cellet](),
		contexts:     celltalk.NewMutexmap[string, *SessionContext](),
		certs:        celltalk.NewMutexmap[int64, *certificate](),
		hb:           newHeartbeatPQ(),
		clock:        time.Now,
		newChallenge: randomChallenge,
	}
}

// Tag is sent to peers in CHECK, REQUEST and QUICK replies.
func (svc *Service) Tag() string { return svc.tag }

// SetTag must precede Start.
func (svc *Service) SetTag(tag string) error {
	svc.mut.Lock()
	defer svc.mut.Unlock()
	if svc.started {
		return celltalk.ErrInvalidOperation
	}
	svc.tag = tag
	return nil
}

// SetClock replaces time.Now for handshake and heartbeat
// bookkeeping.
func (svc *Service) SetClock(f func() time.Time) {
	svc.clockMut.Lock()
	svc.clock = f
	svc.clockMut.Unlock()
}

func (svc *Service) now() time.Time {
	svc.clockMut.Lock()
	f := svc.clock
	svc.clockMut.Unlock()
	return f()
}

// AddCellet registers c under c.Identifier(), replacing
// any earlier one of the same name.
func (svc *Service) AddCellet(c Cellet) {
	svc.cellets.Set(c.Identifier(), c)
}

func (svc *Service) RemoveCellet(identifier string) {
	svc.cellets.Del(identifier)
}

func (svc *Service) Cellet(identifier string) (Cellet, bool) {
	return svc.cellets.Get(identifier)
}

// Start binds addr ("" uses Config.BindAddr) and starts the
// handshake and heartbeat sweeps.
func (svc *Service) Start(addr string) (net.Addr, error) {
	svc.mut.Lock()
	defer svc.mut.Unlock()
	if svc.started {
		return nil, celltalk.ErrAlreadyBound
	}
	acc := celltalk.NewAcceptor(svc.cfg, svc)
	bound, err := acc.Bind(addr)
	if err != nil {
		return nil, err
	}
	svc.acc = acc
	svc.started = true
	svc.Halt = idem.NewHalterNamed(fmt.Sprintf("talk.Service(%v)", svc.tag))
	go svc.sweepLoop(svc.Halt)
	return bound, nil
}

// Stop closes every session and the listener.
func (svc *Service) Stop() {
	svc.mut.Lock()
	if !svc.started {
		svc.mut.Unlock()
		return
	}
	svc.started = false
	halt := svc.Halt
	acc := svc.acc
	svc.mut.Unlock()

	halt.ReqStop.Close()
	<-halt.Done.Chan
	acc.Unbind()
	svc.hb.deleteAll()
}

// Acceptor is nil before Start.
func (svc *Service) Acceptor() *celltalk.Acceptor {
	svc.mut.Lock()
	defer svc.mut.Unlock()
	return svc.acc
}

func (svc *Service) Counters() Counters {
	return Counters{
		Valid:   svc.valid.Load(),
		Invalid: svc.invalid.Load(),
	}
}

// Tags lists the registered peer tags, sorted.
func (svc *Service) Tags() []string {
	tags := svc.contexts.GetKeySlice()
	sort.Strings(tags)
	return tags
}

// Context returns the context of tag, or nil.
func (svc *Service) Context(tag string) *SessionContext {
	ctx, _ := svc.contexts.Get(tag)
	return ctx
}

// Sessions of tag, ordered by id.
func (svc *Service) Sessions(tag string) []*celltalk.Session {
	ctx, ok := svc.contexts.Get(tag)
	if !ok {
		return nil
	}
	return ctx.Sessions()
}

// Talk implements Talker.
func (svc *Service) Talk(tag, identifier string, payload []byte) error {
	ctx, ok := svc.contexts.Get(tag)
	if !ok {
		return fmt.Errorf("%w: '%v'", ErrNoSuchTag, tag)
	}
	targets := ctx.route(identifier)
	if len(targets) == 0 {
		return fmt.Errorf("%w: '%v' by '%v'", ErrNotContacted, identifier, tag)
	}
	var firstErr error
	for _, e := range targets {
		st := stateOf(e.sess)
		if st == nil {
			continue
		}
		out, err := st.compress(payload)
		if err != nil {
			return err
		}
		var p *packet.Packet
		if e.proxy != "" {
			p = newPacket(TagProxyResponse, out, svc.tag, identifier, tag)
		} else {
			p = newPacket(TagDialogue, out, svc.tag, identifier)
		}
		if err := svc.send(e.sess, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Kick closes the sessions of tag. A tag reached through a
// proxy is unregistered without closing the proxy.
func (svc *Service) Kick(tag string) {
	ctx, ok := svc.contexts.Get(tag)
	if !ok {
		return
	}
	ctx.mut.Lock()
	var direct []*celltalk.Session
	var proxied []*entry
	for _, e := range ctx.entries {
		if e.proxy != "" {
			proxied = append(proxied, e)
		} else {
			direct = append(direct, e.sess)
		}
	}
	ctx.mut.Unlock()

	for _, e := range proxied {
		if st := stateOf(e.sess); st != nil {
			st.mut.Lock()
			delete(st.endTags, tag)
			st.mut.Unlock()
		}
		svc.detach(tag, e.sess.ID())
	}
	for _, s := range direct {
		s.Close()
	}
}

// Sweep runs one handshake sweep and one heartbeat sweep.
// The background loop calls it every SweepInterval.
func (svc *Service) Sweep() {
	now := svc.now()
	svc.sweepHandshakes(now)
	svc.sweepHeartbeats(now)
}

func (svc *Service) sweepLoop(halt *idem.Halter) {
	defer halt.Done.Close()
	tick := time.NewTicker(svc.cfg.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			svc.Sweep()
		case <-halt.ReqStop.Chan:
			return
		}
	}
}

// sweepHandshakes interrogates new sessions and drops
// those that have not answered within HandshakeTimeout.
func (svc *Service) sweepHandshakes(now time.Time) {
	for _, cert := range svc.certs.GetValSlice() {
		if cert.expired(now, svc.cfg.HandshakeTimeout) {
			if svc.certs.Del(cert.sess.ID()) {
				svc.invalid.Add(1)
				pp("talk: handshake timeout on %v", cert.sess)
				cert.sess.Close()
			}
			continue
		}
		if cert.markChecked() {
			svc.interrogate(cert)
		}
	}
}

func (svc *Service) interrogate(cert *certificate) {
	ciph, err := crypt.New(svc.cfg.Cipher, cert.key)
	if err != nil {
		alwaysPrintf("talk: cannot build cipher for challenge: '%v'", err)
		cert.sess.Close()
		return
	}
	ct, err := ciph.Encrypt([]byte(cert.plaintext))
	if err != nil {
		alwaysPrintf("talk: challenge encrypt failed: '%v'", err)
		cert.sess.Close()
		return
	}
	svc.send(cert.sess, newPacket(TagInterrogate, ct, cert.key))
}

func (svc *Service) sweepHeartbeats(now time.Time) {
	cutoff := now.Add(-svc.cfg.SessionTimeout)
	for _, st := range svc.hb.expired(cutoff) {
		pp("talk: heartbeat timeout on %v", st.sess)
		st.sess.Close()
	}
}

// send encodes p and queues it on s.
func (svc *Service) send(s *celltalk.Session, p *packet.Packet) error {
	b, err := packet.Encode(p)
	if err != nil {
		return err
	}
	return s.Write(celltalk.NewMessage(b))
}

func stateOf(s *celltalk.Session) *sessState {
	st, _ := s.Attr().(*sessState)
	return st
}

// attach puts e into the context for tag, creating it if
// need be. A context that died under us is replaced.
func (svc *Service) attach(tag string, e *entry) *SessionContext {
	for {
		ctx, _ := svc.contexts.GetOrSet(tag, func() *SessionContext {
			return newSessionContext(tag)
		})
		if ctx.add(e) {
			return ctx
		}
		svc.contexts.DelIf(tag, func(v *SessionContext) bool { return v == ctx })
	}
}

// detach removes session sid from tag's context and
// tells cellets about identifiers nobody holds anymore.
func (svc *Service) detach(tag string, sid int64) {
	ctx, ok := svc.contexts.Get(tag)
	if !ok {
		return
	}
	removed, quitted, empty := ctx.remove(sid)
	if empty {
		svc.contexts.DelIf(tag, func(v *SessionContext) bool { return v == ctx })
	}
	if removed == nil {
		return
	}
	for _, id := range quitted {
		if c, ok := svc.cellets.Get(id); ok {
			c.Quitted(tag)
		}
	}
}

// accept completes the handshake for s as tag. It reports
// false when the session closed first.
func (svc *Service) accept(st *sessState, tag string, key []byte, capa *Capacity) bool {
	st.mut.Lock()
	if st.closed {
		st.mut.Unlock()
		return false
	}
	st.authed = true
	st.tag = tag
	st.key = key
	st.tracker = newTracker(capa)
	tracker := st.tracker
	st.mut.Unlock()

	svc.valid.Add(1)
	now := svc.now()
	svc.attach(tag, &entry{
		sess:      st.sess,
		tracker:   tracker,
		heartbeat: now,
	})
	svc.hb.touch(st, now)
	if st.isClosed() {
		// SessionClosed may have missed the attach
		svc.hb.remove(st.sess.ID())
		svc.detach(tag, st.sess.ID())
		return false
	}
	return true
}

// reject counts a failed handshake and closes s after
// the reply already queued.
func (svc *Service) reject(s *celltalk.Session) {
	svc.invalid.Add(1)
	s.Close()
}

// Observer

func (svc *Service) SessionCreated(s *celltalk.Session) {}

func (svc *Service) SessionOpened(s *celltalk.Session) {
	s.SetAttr(&sessState{sess: s, endTags: make(map[string]bool)})
	plain, key := svc.newChallenge()
	svc.certs.Set(s.ID(), newCertificate(s, svc.now(), plain, key))
}

func (svc *Service) SessionClosed(s *celltalk.Session) {
	svc.certs.Del(s.ID())
	svc.hb.remove(s.ID())
	st := stateOf(s)
	if st == nil {
		return
	}
	st.mut.Lock()
	st.closed = true
	authed := st.authed
	tag := st.tag
	var ends []string
	for t := range st.endTags {
		ends = append(ends, t)
	}
	st.endTags = make(map[string]bool)
	press := st.press
	st.press = nil
	st.mut.Unlock()

	if press != nil {
		press.Close()
	}
	sort.Strings(ends)
	for _, t := range ends {
		svc.detach(t, s.ID())
	}
	if authed {
		svc.detach(tag, s.ID())
	}
}

func (svc *Service) SessionDestroyed(s *celltalk.Session) {}

func (svc *Service) MessageReceived(s *celltalk.Session, msg *celltalk.Message) {
	p, err := packet.Decode(msg.Payload)
	if err != nil {
		alwaysPrintf("talk: undecodable packet from %v: '%v'", s, err)
		s.Close()
		return
	}
	st := stateOf(s)
	if st == nil {
		return
	}
	svc.dispatch(st, p)
}

func (svc *Service) MessageSent(s *celltalk.Session, msg *celltalk.Message) {}

func (svc *Service) ErrorOccurred(code celltalk.ErrorCode, s *celltalk.Session) {
	pp("talk: %v on %v", code, s)
}

// compress applies the negotiated compression, if any.
func (st *sessState) compress(payload []byte) ([]byte, error) {
	press := st.pressor()
	if press == nil {
		return payload, nil
	}
	return press.Compress(payload)
}

func (st *sessState) decompress(payload []byte) ([]byte, error) {
	press := st.pressor()
	if press == nil {
		return payload, nil
	}
	return press.Decompress(payload)
}

func (st *sessState) pressor() pressor.Pressor {
	st.mut.Lock()
	defer st.mut.Unlock()
	return st.press
}

// setCapacity installs c and its compressor.
func (st *sessState) setCapacity(c *Capacity) error {
	var press pressor.Pressor
	if c.Compression != "" {
		var err error
		press, err = pressor.New(c.Compression)
		if err != nil {
			return err
		}
	}
	st.mut.Lock()
	old := st.press
	st.press = press
	tracker := st.tracker
	st.mut.Unlock()
	if old != nil {
		old.Close()
	}
	if tracker != nil {
		tracker.SetCapacity(c)
	}
	return nil
}

func (st *sessState) isClosed() bool {
	st.mut.Lock()
	defer st.mut.Unlock()
	return st.closed
}

func (st *sessState) identity() (authed bool, tag string, key []byte, tracker *Tracker) {
	st.mut.Lock()
	defer st.mut.Unlock()
	return st.authed, st.tag, st.key, st.tracker
}
