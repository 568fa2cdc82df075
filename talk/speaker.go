package talk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/idem"

	"github.com/glycerine/celltalk"
	"github.com/glycerine/celltalk/crypt"
	"github.com/glycerine/celltalk/packet"
	"github.com/glycerine/celltalk/pressor"
)

// SpeakerDelegate is told what the server does. Callbacks
// run on the connector goroutine.
type SpeakerDelegate interface {
	Contacted(sp *Speaker, identifier string)
	Quitted(sp *Speaker, identifier string)
	Dialogue(sp *Speaker, identifier string, payload []byte)

	// ProxyDialogue carries server dialogue for an end peer
	// we proxy for.
	ProxyDialogue(sp *Speaker, endTag, identifier string, payload []byte)

	Failed(sp *Speaker, status Status, identifier string)
}

// NopSpeakerDelegate ignores everything; embed it to
// implement only some callbacks.
type NopSpeakerDelegate struct{}

func (NopSpeakerDelegate) Contacted(sp *Speaker, identifier string)                {}
func (NopSpeakerDelegate) Quitted(sp *Speaker, identifier string)                  {}
func (NopSpeakerDelegate) Dialogue(sp *Speaker, identifier string, payload []byte) {}
func (NopSpeakerDelegate) Failed(sp *Speaker, status Status, identifier string)    {}

func (NopSpeakerDelegate) ProxyDialogue(sp *Speaker, endTag, identifier string, payload []byte) {
}

// replyKinds are the packets a Speaker waits for.
var replyKinds = []packet.Tag{
	TagInterrogate, TagCheck, TagRequest, TagHeartbeat,
	TagConsult, TagQuick, TagProxy,
}

// Speaker is the client side of the Talk protocol: it dials
// a Service, passes the handshake and subscribes to
// cellets, then speaks to them.
type Speaker struct {
	cfg      *celltalk.Config
	tag      string
	delegate SpeakerDelegate

	// callMut serializes request/reply exchanges.
	callMut sync.Mutex

	// sendMut keeps dialogue from going out while a
	// CONSULT may be switching the cipher.
	sendMut sync.RWMutex

	mut       sync.Mutex
	capacity  *Capacity
	agreed    *Capacity
	conn      *celltalk.Connector
	sess      *celltalk.Session
	gone      chan struct{}
	serverTag string
	key       []byte
	ids       []string
	proxied   map[string][]string
	press     pressor.Pressor
	hbHalt    *idem.Halter

	replies map[packet.Tag]chan *packet.Packet
}

func NewSpeaker(cfg *celltalk.Config, tag string, delegate SpeakerDelegate) *Speaker {
	if cfg == nil {
		cfg = celltalk.NewConfig()
	}
	if delegate == nil {
		delegate = NopSpeakerDelegate{}
	}
	sp := &Speaker{
		cfg:      cfg.Clone(),
		tag:      tag,
		delegate: delegate,
		capacity: NewCapacity(),
		proxied:  make(map[string][]string),
		replies:  make(map[packet.Tag]chan *packet.Packet),
	}
	for _, k := range replyKinds {
		sp.replies[k] = make(chan *packet.Packet, 16)
	}
	return sp
}

func (sp *Speaker) Tag() string { return sp.tag }

// SetCapacity sets what Call and Quick ask for.
func (sp *Speaker) SetCapacity(c *Capacity) {
	sp.mut.Lock()
	sp.capacity = c.Clone()
	sp.mut.Unlock()
}

// Capacity is what the server last agreed to, or what we
// will ask for when nothing is agreed yet.
func (sp *Speaker) Capacity() *Capacity {
	sp.mut.Lock()
	defer sp.mut.Unlock()
	if sp.agreed != nil {
		return sp.agreed.Clone()
	}
	return sp.capacity.Clone()
}

// ServerTag is learned during the handshake.
func (sp *Speaker) ServerTag() string {
	sp.mut.Lock()
	defer sp.mut.Unlock()
	return sp.serverTag
}

// Identifiers we are subscribed to.
func (sp *Speaker) Identifiers() []string {
	sp.mut.Lock()
	defer sp.mut.Unlock()
	return append([]string{}, sp.ids...)
}

func (sp *Speaker) Session() *celltalk.Session {
	sp.mut.Lock()
	defer sp.mut.Unlock()
	return sp.sess
}

func (sp *Speaker) IsCalled() bool {
	sp.mut.Lock()
	defer sp.mut.Unlock()
	return sp.sess != nil && !sp.sess.IsClosed() && sp.serverTag != ""
}

// Call dials addr, passes the handshake and requests each
// identifier. Connection failures are retried per the
// capacity; a rejected handshake or unknown service is not.
func (sp *Speaker) Call(addr string, identifiers ...string) (err error) {
	capa := sp.Capacity()
	for attempt := 0; attempt <= capa.RetryAttempts; attempt++ {
		if attempt > 0 {
			pp("talk: Call attempt %v to %v after '%v'", attempt+1, addr, err)
			time.Sleep(capa.RetryDelay)
		}
		err = sp.callOnce(addr, identifiers)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) || errors.Is(err, ErrNoService) || errors.Is(err, ErrAlreadyCalled) {
			return err
		}
	}
	return err
}

func (sp *Speaker) callOnce(addr string, identifiers []string) error {
	sp.callMut.Lock()
	defer sp.callMut.Unlock()

	plaintext, err := sp.dial(addr)
	if err != nil {
		return err
	}
	sp.drain(TagCheck)
	if err := sp.send(newPacket(TagCheck, plaintext, sp.tag)); err != nil {
		sp.hangup()
		return err
	}
	reply, err := sp.wait(TagCheck)
	if err != nil {
		sp.hangup()
		return err
	}
	if st := Status(reply.SegmentString(0)); st != StatusSuccess {
		sp.hangup()
		return &StatusError{Op: "check", Status: st}
	}
	sp.mut.Lock()
	sp.serverTag = reply.SegmentString(1)
	sp.mut.Unlock()

	for _, id := range identifiers {
		if err := sp.request(id); err != nil {
			if !errors.Is(err, ErrNoService) {
				sp.hangup()
			}
			return err
		}
	}
	sp.startHeartbeat()

	want := sp.Capacity()
	if want.Secure || want.Compression != "" || want.Proxy {
		return sp.consultLocked(want)
	}
	return nil
}

// request subscribes to id. Caller holds callMut.
func (sp *Speaker) request(id string) error {
	sp.drain(TagRequest)
	if err := sp.send(newPacket(TagRequest, id, sp.tag)); err != nil {
		return err
	}
	reply, err := sp.wait(TagRequest)
	if err != nil {
		return err
	}
	st := Status(reply.SegmentString(0))
	if st != StatusSuccess {
		sp.delegate.Failed(sp, st, id)
		return &StatusError{Op: "request " + id, Status: st}
	}
	sp.contacted(id)
	return nil
}

// Request subscribes to more cellets on a called speaker.
func (sp *Speaker) Request(identifiers ...string) error {
	sp.callMut.Lock()
	defer sp.callMut.Unlock()
	for _, id := range identifiers {
		if err := sp.request(id); err != nil {
			return err
		}
	}
	return nil
}

func (sp *Speaker) contacted(id string) {
	sp.mut.Lock()
	dup := false
	for _, x := range sp.ids {
		if x == id {
			dup = true
			break
		}
	}
	if !dup {
		sp.ids = append(sp.ids, id)
	}
	sp.mut.Unlock()
	if !dup {
		sp.delegate.Contacted(sp, id)
	}
}

// Quick combines CHECK and REQUEST in one round trip and
// negotiates capacity at the same time.
func (sp *Speaker) Quick(addr string, identifiers ...string) error {
	sp.callMut.Lock()
	defer sp.callMut.Unlock()

	plaintext, err := sp.dial(addr)
	if err != nil {
		return err
	}
	segs := []any{plaintext, sp.tag, encodeCapacity(sp.Capacity())}
	for _, id := range identifiers {
		segs = append(segs, id)
	}
	sp.drain(TagQuick)
	if err := sp.send(newPacket(TagQuick, segs...)); err != nil {
		sp.hangup()
		return err
	}
	reply, err := sp.wait(TagQuick)
	if err != nil {
		sp.hangup()
		return err
	}
	st := Status(reply.SegmentString(0))
	if st == StatusFailure {
		sp.hangup()
		return &StatusError{Op: "quick", Status: st}
	}
	if reply.SegmentCount() < 3 {
		sp.hangup()
		return ErrBadPacket
	}
	sp.mut.Lock()
	sp.serverTag = reply.SegmentString(1)
	sp.mut.Unlock()

	got := make(map[string]bool)
	for _, seg := range reply.Segments()[3:] {
		got[string(seg)] = true
		sp.contacted(string(seg))
	}
	sp.startHeartbeat()
	if st != StatusSuccess {
		for _, id := range identifiers {
			if !got[id] {
				sp.delegate.Failed(sp, st, id)
			}
		}
		return &StatusError{Op: "quick", Status: st}
	}
	return nil
}

// dial connects and waits for INTERROGATE, returning the
// decrypted challenge.
func (sp *Speaker) dial(addr string) (plaintext string, err error) {
	sp.mut.Lock()
	if sp.sess != nil && !sp.sess.IsClosed() {
		sp.mut.Unlock()
		return "", ErrAlreadyCalled
	}
	conn := celltalk.NewConnector(sp.cfg, sp)
	gone := make(chan struct{})
	sp.conn = conn
	sp.gone = gone
	sp.sess = nil
	sp.serverTag = ""
	sp.key = nil
	sp.agreed = nil
	sp.mut.Unlock()

	for _, k := range replyKinds {
		sp.drain(k)
	}
	s, err := conn.Connect(addr, sp.cfg.ConnectTimeout)
	if err != nil {
		return "", err
	}
	sp.mut.Lock()
	sp.sess = s
	sp.mut.Unlock()

	it, err := sp.wait(TagInterrogate)
	if err != nil {
		sp.hangup()
		return "", err
	}
	if it.SegmentCount() < 2 {
		sp.hangup()
		return "", ErrBadPacket
	}
	key := append([]byte{}, it.Segment(1)...)
	ciph, err := crypt.New(sp.cfg.Cipher, key)
	if err != nil {
		sp.hangup()
		return "", err
	}
	plain, err := ciph.Decrypt(it.Segment(0))
	if err != nil {
		sp.hangup()
		return "", err
	}
	sp.mut.Lock()
	sp.key = key
	sp.mut.Unlock()
	return string(plain), nil
}

// Speak sends payload to the cellet identifier and returns
// once it has been written to the socket.
func (sp *Speaker) Speak(identifier string, payload []byte) error {
	return sp.speak("", identifier, payload)
}

// SpeakAs sends on behalf of endTag, which must have been
// registered with Proxy.
func (sp *Speaker) SpeakAs(endTag, identifier string, payload []byte) error {
	if endTag == "" {
		return fmt.Errorf("talk: SpeakAs needs an end tag")
	}
	return sp.speak(endTag, identifier, payload)
}

func (sp *Speaker) speak(endTag, identifier string, payload []byte) error {
	sp.sendMut.RLock()
	defer sp.sendMut.RUnlock()

	sp.mut.Lock()
	s := sp.sess
	press := sp.press
	gone := sp.gone
	ok := false
	ids := sp.ids
	if endTag != "" {
		ids = sp.proxied[endTag]
	}
	for _, x := range ids {
		if x == identifier {
			ok = true
			break
		}
	}
	sp.mut.Unlock()
	if s == nil || s.IsClosed() {
		return ErrNotConnected
	}
	if !ok {
		return fmt.Errorf("%w: '%v'", ErrNotContacted, identifier)
	}
	if press != nil {
		var err error
		payload, err = press.Compress(payload)
		if err != nil {
			return err
		}
	}
	var p *packet.Packet
	if endTag == "" {
		p = newPacket(TagDialogue, payload, sp.tag, identifier)
	} else {
		p = newPacket(TagDialogue, payload, sp.tag, identifier, endTag)
	}
	b, err := packet.Encode(p)
	if err != nil {
		return err
	}
	msg := celltalk.NewMessage(b)
	if err := s.Write(msg); err != nil {
		return err
	}
	// WriteTimeout 0 means no write deadline, so wait for the
	// write itself or the session going away.
	var timeout <-chan time.Time
	if sp.cfg.WriteTimeout > 0 {
		timer := time.NewTimer(sp.cfg.WriteTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-msg.DoneCh.WhenClosed():
		return msg.Err
	case <-gone:
		select {
		case <-msg.DoneCh.WhenClosed():
			return msg.Err
		default:
		}
		return ErrNotConnected
	case <-timeout:
		return ErrTimeout
	}
}

// Heartbeat refreshes our session on the server and waits
// for the echo.
func (sp *Speaker) Heartbeat() error {
	sp.callMut.Lock()
	defer sp.callMut.Unlock()
	sp.drain(TagHeartbeat)
	if err := sp.send(newPacket(TagHeartbeat)); err != nil {
		return err
	}
	_, err := sp.wait(TagHeartbeat)
	return err
}

// Consult renegotiates capacity; the cipher and compressor
// switch as soon as the reply is read.
func (sp *Speaker) Consult(c *Capacity) error {
	sp.callMut.Lock()
	defer sp.callMut.Unlock()
	return sp.consultLocked(c)
}

func (sp *Speaker) consultLocked(c *Capacity) error {
	sp.sendMut.Lock()
	defer sp.sendMut.Unlock()

	sp.mut.Lock()
	sp.capacity = c.Clone()
	sp.mut.Unlock()

	sp.drain(TagConsult)
	if err := sp.send(newPacket(TagConsult, sp.tag, encodeCapacity(c))); err != nil {
		return err
	}
	reply, err := sp.wait(TagConsult)
	if err != nil {
		return err
	}
	if st := Status(reply.SegmentString(0)); st != StatusSuccess {
		return &StatusError{Op: "consult", Status: st}
	}
	return nil
}

// Proxy registers endTag as reachable through us for
// identifier. Our capacity must have Proxy set.
func (sp *Speaker) Proxy(endTag, identifier string) error {
	sp.callMut.Lock()
	defer sp.callMut.Unlock()
	sp.drain(TagProxy)
	if err := sp.send(newPacket(TagProxy, sp.tag, endTag, identifier)); err != nil {
		return err
	}
	reply, err := sp.wait(TagProxy)
	if err != nil {
		return err
	}
	st := Status(reply.SegmentString(0))
	if st != StatusSuccess {
		sp.delegate.Failed(sp, st, identifier)
		return &StatusError{Op: "proxy " + endTag, Status: st}
	}
	sp.mut.Lock()
	sp.proxied[endTag] = append(sp.proxied[endTag], identifier)
	sp.mut.Unlock()
	return nil
}

// Hangup closes the connection. Repeated calls are harmless.
func (sp *Speaker) Hangup() {
	sp.hangup()
}

func (sp *Speaker) hangup() {
	sp.mut.Lock()
	conn := sp.conn
	halt := sp.hbHalt
	sp.hbHalt = nil
	sp.mut.Unlock()
	if halt != nil {
		halt.ReqStop.Close()
	}
	if conn != nil {
		conn.Disconnect()
	}
}

func (sp *Speaker) startHeartbeat() {
	if sp.cfg.HeartbeatInterval <= 0 {
		return
	}
	sp.mut.Lock()
	if sp.hbHalt != nil {
		sp.mut.Unlock()
		return
	}
	halt := idem.NewHalterNamed(fmt.Sprintf("Speaker(%v).heartbeat", sp.tag))
	sp.hbHalt = halt
	gone := sp.gone
	sp.mut.Unlock()

	go func() {
		defer halt.Done.Close()
		tick := time.NewTicker(sp.cfg.HeartbeatInterval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				if err := sp.Heartbeat(); err != nil {
					pp("talk: speaker '%v' heartbeat: '%v'", sp.tag, err)
				}
			case <-gone:
				return
			case <-halt.ReqStop.Chan:
				return
			}
		}
	}()
}

func (sp *Speaker) send(p *packet.Packet) error {
	sp.mut.Lock()
	s := sp.sess
	sp.mut.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	b, err := packet.Encode(p)
	if err != nil {
		return err
	}
	if err := s.Write(celltalk.NewMessage(b)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// drain discards stale replies of kind.
func (sp *Speaker) drain(kind packet.Tag) {
	ch := sp.replies[kind]
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (sp *Speaker) wait(kind packet.Tag) (*packet.Packet, error) {
	sp.mut.Lock()
	gone := sp.gone
	sp.mut.Unlock()

	timeout := sp.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	select {
	case p := <-sp.replies[kind]:
		return p, nil
	case <-gone:
		// the reply may have landed just before the close
		select {
		case p := <-sp.replies[kind]:
			return p, nil
		default:
		}
		return nil, ErrNotConnected
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: %v", ErrTimeout, kind.String())
	}
}

func (sp *Speaker) deliver(p *packet.Packet) {
	select {
	case sp.replies[p.Tag] <- p:
	default:
		pp("talk: speaker '%v' dropping unclaimed %v", sp.tag, p)
	}
}

// Observer of our Connector

func (sp *Speaker) SessionCreated(s *celltalk.Session) {}
func (sp *Speaker) SessionOpened(s *celltalk.Session)  {}

func (sp *Speaker) SessionClosed(s *celltalk.Session) {
	sp.mut.Lock()
	if sp.conn == nil || s.Service() != sp.conn {
		// from an earlier connection
		sp.mut.Unlock()
		return
	}
	ids := sp.ids
	sp.ids = nil
	sp.proxied = make(map[string][]string)
	gone := sp.gone
	press := sp.press
	sp.press = nil
	sp.mut.Unlock()

	if gone != nil {
		close(gone)
	}
	if press != nil {
		press.Close()
	}
	for _, id := range ids {
		sp.delegate.Quitted(sp, id)
	}
}

func (sp *Speaker) SessionDestroyed(s *celltalk.Session) {}
func (sp *Speaker) MessageSent(s *celltalk.Session, msg *celltalk.Message) {}

func (sp *Speaker) ErrorOccurred(code celltalk.ErrorCode, s *celltalk.Session) {
	pp("talk: speaker '%v' %v on %v", sp.tag, code, s)
}

func (sp *Speaker) MessageReceived(s *celltalk.Session, msg *celltalk.Message) {
	p, err := packet.Decode(msg.Payload)
	if err != nil {
		alwaysPrintf("talk: speaker '%v' got undecodable packet: '%v'", sp.tag, err)
		return
	}
	switch p.Tag {
	case TagDialogue:
		payload, ok := sp.inflate(p.Segment(0))
		if ok {
			sp.delegate.Dialogue(sp, p.SegmentString(2), payload)
		}
	case TagProxyResponse:
		payload, ok := sp.inflate(p.Segment(0))
		if ok {
			sp.delegate.ProxyDialogue(sp, p.SegmentString(3), p.SegmentString(2), payload)
		}
	case TagConsult:
		if Status(p.SegmentString(0)) == StatusSuccess {
			sp.adopt(s, p.Segment(1))
		}
		sp.deliver(p)
	case TagQuick:
		if Status(p.SegmentString(0)) != StatusFailure {
			sp.adopt(s, p.Segment(2))
		}
		sp.deliver(p)
	default:
		if _, ok := sp.replies[p.Tag]; ok {
			sp.deliver(p)
			return
		}
		pp("talk: speaker '%v' ignoring %v", sp.tag, p)
	}
}

// adopt installs the agreed capacity. It runs inline on
// the connector goroutine so the next frame read already
// sees the new cipher.
func (sp *Speaker) adopt(s *celltalk.Session, capBytes []byte) {
	agreed, err := decodeCapacity(capBytes)
	if err != nil {
		alwaysPrintf("talk: speaker '%v': %v", sp.tag, err)
		return
	}
	var press pressor.Pressor
	if agreed.Compression != "" {
		press, err = pressor.New(agreed.Compression)
		if err != nil {
			alwaysPrintf("talk: speaker '%v': %v", sp.tag, err)
			return
		}
	}
	sp.mut.Lock()
	key := sp.key
	old := sp.press
	sp.press = press
	sp.agreed = agreed
	sp.mut.Unlock()
	if old != nil {
		old.Close()
	}
	if !agreed.Secure {
		key = nil
	}
	if err := s.SetSecretKey(key); err != nil {
		alwaysPrintf("talk: speaker '%v' cannot set key: %v", sp.tag, err)
	}
}

func (sp *Speaker) inflate(b []byte) ([]byte, bool) {
	sp.mut.Lock()
	press := sp.press
	sp.mut.Unlock()
	if press == nil {
		return b, true
	}
	out, err := press.Decompress(b)
	if err != nil {
		alwaysPrintf("talk: speaker '%v' cannot decompress: %v", sp.tag, err)
		return nil, false
	}
	return out, true
}
