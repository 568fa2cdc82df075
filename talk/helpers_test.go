package talk

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/glycerine/celltalk"
	"github.com/glycerine/celltalk/packet"
)

func testConfig() *celltalk.Config {
	cfg := celltalk.NewConfig()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.PollInterval = 10 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.HandshakeTimeout = 3 * time.Second
	cfg.HeartbeatInterval = 0 // tests drive heartbeats by hand
	cfg.Cipher = "xor"
	return cfg
}

type fakeClock struct {
	mut sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mut.Lock()
	f.now = f.now.Add(d)
	f.mut.Unlock()
}

type dialogueEvent struct {
	tag, source string
	payload     string
}

// testCellet answers "ping" with "pong" and records events.
type testCellet struct {
	name      string
	contacted chan string
	proxied   chan string
	quitted   chan string
	dialogues chan dialogueEvent
}

func newTestCellet(name string) *testCellet {
	return &testCellet{
		name:      name,
		contacted: make(chan string, 100),
		proxied:   make(chan string, 100),
		quitted:   make(chan string, 100),
		dialogues: make(chan dialogueEvent, 100),
	}
}

func (c *testCellet) Identifier() string { return c.name }

func (c *testCellet) Contacted(tag string) { c.contacted <- tag }

func (c *testCellet) ProxyContacted(proxy, tag string) {
	c.proxied <- proxy + ">" + tag
}

func (c *testCellet) Quitted(tag string) { c.quitted <- tag }

func (c *testCellet) Dialogue(t Talker, tag, source string, payload []byte) {
	c.dialogues <- dialogueEvent{tag: tag, source: source, payload: string(payload)}
	if string(payload) == "ping" {
		if err := t.Talk(tag, c.name, []byte("pong")); err != nil {
			panic(err)
		}
	}
}

type spoken struct {
	endTag, id, payload string
}

type testDelegate struct {
	contacted chan string
	quitted   chan string
	dialogues chan spoken
	failed    chan Status
}

func newTestDelegate() *testDelegate {
	return &testDelegate{
		contacted: make(chan string, 100),
		quitted:   make(chan string, 100),
		dialogues: make(chan spoken, 100),
		failed:    make(chan Status, 100),
	}
}

func (d *testDelegate) Contacted(sp *Speaker, id string) { d.contacted <- id }
func (d *testDelegate) Quitted(sp *Speaker, id string)   { d.quitted <- id }

func (d *testDelegate) Dialogue(sp *Speaker, id string, payload []byte) {
	d.dialogues <- spoken{id: id, payload: string(payload)}
}

func (d *testDelegate) ProxyDialogue(sp *Speaker, endTag, id string, payload []byte) {
	d.dialogues <- spoken{endTag: endTag, id: id, payload: string(payload)}
}

func (d *testDelegate) Failed(sp *Speaker, st Status, id string) { d.failed <- st }

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		panic(fmt.Sprintf("timed out waiting for %v", what))
	}
}

func quiet[T any](ch chan T, d time.Duration) bool {
	select {
	case <-ch:
		return false
	case <-time.After(d):
		return true
	}
}

// eventually polls cond for up to 5 seconds.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func startService(cfg *celltalk.Config, cellets ...Cellet) (*Service, string) {
	svc := NewService(cfg)
	for _, c := range cellets {
		svc.AddCellet(c)
	}
	addr, err := svc.Start("")
	panicOn(err)
	return svc, addr.String()
}

// rawPeer speaks the protocol packet by packet.
type rawPeer struct {
	celltalk.NopObserver
	conn    *celltalk.Connector
	sess    *celltalk.Session
	packets chan *packet.Packet
	closed  chan struct{}
}

func dialRaw(cfg *celltalk.Config, addr string) *rawPeer {
	r := &rawPeer{
		packets: make(chan *packet.Packet, 100),
		closed:  make(chan struct{}),
	}
	r.conn = celltalk.NewConnector(cfg, r)
	s, err := r.conn.Connect(addr, time.Second)
	panicOn(err)
	r.sess = s
	return r
}

func (r *rawPeer) MessageReceived(s *celltalk.Session, msg *celltalk.Message) {
	p, err := packet.Decode(msg.Payload)
	panicOn(err)
	r.packets <- p
}

func (r *rawPeer) SessionClosed(s *celltalk.Session) { close(r.closed) }

func (r *rawPeer) send(p *packet.Packet) {
	b, err := packet.Encode(p)
	panicOn(err)
	panicOn(r.sess.Write(celltalk.NewMessage(b)))
}

func (r *rawPeer) next(t *testing.T) *packet.Packet {
	t.Helper()
	return recv(t, r.packets, "packet")
}

// silentConn opens a socket that never says anything.
func silentConn(addr string) net.Conn {
	c, err := net.Dial("tcp", addr)
	panicOn(err)
	return c
}
