package talk

import (
	"errors"
	"io"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"

	"github.com/glycerine/celltalk/crypt"
	"github.com/glycerine/celltalk/packet"
)

func Test001_handshake_packet_by_packet(t *testing.T) {

	cv.Convey("a peer that decrypts the challenge is accepted, can request a cellet, and gets pong for ping", t, func() {
		cfg := testConfig()
		echo := newTestCellet("echo")
		svc := NewService(cfg)
		svc.newChallenge = func() (string, string) { return "abc123", "K1K1K1K1" }
		svc.AddCellet(echo)
		addr, err := svc.Start("")
		panicOn(err)
		defer svc.Stop()

		r := dialRaw(cfg, addr.String())
		defer r.conn.Disconnect()

		it := r.next(t)
		cv.So(it.Tag.String(), cv.ShouldEqual, TagInterrogate.String())
		cv.So(it.SegmentString(1), cv.ShouldEqual, "K1K1K1K1")
		ciph, err := crypt.New(cfg.Cipher, []byte("K1K1K1K1"))
		panicOn(err)
		plain, err := ciph.Decrypt(it.Segment(0))
		panicOn(err)
		cv.So(string(plain), cv.ShouldEqual, "abc123")
		cv.So(string(it.Segment(0)), cv.ShouldNotEqual, "abc123")

		r.send(newPacket(TagCheck, string(plain), "peerA"))
		ck := r.next(t)
		cv.So(ck.Tag.String(), cv.ShouldEqual, TagCheck.String())
		cv.So(ck.SegmentString(0), cv.ShouldEqual, string(StatusSuccess))
		cv.So(ck.SegmentString(1), cv.ShouldEqual, svc.Tag())
		cv.So(svc.Counters(), cv.ShouldResemble, Counters{Valid: 1})
		cv.So(svc.Tags(), cv.ShouldResemble, []string{"peerA"})

		r.send(newPacket(TagRequest, "nope", "peerA"))
		rq := r.next(t)
		cv.So(rq.SegmentString(0), cv.ShouldEqual, string(StatusFailureNoService))
		cv.So(rq.SegmentString(1), cv.ShouldEqual, "nope")

		r.send(newPacket(TagRequest, "echo", "peerA"))
		rq = r.next(t)
		cv.So(rq.Tag.String(), cv.ShouldEqual, TagRequest.String())
		cv.So(rq.SegmentString(0), cv.ShouldEqual, string(StatusSuccess))
		cv.So(rq.SegmentString(1), cv.ShouldEqual, "echo")
		cv.So(rq.SegmentString(2), cv.ShouldEqual, svc.Tag())
		cv.So(recv(t, echo.contacted, "contacted"), cv.ShouldEqual, "peerA")

		r.send(newPacket(TagDialogue, "ping", "peerA", "echo"))
		ev := recv(t, echo.dialogues, "dialogue")
		cv.So(ev, cv.ShouldResemble, dialogueEvent{tag: "peerA", source: "peerA", payload: "ping"})
		dl := r.next(t)
		cv.So(dl.Tag.String(), cv.ShouldEqual, TagDialogue.String())
		cv.So(dl.SegmentString(0), cv.ShouldEqual, "pong")
		cv.So(dl.SegmentString(1), cv.ShouldEqual, svc.Tag())
		cv.So(dl.SegmentString(2), cv.ShouldEqual, "echo")

		r.send(newPacket(TagHeartbeat))
		cv.So(r.next(t).Tag.String(), cv.ShouldEqual, TagHeartbeat.String())

		// a legacy encoded request gets a legacy reply
		legacy := packet.New(TagRequest, 7, 1, 0)
		legacy.AppendString("echo")
		legacy.AppendString("peerA")
		r.send(legacy)
		lr := r.next(t)
		cv.So(int(lr.Major), cv.ShouldEqual, 1)
		cv.So(lr.SegmentString(0), cv.ShouldEqual, string(StatusSuccess))

		r.conn.Disconnect()
		cv.So(recv(t, echo.quitted, "quitted"), cv.ShouldEqual, "peerA")
		cv.So(eventually(func() bool { return len(svc.Tags()) == 0 }), cv.ShouldBeTrue)
	})
}

func Test002_heartbeat_outlives_the_idle_timeout(t *testing.T) {

	cv.Convey("a speaker heartbeating every minute stays up past 16 minutes; once quiet for 15 it is reaped", t, func() {
		cfg := testConfig()
		clock := newFakeClock()
		echo := newTestCellet("echo")
		svc := NewService(cfg)
		svc.SetClock(clock.Now)
		svc.AddCellet(echo)
		addr, err := svc.Start("")
		panicOn(err)
		defer svc.Stop()

		del := newTestDelegate()
		sp := NewSpeaker(cfg, "peerA", del)
		panicOn(sp.Call(addr.String(), "echo"))
		defer sp.Hangup()
		cv.So(recv(t, del.contacted, "contacted"), cv.ShouldEqual, "echo")

		panicOn(sp.Speak("echo", []byte("ping")))
		got := recv(t, del.dialogues, "pong")
		cv.So(got.payload, cv.ShouldEqual, "pong")

		for minute := 1; minute <= 17; minute++ {
			clock.Advance(time.Minute)
			panicOn(sp.Heartbeat())
			svc.Sweep()
		}
		cv.So(sp.IsCalled(), cv.ShouldBeTrue)
		cv.So(len(svc.Sessions("peerA")), cv.ShouldEqual, 1)
		hb := svc.Context("peerA").Heartbeat(svc.Sessions("peerA")[0])
		cv.So(hb.Equal(clock.Now()), cv.ShouldBeTrue)

		clock.Advance(15*time.Minute + time.Second)
		svc.Sweep()
		cv.So(recv(t, del.quitted, "quitted"), cv.ShouldEqual, "echo")
		cv.So(recv(t, echo.quitted, "cellet quitted"), cv.ShouldEqual, "peerA")
		cv.So(eventually(func() bool { return len(svc.Tags()) == 0 }), cv.ShouldBeTrue)
		cv.So(svc.hb.Len(), cv.ShouldEqual, 0)
	})
}

func Test003_failed_handshakes_count_as_invalid(t *testing.T) {

	cv.Convey("a silent socket is dropped after the handshake timeout and a wrong answer is refused, both counted invalid", t, func() {
		cfg := testConfig()
		clock := newFakeClock()
		svc := NewService(cfg)
		svc.SetClock(clock.Now)
		addr, err := svc.Start("")
		panicOn(err)
		defer svc.Stop()

		mute := silentConn(addr.String())
		defer mute.Close()
		cv.So(eventually(func() bool { return svc.certs.Len() == 1 }), cv.ShouldBeTrue)

		clock.Advance(cfg.HandshakeTimeout - time.Second)
		svc.Sweep()
		cv.So(svc.certs.Len(), cv.ShouldEqual, 1)

		clock.Advance(2 * time.Second)
		svc.Sweep()
		mute.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = io.ReadAll(mute)
		cv.So(err, cv.ShouldBeNil) // EOF after the INTERROGATE bytes
		cv.So(svc.Counters(), cv.ShouldResemble, Counters{Invalid: 1})

		r := dialRaw(cfg, addr.String())
		defer r.conn.Disconnect()
		cv.So(r.next(t).Tag.String(), cv.ShouldEqual, TagInterrogate.String())
		r.send(newPacket(TagCheck, "not the challenge", "peerX"))
		ck := r.next(t)
		cv.So(ck.SegmentString(0), cv.ShouldEqual, string(StatusFailure))
		select {
		case <-r.closed:
		case <-time.After(5 * time.Second):
			panic("rejected peer was not closed")
		}
		cv.So(svc.Counters(), cv.ShouldResemble, Counters{Invalid: 2})
		cv.So(svc.Tags(), cv.ShouldBeEmpty)
	})
}

func Test004_one_tag_many_sessions(t *testing.T) {

	cv.Convey("two sockets with the same tag share its context; the tag outlives the first and dies with the second", t, func() {
		cfg := testConfig()
		echo := newTestCellet("echo")
		svc, addr := startService(cfg, echo)
		defer svc.Stop()

		d1, d2 := newTestDelegate(), newTestDelegate()
		sp1 := NewSpeaker(cfg, "peerA", d1)
		sp2 := NewSpeaker(cfg, "peerA", d2)
		panicOn(sp1.Call(addr, "echo"))
		panicOn(sp2.Call(addr, "echo"))
		defer sp1.Hangup()
		defer sp2.Hangup()

		cv.So(recv(t, echo.contacted, "contacted"), cv.ShouldEqual, "peerA")
		cv.So(quiet(echo.contacted, 50*time.Millisecond), cv.ShouldBeTrue)
		cv.So(len(svc.Sessions("peerA")), cv.ShouldEqual, 2)
		cv.So(svc.Counters().Valid, cv.ShouldEqual, 2)

		panicOn(svc.Talk("peerA", "echo", []byte("hello")))
		cv.So(recv(t, d1.dialogues, "d1").payload, cv.ShouldEqual, "hello")
		cv.So(recv(t, d2.dialogues, "d2").payload, cv.ShouldEqual, "hello")

		sp1.Hangup()
		cv.So(eventually(func() bool { return len(svc.Sessions("peerA")) == 1 }), cv.ShouldBeTrue)
		cv.So(quiet(echo.quitted, 50*time.Millisecond), cv.ShouldBeTrue)

		panicOn(svc.Talk("peerA", "echo", []byte("still there")))
		cv.So(recv(t, d2.dialogues, "d2 again").payload, cv.ShouldEqual, "still there")

		sp2.Hangup()
		cv.So(recv(t, echo.quitted, "quitted"), cv.ShouldEqual, "peerA")
		cv.So(eventually(func() bool { return svc.Context("peerA") == nil }), cv.ShouldBeTrue)

		err := svc.Talk("peerA", "echo", []byte("gone"))
		cv.So(errors.Is(err, ErrNoSuchTag), cv.ShouldBeTrue)
	})
}

func Test005_unknown_service_and_retry(t *testing.T) {

	cv.Convey("requesting a missing cellet fails with FAILURE_NO_SERVICE, and a dead address is retried then reported", t, func() {
		cfg := testConfig()
		svc, addr := startService(cfg, newTestCellet("echo"))
		defer svc.Stop()

		del := newTestDelegate()
		sp := NewSpeaker(cfg, "peerN", del)
		err := sp.Call(addr, "nope")
		defer sp.Hangup()
		cv.So(errors.Is(err, ErrNoService), cv.ShouldBeTrue)
		cv.So(recv(t, del.failed, "failed"), cv.ShouldEqual, StatusFailureNoService)
		var se *StatusError
		cv.So(errors.As(err, &se), cv.ShouldBeTrue)
		cv.So(se.Status, cv.ShouldEqual, StatusFailureNoService)

		// the handshake itself went through
		cv.So(sp.IsCalled(), cv.ShouldBeTrue)
		panicOn(sp.Request("echo"))
		cv.So(sp.Identifiers(), cv.ShouldResemble, []string{"echo"})

		svc.Stop()
		sp2 := NewSpeaker(cfg, "peerR", nil)
		c := sp2.Capacity()
		c.RetryAttempts = 2
		c.RetryDelay = 20 * time.Millisecond
		sp2.SetCapacity(c)
		t0 := time.Now()
		err = sp2.Call(addr, "echo")
		cv.So(err, cv.ShouldNotBeNil)
		cv.So(time.Since(t0), cv.ShouldBeGreaterThanOrEqualTo, 40*time.Millisecond)
	})
}

func Test006_consult_toggles_encryption_and_compression(t *testing.T) {

	cv.Convey("CONSULT switches both ends to the handshake key and back, dialogue flowing throughout", t, func() {
		cfg := testConfig()
		cfg.Cipher = crypt.ChaCha
		echo := newTestCellet("echo")
		svc, addr := startService(cfg, echo)
		defer svc.Stop()

		del := newTestDelegate()
		sp := NewSpeaker(cfg, "peerS", del)
		panicOn(sp.Call(addr, "echo"))
		defer sp.Hangup()
		srv := svc.Sessions("peerS")[0]
		cv.So(srv.SecretKey(), cv.ShouldBeNil)

		c := NewCapacity()
		c.Secure = true
		panicOn(sp.Consult(c))
		cv.So(sp.Session().SecretKey(), cv.ShouldNotBeNil)
		cv.So(eventually(func() bool { return srv.SecretKey() != nil }), cv.ShouldBeTrue)
		cv.So(string(srv.SecretKey()), cv.ShouldEqual, string(sp.Session().SecretKey()))
		cv.So(svc.Context("peerS").Tracker(srv).Capacity().Secure, cv.ShouldBeTrue)

		panicOn(sp.Speak("echo", []byte("ping")))
		cv.So(recv(t, del.dialogues, "pong").payload, cv.ShouldEqual, "pong")

		c = NewCapacity()
		c.Compression = "zstd"
		panicOn(sp.Consult(c))
		cv.So(sp.Session().SecretKey(), cv.ShouldBeNil)
		cv.So(eventually(func() bool { return srv.SecretKey() == nil }), cv.ShouldBeTrue)
		cv.So(sp.Capacity().Compression, cv.ShouldEqual, "zstd")

		panicOn(sp.Speak("echo", []byte("ping")))
		cv.So(recv(t, echo.dialogues, "dialogue").payload, cv.ShouldEqual, "ping")
		cv.So(recv(t, echo.dialogues, "dialogue").payload, cv.ShouldEqual, "ping")
		cv.So(recv(t, del.dialogues, "pong").payload, cv.ShouldEqual, "pong")

		c.Compression = "rot13"
		err := sp.Consult(c)
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test007_quick_handshake(t *testing.T) {

	cv.Convey("QUICK authenticates, subscribes and negotiates in one round trip, naming the cellets it found", t, func() {
		cfg := testConfig()
		echo := newTestCellet("echo")
		svc, addr := startService(cfg, echo)
		defer svc.Stop()

		del := newTestDelegate()
		sp := NewSpeaker(cfg, "peerQ", del)
		c := NewCapacity()
		c.Secure = true
		c.Compression = "s2"
		sp.SetCapacity(c)

		err := sp.Quick(addr, "echo", "nope")
		defer sp.Hangup()
		cv.So(errors.Is(err, ErrNoService), cv.ShouldBeTrue)
		cv.So(recv(t, del.failed, "failed"), cv.ShouldEqual, StatusFailureNoService)
		cv.So(sp.Identifiers(), cv.ShouldResemble, []string{"echo"})
		cv.So(sp.ServerTag(), cv.ShouldEqual, svc.Tag())
		cv.So(recv(t, echo.contacted, "contacted"), cv.ShouldEqual, "peerQ")
		cv.So(sp.Session().SecretKey(), cv.ShouldNotBeNil)

		panicOn(sp.Speak("echo", []byte("ping")))
		cv.So(recv(t, del.dialogues, "pong").payload, cv.ShouldEqual, "pong")

		err = sp.Speak("nope", []byte("x"))
		cv.So(errors.Is(err, ErrNotContacted), cv.ShouldBeTrue)
	})
}

func Test008_proxy(t *testing.T) {

	cv.Convey("a proxy speaks for an end peer, which the cellet sees as its own tag", t, func() {
		cfg := testConfig()
		echo := newTestCellet("echo")
		svc, addr := startService(cfg, echo)
		defer svc.Stop()

		plain := NewSpeaker(cfg, "notProxy", nil)
		panicOn(plain.Call(addr, "echo"))
		defer plain.Hangup()
		err := plain.Proxy("endZ", "echo")
		cv.So(errors.Is(err, ErrRejected), cv.ShouldBeTrue)
		recv(t, echo.contacted, "contacted notProxy")

		del := newTestDelegate()
		sp := NewSpeaker(cfg, "proxyP", del)
		c := NewCapacity()
		c.Proxy = true
		sp.SetCapacity(c)
		panicOn(sp.Call(addr, "echo"))
		defer sp.Hangup()
		cv.So(recv(t, echo.contacted, "contacted"), cv.ShouldEqual, "proxyP")

		panicOn(sp.Proxy("endB", "echo"))
		cv.So(recv(t, echo.proxied, "proxied"), cv.ShouldEqual, "proxyP>endB")
		cv.So(svc.Tags(), cv.ShouldResemble, []string{"endB", "notProxy", "proxyP"})

		panicOn(sp.SpeakAs("endB", "echo", []byte("ping")))
		ev := recv(t, echo.dialogues, "dialogue")
		cv.So(ev, cv.ShouldResemble, dialogueEvent{tag: "endB", source: "proxyP", payload: "ping"})
		got := recv(t, del.dialogues, "proxied pong")
		cv.So(got, cv.ShouldResemble, spoken{endTag: "endB", id: "echo", payload: "pong"})

		svc.Kick("endB")
		cv.So(recv(t, echo.quitted, "quitted"), cv.ShouldEqual, "endB")
		cv.So(svc.Tags(), cv.ShouldResemble, []string{"notProxy", "proxyP"})
		cv.So(sp.IsCalled(), cv.ShouldBeTrue)

		svc.Kick("proxyP")
		cv.So(recv(t, del.quitted, "speaker quitted"), cv.ShouldEqual, "echo")
	})
}

func Test009_zero_durations(t *testing.T) {

	cv.Convey("with WriteTimeout 0 Speak waits for the write instead of timing out at once", t, func() {
		cfg := testConfig()
		cfg.WriteTimeout = 0
		echo := newTestCellet("echo")
		svc, addr := startService(cfg, echo)
		defer svc.Stop()

		del := newTestDelegate()
		sp := NewSpeaker(cfg, "peerZ", del)
		panicOn(sp.Call(addr, "echo"))
		defer sp.Hangup()

		for i := 0; i < 20; i++ {
			panicOn(sp.Speak("echo", []byte("ping")))
			cv.So(recv(t, del.dialogues, "pong").payload, cv.ShouldEqual, "pong")
		}
	})

	cv.Convey("a Service with a zero SweepInterval refuses to start", t, func() {
		cfg := testConfig()
		cfg.SweepInterval = 0
		svc := NewService(cfg)
		_, err := svc.Start("")
		cv.So(err, cv.ShouldNotBeNil)
		svc.Stop()
	})
}
