package talk

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/glycerine/greenpack/msgp"

	"github.com/glycerine/celltalk"
)

// stubService lets tests make Sessions without sockets.
type stubService struct{}

func (stubService) Write(s *celltalk.Session, msg *celltalk.Message) error { return nil }
func (stubService) Close(s *celltalk.Session)                              {}

func stubStates(n int) (r []*sessState) {
	for i := 0; i < n; i++ {
		s := celltalk.NewSession(stubService{}, nil, "xor")
		r = append(r, &sessState{sess: s, endTags: make(map[string]bool)})
	}
	return
}

func Test020_heartbeat_queue_orders_by_last_beat(t *testing.T) {

	cv.Convey("the heartbeat queue yields only sessions older than the cutoff, oldest first, and touch moves a session back", t, func() {
		q := newHeartbeatPQ()
		st := stubStates(3)
		t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		q.touch(st[0], t0)
		q.touch(st[1], t0.Add(time.Minute))
		q.touch(st[2], t0.Add(2*time.Minute))
		cv.So(q.Len(), cv.ShouldEqual, 3)

		// st[0] beats again and is now the newest
		q.touch(st[0], t0.Add(3*time.Minute))
		cv.So(q.Len(), cv.ShouldEqual, 3)
		old, ok := q.oldest()
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(old.Equal(t0.Add(time.Minute)), cv.ShouldBeTrue)

		got := q.expired(t0.Add(2*time.Minute + time.Second))
		cv.So(len(got), cv.ShouldEqual, 2)
		cv.So(got[0], cv.ShouldEqual, st[1])
		cv.So(got[1], cv.ShouldEqual, st[2])
		cv.So(q.Len(), cv.ShouldEqual, 1)

		q.remove(st[0].sess.ID())
		q.remove(st[0].sess.ID())
		cv.So(q.Len(), cv.ShouldEqual, 0)
		_, ok = q.oldest()
		cv.So(ok, cv.ShouldBeFalse)
	})

	cv.Convey("equal heartbeat times do not collide", t, func() {
		q := newHeartbeatPQ()
		st := stubStates(4)
		t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for _, s := range st {
			q.touch(s, t0)
		}
		cv.So(q.Len(), cv.ShouldEqual, 4)
		cv.So(len(q.expired(t0.Add(time.Nanosecond))), cv.ShouldEqual, 4)
	})
}

func Test021_capacity_skips_unknown_fields(t *testing.T) {

	cv.Convey("a capacity map from a newer peer with extra keys still decodes", t, func() {
		c := NewCapacity()
		c.Secure = true
		c.Compression = "lz4"
		c.RetryDelay = 1500 * time.Millisecond
		b := encodeCapacity(c)

		// rewrite the header to 7 entries and append one more
		var extra []byte
		extra = msgp.AppendMapHeader(extra, 7)
		hdrLen := len(msgp.AppendMapHeader(nil, 6))
		extra = append(extra, b[hdrLen:]...)
		extra = msgp.AppendString(extra, "futureField")
		extra = msgp.AppendInt64(extra, 42)

		got, err := decodeCapacity(extra)
		panicOn(err)
		cv.So(got, cv.ShouldResemble, c)

		c.Compression = "brotli"
		_, err = decodeCapacity(encodeCapacity(c))
		cv.So(err, cv.ShouldNotBeNil)
		_, err = decodeCapacity([]byte{0xc1})
		cv.So(err, cv.ShouldNotBeNil)
	})
}
