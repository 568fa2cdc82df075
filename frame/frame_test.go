package frame

import (
	"bytes"
	mathrand2 "math/rand/v2"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

var testHead = []byte{0x20, 0x10, 0x11, 0x10}
var testTail = []byte{0x19, 0x78, 0x10, 0x04}

// payloads avoid the marker bytes entirely so that no
// payload can contain a marker by accident.
func randPayload(rng *mathrand2.Rand, maxLen int) []byte {
	b := make([]byte, rng.IntN(maxLen+1))
	for i := range b {
		b[i] = byte('a' + rng.IntN(26))
	}
	return b
}

func feed(x *Extractor, stream []byte, chunk int) (got [][]byte, err error) {
	var c Cache
	for len(stream) > 0 {
		n := chunk
		if n <= 0 || n > len(stream) {
			n = len(stream)
		}
		frames, err := x.Extract(&c, stream[:n])
		got = append(got, frames...)
		if err != nil {
			return got, err
		}
		stream = stream[n:]
	}
	return
}

func Test001_frames_survive_any_chunking(t *testing.T) {

	cv.Convey("wrapped payloads delivered 1 byte, 3 bytes, or all at once come out identical and in order", t, func() {
		var seed [32]byte
		seed[3] = 7
		rng := mathrand2.New(mathrand2.NewChaCha8(seed))
		x := NewExtractor(testHead, testTail, 0)

		for trial := 0; trial < 20; trial++ {
			var want [][]byte
			var stream []byte
			n := 1 + rng.IntN(10)
			for i := 0; i < n; i++ {
				pay := randPayload(rng, 300)
				want = append(want, pay)
				stream = append(stream, x.Wrap(pay)...)
			}
			for _, chunk := range []int{1, 3, 0} {
				got, err := feed(x, stream, chunk)
				cv.So(err, cv.ShouldBeNil)
				cv.So(len(got), cv.ShouldEqual, len(want))
				for i := range want {
					cv.So(bytes.Equal(got[i], want[i]), cv.ShouldBeTrue)
				}
			}
		}
	})
}

func Test002_garbage_before_head_is_dropped(t *testing.T) {

	cv.Convey("junk ahead of a head marker, including a partial head, does not corrupt the next frame", t, func() {
		x := NewExtractor(testHead, testTail, 0)
		var stream []byte
		stream = append(stream, []byte("junk")...)
		stream = append(stream, testHead[:2]...) // false start
		stream = append(stream, x.Wrap([]byte("first"))...)
		stream = append(stream, 0x19, 0x00) // stray bytes between frames
		stream = append(stream, x.Wrap([]byte("second"))...)

		for _, chunk := range []int{1, 2, 5, 0} {
			got, err := feed(x, stream, chunk)
			cv.So(err, cv.ShouldBeNil)
			cv.So(len(got), cv.ShouldEqual, 2)
			cv.So(string(got[0]), cv.ShouldEqual, "first")
			cv.So(string(got[1]), cv.ShouldEqual, "second")
		}
	})
}

func Test003_partial_markers_wait_in_cache(t *testing.T) {

	cv.Convey("a frame split inside its head or tail marker is held until the rest arrives", t, func() {
		x := NewExtractor(testHead, testTail, 0)
		w := x.Wrap([]byte("hello"))
		var c Cache

		frames, err := x.Extract(&c, w[:2])
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(frames), cv.ShouldEqual, 0)
		cv.So(c.Len(), cv.ShouldEqual, 2)

		frames, err = x.Extract(&c, w[2:len(w)-1])
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(frames), cv.ShouldEqual, 0)

		frames, err = x.Extract(&c, w[len(w)-1:])
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(frames), cv.ShouldEqual, 1)
		cv.So(string(frames[0]), cv.ShouldEqual, "hello")
		cv.So(c.Len(), cv.ShouldEqual, 0)

		// empty payload is a legal frame
		frames, err = x.Extract(&c, x.Wrap(nil))
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(frames), cv.ShouldEqual, 1)
		cv.So(len(frames[0]), cv.ShouldEqual, 0)
	})
}

func Test004_missing_tail_is_bounded(t *testing.T) {

	cv.Convey("a head with no tail grows the cache only up to its bound, then reports ErrFrameTooLarge", t, func() {
		x := NewExtractor(testHead, testTail, 1000)
		var c Cache

		good := x.Wrap([]byte("ok"))
		stream := append([]byte{}, good...)
		stream = append(stream, testHead...)
		frames, err := x.Extract(&c, stream)
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(frames), cv.ShouldEqual, 1)

		filler := bytes.Repeat([]byte("z"), 100)
		for i := 0; i < 9; i++ {
			_, err = x.Extract(&c, filler)
			cv.So(err, cv.ShouldBeNil)
		}
		cv.So(c.Len(), cv.ShouldBeLessThanOrEqualTo, 1000)
		_, err = x.Extract(&c, filler)
		cv.So(err, cv.ShouldEqual, ErrFrameTooLarge)
		cv.So(c.Len(), cv.ShouldEqual, 0)
	})
}

func Test005_compare_results(t *testing.T) {

	cv.Convey("Compare distinguishes a match, a mismatch, and a marker cut short by the buffer end", t, func() {
		b := []byte{1, 2, 0x20, 0x10}
		cv.So(Compare(b, 0, testHead), cv.ShouldEqual, Mismatch)
		cv.So(Compare(b, 2, testHead), cv.ShouldEqual, OutOfBounds)
		cv.So(Compare(testHead, 0, testHead), cv.ShouldEqual, Match)
		cv.So(Compare(b, 4, testHead), cv.ShouldEqual, OutOfBounds)
	})
}

// markerPayload draws only from the marker bytes, so payloads
// are full of partial heads and tails. Payloads that would
// put a whole marker inside the frame are redrawn.
func markerPayload(rng *mathrand2.Rand, x *Extractor, maxLen int) []byte {
	alphabet := append(append([]byte{}, testHead...), testTail...)
	for {
		b := make([]byte, rng.IntN(maxLen+1))
		for i := range b {
			b[i] = alphabet[rng.IntN(len(alphabet))]
		}
		w := x.Wrap(b)
		if bytes.Count(w, testHead) == 1 && bytes.Count(w, testTail) == 1 {
			return b
		}
	}
}

func Test006_payload_bytes_that_look_like_markers(t *testing.T) {

	cv.Convey("payloads made of marker bytes, but holding no whole marker, come through any chunking intact", t, func() {
		var seed [32]byte
		seed[5] = 11
		rng := mathrand2.New(mathrand2.NewChaCha8(seed))
		x := NewExtractor(testHead, testTail, 0)

		for trial := 0; trial < 200; trial++ {
			var want [][]byte
			var stream []byte
			n := 1 + rng.IntN(8)
			for i := 0; i < n; i++ {
				pay := markerPayload(rng, x, 40)
				want = append(want, pay)
				stream = append(stream, x.Wrap(pay)...)
			}
			for _, chunk := range []int{1, 2, 3, 5, 0, 1 + rng.IntN(len(stream))} {
				got, err := feed(x, stream, chunk)
				cv.So(err, cv.ShouldBeNil)
				cv.So(len(got), cv.ShouldEqual, len(want))
				for i := range want {
					cv.So(bytes.Equal(got[i], want[i]), cv.ShouldBeTrue)
				}
			}
		}
	})
}
