package pressor

import (
	"bytes"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test001_compress_then_decompress(t *testing.T) {

	cv.Convey("each algo restores the original payload, and repetitive payloads shrink", t, func() {
		payload := bytes.Repeat([]byte("pong pong pong "), 400)
		for _, algo := range []string{S2, LZ4, Zstd} {
			p, err := New(algo)
			cv.So(err, cv.ShouldBeNil)
			cv.So(p.Algo(), cv.ShouldEqual, algo)

			for i := 0; i < 2; i++ {
				c, err := p.Compress(payload)
				cv.So(err, cv.ShouldBeNil)
				cv.So(len(c), cv.ShouldBeLessThan, len(payload))
				back, err := p.Decompress(c)
				cv.So(err, cv.ShouldBeNil)
				cv.So(bytes.Equal(back, payload), cv.ShouldBeTrue)
			}
			c, err := p.Compress(nil)
			cv.So(err, cv.ShouldBeNil)
			back, err := p.Decompress(c)
			cv.So(err, cv.ShouldBeNil)
			cv.So(len(back), cv.ShouldEqual, 0)
			p.Close()
		}
		_, err := New("brotli")
		cv.So(err, cv.ShouldNotBeNil)
		cv.So(Known(""), cv.ShouldBeTrue)
		cv.So(Known("brotli"), cv.ShouldBeFalse)
	})
}
