package celltalk

import (
	"strings"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test011_random_ids_and_tags(t *testing.T) {

	cv.Convey("session ids are positive and tags are plain base58", t, func() {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			cv.So(NewSessionID() > 0, cv.ShouldBeTrue)

			tag := NewTag()
			cv.So(len(tag) >= 20, cv.ShouldBeTrue)
			cv.So(strings.ContainsAny(tag, "-_+/=0OIl"), cv.ShouldBeFalse)
			cv.So(seen[tag], cv.ShouldBeFalse)
			seen[tag] = true
		}
		cv.So(len(RandomString(12)), cv.ShouldEqual, 16)
	})
}
