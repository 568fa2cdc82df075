package celltalk

import (
	cryrand "crypto/rand"
	"encoding/binary"
	"math"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/base58"
)

// returns r >= 0
func cryptoRandNonNegInt64() (r int64) {
	b := make([]byte, 8)
	_, err := cryrand.Read(b)
	panicOn(err)
	r = int64(binary.LittleEndian.Uint64(b))
	if r < 0 {
		if r == math.MinInt64 {
			return 0
		}
		r = -r
	}
	return r
}

// NewSessionID returns a random 63-bit id, never 0.
func NewSessionID() int64 {
	for {
		if r := cryptoRandNonNegInt64(); r != 0 {
			return r
		}
	}
}

// RandomString returns n random bytes, URL-safe base64
// encoded. Used for handshake challenges, keys and tags.
func RandomString(n int) string {
	by := make([]byte, n)
	_, err := cryrand.Read(by)
	panicOn(err)
	return cristalbase64.RawURLEncoding.EncodeToString(by)
}

// NewTag returns a fresh peer tag: 16 random bytes
// in base58, so it never carries punctuation.
func NewTag() string {
	by := make([]byte, 16)
	_, err := cryrand.Read(by)
	panicOn(err)
	return base58.Encode(by)
}
