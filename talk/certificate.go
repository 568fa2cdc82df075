package talk

import (
	"sync"
	"time"

	"github.com/glycerine/celltalk"
)

// certificate is the handshake state of a session that
// has not yet proven it can decrypt our challenge.
type certificate struct {
	mut       sync.Mutex
	sess      *celltalk.Session
	key       []byte
	plaintext string
	created   time.Time

	// INTERROGATE has been sent
	checked bool
}

func newCertificate(s *celltalk.Session, now time.Time, plaintext, key string) *certificate {
	return &certificate{
		sess:      s,
		key:       []byte(key),
		plaintext: plaintext,
		created:   now,
	}
}

// randomChallenge returns a fresh plaintext and key.
func randomChallenge() (plaintext, key string) {
	return celltalk.RandomString(12), celltalk.RandomString(6)
}

// markChecked reports true only for the first caller.
func (c *certificate) markChecked() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.checked {
		return false
	}
	c.checked = true
	return true
}

func (c *certificate) isChecked() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.checked
}

func (c *certificate) expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.created) > timeout
}
