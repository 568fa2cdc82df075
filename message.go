package celltalk

import (
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/loquet"

	"github.com/glycerine/celltalk/crypt"
)

// Message is one application payload. On the wire it is
// encrypted (when its session has a key) and framed.
type Message struct {
	Payload []byte

	// Err is set when the message could not be written.
	// Read it only after DoneCh is closed.
	Err error

	// DoneCh.WhenClosed() fires once an outbound message has
	// been written to the socket, or has failed.
	DoneCh *loquet.Chan[Message]

	// Enqueued is when Write accepted the message.
	Enqueued time.Time

	// cipher in force when the message was enqueued
	cipher crypt.Cipher

	doneOnce sync.Once
}

func NewMessage(payload []byte) *Message {
	m := &Message{Payload: payload}
	m.DoneCh = loquet.NewChan(m)
	return m
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{len(Payload):%v, Err:'%v'}", len(m.Payload), errorString(m.Err))
}

// finish records err and closes DoneCh, at most once.
func (m *Message) finish(err error) {
	m.doneOnce.Do(func() {
		m.Err = err
		if m.DoneCh != nil {
			m.DoneCh.Close()
		}
	})
}
