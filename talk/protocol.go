package talk

import (
	"fmt"
	"sync/atomic"

	"github.com/glycerine/celltalk/packet"
)

// packet tags of the Talk protocol
var (
	TagInterrogate   = packet.NewTag("CCit")
	TagCheck         = packet.NewTag("CCck")
	TagRequest       = packet.NewTag("CCrq")
	TagDialogue      = packet.NewTag("CCdl")
	TagHeartbeat     = packet.NewTag("CChb")
	TagConsult       = packet.NewTag("CCcs")
	TagQuick         = packet.NewTag("CCqk")
	TagProxy         = packet.NewTag("CCpx")
	TagProxyResponse = packet.NewTag("CCpr")
)

// Status is the 4-byte result code carried in replies.
type Status string

const (
	StatusSuccess          Status = "0000"
	StatusFailure          Status = "0001"
	StatusFailureNoService Status = "0010"
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusFailureNoService:
		return "FAILURE_NO_SERVICE"
	}
	return fmt.Sprintf("Status(%q)", string(s))
}

// protocol version written into new packets
const (
	major = packet.Version2
	minor = 0
)

var (
	ErrNotConnected  = fmt.Errorf("talk: not connected")
	ErrTimeout       = fmt.Errorf("talk: timed out waiting for reply")
	ErrRejected      = fmt.Errorf("talk: handshake rejected")
	ErrNoService     = fmt.Errorf("talk: no such service")
	ErrNoSuchTag     = fmt.Errorf("talk: no session for tag")
	ErrNotContacted  = fmt.Errorf("talk: service not contacted")
	ErrBadPacket     = fmt.Errorf("talk: malformed packet")
	ErrAlreadyCalled = fmt.Errorf("talk: speaker already has a call")
)

// StatusError carries a non-success reply status.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("talk: %v failed with status %v", e.Op, e.Status)
}

// Is lets errors.Is(err, ErrNoService) match a
// FAILURE_NO_SERVICE reply, and ErrRejected any other.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNoService:
		return e.Status == StatusFailureNoService
	case ErrRejected:
		return e.Status == StatusFailure
	}
	return false
}

var snCounter atomic.Uint32

func nextSN() uint16 {
	return uint16(snCounter.Add(1))
}

// newPacket builds a packet from string and byte segments.
func newPacket(tag packet.Tag, segs ...any) *packet.Packet {
	p := packet.New(tag, nextSN(), major, minor)
	for _, s := range segs {
		switch x := s.(type) {
		case string:
			p.AppendString(x)
		case Status:
			p.AppendString(string(x))
		case []byte:
			p.Append(x)
		default:
			panic(fmt.Sprintf("newPacket: unsupported segment type %T", s))
		}
	}
	return p
}

// replyTo builds a reply in the same wire version as req,
// so a legacy peer gets legacy replies.
func replyTo(req *packet.Packet, tag packet.Tag, segs ...any) *packet.Packet {
	p := newPacket(tag, segs...)
	if req != nil && req.Major != packet.Version2 {
		p.Major, p.Minor = req.Major, req.Minor
		// the legacy sn field is 4 decimal digits
		p.SN %= 10000
	}
	return p
}
