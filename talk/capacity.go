package talk

import (
	"fmt"
	"time"

	"github.com/glycerine/greenpack/msgp"

	"github.com/glycerine/celltalk/pressor"
)

// Capacity is what a session negotiated. It is replaced
// wholesale by a CONSULT, never edited in place.
type Capacity struct {
	// Secure turns on payload encryption under the
	// handshake key.
	Secure bool

	// client side retry policy for Call
	RetryAttempts int
	RetryDelay    time.Duration

	Proxy   bool
	Version int

	// Compression names a pressor algorithm applied to
	// dialogue payloads; empty means none.
	Compression string
}

// ProtocolVersion is the Capacity.Version we speak.
const ProtocolVersion = 2

func NewCapacity() *Capacity {
	return &Capacity{
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		Version:       ProtocolVersion,
	}
}

func (c *Capacity) Clone() *Capacity {
	cp := *c
	return &cp
}

func (c *Capacity) String() string {
	return fmt.Sprintf("Capacity{Secure:%v, RetryAttempts:%v, RetryDelay:%v, Proxy:%v, Version:%v, Compression:%q}",
		c.Secure, c.RetryAttempts, c.RetryDelay, c.Proxy, c.Version, c.Compression)
}

// field names on the wire
const (
	capSecure      = "secure"
	capRetry       = "retry"
	capRetryDelay  = "retryDelay"
	capProxy       = "proxy"
	capVersion     = "version"
	capCompression = "compression"
)

// MarshalMsg appends c to b as a msgpack map.
func (c *Capacity) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 6)
	b = msgp.AppendString(b, capSecure)
	b = msgp.AppendBool(b, c.Secure)
	b = msgp.AppendString(b, capRetry)
	b = msgp.AppendInt64(b, int64(c.RetryAttempts))
	b = msgp.AppendString(b, capRetryDelay)
	b = msgp.AppendInt64(b, int64(c.RetryDelay/time.Millisecond))
	b = msgp.AppendString(b, capProxy)
	b = msgp.AppendBool(b, c.Proxy)
	b = msgp.AppendString(b, capVersion)
	b = msgp.AppendInt64(b, int64(c.Version))
	b = msgp.AppendString(b, capCompression)
	b = msgp.AppendString(b, c.Compression)
	return b, nil
}

// UnmarshalMsg reads a map written by MarshalMsg. Unknown
// keys are skipped so newer peers can add fields.
func (c *Capacity) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var n uint32
	n, bts, err = nbs.ReadMapHeaderBytes(bts)
	if err != nil {
		return
	}
	*c = Capacity{}
	var key string
	var i64 int64
	for ; n > 0; n-- {
		key, bts, err = nbs.ReadStringBytes(bts)
		if err != nil {
			return
		}
		switch key {
		case capSecure:
			c.Secure, bts, err = nbs.ReadBoolBytes(bts)
		case capRetry:
			i64, bts, err = nbs.ReadInt64Bytes(bts)
			c.RetryAttempts = int(i64)
		case capRetryDelay:
			i64, bts, err = nbs.ReadInt64Bytes(bts)
			c.RetryDelay = time.Duration(i64) * time.Millisecond
		case capProxy:
			c.Proxy, bts, err = nbs.ReadBoolBytes(bts)
		case capVersion:
			i64, bts, err = nbs.ReadInt64Bytes(bts)
			c.Version = int(i64)
		case capCompression:
			c.Compression, bts, err = nbs.ReadStringBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return
		}
	}
	o = bts
	return
}

func encodeCapacity(c *Capacity) []byte {
	b, err := c.MarshalMsg(nil)
	panicOn(err)
	return b
}

func decodeCapacity(b []byte) (*Capacity, error) {
	c := &Capacity{}
	if _, err := c.UnmarshalMsg(b); err != nil {
		return nil, fmt.Errorf("talk: bad capacity: %w", err)
	}
	if c.Compression != "" && !pressor.Known(c.Compression) {
		return nil, fmt.Errorf("talk: unknown compression '%v'", c.Compression)
	}
	return c, nil
}
