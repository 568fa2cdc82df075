// Package frame splits a TCP byte stream into application
// frames delimited by a fixed head marker and tail marker.
//
// Bytes that do not yet form a complete frame are carried
// over in a per-connection Cache until the next read. The
// cache is bounded; a peer that never sends the tail marker
// gets ErrFrameTooLarge instead of unbounded growth.
package frame

import (
	"bytes"
	"fmt"
)

// DefaultMaxCache bounds the carry-over for one connection.
const DefaultMaxCache = 8 << 20

var ErrFrameTooLarge = fmt.Errorf("frame: pending frame exceeds cache bound")

// Result of comparing a marker against buffered bytes.
type Result int

const (
	Mismatch Result = iota
	Match
	// OutOfBounds means every available byte matched but
	// the buffer ended before the marker did.
	OutOfBounds
)

func (r Result) String() string {
	switch r {
	case Mismatch:
		return "Mismatch"
	case Match:
		return "Match"
	case OutOfBounds:
		return "OutOfBounds"
	}
	return fmt.Sprintf("unknown Result %v", int(r))
}

// Compare reports whether mark appears in b at offset off.
func Compare(b []byte, off int, mark []byte) Result {
	avail := b[off:]
	if len(avail) >= len(mark) {
		if bytes.Equal(avail[:len(mark)], mark) {
			return Match
		}
		return Mismatch
	}
	if bytes.Equal(avail, mark[:len(avail)]) {
		return OutOfBounds
	}
	return Mismatch
}

// Cache holds the unconsumed bytes of one connection.
// It is owned by whoever is servicing the connection
// and is not goroutine safe.
type Cache struct {
	buf []byte

	// scanned counts bytes after the head marker that are
	// known not to begin a complete tail marker, so the
	// search for the tail resumes where it left off.
	scanned int
}

// Len is the number of carried-over bytes.
func (c *Cache) Len() int {
	return len(c.buf)
}

// Reset discards carried-over bytes.
func (c *Cache) Reset() {
	c.buf = nil
	c.scanned = 0
}

// Extractor holds the marker configuration; it is
// immutable and may be shared between connections.
type Extractor struct {
	head []byte
	tail []byte
	max  int
}

// NewExtractor panics on an empty marker; an empty
// head or tail would match everywhere.
func NewExtractor(head, tail []byte, maxCache int) *Extractor {
	if len(head) == 0 || len(tail) == 0 {
		panic("frame: head and tail markers must be non-empty")
	}
	if maxCache <= 0 {
		maxCache = DefaultMaxCache
	}
	return &Extractor{
		head: append([]byte{}, head...),
		tail: append([]byte{}, tail...),
		max:  maxCache,
	}
}

func (x *Extractor) Head() []byte { return x.head }
func (x *Extractor) Tail() []byte { return x.tail }

// Wrap returns head + payload + tail in a new buffer.
func (x *Extractor) Wrap(payload []byte) []byte {
	b := make([]byte, 0, len(x.head)+len(payload)+len(x.tail))
	b = append(b, x.head...)
	b = append(b, payload...)
	b = append(b, x.tail...)
	return b
}

// Extract appends data to whatever c carries, pulls out
// every complete frame in order, and leaves the remainder
// in c. Bytes before a head marker that cannot be part of
// a frame are dropped. Each returned frame is a fresh copy.
//
// On ErrFrameTooLarge the frames found before the oversized
// one are still returned and c is reset; the caller is
// expected to drop the connection.
func (x *Extractor) Extract(c *Cache, data []byte) (frames [][]byte, err error) {
	var buf []byte
	// ownCap is non-zero when buf is our own array
	ownCap := 0
	if len(c.buf) > 0 {
		buf = append(c.buf, data...)
		ownCap = cap(buf)
	} else {
		buf = data
	}
	scanned := c.scanned
	hl := len(x.head)
	tl := len(x.tail)

	for {
		if len(buf) == 0 {
			c.Reset()
			return
		}
		switch Compare(buf, 0, x.head) {
		case OutOfBounds:
			// a head marker may be arriving
			return frames, x.keep(c, buf, 0, ownCap)

		case Mismatch:
			k := bytes.Index(buf[1:], x.head)
			if k >= 0 {
				buf = buf[k+1:]
				scanned = 0
				continue
			}
			// keep the longest suffix that could start a head
			keepFrom := len(buf)
			for i := max(1, len(buf)-hl+1); i < len(buf); i++ {
				if Compare(buf, i, x.head) == OutOfBounds {
					keepFrom = i
					break
				}
			}
			return frames, x.keep(c, buf[keepFrom:], 0, ownCap)

		case Match:
			body := buf[hl:]
			from := scanned
			if from > len(body) {
				from = len(body)
			}
			k := bytes.Index(body[from:], x.tail)
			if k < 0 {
				// remember how far the tail is known absent
				sc := len(body) - tl + 1
				if sc < 0 {
					sc = 0
				}
				return frames, x.keep(c, buf, sc, ownCap)
			}
			end := from + k
			fr := make([]byte, end)
			copy(fr, body[:end])
			frames = append(frames, fr)
			buf = body[end+tl:]
			scanned = 0
		}
	}
}

func (x *Extractor) keep(c *Cache, rest []byte, scanned int, ownCap int) error {
	if len(rest) > x.max {
		c.Reset()
		return ErrFrameTooLarge
	}
	c.scanned = scanned
	if ownCap > 0 && 2*cap(rest) >= ownCap {
		// still mostly live; reuse our own array
		c.buf = rest
		return nil
	}
	// copy so c never aliases the caller's read buffer
	nb := make([]byte, len(rest), max(len(rest), 64))
	copy(nb, rest)
	c.buf = nb
	return nil
}
