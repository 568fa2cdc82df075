// Package packet implements the framed application unit
// exchanged by celltalk peers: a 4-byte tag, a serial
// number, a protocol version, and an ordered list of
// opaque byte segments.
//
// Two wire encodings exist. Version 2 is binary and is
// what current peers speak. Any other major version uses
// the legacy ASCII-digit format, kept so that old peers
// can still be decoded.
package packet

import (
	"encoding/binary"
	"fmt"
)

// Version2 is the major version of the binary encoding.
const Version2 = 2

// header sizes for the binary encoding
const (
	v2HeaderSize = 12 // major, minor, reserved(2), tag(4), sn(2), count(2)
	v2SegLenSize = 4
)

// MaxSegments is the most segments either encoding
// can describe. The binary count field is 16 bits; the
// legacy one is 4 decimal digits and is checked separately.
const MaxSegments = 1<<16 - 1

var (
	ErrShortPacket    = fmt.Errorf("packet: buffer shorter than header")
	ErrSegmentOverrun = fmt.Errorf("packet: segment lengths exceed buffer")
	ErrSegmentCount   = fmt.Errorf("packet: too many segments")
	ErrBadDigits      = fmt.Errorf("packet: legacy header field is not decimal")
	ErrSNRange        = fmt.Errorf("packet: serial number out of range for legacy encoding")
	ErrSegmentSize    = fmt.Errorf("packet: segment too large for encoding")
)

// Tag is the 4-byte packet type discriminator.
type Tag [4]byte

// NewTag makes a Tag from the first 4 bytes of s,
// zero padding a shorter string.
func NewTag(s string) (t Tag) {
	copy(t[:], s)
	return
}

func (t Tag) String() string {
	return string(t[:])
}

// Packet is not goroutine safe; build it on one
// goroutine before handing it off.
type Packet struct {
	Tag   Tag
	SN    uint16
	Major byte
	Minor byte

	segments [][]byte
}

// New returns an empty packet.
func New(tag Tag, sn uint16, major, minor byte) *Packet {
	return &Packet{
		Tag:   tag,
		SN:    sn,
		Major: major,
		Minor: minor,
	}
}

// Append adds a segment. The packet keeps a reference
// to seg, it does not copy.
func (p *Packet) Append(seg []byte) {
	p.segments = append(p.segments, seg)
}

// AppendString is Append([]byte(s)).
func (p *Packet) AppendString(s string) {
	p.segments = append(p.segments, []byte(s))
}

// Segment returns segment i, or nil if i is out of range.
func (p *Packet) Segment(i int) []byte {
	if i < 0 || i >= len(p.segments) {
		return nil
	}
	return p.segments[i]
}

// SegmentString returns segment i as a string, "" when absent.
func (p *Packet) SegmentString(i int) string {
	return string(p.Segment(i))
}

func (p *Packet) SegmentCount() int {
	return len(p.segments)
}

// Segments exposes the underlying slice.
func (p *Packet) Segments() [][]byte {
	return p.segments
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet{Tag:%q, SN:%v, Version:%v.%v, Segments:%v}",
		p.Tag.String(), p.SN, p.Major, p.Minor, len(p.segments))
}

// Encode serializes p. Major version 2 selects the binary
// format, anything else the legacy one.
func Encode(p *Packet) ([]byte, error) {
	if p.Major == Version2 {
		return encodeV2(p)
	}
	return encodeLegacy(p)
}

// Decode parses b. The first byte of a binary packet is its
// major version (2); legacy packets begin with their tag, so
// any other first byte is handed to the legacy parser.
func Decode(b []byte) (*Packet, error) {
	if len(b) == 0 {
		return nil, ErrShortPacket
	}
	if b[0] == Version2 {
		return decodeV2(b)
	}
	return decodeLegacy(b)
}

func encodeV2(p *Packet) ([]byte, error) {
	n := len(p.segments)
	if n > MaxSegments {
		return nil, ErrSegmentCount
	}
	tot := v2HeaderSize + n*v2SegLenSize
	for _, seg := range p.segments {
		if uint64(len(seg)) > 0xFFFFFFFF {
			return nil, ErrSegmentSize
		}
		tot += len(seg)
	}
	b := make([]byte, tot)
	b[0] = p.Major
	b[1] = p.Minor
	// b[2:4] reserved
	copy(b[4:8], p.Tag[:])
	binary.BigEndian.PutUint16(b[8:10], p.SN)
	binary.BigEndian.PutUint16(b[10:12], uint16(n))

	w := v2HeaderSize
	for _, seg := range p.segments {
		binary.BigEndian.PutUint32(b[w:w+v2SegLenSize], uint32(len(seg)))
		w += v2SegLenSize
	}
	for _, seg := range p.segments {
		w += copy(b[w:], seg)
	}
	return b, nil
}

func decodeV2(b []byte) (*Packet, error) {
	if len(b) < v2HeaderSize {
		return nil, ErrShortPacket
	}
	p := &Packet{
		Major: b[0],
		Minor: b[1],
		SN:    binary.BigEndian.Uint16(b[8:10]),
	}
	copy(p.Tag[:], b[4:8])
	n := int(binary.BigEndian.Uint16(b[10:12]))

	lensEnd := v2HeaderSize + n*v2SegLenSize
	if lensEnd > len(b) {
		return nil, ErrSegmentOverrun
	}
	// total is checked before any segment is sliced out,
	// so a lying length table rejects the whole packet.
	var total uint64
	for i := 0; i < n; i++ {
		off := v2HeaderSize + i*v2SegLenSize
		total += uint64(binary.BigEndian.Uint32(b[off : off+v2SegLenSize]))
	}
	if total > uint64(len(b)-lensEnd) {
		return nil, ErrSegmentOverrun
	}
	if n > 0 {
		p.segments = make([][]byte, n)
	}
	r := lensEnd
	for i := 0; i < n; i++ {
		off := v2HeaderSize + i*v2SegLenSize
		sz := int(binary.BigEndian.Uint32(b[off : off+v2SegLenSize]))
		seg := make([]byte, sz)
		copy(seg, b[r:r+sz])
		p.segments[i] = seg
		r += sz
	}
	return p, nil
}
