package packet

import (
	"fmt"
)

// legacy layout, every numeric field is zero padded ASCII decimal:
//
//	tag(4) | major(2) minor(2) | sn(4) | bodyLen(8) | body
//	body = count(4) | count x segLen(8) | segment data
const (
	lgTag     = 4
	lgVersion = 4
	lgSN      = 4
	lgBodyLen = 8
	lgCount   = 4
	lgSegLen  = 8

	lgHeaderSize = lgTag + lgVersion + lgSN + lgBodyLen

	lgMaxSN      = 9999
	lgMaxCount   = 9999
	lgMaxSegLen  = 99999999
	lgMaxVersion = 99
)

var ErrLegacyTag = fmt.Errorf("packet: legacy tag may not begin with the binary version byte")

func encodeLegacy(p *Packet) ([]byte, error) {
	if p.SN > lgMaxSN {
		return nil, ErrSNRange
	}
	if p.Major > lgMaxVersion || p.Minor > lgMaxVersion {
		return nil, fmt.Errorf("packet: legacy version %v.%v does not fit two digits", p.Major, p.Minor)
	}
	if p.Tag[0] == Version2 {
		return nil, ErrLegacyTag
	}
	n := len(p.segments)
	if n > lgMaxCount {
		return nil, ErrSegmentCount
	}
	bodyLen := 0
	if n > 0 {
		bodyLen = lgCount + n*lgSegLen
	}
	for _, seg := range p.segments {
		if len(seg) > lgMaxSegLen {
			return nil, ErrSegmentSize
		}
		bodyLen += len(seg)
	}
	if bodyLen > lgMaxSegLen {
		return nil, ErrSegmentSize
	}

	b := make([]byte, 0, lgHeaderSize+bodyLen)
	b = append(b, p.Tag[:]...)
	b = appendDigits(b, int(p.Major), 2)
	b = appendDigits(b, int(p.Minor), 2)
	b = appendDigits(b, int(p.SN), lgSN)
	b = appendDigits(b, bodyLen, lgBodyLen)
	if n == 0 {
		return b, nil
	}
	b = appendDigits(b, n, lgCount)
	for _, seg := range p.segments {
		b = appendDigits(b, len(seg), lgSegLen)
	}
	for _, seg := range p.segments {
		b = append(b, seg...)
	}
	return b, nil
}

func decodeLegacy(b []byte) (*Packet, error) {
	if len(b) < lgHeaderSize {
		return nil, ErrShortPacket
	}
	p := &Packet{}
	copy(p.Tag[:], b[:lgTag])
	r := lgTag

	major, err := parseDigits(b[r : r+2])
	if err != nil {
		return nil, err
	}
	minor, err := parseDigits(b[r+2 : r+4])
	if err != nil {
		return nil, err
	}
	r += lgVersion
	sn, err := parseDigits(b[r : r+lgSN])
	if err != nil {
		return nil, err
	}
	r += lgSN
	bodyLen, err := parseDigits(b[r : r+lgBodyLen])
	if err != nil {
		return nil, err
	}
	r += lgBodyLen

	p.Major = byte(major)
	p.Minor = byte(minor)
	p.SN = uint16(sn)

	if bodyLen > len(b)-r {
		return nil, ErrSegmentOverrun
	}
	if bodyLen == 0 {
		return p, nil
	}
	body := b[r : r+bodyLen]
	if len(body) < lgCount {
		return nil, ErrShortPacket
	}
	n, err := parseDigits(body[:lgCount])
	if err != nil {
		return nil, err
	}
	lensEnd := lgCount + n*lgSegLen
	if lensEnd > len(body) {
		return nil, ErrSegmentOverrun
	}
	lens := make([]int, n)
	total := 0
	for i := 0; i < n; i++ {
		off := lgCount + i*lgSegLen
		sz, err := parseDigits(body[off : off+lgSegLen])
		if err != nil {
			return nil, err
		}
		lens[i] = sz
		total += sz
	}
	if total > len(body)-lensEnd {
		return nil, ErrSegmentOverrun
	}
	if n > 0 {
		p.segments = make([][]byte, n)
	}
	w := lensEnd
	for i, sz := range lens {
		seg := make([]byte, sz)
		copy(seg, body[w:w+sz])
		p.segments[i] = seg
		w += sz
	}
	return p, nil
}

func appendDigits(b []byte, v int, width int) []byte {
	var tmp [16]byte
	for i := width - 1; i >= 0; i-- {
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, tmp[:width]...)
}

func parseDigits(b []byte) (v int, err error) {
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, ErrBadDigits
		}
		v = v*10 + int(c-'0')
	}
	return
}
