// Package pressor compresses whole payloads for peers that
// negotiated compression in their talk capacity.
package pressor

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	S2   = "s2"
	LZ4  = "lz4"
	Zstd = "zstd"
)

// MaxDecompressed bounds what a single payload may expand to.
const MaxDecompressed = 64 << 20

var ErrTooBig = fmt.Errorf("pressor: decompressed payload exceeds %v bytes", MaxDecompressed)

// Pressor is goroutine safe.
type Pressor interface {
	Algo() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
	Close()
}

// Known reports whether algo names a supported compressor.
// The empty string means no compression.
func Known(algo string) bool {
	switch algo {
	case "", S2, LZ4, Zstd:
		return true
	}
	return false
}

func New(algo string) (Pressor, error) {
	switch algo {
	case S2:
		return s2Pressor{}, nil
	case LZ4:
		return newLz4Pressor()
	case Zstd:
		return newZstdPressor()
	}
	return nil, fmt.Errorf("pressor: unknown compression algo '%v'", algo)
}

type s2Pressor struct{}

func (s2Pressor) Algo() string { return S2 }
func (s2Pressor) Close()       {}

func (s2Pressor) Compress(src []byte) ([]byte, error) {
	return s2.Encode(nil, src), nil
}

func (s2Pressor) Decompress(src []byte) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n > MaxDecompressed {
		return nil, ErrTooBig
	}
	return s2.Decode(nil, src)
}

// lz4 uses the framed stream format with block checksums.
type lz4Pressor struct {
	mut sync.Mutex
	w   *lz4.Writer
	buf bytes.Buffer
}

func newLz4Pressor() (*lz4Pressor, error) {
	p := &lz4Pressor{}
	p.w = lz4.NewWriter(&p.buf)
	options := []lz4.Option{
		lz4.BlockChecksumOption(true),
		lz4.CompressionLevelOption(lz4.Fast),
	}
	if err := p.w.Apply(options...); err != nil {
		return nil, fmt.Errorf("pressor: could not apply lz4 options: %w", err)
	}
	return p, nil
}

func (p *lz4Pressor) Algo() string { return LZ4 }
func (p *lz4Pressor) Close()       {}

// an empty payload stays empty; lz4 writes no frame for it.
func (p *lz4Pressor) Compress(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return []byte{}, nil
	}
	p.mut.Lock()
	defer p.mut.Unlock()
	p.buf.Reset()
	p.w.Reset(&p.buf)
	if _, err := p.w.Write(src); err != nil {
		return nil, err
	}
	if err := p.w.Close(); err != nil {
		return nil, err
	}
	return append([]byte{}, p.buf.Bytes()...), nil
}

func (p *lz4Pressor) Decompress(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return []byte{}, nil
	}
	r := lz4.NewReader(bytes.NewReader(src))
	out, err := io.ReadAll(io.LimitReader(r, MaxDecompressed+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxDecompressed {
		return nil, ErrTooBig
	}
	return out, nil
}

type zstdPressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdPressor() (*zstdPressor, error) {
	// nil writer/reader: only EncodeAll/DecodeAll are used
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressed))
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &zstdPressor{enc: enc, dec: dec}, nil
}

func (p *zstdPressor) Algo() string { return Zstd }

func (p *zstdPressor) Compress(src []byte) ([]byte, error) {
	return p.enc.EncodeAll(src, nil), nil
}

func (p *zstdPressor) Decompress(src []byte) ([]byte, error) {
	return p.dec.DecodeAll(src, nil)
}

// Close releases the zstd goroutines.
func (p *zstdPressor) Close() {
	p.enc.Close()
	p.dec.Close()
}
