// Package crypt provides the symmetric transforms applied to
// session payloads once a key has been negotiated.
//
// "chacha" and "ascon" are authenticated (AEAD) ciphers keyed
// from the negotiated key through blake3. "xor" is the
// unauthenticated byte scrambler older peers use; it keeps the
// plaintext length and hides nothing from a motivated observer.
package crypt

import (
	"crypto/cipher"
	cryrand "crypto/rand"
	"fmt"
	"sync"

	"github.com/cloudflare/circl/cipher/ascon"
	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	XOR    = "xor"
	ChaCha = "chacha"
	Ascon  = "ascon"
)

// Default is used when no cipher name is configured.
const Default = ChaCha

var ErrDecrypt = fmt.Errorf("crypt: message failed authentication")
var ErrShortCiphertext = fmt.Errorf("crypt: ciphertext shorter than nonce and tag")
var ErrEmptyKey = fmt.Errorf("crypt: empty key")

// Cipher transforms whole messages. Implementations are
// goroutine safe.
type Cipher interface {
	Name() string
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(ct []byte) ([]byte, error)
}

// New returns the cipher called name keyed by key. The key
// may be any length; AEAD keys are derived from it.
func New(name string, key []byte) (Cipher, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	if name == "" {
		name = Default
	}
	switch name {
	case XOR:
		return newXorCipher(key), nil
	case ChaCha:
		k := DeriveKey(key, chacha20poly1305.KeySize)
		aead, err := chacha20poly1305.New(k)
		if err != nil {
			return nil, err
		}
		return newAeadCipher(ChaCha, aead)
	case Ascon:
		k := DeriveKey(key, 16)
		aead, err := ascon.New(k, ascon.Ascon128a)
		if err != nil {
			return nil, err
		}
		return newAeadCipher(Ascon, aead)
	}
	return nil, fmt.Errorf("crypt: unknown cipher '%v'", name)
}

// Known reports whether name is a cipher New accepts.
func Known(name string) bool {
	switch name {
	case "", XOR, ChaCha, Ascon:
		return true
	}
	return false
}

// DeriveKey stretches or compresses key to size bytes.
func DeriveKey(key []byte, size int) []byte {
	h := blake3.New(size, nil)
	h.Write([]byte("celltalk session key v1"))
	h.Write(key)
	return h.Sum(nil)[:size]
}

// Fingerprint is a short printable digest of key, safe to log.
func Fingerprint(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	h := blake3.New(32, nil)
	h.Write(key)
	sum := h.Sum(nil)
	return cristalbase64.URLEncoding.EncodeToString(sum[:9])
}

// aeadCipher output is nonce || sealed.
type aeadCipher struct {
	name string
	aead cipher.AEAD

	mut        sync.Mutex
	writeNonce []byte
}

func newAeadCipher(name string, aead cipher.AEAD) (*aeadCipher, error) {
	nonce := make([]byte, aead.NonceSize())
	// start random, then increment; two ends sharing a key
	// will not collide in practice.
	if _, err := cryrand.Read(nonce); err != nil {
		return nil, err
	}
	return &aeadCipher{
		name:       name,
		aead:       aead,
		writeNonce: nonce,
	}, nil
}

func (c *aeadCipher) Name() string { return c.name }

func (c *aeadCipher) Encrypt(plain []byte) ([]byte, error) {
	nsz := c.aead.NonceSize()
	out := make([]byte, nsz, nsz+len(plain)+c.aead.Overhead())

	c.mut.Lock()
	copy(out, c.writeNonce)
	incrementNonce(c.writeNonce)
	c.mut.Unlock()

	return c.aead.Seal(out, out[:nsz], plain, nil), nil
}

func (c *aeadCipher) Decrypt(ct []byte) ([]byte, error) {
	nsz := c.aead.NonceSize()
	if len(ct) < nsz+c.aead.Overhead() {
		return nil, ErrShortCiphertext
	}
	plain, err := c.aead.Open(nil, ct[:nsz], ct[nsz:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// little endian so the common case touches one byte.
func incrementNonce(nonce []byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}
