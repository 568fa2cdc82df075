package crypt

// xorCipher is the legacy scrambler: every byte is mixed
// with the key and its position. Encrypt and Decrypt are
// inverses and preserve length.
type xorCipher struct {
	key  []byte
	seed byte
}

func newXorCipher(key []byte) *xorCipher {
	// fold the key into a single seed byte, alternating
	// add and subtract over its bytes.
	code := 11
	for i, b := range key {
		if i%2 == 0 {
			code += int(b)
		} else {
			code -= int(b)
		}
	}
	return &xorCipher{
		key:  append([]byte{}, key...),
		seed: byte(code),
	}
}

func (c *xorCipher) Name() string { return XOR }

func (c *xorCipher) Encrypt(plain []byte) ([]byte, error) {
	return c.apply(plain), nil
}

func (c *xorCipher) Decrypt(ct []byte) ([]byte, error) {
	return c.apply(ct), nil
}

func (c *xorCipher) apply(in []byte) []byte {
	out := make([]byte, len(in))
	kl := len(c.key)
	for i, b := range in {
		out[i] = b ^ c.key[i%kl] ^ (c.seed + byte(i))
	}
	return out
}
