package crypt

import (
	"bytes"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test001_every_cipher_inverts_itself(t *testing.T) {

	cv.Convey("for each cipher, Decrypt(Encrypt(p)) == p, across two instances sharing a key", t, func() {
		key := []byte("K1K1K1K1")
		plain := []byte("abc123 and then some longer text to cover more than one block")
		for _, name := range []string{XOR, ChaCha, Ascon} {
			enc, err := New(name, key)
			cv.So(err, cv.ShouldBeNil)
			dec, err := New(name, key)
			cv.So(err, cv.ShouldBeNil)
			cv.So(enc.Name(), cv.ShouldEqual, name)

			for i := 0; i < 3; i++ {
				ct, err := enc.Encrypt(plain)
				cv.So(err, cv.ShouldBeNil)
				cv.So(bytes.Equal(ct, plain), cv.ShouldBeFalse)
				back, err := dec.Decrypt(ct)
				cv.So(err, cv.ShouldBeNil)
				cv.So(bytes.Equal(back, plain), cv.ShouldBeTrue)
			}
			empty, err := enc.Encrypt(nil)
			cv.So(err, cv.ShouldBeNil)
			back, err := dec.Decrypt(empty)
			cv.So(err, cv.ShouldBeNil)
			cv.So(len(back), cv.ShouldEqual, 0)
		}
	})
}

func Test002_aead_rejects_tampering_and_wrong_key(t *testing.T) {

	cv.Convey("a flipped bit or a different key fails authentication", t, func() {
		for _, name := range []string{ChaCha, Ascon} {
			a, err := New(name, []byte("K1K1K1K1"))
			cv.So(err, cv.ShouldBeNil)
			b, err := New(name, []byte("K2K2K2K2"))
			cv.So(err, cv.ShouldBeNil)

			ct, err := a.Encrypt([]byte("ping"))
			cv.So(err, cv.ShouldBeNil)

			_, err = b.Decrypt(ct)
			cv.So(err, cv.ShouldEqual, ErrDecrypt)

			ct[len(ct)-1] ^= 1
			_, err = a.Decrypt(ct)
			cv.So(err, cv.ShouldEqual, ErrDecrypt)

			_, err = a.Decrypt([]byte{1, 2})
			cv.So(err, cv.ShouldEqual, ErrShortCiphertext)
		}
	})
}

func Test003_xor_preserves_length(t *testing.T) {

	cv.Convey("the legacy xor transform keeps length, and unknown names or empty keys are refused", t, func() {
		c, err := New(XOR, []byte("K1K1K1K1"))
		cv.So(err, cv.ShouldBeNil)
		ct, _ := c.Encrypt([]byte("abc123"))
		cv.So(len(ct), cv.ShouldEqual, 6)

		_, err = New("rot13", []byte("k"))
		cv.So(err, cv.ShouldNotBeNil)
		_, err = New(ChaCha, nil)
		cv.So(err, cv.ShouldEqual, ErrEmptyKey)

		cv.So(Fingerprint([]byte("K1K1K1K1")), cv.ShouldEqual, Fingerprint([]byte("K1K1K1K1")))
		cv.So(Fingerprint([]byte("K1K1K1K1")), cv.ShouldNotEqual, Fingerprint([]byte("K2K2K2K2")))
	})
}
