package mse

import (
	"crypto/rc4"
)

// Streams holds the two independent RC4 cipher states negotiated by a
// completed handshake, one per direction. Neither is safe for
// concurrent use; peerconn serializes reads and writes separately.
type Streams struct {
	Encrypt *rc4.Cipher // keyed with our send key
	Decrypt *rc4.Cipher // keyed with our receive key
}

// newRC4 builds an RC4 cipher keyed by HASH(label, S, SKEY) and
// discards the first 1024 keystream bytes, per the MSE handshake's
// recommendation against RC4's known keystream bias in that range.
func newRC4(label string, sBytes, skey []byte) (*rc4.Cipher, error) {
	key := hashOf([]byte(label), sBytes, skey)
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	discard := make([]byte, 1024)
	c.XORKeyStream(discard, discard)
	return c, nil
}

// deriveStreams builds the initiator's pair of RC4 ciphers: keyA
// encrypts what we send, keyB decrypts what we receive. A responder
// would swap the two labels; this package only implements the
// initiator side per spec.
func deriveStreams(sBytes, skey []byte) (*Streams, error) {
	enc, err := newRC4("keyA", sBytes, skey)
	if err != nil {
		return nil, err
	}
	dec, err := newRC4("keyB", sBytes, skey)
	if err != nil {
		return nil, err
	}
	return &Streams{Encrypt: enc, Decrypt: dec}, nil
}

// EncryptInPlace XORs b with the send keystream, advancing it.
func (s *Streams) EncryptInPlace(b []byte) {
	s.Encrypt.XORKeyStream(b, b)
}

// DecryptInPlace XORs b with the receive keystream, advancing it.
func (s *Streams) DecryptInPlace(b []byte) {
	s.Decrypt.XORKeyStream(b, b)
}
