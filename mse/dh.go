// Package mse implements BitTorrent Message Stream Encryption (MSE/PE):
// an initiator-mode Diffie-Hellman key exchange followed by RC4 stream
// obfuscation, used to get past the simplest forms of protocol-specific
// traffic shaping. It has no notion of what rides inside the encrypted
// stream; peerconn hands it a net.Conn and gets back one in return.
package mse

import (
	"crypto/rand"
	"crypto/sha1"
	"math/big"
)

const op = "mse"

// keyBytes is the encoded length of a public key for the standard
// 768-bit MSE prime.
const keyBytes = 96

// g is the fixed generator for the standard MSE Diffie-Hellman group.
var g = big.NewInt(2)

// p is the fixed 768-bit MSE prime (BEP "Message Stream Encryption").
var p, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74"+
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437"+
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A63A36210000000000090563",
	16)

// dhKeyPair is one side's ephemeral Diffie-Hellman key material.
type dhKeyPair struct {
	priv *big.Int
	pub  *big.Int
}

// newDHKeyPair generates a fresh private exponent and its public key
// Y = G^X mod P.
func newDHKeyPair() (*dhKeyPair, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	x := new(big.Int).SetBytes(buf)
	y := new(big.Int).Exp(g, x, p)
	return &dhKeyPair{priv: x, pub: y}, nil
}

// encodePublicKey renders y as a fixed keyBytes-length big-endian blob,
// left-padded with zeroes, matching the wire's fixed-size Ya/Yb fields.
func encodePublicKey(y *big.Int) []byte {
	out := make([]byte, keyBytes)
	b := y.Bytes()
	copy(out[keyBytes-len(b):], b)
	return out
}

// sharedSecret computes S = peerPub^priv mod P.
func (kp *dhKeyPair) sharedSecret(peerPub *big.Int) *big.Int {
	return new(big.Int).Exp(peerPub, kp.priv, p)
}

// randomPad returns n random bytes, n in [0, max].
func randomPad(max int) ([]byte, error) {
	nBuf := make([]byte, 2)
	if _, err := rand.Read(nBuf); err != nil {
		return nil, err
	}
	n := (int(nBuf[0])<<8 | int(nBuf[1])) % (max + 1)
	buf := make([]byte, n)
	if n > 0 {
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// hashOf computes SHA1(concat(parts...)), used for req1/req2/req3 and
// the keyA/keyB stream key derivations.
func hashOf(parts ...[]byte) []byte {
	h := sha1.New()
	for _, part := range parts {
		h.Write(part)
	}
	return h.Sum(nil)
}
