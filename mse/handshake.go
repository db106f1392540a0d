package mse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/go-leech/leech/xerrors"
)

// CryptoMethod is a bit in the crypto_provide/crypto_select fields.
type CryptoMethod uint32

const (
	CryptoPlaintext CryptoMethod = 1 << 0
	CryptoRC4       CryptoMethod = 1 << 1
)

// Policy controls whether and how a connection attempts MSE before
// falling back to (or refusing) a plaintext BitTorrent handshake.
type Policy int

const (
	// Disabled never attempts encryption; the connection is plaintext.
	Disabled Policy = iota
	// Require refuses to fall back; an MSE failure fails the connection.
	Require
	// Prefer attempts encryption first, bounded by preferTimeout, and
	// falls back to a fresh plaintext connection on any failure.
	Prefer
)

// DefaultPreferTimeout bounds a Prefer attempt before falling back.
const DefaultPreferTimeout = 5 * time.Second

// maxPad is the maximum random padding length on PadA/PadB/PadC/PadD.
const maxPad = 512

// maxSyncSearch bounds how many bytes of the incoming stream are
// scanned for the message 4 VC synchronization point.
const maxSyncSearch = 64 * 1024

var vc = make([]byte, 8) // 8 zero bytes

// Negotiate runs the initiator side of the MSE handshake over conn,
// using skey (the torrent's info hash) as the encryption handshake's
// SKEY and advertising support for RC4 plus (unless require) plaintext.
// On success it returns the Streams to wrap subsequent traffic in, the
// method the peer selected, and a reader positioned right after PadD:
// any bytes the peer already sent past the handshake (its "IA" analogue
// on this, the initiator's side of the connection) are still sitting in
// that reader's internal buffer, so the caller must read subsequent
// traffic through it rather than through conn directly or those bytes
// are silently lost.
func Negotiate(ctx context.Context, conn net.Conn, skey [20]byte, provide CryptoMethod) (*Streams, CryptoMethod, io.Reader, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	kp, err := newDHKeyPair()
	if err != nil {
		return nil, 0, nil, xerrors.New(xerrors.Encryption, op, err)
	}
	padA, err := randomPad(maxPad)
	if err != nil {
		return nil, 0, nil, xerrors.New(xerrors.Encryption, op, err)
	}
	if _, err := conn.Write(append(encodePublicKey(kp.pub), padA...)); err != nil {
		return nil, 0, nil, xerrors.New(xerrors.Encryption, op, fmt.Errorf("sending Ya||PadA: %w", err))
	}

	r := bufio.NewReaderSize(conn, maxSyncSearch)
	ybBuf := make([]byte, keyBytes)
	if _, err := io.ReadFull(r, ybBuf[:1]); err != nil {
		return nil, 0, nil, xerrors.New(xerrors.Encryption, op, fmt.Errorf("reading Yb: %w", err))
	}
	if ybBuf[0] == 0x13 {
		return nil, 0, nil, xerrors.New(xerrors.Encryption, op, fmt.Errorf("peer sent a plaintext handshake, refusing MSE"))
	}
	if _, err := io.ReadFull(r, ybBuf[1:]); err != nil {
		return nil, 0, nil, xerrors.New(xerrors.Encryption, op, fmt.Errorf("reading Yb: %w", err))
	}
	yb := new(big.Int).SetBytes(ybBuf)
	s := kp.sharedSecret(yb)
	sBytes := s.Bytes()

	streams, err := deriveStreams(sBytes, skey[:])
	if err != nil {
		return nil, 0, nil, xerrors.New(xerrors.Encryption, op, err)
	}

	req1 := hashOf([]byte("req1"), sBytes)
	req2 := hashOf([]byte("req2"), skey[:])
	req3 := hashOf([]byte("req3"), sBytes)
	req23 := xorBytes(req2, req3)

	padC, err := randomPad(maxPad)
	if err != nil {
		return nil, 0, nil, xerrors.New(xerrors.Encryption, op, err)
	}
	var msg3 bytes.Buffer
	msg3.Write(vc)
	binary.Write(&msg3, binary.BigEndian, uint32(provide))
	binary.Write(&msg3, binary.BigEndian, uint16(len(padC)))
	msg3.Write(padC)
	binary.Write(&msg3, binary.BigEndian, uint16(0)) // len(IA) == 0
	msg3Bytes := msg3.Bytes()
	streams.EncryptInPlace(msg3Bytes)

	out := make([]byte, 0, len(req1)+len(req23)+len(msg3Bytes))
	out = append(out, req1...)
	out = append(out, req23...)
	out = append(out, msg3Bytes...)
	if _, err := conn.Write(out); err != nil {
		return nil, 0, nil, xerrors.New(xerrors.Encryption, op, fmt.Errorf("sending req1/req2^req3/encrypted handshake: %w", err))
	}

	selected, err := syncAndReadMessage4(r, sBytes, skey[:], streams)
	if err != nil {
		return nil, 0, nil, err
	}
	if selected&provide == 0 {
		return nil, 0, nil, xerrors.New(xerrors.Encryption, op, fmt.Errorf("peer selected crypto method %d not in our provide set %d", selected, provide))
	}
	return streams, selected, r, nil
}

// syncAndReadMessage4 scans the incoming stream for the 8-byte VC
// sync point. RC4 is position-dependent: the peer's message 4 keystream
// always starts at offset 0 of a keyB cipher, but PadB (0-512 random
// bytes the peer sends immediately before message 4) is of unknown
// length, so the real start of message 4 inside the stream is unknown
// up front. Spec.md §4.9 resolves this by trial-decrypting successive
// 8-byte windows of the *raw* stream until one decodes to VC — each
// trial necessarily resets to a fresh keyB cipher (offset 0), since the
// candidate window is only a true message-4 start if the keystream
// that decodes it began there. A single continuously-advancing cipher
// across the whole scan would only ever align with message 4 when
// PadB happened to be empty.
func syncAndReadMessage4(r *bufio.Reader, sBytes, skey []byte, streams *Streams) (CryptoMethod, error) {
	window := make([]byte, 0, 8)
	scanned := 0
	for scanned < maxSyncSearch {
		b, err := r.ReadByte()
		if err != nil {
			return 0, xerrors.New(xerrors.Encryption, op, fmt.Errorf("searching for VC sync: %w", err))
		}
		scanned++
		if len(window) == 8 {
			copy(window, window[1:])
			window = window[:7]
		}
		window = append(window, b)
		if len(window) < 8 {
			continue
		}
		trial, err := newRC4("keyB", sBytes, skey)
		if err != nil {
			return 0, xerrors.New(xerrors.Encryption, op, err)
		}
		dec := append([]byte(nil), window...)
		trial.XORKeyStream(dec, dec)
		if bytes.Equal(dec, vc) {
			// trial decoded exactly VC from these 8 bytes, so it is now
			// correctly synchronized to the byte right after VC; adopt
			// it as the connection's ongoing decrypt cipher.
			streams.Decrypt = trial
			return readMessage4Tail(r, streams)
		}
	}
	return 0, xerrors.New(xerrors.Encryption, op, fmt.Errorf("no VC sync found within %d bytes", maxSyncSearch))
}

// readMessage4Tail decodes crypto_select and PadD once VC has been
// located and consumed.
func readMessage4Tail(r *bufio.Reader, streams *Streams) (CryptoMethod, error) {
	hdr := make([]byte, 6)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, xerrors.New(xerrors.Encryption, op, fmt.Errorf("reading crypto_select/len(PadD): %w", err))
	}
	streams.DecryptInPlace(hdr)
	selected := CryptoMethod(binary.BigEndian.Uint32(hdr[:4]))
	padDLen := binary.BigEndian.Uint16(hdr[4:6])
	if padDLen > 0 {
		padD := make([]byte, padDLen)
		if _, err := io.ReadFull(r, padD); err != nil {
			return 0, xerrors.New(xerrors.Encryption, op, fmt.Errorf("reading PadD: %w", err))
		}
		streams.DecryptInPlace(padD)
	}
	return selected, nil
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
