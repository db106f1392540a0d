package mse

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"testing"
	"time"
)

// respondHandshake plays peer B's half of the MSE handshake over conn,
// proving Negotiate (the initiator/A side) interoperates with an
// independent implementation of the wire protocol rather than just
// with itself. padBLen is fixed by the caller (rather than drawn from
// randomPad) so tests can force a non-empty PadB deterministically:
// the sync point Negotiate has to find moves every time PadB's length
// changes, so a test that only ever exercises a PadB that happens to
// land on zero bytes is not exercising the VC search at all. It returns
// B's own stream pair (Encrypt = B's send keystream, Decrypt = B's
// receive keystream), each advanced past the handshake.
func respondHandshake(t *testing.T, conn net.Conn, skey [20]byte, padBLen int, trailer []byte) *Streams {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	r := bufio.NewReaderSize(conn, maxSyncSearch)
	yaBuf := make([]byte, keyBytes)
	if _, err := io.ReadFull(r, yaBuf); err != nil {
		t.Fatalf("reading Ya: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	drainPad(t, r)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	kp, err := newDHKeyPair()
	if err != nil {
		t.Fatalf("generating responder key pair: %v", err)
	}
	padB := make([]byte, padBLen)
	if padBLen > 0 {
		if _, err := rand.Read(padB); err != nil {
			t.Fatalf("generating PadB: %v", err)
		}
	}
	if _, err := conn.Write(append(encodePublicKey(kp.pub), padB...)); err != nil {
		t.Fatalf("sending Yb||PadB: %v", err)
	}

	ya := new(big.Int).SetBytes(yaBuf)
	s := kp.sharedSecret(ya)
	sBytes := s.Bytes()

	wantReq1 := hashOf([]byte("req1"), sBytes)
	req1 := make([]byte, 20)
	if _, err := io.ReadFull(r, req1); err != nil {
		t.Fatalf("reading req1: %v", err)
	}
	if !bytes.Equal(req1, wantReq1) {
		t.Fatalf("req1 mismatch")
	}

	req23 := make([]byte, 20)
	if _, err := io.ReadFull(r, req23); err != nil {
		t.Fatalf("reading req2^req3: %v", err)
	}
	wantReq23 := xorBytes(hashOf([]byte("req2"), skey[:]), hashOf([]byte("req3"), sBytes))
	if !bytes.Equal(req23, wantReq23) {
		t.Fatalf("req2^req3 mismatch")
	}

	streams, err := deriveStreams(sBytes, skey[:])
	if err != nil {
		t.Fatalf("deriving streams: %v", err)
	}
	// For the responder, roles are mirrored: the initiator encrypted
	// with keyA (streams.Encrypt) and will decrypt our reply with
	// keyB (streams.Decrypt).
	recv, send := streams.Encrypt, streams.Decrypt

	hdr := make([]byte, 14)
	if _, err := io.ReadFull(r, hdr); err != nil {
		t.Fatalf("reading message3 header: %v", err)
	}
	recv.XORKeyStream(hdr, hdr)
	if !bytes.Equal(hdr[:8], vc) {
		t.Fatalf("message3 VC mismatch: %x", hdr[:8])
	}
	provide := CryptoMethod(binary.BigEndian.Uint32(hdr[8:12]))
	padCLen := binary.BigEndian.Uint16(hdr[12:14])
	if padCLen > 0 {
		padC := make([]byte, padCLen)
		if _, err := io.ReadFull(r, padC); err != nil {
			t.Fatalf("reading PadC: %v", err)
		}
		recv.XORKeyStream(padC, padC)
	}
	iaLenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, iaLenBuf); err != nil {
		t.Fatalf("reading len(IA): %v", err)
	}
	recv.XORKeyStream(iaLenBuf, iaLenBuf)
	iaLen := binary.BigEndian.Uint16(iaLenBuf)
	if iaLen > 0 {
		ia := make([]byte, iaLen)
		if _, err := io.ReadFull(r, ia); err != nil {
			t.Fatalf("reading IA: %v", err)
		}
		recv.XORKeyStream(ia, ia)
	}

	selected := CryptoRC4
	if provide&CryptoRC4 == 0 {
		selected = CryptoPlaintext
	}
	var msg4 bytes.Buffer
	msg4.Write(vc)
	binary.Write(&msg4, binary.BigEndian, uint32(selected))
	binary.Write(&msg4, binary.BigEndian, uint16(0))
	out := msg4.Bytes()
	send.XORKeyStream(out, out)
	if len(trailer) > 0 {
		enc := append([]byte(nil), trailer...)
		send.XORKeyStream(enc, enc)
		out = append(out, enc...)
	}
	if _, err := conn.Write(out); err != nil {
		t.Fatalf("sending message4 plus trailer: %v", err)
	}
	return &Streams{Encrypt: send, Decrypt: recv}
}

func drainPad(t *testing.T, r *bufio.Reader) {
	t.Helper()
	for i := 0; i < maxPad; i++ {
		if _, err := r.Peek(1); err != nil {
			return
		}
		r.ReadByte()
	}
}

// TestNegotiateRoundTrip exercises a PadB long enough that the sync
// point is nowhere near the start of the stream: if syncAndReadMessage4
// ever regresses to applying one continuously-advancing cipher across
// the scan (instead of trial-decrypting each window fresh), this PadB
// length makes that bug fail every run instead of roughly 1 run in 256.
func TestNegotiateRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var skey [20]byte
	copy(skey[:], []byte("01234567890123456789"))

	done := make(chan struct{})
	var peer *Streams
	go func() {
		defer close(done)
		peer = respondHandshake(t, b, skey, 137, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	streams, selected, _, err := Negotiate(ctx, a, skey, CryptoRC4|CryptoPlaintext)
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	<-done
	if selected != CryptoRC4 {
		t.Errorf("expected RC4 to be selected, got %v", selected)
	}
	if streams == nil {
		t.Fatal("expected non-nil streams")
	}

	// Our send stream and B's receive stream are the same keyA keystream,
	// so what we encrypt B decrypts back to the plaintext.
	plain := []byte("hello peer")
	enc := append([]byte{}, plain...)
	streams.EncryptInPlace(enc)
	dec := append([]byte{}, enc...)
	peer.DecryptInPlace(dec)
	if !bytes.Equal(dec, plain) {
		t.Errorf("round trip mismatch: got %q", dec)
	}
}

// TestNegotiateRoundTripEmptyPadB covers the degenerate PadB=0 case the
// old (broken) implementation happened to pass by accident, so a
// regression there is still caught explicitly rather than only by luck.
func TestNegotiateRoundTripEmptyPadB(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var skey [20]byte
	copy(skey[:], []byte("01234567890123456789"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		respondHandshake(t, b, skey, 0, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	streams, selected, _, err := Negotiate(ctx, a, skey, CryptoRC4|CryptoPlaintext)
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	<-done
	if selected != CryptoRC4 {
		t.Errorf("expected RC4 to be selected, got %v", selected)
	}
	if streams == nil {
		t.Fatal("expected non-nil streams")
	}
}

// TestNegotiateLeftoverBytes proves that bytes the peer sends
// immediately past PadD (its first post-handshake protocol message, in
// a real connection) survive Negotiate instead of being stranded inside
// its internal bufio.Reader: per spec.md §4.9 that remainder must reach
// the protocol layer, decrypted with the established stream.
func TestNegotiateLeftoverBytes(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var skey [20]byte
	copy(skey[:], []byte("01234567890123456789"))

	trailer := []byte("already-sent bitfield message bytes")
	done := make(chan struct{})
	go func() {
		defer close(done)
		respondHandshake(t, b, skey, 41, trailer)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	streams, selected, r, err := Negotiate(ctx, a, skey, CryptoRC4)
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	<-done
	if selected != CryptoRC4 {
		t.Fatalf("expected RC4, got %v", selected)
	}
	if r == nil {
		t.Fatal("expected a non-nil reader carrying any buffered remainder")
	}

	got := make([]byte, len(trailer))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("reading leftover bytes: %v", err)
	}
	streams.DecryptInPlace(got)
	if !bytes.Equal(got, trailer) {
		t.Fatalf("leftover mismatch: got %q want %q", got, trailer)
	}
}
