package mse

import (
	"context"
	"io"
	"net"
	"time"
)

// Dialer opens a fresh plaintext connection; peerconn supplies this so
// this package has no knowledge of timeouts, proxies, or the dialer's
// address resolution.
type Dialer func(ctx context.Context) (net.Conn, error)

// DialResult is what SmartConnect hands back: a connection (plaintext
// or MSE-negotiated) and, if negotiated, the Streams to wrap it with.
type DialResult struct {
	Conn    net.Conn
	Streams *Streams // nil for a plaintext connection
	// Reader is how the caller must read subsequent bytes from Conn. It
	// is nil for a plaintext connection (read Conn directly); after a
	// negotiated one it wraps Conn but may already hold bytes the peer
	// sent immediately past the handshake, which would be lost if the
	// caller read Conn directly instead.
	Reader io.Reader
}

// SmartConnect opens a connection honoring policy:
//   - Disabled: dial once, plaintext, no MSE attempt.
//   - Require: dial once, MSE only; any failure is returned as-is.
//   - Prefer: dial, attempt MSE bounded by preferTimeout; on any
//     failure, close that connection, dial again fresh and use it
//     plaintext.
//
// preferTimeout <= 0 uses DefaultPreferTimeout.
func SmartConnect(ctx context.Context, dial Dialer, skey [20]byte, policy Policy, preferTimeout time.Duration) (*DialResult, error) {
	if preferTimeout <= 0 {
		preferTimeout = DefaultPreferTimeout
	}

	switch policy {
	case Disabled:
		conn, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		return &DialResult{Conn: conn}, nil

	case Require:
		conn, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		streams, _, r, err := Negotiate(ctx, conn, skey, CryptoRC4)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return &DialResult{Conn: conn, Streams: streams, Reader: r}, nil

	default: // Prefer
		conn, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		negotiateCtx, cancel := context.WithTimeout(ctx, preferTimeout)
		streams, method, r, negErr := Negotiate(negotiateCtx, conn, skey, CryptoRC4|CryptoPlaintext)
		cancel()
		if negErr == nil {
			if method&CryptoRC4 == 0 {
				// Peer chose plaintext inside the encrypted handshake;
				// subsequent application data is not RC4-obfuscated, so
				// the caller must not decrypt it.
				streams = nil
			}
			return &DialResult{Conn: conn, Streams: streams, Reader: r}, nil
		}
		conn.Close()
		plainConn, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		return &DialResult{Conn: plainConn}, nil
	}
}
