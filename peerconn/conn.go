// Package peerconn owns a single peer TCP connection: dialing
// (optionally through an MSE handshake), frame I/O with backpressure,
// idle timeout, and the wire protocol state machine that classifies
// inbound messages for the rest of the engine.
package peerconn

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/go-leech/leech/mse"
	"github.com/go-leech/leech/wire"
	"github.com/go-leech/leech/xerrors"
)

const op = "peerconn"

// DefaultIdleTimeout closes a connection after this long without a
// read or a write.
const DefaultIdleTimeout = 30 * time.Second

// State is Conn's connection-level lifecycle, distinct from FSM's
// wire-protocol state: a Conn can be Connecting before any protocol
// byte has been exchanged.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Conn is a framed, bidirectional stream to one peer. Reads are pulled
// one frame at a time through ReadFrame (Run's message loop does this);
// writes block the caller until the OS socket buffer
// accepts them, deliberately: an unbounded internal write queue would
// let one stalled peer accumulate unbounded memory.
type Conn struct {
	mu      sync.Mutex
	state   State
	netConn net.Conn
	// reader is what ReadFrame actually reads from. It defaults to
	// netConn, but when an MSE negotiation ran first it is the
	// negotiation's own reader: that reader's internal buffer may still
	// hold bytes the peer sent immediately past the handshake, which
	// would be lost if reads went to netConn directly instead.
	reader      io.Reader
	streams     *mse.Streams
	idleTimeout time.Duration
	clock       clock.Clock
	lastActive  time.Time
	closeOnce   sync.Once
}

// Dial opens a connection to addr, running the MSE negotiation policy
// before the caller gets the resulting Conn back.
func Dial(ctx context.Context, addr string, encMode mse.Policy, skey [20]byte) (*Conn, error) {
	return DialWithClock(ctx, addr, encMode, skey, clock.New())
}

// DialWithClock is Dial with an injectable clock for idle-timeout tests.
func DialWithClock(ctx context.Context, addr string, encMode mse.Policy, skey [20]byte, c clock.Clock) (*Conn, error) {
	dialer := func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, "tcp", addr)
	}
	result, err := mse.SmartConnect(ctx, dialer, skey, encMode, mse.DefaultPreferTimeout)
	if err != nil {
		return nil, xerrors.New(xerrors.Network, op, err)
	}
	return newConn(result.Conn, result.Reader, result.Streams, c), nil
}

// Accept wraps an already-established inbound net.Conn (the listener
// having already run the responder side of any MSE negotiation).
func Accept(netConn net.Conn, streams *mse.Streams) *Conn {
	return newConn(netConn, nil, streams, clock.New())
}

// newConn builds a Conn that reads through reader (falling back to
// netConn itself when reader is nil, e.g. a plaintext connection).
func newConn(netConn net.Conn, reader io.Reader, streams *mse.Streams, c clock.Clock) *Conn {
	if reader == nil {
		reader = netConn
	}
	return &Conn{
		state:       Connected,
		netConn:     netConn,
		reader:      reader,
		streams:     streams,
		idleTimeout: DefaultIdleTimeout,
		clock:       c,
		lastActive:  c.Now(),
	}
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Write sends raw framed bytes (as produced by the wire package's
// message builders), transparently encrypting if MSE negotiated RC4.
func (c *Conn) Write(b []byte) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return xerrors.Newf(xerrors.Network, op, "write on a connection in state %s", c.state)
	}
	streams := c.streams
	c.mu.Unlock()

	out := b
	if streams != nil {
		out = append([]byte{}, b...)
		streams.EncryptInPlace(out)
	}
	if _, err := c.netConn.Write(out); err != nil {
		return xerrors.New(xerrors.Network, op, err)
	}
	c.touch()
	return nil
}

// ReadFrame reads and, if needed, decrypts exactly one wire frame,
// returning (nil, nil) for a keep-alive.
func (c *Conn) ReadFrame() (*wire.Message, error) {
	c.mu.Lock()
	timeout := c.idleTimeout
	c.mu.Unlock()

	c.netConn.SetReadDeadline(c.clock.Now().Add(timeout))
	msg, err := wire.ReadFrame(&decryptingReader{conn: c})
	if err != nil {
		return nil, xerrors.New(xerrors.Network, op, err)
	}
	c.touch()
	return msg, nil
}

// decryptingReader adapts Conn's net.Conn plus optional MSE stream
// into the plain io.Reader wire.ReadFrame expects.
type decryptingReader struct{ conn *Conn }

func (r *decryptingReader) Read(p []byte) (int, error) {
	n, err := r.conn.reader.Read(p)
	if n > 0 && r.conn.streams != nil {
		r.conn.streams.DecryptInPlace(p[:n])
	}
	return n, err
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActive = c.clock.Now()
	c.mu.Unlock()
}

// IdleFor reports how long it has been since the last successful read
// or write.
func (c *Conn) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Now().Sub(c.lastActive)
}

// Close transitions the connection to Closed and releases the socket.
// Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = Closed
		c.mu.Unlock()
		err = c.netConn.Close()
	})
	return err
}

// RemoteAddr returns the peer's network address, for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// CheckIdle closes the connection if it has been silent past its idle
// timeout, called by a session's periodic sweep.
func (c *Conn) CheckIdle() error {
	if c.IdleFor() >= c.idleTimeout {
		return c.Close()
	}
	return nil
}
