package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/go-leech/leech/xerrors"
)

// BEP-15 magic connect constant and action codes.
const (
	protocolMagic  uint64 = 0x41727101980
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionScrape   uint32 = 2
	actionError    uint32 = 3
)

const (
	connectionTTL  = 60 * time.Second
	initialTimeout = 5 * time.Second
	defaultRetries = 1 // deliberately aggressive, see DESIGN.md
)

type cachedConn struct {
	id        uint64
	expiresAt time.Time
}

// UDPClient implements the BEP-15 UDP tracker protocol, caching
// connection ids per remote address for their 60s validity window.
type UDPClient struct {
	mu    sync.Mutex
	conns map[string]cachedConn
	clock clock.Clock
}

// NewUDPClient returns a ready-to-use UDP tracker client backed by the
// real wall clock.
func NewUDPClient() *UDPClient {
	return NewUDPClientWithClock(clock.New())
}

// NewUDPClientWithClock is NewUDPClient with an injectable clock, so
// tests can fast-forward past a cached connection id's TTL without
// sleeping.
func NewUDPClientWithClock(c clock.Clock) *UDPClient {
	return &UDPClient{conns: make(map[string]cachedConn), clock: c}
}

// Connect establishes (or reuses a cached) connection id for addr.
func (c *UDPClient) Connect(ctx context.Context, addr string) (uint64, error) {
	c.mu.Lock()
	if cached, ok := c.conns[addr]; ok && c.clock.Now().Before(cached.expiresAt) {
		c.mu.Unlock()
		return cached.id, nil
	}
	c.mu.Unlock()

	conn, err := dialUDP(ctx, addr)
	if err != nil {
		return 0, xerrors.New(xerrors.Tracker, op, err)
	}
	defer conn.Close()

	id, err := connectWithRetry(ctx, conn)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.conns[addr] = cachedConn{id: id, expiresAt: c.clock.Now().Add(connectionTTL)}
	c.mu.Unlock()
	return id, nil
}

// Announce performs a UDP announce, transparently reconnecting first if
// the cached connection id has expired. If the announce fails, the
// cached id is dropped and the error returned; the next call connects
// afresh.
func (c *UDPClient) Announce(ctx context.Context, addr string, req AnnounceRequest) (*AnnounceResult, error) {
	connID, err := c.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}

	conn, err := dialUDP(ctx, addr)
	if err != nil {
		return nil, xerrors.New(xerrors.Tracker, op, err)
	}
	defer conn.Close()

	res, err := announceWithRetry(ctx, conn, connID, req)
	if err != nil {
		var xe *xerrors.Error
		if asError(err, &xe) && xe.Kind == xerrors.Tracker {
			c.mu.Lock()
			delete(c.conns, addr)
			c.mu.Unlock()
		}
		return nil, err
	}
	return res, nil
}

func asError(err error, target **xerrors.Error) bool {
	if e, ok := err.(*xerrors.Error); ok {
		*target = e
		return true
	}
	return false
}

func dialUDP(ctx context.Context, addr string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return conn, nil
}

func randomTransactionID() (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<32))
	if err != nil {
		return 0, err
	}
	return uint32(n.Uint64()), nil
}

func connectWithRetry(ctx context.Context, conn *net.UDPConn) (uint64, error) {
	timeout := initialTimeout
	var lastErr error
	for attempt := 0; attempt <= defaultRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, xerrors.New(xerrors.Tracker, op, err)
		}
		conn.SetDeadline(time.Now().Add(timeout))
		id, err := connectOnce(conn)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !isTimeout(err) {
			return 0, xerrors.New(xerrors.Tracker, op, err)
		}
		timeout *= 2
	}
	return 0, xerrors.New(xerrors.Tracker, op, fmt.Errorf("connect timed out after %d attempts: %w", defaultRetries+1, lastErr))
}

func connectOnce(conn *net.UDPConn) (uint64, error) {
	txID, err := randomTransactionID()
	if err != nil {
		return 0, err
	}
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req, protocolMagic)
	binary.BigEndian.PutUint32(req[8:], actionConnect)
	binary.BigEndian.PutUint32(req[12:], txID)
	if _, err := conn.Write(req); err != nil {
		return 0, err
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, err
	}
	if n > 0 && resp[0] == 0x13 {
		return 0, fmt.Errorf("peer sent a plaintext handshake on a tracker port")
	}
	if n < 16 {
		return 0, fmt.Errorf("connect response too short: %d bytes", n)
	}
	if action := binary.BigEndian.Uint32(resp); action != actionConnect {
		if action == actionError {
			return 0, fmt.Errorf("tracker error: %s", string(resp[8:n]))
		}
		return 0, fmt.Errorf("unexpected action %d in connect response", action)
	}
	if gotTxID := binary.BigEndian.Uint32(resp[4:]); gotTxID != txID {
		return 0, fmt.Errorf("transaction id mismatch")
	}
	return binary.BigEndian.Uint64(resp[8:]), nil
}

func announceWithRetry(ctx context.Context, conn *net.UDPConn, connID uint64, req AnnounceRequest) (*AnnounceResult, error) {
	timeout := initialTimeout
	var lastErr error
	for attempt := 0; attempt <= defaultRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.New(xerrors.Tracker, op, err)
		}
		conn.SetDeadline(time.Now().Add(timeout))
		res, err := announceOnce(conn, connID, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isTimeout(err) {
			return nil, xerrors.New(xerrors.Tracker, op, err)
		}
		timeout *= 2
	}
	return nil, xerrors.New(xerrors.Tracker, op, fmt.Errorf("announce timed out after %d attempts: %w", defaultRetries+1, lastErr))
}

func announceOnce(conn *net.UDPConn, connID uint64, req AnnounceRequest) (*AnnounceResult, error) {
	txID, err := randomTransactionID()
	if err != nil {
		return nil, err
	}
	pkt := make([]byte, 98)
	binary.BigEndian.PutUint64(pkt, connID)
	binary.BigEndian.PutUint32(pkt[8:], actionAnnounce)
	binary.BigEndian.PutUint32(pkt[12:], txID)
	copy(pkt[16:], req.InfoHash[:])
	copy(pkt[36:], req.PeerID[:])
	binary.BigEndian.PutUint64(pkt[56:], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(pkt[64:], uint64(req.Left))
	binary.BigEndian.PutUint64(pkt[72:], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(pkt[80:], uint32(req.Event))
	binary.BigEndian.PutUint32(pkt[84:], 0) // IP address: default
	key, err := randomTransactionID()
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(pkt[88:], key)
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(pkt[92:], uint32(numWant))
	binary.BigEndian.PutUint16(pkt[96:], uint16(req.Port))

	if _, err := conn.Write(pkt); err != nil {
		return nil, err
	}

	resp := make([]byte, 20+6*200) // room for a generous peer count
	n, err := conn.Read(resp)
	if err != nil {
		return nil, err
	}
	if n > 0 && resp[0] == 0x13 {
		return nil, fmt.Errorf("peer sent a plaintext handshake on a tracker port")
	}
	if n < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", n)
	}
	resp = resp[:n]
	if action := binary.BigEndian.Uint32(resp); action != actionAnnounce {
		if action == actionError {
			return nil, fmt.Errorf("tracker error: %s", string(resp[8:]))
		}
		return nil, fmt.Errorf("unexpected action %d in announce response", action)
	}
	if gotTxID := binary.BigEndian.Uint32(resp[4:]); gotTxID != txID {
		return nil, fmt.Errorf("transaction id mismatch")
	}

	interval := binary.BigEndian.Uint32(resp[8:])
	leechers := binary.BigEndian.Uint32(resp[12:])
	seeders := binary.BigEndian.Uint32(resp[16:])

	peers, err := parseCompactPeers(resp[20:], 6)
	if err != nil {
		return nil, err
	}
	return &AnnounceResult{
		Interval:   time.Duration(interval) * time.Second,
		Complete:   int(seeders),
		Incomplete: int(leechers),
		Peers:      peers,
	}, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return asNetError(err, &netErr) && netErr.Timeout()
}

func asNetError(err error, target *net.Error) bool {
	if ne, ok := err.(net.Error); ok {
		*target = ne
		return true
	}
	return false
}
