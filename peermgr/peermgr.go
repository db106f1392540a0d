// Package peermgr owns the live set of peer connections across every
// torrent this engine is running, dedups by (info hash, ip, port), and
// fans inbound wire events upward as a single typed event stream per
// torrent.
package peermgr

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/go-leech/leech/peerconn"
	"github.com/go-leech/leech/wire"
	"go.uber.org/zap"
)

const op = "peermgr"

// DisconnectReason classifies why a peer connection ended.
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonTimeout
	ReasonProtocolError
	ReasonChoked
	ReasonCompleted
	ReasonManual
	ReasonPeerClosed
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonProtocolError:
		return "protocol_error"
	case ReasonChoked:
		return "choked"
	case ReasonCompleted:
		return "completed"
	case ReasonManual:
		return "manual"
	case ReasonPeerClosed:
		return "peer_closed"
	default:
		return "unknown"
	}
}

// EventKind discriminates the Event union surfaced upward.
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
	EventPeerBitfield
	EventPeerHave
	EventPeerChoked
	EventPeerUnchoked
	EventPeerInterested
	EventPeerNotInterested
	EventPieceReceived
	EventRequestReceived
	EventPEXPeers
)

// Event is a single tagged occurrence for one torrent's peer set. Only
// the fields relevant to Kind are populated.
type Event struct {
	Kind       EventKind
	InfoHash   [20]byte
	PeerKey    PeerKey
	Reason     DisconnectReason
	Bitfield   *wire.Bitfield
	PieceIndex uint32
	Request    wire.ParsedRequest
	Piece      wire.ParsedPiece
	Choked     bool
	Interested bool
	PEXPeers   []wire.PEXEntry
}

// PeerKey is the dedup key: a peer is the same peer across
// reconnects and across trackers/PEX if it shares this triple.
type PeerKey struct {
	InfoHash [20]byte
	IP       string
	Port     int
}

func (k PeerKey) String() string {
	return net.JoinHostPort(k.IP, strconv.Itoa(k.Port))
}

// peerRecord is everything the manager tracks about one live peer.
type peerRecord struct {
	key         PeerKey
	conn        *peerconn.Conn
	fsm         *peerconn.FSM
	peerChoking bool // are they choking us
	amChoking   bool // are we choking them
	interested  bool
	peerHasBF   *wire.Bitfield
}

// Manager owns every live peer connection across every torrent.
type Manager struct {
	mu                       sync.Mutex
	maxConnections           int
	maxConnectionsPerTorrent int
	peers                    map[PeerKey]*peerRecord
	perTorrentCount          map[[20]byte]int
	events                   map[[20]byte]chan Event
	logger                   *zap.Logger
}

// Config bounds the manager's connection fan-out.
type Config struct {
	MaxConnections           int
	MaxConnectionsPerTorrent int
}

// NewManager builds a Manager. A nil logger uses zap.NewNop().
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 200
	}
	if cfg.MaxConnectionsPerTorrent <= 0 {
		cfg.MaxConnectionsPerTorrent = 50
	}
	return &Manager{
		maxConnections:           cfg.MaxConnections,
		maxConnectionsPerTorrent: cfg.MaxConnectionsPerTorrent,
		peers:                    make(map[PeerKey]*peerRecord),
		perTorrentCount:          make(map[[20]byte]int),
		events:                   make(map[[20]byte]chan Event),
	}
}

// EventsFor returns (creating if needed) the event channel for
// infoHash's torrent. Callers must drain it; it is buffered but not
// unboundedly.
func (m *Manager) EventsFor(infoHash [20]byte) <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.events[infoHash]
	if !ok {
		ch = make(chan Event, 256)
		m.events[infoHash] = ch
	}
	return ch
}

// CanAccept reports whether a new connection for infoHash would stay
// within both the global and per-torrent connection caps.
func (m *Manager) CanAccept(infoHash [20]byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers) < m.maxConnections && m.perTorrentCount[infoHash] < m.maxConnectionsPerTorrent
}

// Register adds a newly handshaken connection under key, rejecting a
// duplicate (same info hash, ip, port) or an over-cap torrent.
func (m *Manager) Register(key PeerKey, conn *peerconn.Conn, fsm *peerconn.FSM) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.peers[key]; exists {
		return fmt.Errorf("%s: duplicate peer %s", op, key)
	}
	if len(m.peers) >= m.maxConnections {
		return fmt.Errorf("%s: global connection limit reached", op)
	}
	if m.perTorrentCount[key.InfoHash] >= m.maxConnectionsPerTorrent {
		return fmt.Errorf("%s: per-torrent connection limit reached for %x", op, key.InfoHash)
	}

	m.peers[key] = &peerRecord{key: key, conn: conn, fsm: fsm, peerChoking: true, amChoking: true}
	m.perTorrentCount[key.InfoHash]++
	m.publish(key.InfoHash, Event{Kind: EventPeerConnected, InfoHash: key.InfoHash, PeerKey: key})
	return nil
}

// Disconnect removes a peer and closes its connection, surfacing why.
func (m *Manager) Disconnect(key PeerKey, reason DisconnectReason) {
	m.mu.Lock()
	rec, ok := m.peers[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.peers, key)
	m.perTorrentCount[key.InfoHash]--
	m.mu.Unlock()

	rec.conn.Close()
	m.logger.Debug("peer disconnected", zap.String("peer", key.String()), zap.String("reason", reason.String()))
	m.publish(key.InfoHash, Event{Kind: EventPeerDisconnected, InfoHash: key.InfoHash, PeerKey: key, Reason: reason})
}

// OnBitfield, OnHave, OnChoke, OnInterested, OnPiece, OnRequest surface
// the corresponding FSM callback as an Event. They're called by the
// glue code that wires a peerconn.Handler to this manager (session
// owns that glue, since only it knows the relevant torrent).
func (m *Manager) OnBitfield(key PeerKey, bf *wire.Bitfield) {
	m.mu.Lock()
	if rec, ok := m.peers[key]; ok {
		rec.peerHasBF = bf
	}
	m.mu.Unlock()
	m.publish(key.InfoHash, Event{Kind: EventPeerBitfield, InfoHash: key.InfoHash, PeerKey: key, Bitfield: bf})
}

func (m *Manager) OnHave(key PeerKey, index uint32) {
	m.mu.Lock()
	if rec, ok := m.peers[key]; ok && rec.peerHasBF != nil {
		rec.peerHasBF.Set(int(index))
	}
	m.mu.Unlock()
	m.publish(key.InfoHash, Event{Kind: EventPeerHave, InfoHash: key.InfoHash, PeerKey: key, PieceIndex: index})
}

func (m *Manager) OnChoke(key PeerKey, choked bool) {
	m.mu.Lock()
	if rec, ok := m.peers[key]; ok {
		rec.peerChoking = choked
	}
	m.mu.Unlock()
	kind := EventPeerUnchoked
	if choked {
		kind = EventPeerChoked
	}
	m.publish(key.InfoHash, Event{Kind: kind, InfoHash: key.InfoHash, PeerKey: key, Choked: choked})
}

func (m *Manager) OnInterested(key PeerKey, interested bool) {
	m.mu.Lock()
	if rec, ok := m.peers[key]; ok {
		rec.interested = interested
	}
	m.mu.Unlock()
	kind := EventPeerNotInterested
	if interested {
		kind = EventPeerInterested
	}
	m.publish(key.InfoHash, Event{Kind: kind, InfoHash: key.InfoHash, PeerKey: key, Interested: interested})
}

func (m *Manager) OnPiece(key PeerKey, p wire.ParsedPiece) {
	m.publish(key.InfoHash, Event{Kind: EventPieceReceived, InfoHash: key.InfoHash, PeerKey: key, Piece: p})
}

func (m *Manager) OnRequest(key PeerKey, r wire.ParsedRequest) {
	m.publish(key.InfoHash, Event{Kind: EventRequestReceived, InfoHash: key.InfoHash, PeerKey: key, Request: r})
}

// OnPEXPeers surfaces newly learned peers from an ut_pex message; the
// caller (piecemgr/session glue) is responsible for deduping against
// already-known peers by IP+port, the same way tracker-sourced peers
// are deduped, before dialing any of them.
func (m *Manager) OnPEXPeers(infoHash [20]byte, peers []wire.PEXEntry) {
	m.publish(infoHash, Event{Kind: EventPEXPeers, InfoHash: infoHash, PEXPeers: peers})
}

// Peers returns the current peer keys for infoHash, for piecemgr/choke
// to iterate without holding the manager's lock.
func (m *Manager) Peers(infoHash [20]byte) []PeerKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerKey, 0, m.perTorrentCount[infoHash])
	for k := range m.peers {
		if k.InfoHash == infoHash {
			out = append(out, k)
		}
	}
	return out
}

// Conn returns the live connection for key, if any.
func (m *Manager) Conn(key PeerKey) (*peerconn.Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.peers[key]
	if !ok {
		return nil, false
	}
	return rec.conn, true
}

func (m *Manager) publish(infoHash [20]byte, ev Event) {
	m.mu.Lock()
	ch, ok := m.events[infoHash]
	if !ok {
		ch = make(chan Event, 256)
		m.events[infoHash] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- ev:
	default:
		m.logger.Warn("peer event channel full, dropping event", zap.Int("kind", int(ev.Kind)))
	}
}
