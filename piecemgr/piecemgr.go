// Package piecemgr tracks which pieces a torrent session has, which are
// in flight, and per-peer "have" sets, and turns that state into the
// next block requests to issue (rarest-first, BEP-3 §4.11). The
// rarest-first bucket structure is adapted from the teacher's
// PieceQueue; the per-block request bookkeeping (quota, staleness,
// endgame duplicates) follows the shape of uber/kraken's
// piecerequest.Manager, built on the same github.com/willf/bitset +
// github.com/andres-erbsen/clock pairing kraken uses for it.
package piecemgr

import (
	"crypto/sha1"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/go-leech/leech/wire"
)

const (
	// DefaultMaxInFlightPerPeer bounds outstanding block requests per peer.
	DefaultMaxInFlightPerPeer = 8
	// DefaultEndgameThreshold is the count of not-yet-verified pieces
	// below which the same block may be requested from more than one peer.
	DefaultEndgameThreshold = 20
	// DefaultStaleTimeout is how long an unanswered block request waits
	// before it is cancelled and returned to the pool.
	DefaultStaleTimeout = 30 * time.Second
)

// Piece is one piece's static metadata.
type Piece struct {
	Index  int
	Length int64
	Hash   [20]byte
}

func (p Piece) numBlocks() int {
	return int((p.Length + wire.MaxBlockLength - 1) / wire.MaxBlockLength)
}

func (p Piece) blockLength(blockIdx int) int {
	start := int64(blockIdx) * wire.MaxBlockLength
	rem := p.Length - start
	if rem > wire.MaxBlockLength {
		return wire.MaxBlockLength
	}
	return int(rem)
}

// Request is one outstanding block request, matching spec.md §3's
// {peer_id, piece_index, begin, length}.
type Request struct {
	PeerID string
	Index  int
	Begin  uint32
	Length uint32
}

// blockKey identifies a block irrespective of which peer(s) it was
// requested from.
type blockKey struct {
	piece, begin int
}

type inFlight struct {
	peerID string
	sentAt time.Time
}

type pieceBuffer struct {
	data         []byte
	received     *bitset.BitSet // one bit per block
	numLeft      int
	contributors map[string]bool // peers that delivered at least one block of this piece
}

// EventKind discriminates Manager's output events.
type EventKind int

const (
	EventPieceComplete EventKind = iota
	EventPieceFailed
	EventPeerBanned
)

// Event is a single occurrence surfaced to the session.
type Event struct {
	Kind     EventKind
	Index    int
	PeerID   string
	PieceBuf []byte // populated only for EventPieceComplete
}

// Config bounds Manager's request policy.
type Config struct {
	MaxInFlightPerPeer int
	EndgameThreshold   int
	StaleTimeout       time.Duration
	BanThreshold       int // hash failures a peer may contribute to (counted over its lifetime, never reset) before it's banned; 0 uses a default of 3
}

// Manager owns piece selection and block-level bookkeeping for one
// torrent. It is not responsible for the wire protocol or disk I/O;
// HandleBlock hands a verified piece's bytes back to the caller, who
// routes it to a disk.Manager.
type Manager struct {
	mu sync.Mutex

	pieces []Piece
	clock  clock.Clock
	logger *zap.Logger

	maxInFlightPerPeer int
	endgameThreshold   int
	staleTimeout       time.Duration
	banThreshold       int

	// availability buckets: buckets[n] is the set of pending piece
	// indices currently seen by exactly n connected peers.
	availability []int
	buckets      []map[int]bool
	missing      map[int]bool
	requesting   map[int]bool
	verified     map[int]bool

	buffers map[int]*pieceBuffer

	blockOwners map[blockKey][]*inFlight
	peerInFlightCount map[string]int
	peerFailures      map[string]int
	banned            map[string]bool

	events chan Event
}

// NewManager builds a Manager for pieces, with alreadyHave marking
// pieces the disk layer already verified on startup (a resumed
// torrent).
func NewManager(pieces []Piece, alreadyHave map[int]bool, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxInFlightPerPeer <= 0 {
		cfg.MaxInFlightPerPeer = DefaultMaxInFlightPerPeer
	}
	if cfg.EndgameThreshold <= 0 {
		cfg.EndgameThreshold = DefaultEndgameThreshold
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.BanThreshold <= 0 {
		cfg.BanThreshold = 3
	}

	m := &Manager{
		pieces:             pieces,
		clock:              clock.New(),
		logger:             logger,
		maxInFlightPerPeer: cfg.MaxInFlightPerPeer,
		endgameThreshold:   cfg.EndgameThreshold,
		staleTimeout:       cfg.StaleTimeout,
		banThreshold:       cfg.BanThreshold,
		availability:       make([]int, len(pieces)),
		buckets:            []map[int]bool{make(map[int]bool)},
		missing:            make(map[int]bool),
		requesting:         make(map[int]bool),
		verified:           make(map[int]bool),
		buffers:            make(map[int]*pieceBuffer),
		blockOwners:        make(map[blockKey][]*inFlight),
		peerInFlightCount:  make(map[string]int),
		peerFailures:       make(map[string]int),
		banned:             make(map[string]bool),
		events:             make(chan Event, 64),
	}
	for i := range pieces {
		if alreadyHave[i] {
			m.verified[i] = true
		} else {
			m.missing[i] = true
			m.buckets[0][i] = true
		}
	}
	return m
}

// Events returns the channel piece completion/failure/ban events are
// published on.
func (m *Manager) Events() <-chan Event { return m.events }

// IsComplete reports whether every piece is verified.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.verified) == len(m.pieces)
}

// MissingCount returns how many pieces are neither verified nor
// in-flight.
func (m *Manager) MissingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.missing)
}

func (m *Manager) ensureBucket(avail int) {
	for len(m.buckets) <= avail {
		m.buckets = append(m.buckets, make(map[int]bool))
	}
}

// RegisterPeer folds bf into the rarest-first availability count. Call
// once per connected peer, on receipt of its bitfield (or a synthetic
// all-zero one before the first bitfield arrives).
func (m *Manager) RegisterPeer(bf *wire.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pieces {
		if bf.Has(i) {
			m.bumpAvailability(i, 1)
		}
	}
}

// UnregisterPeer undoes RegisterPeer on disconnect.
func (m *Manager) UnregisterPeer(bf *wire.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pieces {
		if bf.Has(i) {
			m.bumpAvailability(i, -1)
		}
	}
}

// OnPeerHave is RegisterPeer's single-piece equivalent, for an
// incoming "have" message.
func (m *Manager) OnPeerHave(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.pieces) {
		return
	}
	m.bumpAvailability(index, 1)
}

func (m *Manager) bumpAvailability(index, delta int) {
	if !m.missing[index] || m.requesting[index] {
		m.availability[index] += delta
		return
	}
	old := m.availability[index]
	if old < len(m.buckets) {
		delete(m.buckets[old], index)
	}
	m.availability[index] += delta
	if m.availability[index] < 0 {
		m.availability[index] = 0
	}
	m.ensureBucket(m.availability[index])
	m.buckets[m.availability[index]][index] = true
}

// GetBlockRequests selects up to the peer's remaining quota of blocks
// to request next, rarest piece first, honoring in-flight caps and
// (outside endgame) avoiding blocks already requested from someone
// else.
func (m *Manager) GetBlockRequests(peerID string, peerBitfield *wire.Bitfield) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.banned[peerID] {
		return nil
	}

	quota := m.maxInFlightPerPeer - m.peerInFlightCount[peerID]
	if quota <= 0 {
		return nil
	}
	remaining := len(m.pieces) - len(m.verified)
	endgame := remaining > 0 && remaining < m.endgameThreshold

	var out []Request
	now := m.clock.Now()

	// First, try to continue a piece we already started (keeps buffers
	// few and writes arriving sooner), then fall back to rarest-first
	// among brand-new pieces.
	for idx := range m.requesting {
		if quota <= 0 {
			break
		}
		if !peerBitfield.Has(idx) {
			continue
		}
		out, quota = m.fillFromPiece(idx, peerID, quota, endgame, now, out)
	}

	for avail := 0; avail < len(m.buckets) && quota > 0; avail++ {
		for idx := range m.buckets[avail] {
			if quota <= 0 {
				break
			}
			if !peerBitfield.Has(idx) {
				continue
			}
			delete(m.buckets[avail], idx)
			delete(m.missing, idx)
			m.requesting[idx] = true
			m.allocateBuffer(idx)
			out, quota = m.fillFromPiece(idx, peerID, quota, endgame, now, out)
		}
	}

	m.peerInFlightCount[peerID] += len(out)
	return out
}

func (m *Manager) allocateBuffer(index int) {
	if _, ok := m.buffers[index]; ok {
		return
	}
	p := m.pieces[index]
	m.buffers[index] = &pieceBuffer{
		data:         make([]byte, p.Length),
		received:     bitset.New(uint(p.numBlocks())),
		numLeft:      p.numBlocks(),
		contributors: make(map[string]bool),
	}
}

func (m *Manager) fillFromPiece(index int, peerID string, quota int, endgame bool, now time.Time, out []Request) ([]Request, int) {
	p := m.pieces[index]
	buf := m.buffers[index]
	if buf == nil {
		return out, quota
	}
	for b := 0; b < p.numBlocks() && quota > 0; b++ {
		if buf.received.Test(uint(b)) {
			continue
		}
		key := blockKey{piece: index, begin: b * wire.MaxBlockLength}
		owners := m.blockOwners[key]
		live := liveOwners(owners, now, m.staleTimeout)
		alreadyMine := false
		for _, o := range live {
			if o.peerID == peerID {
				alreadyMine = true
			}
		}
		if alreadyMine {
			continue
		}
		if len(live) > 0 && !endgame {
			continue
		}
		live = append(live, &inFlight{peerID: peerID, sentAt: now})
		m.blockOwners[key] = live
		out = append(out, Request{
			PeerID: peerID,
			Index:  index,
			Begin:  uint32(key.begin),
			Length: uint32(p.blockLength(b)),
		})
		quota--
	}
	return out, quota
}

func liveOwners(owners []*inFlight, now time.Time, timeout time.Duration) []*inFlight {
	live := owners[:0:0]
	for _, o := range owners {
		if now.Sub(o.sentAt) < timeout {
			live = append(live, o)
		}
	}
	return live
}

// HandleBlock accumulates an incoming block into its piece's buffer.
// When the buffer fills, the piece is SHA-1 verified: on success an
// EventPieceComplete (carrying the full piece bytes) is published and
// the caller should hand them to disk.Manager.WritePiece; on failure
// an EventPieceFailed is published, contributing peers' failure counts
// are bumped (banning repeat offenders), and the piece returns to
// Missing.
func (m *Manager) HandleBlock(peerID string, p wire.ParsedPiece) {
	m.mu.Lock()

	index := int(p.Index)
	if index < 0 || index >= len(m.pieces) {
		m.mu.Unlock()
		return
	}
	buf := m.buffers[index]
	if buf == nil {
		m.mu.Unlock()
		return
	}
	blockIdx := int(p.Begin) / wire.MaxBlockLength
	key := blockKey{piece: index, begin: int(p.Begin)}

	if !buf.received.Test(uint(blockIdx)) {
		copy(buf.data[p.Begin:], p.Block)
		buf.received.Set(uint(blockIdx))
		buf.numLeft--
		buf.contributors[peerID] = true
	}

	// This block is settled: drop every other peer's in-flight record of
	// it (the endgame "first arrival wins" rule) and release their quota.
	// No wire cancel is sent to those peers; their late copies of the
	// block are ignored when they arrive.
	owners := m.blockOwners[key]
	var cancelFor []string
	for _, o := range owners {
		if o.peerID != peerID {
			cancelFor = append(cancelFor, o.peerID)
		}
	}
	delete(m.blockOwners, key)
	m.decInFlight(peerID)
	for _, pid := range cancelFor {
		m.decInFlight(pid)
	}

	if buf.numLeft > 0 {
		m.mu.Unlock()
		return
	}

	// Piece is full: verify.
	delete(m.requesting, index)
	contributors := make([]string, 0, len(buf.contributors))
	for pid := range buf.contributors {
		contributors = append(contributors, pid)
	}
	ok := sha1.Sum(buf.data) == m.pieces[index].Hash
	delete(m.buffers, index)

	if ok {
		m.verified[index] = true
		data := buf.data
		m.mu.Unlock()
		m.events <- Event{Kind: EventPieceComplete, Index: index, PeerID: peerID, PieceBuf: data}
		return
	}

	m.missing[index] = true
	avail := m.availability[index]
	m.ensureBucket(avail)
	m.buckets[avail][index] = true
	var banned []string
	for _, pid := range contributors {
		m.peerFailures[pid]++
		if m.peerFailures[pid] >= m.banThreshold {
			m.banned[pid] = true
			banned = append(banned, pid)
		}
	}
	m.mu.Unlock()

	m.events <- Event{Kind: EventPieceFailed, Index: index, PeerID: peerID}
	for _, pid := range banned {
		m.events <- Event{Kind: EventPeerBanned, PeerID: pid}
	}
}

func (m *Manager) decInFlight(peerID string) {
	if m.peerInFlightCount[peerID] > 0 {
		m.peerInFlightCount[peerID]--
	}
}

// SweepStale cancels and returns to the pool any block request older
// than the configured stale timeout, so the session can send the
// corresponding wire cancel and let another peer pick it up.
func (m *Manager) SweepStale() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var cancelled []Request
	for key, owners := range m.blockOwners {
		var live []*inFlight
		for _, o := range owners {
			if now.Sub(o.sentAt) >= m.staleTimeout {
				length := m.pieces[key.piece].blockLength(key.begin / wire.MaxBlockLength)
				cancelled = append(cancelled, Request{PeerID: o.peerID, Index: key.piece, Begin: uint32(key.begin), Length: uint32(length)})
				m.decInFlight(o.peerID)
			} else {
				live = append(live, o)
			}
		}
		if len(live) == 0 {
			delete(m.blockOwners, key)
		} else {
			m.blockOwners[key] = live
		}
	}
	return cancelled
}

// PeerBanned reports whether peerID has been banned for repeated hash
// failures.
func (m *Manager) PeerBanned(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banned[peerID]
}
