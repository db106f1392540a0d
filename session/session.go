// Package session orchestrates one torrent's whole lifecycle: it wires
// a tracker.Coordinator, peermgr.Manager, piecemgr.Manager,
// choke.Algorithm, bandwidth.Limiter and disk.Manager together behind
// the state machine from spec.md §4.14, and is the thing enginemgr
// holds one of per torrent.
package session

import (
	"context"
	"net"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/go-leech/leech/bandwidth"
	"github.com/go-leech/leech/choke"
	"github.com/go-leech/leech/disk"
	"github.com/go-leech/leech/metainfo"
	"github.com/go-leech/leech/mse"
	"github.com/go-leech/leech/peermgr"
	"github.com/go-leech/leech/piecemgr"
	"github.com/go-leech/leech/tracker"
	"github.com/go-leech/leech/wire"
	"github.com/go-leech/leech/xerrors"
)

const op = "session"

// State is the torrent lifecycle from spec.md §4.14.
type State int

const (
	Queued State = iota
	Checking
	Downloading
	Seeding
	Paused
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Error:
		return "error"
	default:
		return "queued"
	}
}

// ProgressTick is how often the session fans out new block requests,
// sweeps stale ones and drives the choking round, mirroring
// bandwidth's own 100ms refill cadence so every suspension point in
// the engine shares one tempo.
const ProgressTick = 100 * time.Millisecond

// Config bounds one session's resource usage; zero values take the
// collaborator packages' own defaults.
type Config struct {
	MaxConnections           int
	MaxConnectionsPerTorrent int
	PieceMgr                 piecemgr.Config
	DownloadLimit            bandwidth.Config
	UploadLimit              bandwidth.Config
}

// Stats is a point-in-time snapshot for a caller (e.g. enginemgr or a
// future CLI) to display.
type Stats struct {
	State          State
	Downloaded     int64
	Uploaded       int64
	Left           int64
	DownloadSpeed  float64 // bytes/sec, trailing 5s
	UploadSpeed    float64
	ETA            time.Duration // 0 if already complete or speed is 0
	NumPeers       int
	NumVerified    int
	NumPieces      int
}

// peerState is everything the session tracks about one connected peer
// beyond what peermgr itself keeps, namely the choking algorithm's rate
// and snub inputs.
type peerState struct {
	bitfield    *wire.Bitfield
	interested  bool
	peerChoking bool
	amChoking   bool
	down        *speedTracker
	up          *speedTracker
	lastMsgAt   time.Time
}

// Session runs one torrent end to end. Exactly one goroutine (the
// progress-tick loop) mutates its collaborator state; public methods
// either delegate to thread-safe collaborators directly or hand work
// to that goroutine, so Session itself needs no lock beyond the one
// guarding its own peer bookkeeping and state field.
type Session struct {
	info   *metainfo.Info
	peerID [20]byte
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock
	dialer Dialer

	trackerCoord *tracker.Coordinator
	peers        *peermgr.Manager
	pieces       *piecemgr.Manager
	choker       *choke.Algorithm
	bw           *bandwidth.Limiter
	disk         disk.Manager

	mu         sync.Mutex
	state      State
	peerStates map[peermgr.PeerKey]*peerState
	uploaded   int64
	downloaded int64
	lastErr    error

	stop   chan struct{}
	closed sync.Once
}

// Deps lets a caller override any collaborator (for tests, or to share
// one peermgr.Manager/bandwidth.Limiter across many sessions the way
// enginemgr does). Nil fields get sensible session-local defaults.
type Deps struct {
	Disk     disk.Manager
	Peers    *peermgr.Manager
	Bandwidth *bandwidth.Limiter
	Clock    clock.Clock
	Logger   *zap.Logger
}

// New builds a Session for info, not yet started. downloadPath is the
// directory the default disk.FileManager writes into (a single-file
// torrent is stored as downloadPath/Name) unless deps.Disk overrides
// it. tierURLs is info's announce-list (or a single tier containing
// Announce), pre-split the way metainfo already returns it. listenPort
// is this engine's own listen port, reported to trackers.
func New(info *metainfo.Info, peerID [20]byte, listenPort int, downloadPath string, tierURLs [][]*url.URL, cfg Config, deps Deps) (*Session, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := deps.Clock
	if c == nil {
		c = clock.New()
	}

	dm := deps.Disk
	if dm == nil {
		path := downloadPath
		if !info.Multi() {
			path = filepath.Join(downloadPath, info.Name)
		}
		dm = disk.NewFileManager(info, path)
	}

	peers := deps.Peers
	if peers == nil {
		peers = peermgr.NewManager(peermgr.Config{
			MaxConnections:           cfg.MaxConnections,
			MaxConnectionsPerTorrent: cfg.MaxConnectionsPerTorrent,
		}, logger)
	}

	bw := deps.Bandwidth
	if bw == nil {
		bw = bandwidth.New(cfg.DownloadLimit, cfg.UploadLimit, logger)
	}
	bw.AddTorrent(info.InfoHash, cfg.DownloadLimit, cfg.UploadLimit)

	coord := tracker.NewCoordinatorWithClock(info.InfoHash, peerID, listenPort, tierURLs, logger, c)

	return &Session{
		info:         info,
		peerID:       peerID,
		cfg:          cfg,
		logger:       logger,
		clock:        c,
		dialer:       NewDialer(mse.Prefer, logger),
		trackerCoord: coord,
		peers:        peers,
		choker:       choke.NewWithClock(choke.Leeching, logger, c),
		bw:           bw,
		disk:         dm,
		state:        Queued,
		peerStates:   make(map[peermgr.PeerKey]*peerState),
		stop:         make(chan struct{}),
	}, nil
}

// SetDialer overrides the outbound-connection strategy, e.g. for tests
// that never want to touch a real socket.
func (s *Session) SetDialer(d Dialer) { s.dialer = d }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Info("session state transition", zap.String("from", prev.String()), zap.String("to", st.String()))
	}
}

// Start moves a Queued session into Checking, verifies existing disk
// content, builds the piece manager from the result, and begins
// announcing plus the progress-tick loop. Resuming a Paused session
// just clears the pause (the checking pass, tracker coordinator and
// tick loop are already live) without re-verifying from scratch. It is
// a no-op (returns nil) if already running.
func (s *Session) Start(ctx context.Context) error {
	switch s.State() {
	case Downloading, Seeding, Checking:
		return nil
	case Stopped:
		return xerrors.Newf(xerrors.InvalidState, op, "cannot start a stopped session; construct a new one")
	case Paused:
		if s.pieces.IsComplete() {
			s.setState(Seeding)
		} else {
			s.setState(Downloading)
		}
		return nil
	}

	s.setState(Checking)
	have, err := s.disk.Start()
	if err != nil {
		s.fail(err)
		return err
	}

	pieces := make([]piecemgr.Piece, s.info.PieceCount)
	for i := 0; i < s.info.PieceCount; i++ {
		pieces[i] = piecemgr.Piece{Index: i, Length: s.pieceLength(i), Hash: s.info.Pieces[i]}
	}
	s.pieces = piecemgr.NewManager(pieces, have, s.cfg.PieceMgr, s.logger)

	if len(have) == s.info.PieceCount {
		s.setState(Seeding)
	} else {
		s.setState(Downloading)
	}

	s.trackerCoord.Announce(ctx, tracker.EventStarted, s.uploaded, s.downloaded, s.left())
	go s.runLoop(ctx)
	return nil
}

func (s *Session) pieceLength(index int) int64 {
	if index == s.info.PieceCount-1 {
		rem := s.info.TotalLength % s.info.PieceLength
		if rem != 0 {
			return rem
		}
	}
	return s.info.PieceLength
}

func (s *Session) left() int64 {
	if s.pieces == nil {
		return s.info.TotalLength
	}
	return s.info.TotalLength - int64(s.pieces.MissingCount())*s.info.PieceLength
}

// Pause stops issuing new requests and announces nothing further, but
// keeps peer connections and disk state intact so Start can resume
// without re-verifying from scratch. It does nothing unless the session
// is Downloading or Seeding.
func (s *Session) Pause() {
	if st := s.State(); st != Downloading && st != Seeding {
		return
	}
	s.setState(Paused)
}

// Stop tears the session down permanently: announces "stopped",
// closes every peer connection, and stops the bandwidth limiter's
// per-torrent buckets. The Session is not reusable after Stop.
func (s *Session) Stop(ctx context.Context) error {
	s.closed.Do(func() {
		s.trackerCoord.Announce(ctx, tracker.EventStopped, s.uploaded, s.downloaded, s.left())
		close(s.stop)
		s.bw.RemoveTorrent(s.info.InfoHash)
		for _, key := range s.peers.Peers(s.info.InfoHash) {
			s.peers.Disconnect(key, peermgr.ReasonManual)
		}
		s.disk.Close()
	})
	s.setState(Stopped)
	return nil
}

// Stats returns a point-in-time snapshot.
func (s *Session) Stats() Stats {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var down, up float64
	for _, ps := range s.peerStates {
		down += ps.down.Rate(now)
		up += ps.up.Rate(now)
	}
	left := s.info.TotalLength
	verified := 0
	if s.pieces != nil {
		left = s.left()
		verified = s.info.PieceCount - s.pieces.MissingCount()
	}
	var eta time.Duration
	if down > 0 && left > 0 {
		eta = time.Duration(float64(left)/down) * time.Second
	}
	return Stats{
		State:         s.state,
		Downloaded:    s.downloaded,
		Uploaded:      s.uploaded,
		Left:          left,
		DownloadSpeed: down,
		UploadSpeed:   up,
		ETA:           eta,
		NumPeers:      len(s.peerStates),
		NumVerified:   verified,
		NumPieces:     s.info.PieceCount,
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.logger.Error("session failed", zap.Error(err), zap.String("op", op))
	s.setState(Error)
}

// runLoop is the single goroutine that drives piecemgr/peermgr/tracker
// event draining, the choke round and stale-request sweeps, at
// ProgressTick cadence.
func (s *Session) runLoop(ctx context.Context) {
	ticker := s.clock.Ticker(ProgressTick)
	defer ticker.Stop()

	peerEvents := s.peers.EventsFor(s.info.InfoHash)
	trackerEvents := s.trackerCoord.Events()
	diskEvents := s.disk.Events()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case ev := <-peerEvents:
			s.handlePeerEvent(ev)
		case ev := <-trackerEvents:
			s.handleTrackerEvent(ev)
		case ev := <-diskEvents:
			s.handleDiskEvent(ev)
		case ev := <-s.pieceEvents():
			s.handlePieceEvent(ev)
		case now := <-ticker.C:
			s.onTick(now)
		}
	}
}

// pieceEvents is a tiny indirection so runLoop's select can reference
// piecemgr's channel even though it's only created once Start has run.
func (s *Session) pieceEvents() <-chan piecemgr.Event {
	if s.pieces == nil {
		return nil
	}
	return s.pieces.Events()
}

func (s *Session) onTick(now time.Time) {
	if s.State() == Paused {
		return
	}

	for _, req := range s.pieces.SweepStale() {
		s.sendCancel(req)
	}

	for _, pk := range s.peers.Peers(s.info.InfoHash) {
		s.issueRequestsFor(pk)
	}

	if decisions, fired := s.choker.Tick(now, s); fired {
		for _, d := range decisions {
			s.applyChokeDecision(d.PeerID, d.Unchoke)
		}
	}
}

func (s *Session) issueRequestsFor(pk peermgr.PeerKey) {
	s.mu.Lock()
	ps, ok := s.peerStates[pk]
	s.mu.Unlock()
	if !ok || ps.bitfield == nil || ps.peerChoking {
		return
	}
	reqs := s.pieces.GetBlockRequests(pk.String(), ps.bitfield)
	for _, r := range reqs {
		s.sendRequest(pk, r)
	}
}

func (s *Session) sendRequest(pk peermgr.PeerKey, r piecemgr.Request) {
	conn, ok := s.peers.Conn(pk)
	if !ok {
		return
	}
	<-s.bw.Request(int(r.Length), bandwidth.Download, s.info.InfoHash)
	if err := conn.Write(wire.RequestMsg(uint32(r.Index), r.Begin, r.Length)); err != nil {
		s.peers.Disconnect(pk, peermgr.ReasonProtocolError)
	}
}

// peerKeyByID finds the live PeerKey whose String() matches peerID, the
// identity piecemgr and choke deal in (they never hold a PeerKey
// directly, per the read-only-capability design in spec.md §9).
func (s *Session) peerKeyByID(peerID string) (peermgr.PeerKey, bool) {
	for _, k := range s.peers.Peers(s.info.InfoHash) {
		if k.String() == peerID {
			return k, true
		}
	}
	return peermgr.PeerKey{}, false
}

func (s *Session) sendCancel(r piecemgr.Request) {
	pk, ok := s.peerKeyByID(r.PeerID)
	if !ok {
		return
	}
	if conn, ok := s.peers.Conn(pk); ok {
		conn.Write(wire.CancelMsg(uint32(r.Index), r.Begin, r.Length))
	}
}

func (s *Session) applyChokeDecision(peerID string, unchoke bool) {
	pk, ok := s.peerKeyByID(peerID)
	if !ok {
		return
	}
	conn, ok := s.peers.Conn(pk)
	if !ok {
		return
	}
	s.mu.Lock()
	if ps, ok := s.peerStates[pk]; ok {
		ps.amChoking = !unchoke
	}
	s.mu.Unlock()
	if unchoke {
		conn.Write(wire.UnchokeMsg())
	} else {
		conn.Write(wire.ChokeMsg())
	}
}

func (s *Session) handleTrackerEvent(ev tracker.AnnounceEvent) {
	if ev.Err != nil {
		return
	}
	for _, p := range ev.Peers {
		s.maybeConnect(p)
	}
}

func (s *Session) handleDiskEvent(ev disk.PieceWritten) {
	for _, k := range s.peers.Peers(s.info.InfoHash) {
		if conn, ok := s.peers.Conn(k); ok {
			conn.Write(wire.HaveMsg(uint32(ev.Index)))
		}
	}
	if s.pieces != nil && s.pieces.IsComplete() {
		s.setState(Seeding)
	}
}

func (s *Session) handlePieceEvent(ev piecemgr.Event) {
	switch ev.Kind {
	case piecemgr.EventPieceComplete:
		s.mu.Lock()
		s.downloaded += int64(len(ev.PieceBuf))
		s.mu.Unlock()
		if err := s.disk.WritePiece(ev.Index, ev.PieceBuf); err != nil {
			s.logger.Warn("failed to persist verified piece", zap.Int("index", ev.Index), zap.Error(err))
		}
	case piecemgr.EventPeerBanned:
		for _, k := range s.peers.Peers(s.info.InfoHash) {
			if k.String() == ev.PeerID {
				s.peers.Disconnect(k, peermgr.ReasonProtocolError)
			}
		}
	}
}

func (s *Session) handlePeerEvent(ev peermgr.Event) {
	s.mu.Lock()
	ps, ok := s.peerStates[ev.PeerKey]
	if !ok {
		ps = &peerState{down: newSpeedTracker(), up: newSpeedTracker(), peerChoking: true, amChoking: true}
		s.peerStates[ev.PeerKey] = ps
	}
	s.mu.Unlock()

	now := s.clock.Now()
	switch ev.Kind {
	case peermgr.EventPeerConnected:
		s.pieces.RegisterPeer(wire.NewBitfield(s.info.PieceCount))
	case peermgr.EventPeerDisconnected:
		s.mu.Lock()
		if ps.bitfield != nil {
			s.pieces.UnregisterPeer(ps.bitfield)
		}
		delete(s.peerStates, ev.PeerKey)
		s.mu.Unlock()
	case peermgr.EventPeerBitfield:
		s.mu.Lock()
		ps.bitfield = ev.Bitfield
		ps.lastMsgAt = now
		s.mu.Unlock()
		s.pieces.RegisterPeer(ev.Bitfield)
	case peermgr.EventPeerHave:
		s.mu.Lock()
		if ps.bitfield != nil {
			ps.bitfield.Set(int(ev.PieceIndex))
		}
		ps.lastMsgAt = now
		s.mu.Unlock()
		s.pieces.OnPeerHave(int(ev.PieceIndex))
	case peermgr.EventPeerChoked, peermgr.EventPeerUnchoked:
		s.mu.Lock()
		ps.peerChoking = ev.Choked
		ps.lastMsgAt = now
		s.mu.Unlock()
	case peermgr.EventPeerInterested, peermgr.EventPeerNotInterested:
		s.mu.Lock()
		ps.interested = ev.Interested
		ps.lastMsgAt = now
		s.mu.Unlock()
	case peermgr.EventPieceReceived:
		s.mu.Lock()
		ps.down.Add(now, int64(len(ev.Piece.Block)))
		ps.lastMsgAt = now
		s.mu.Unlock()
		s.pieces.HandleBlock(ev.PeerKey.String(), ev.Piece)
	case peermgr.EventRequestReceived:
		s.mu.Lock()
		ps.lastMsgAt = now
		s.mu.Unlock()
		s.servePeerRequest(ev.PeerKey, ev.Request)
	case peermgr.EventPEXPeers:
		for _, pe := range ev.PEXPeers {
			host, portStr, err := net.SplitHostPort(pe.Addr)
			if err != nil {
				continue
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				continue
			}
			s.maybeConnect(tracker.PeerAddr{IP: host, Port: port})
		}
	}
}

func (s *Session) servePeerRequest(pk peermgr.PeerKey, r wire.ParsedRequest) {
	s.mu.Lock()
	ps, ok := s.peerStates[pk]
	s.mu.Unlock()
	if !ok || ps.amChoking {
		return
	}
	conn, ok := s.peers.Conn(pk)
	if !ok {
		return
	}
	<-s.bw.Request(int(r.Length), bandwidth.Upload, s.info.InfoHash)
	block, err := s.disk.ReadBlock(int(r.Index), int(r.Begin), int(r.Length))
	if err != nil {
		return
	}
	if conn.Write(wire.PieceMsg(r.Index, r.Begin, block)) == nil {
		s.mu.Lock()
		s.uploaded += int64(len(block))
		ps.up.Add(s.clock.Now(), int64(len(block)))
		s.mu.Unlock()
	}
}

// maybeConnect hands addr to the session's Dialer (peerglue.go) on a
// new goroutine when a connection slot is free. The Dialer owns the
// net.Dialer and MSE policy, so tests can swap in one that never opens
// a real socket.
func (s *Session) maybeConnect(addr tracker.PeerAddr) {
	if s.dialer == nil {
		return
	}
	if !s.peers.CanAccept(s.info.InfoHash) {
		return
	}
	go s.dialer.Dial(s, addr)
}

// InterestedPeerIDs, Rate and LastMessageAt implement choke.PeerList.
func (s *Session) InterestedPeerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peerStates))
	for pk, ps := range s.peerStates {
		if ps.interested {
			out = append(out, pk.String())
		}
	}
	sort.Strings(out)
	return out
}

func (s *Session) Rate(peerID string) float64 {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for pk, ps := range s.peerStates {
		if pk.String() == peerID {
			return ps.down.Rate(now)
		}
	}
	return 0
}

func (s *Session) LastMessageAt(peerID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pk, ps := range s.peerStates {
		if pk.String() == peerID {
			return ps.lastMsgAt
		}
	}
	return time.Time{}
}
