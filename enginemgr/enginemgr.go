// Package enginemgr is the engine-wide session manager from spec.md
// §4.15 (renamed from "session manager" to avoid colliding with the
// session package it manages): it holds every torrent's
// *session.Session, shares one peermgr.Manager and bandwidth.Limiter
// across all of them, and enforces MaxActiveTorrents with a FIFO wait
// queue so a large batch add doesn't try to run every torrent at once.
package enginemgr

import (
	"context"
	"crypto/rand"
	"net/url"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/go-leech/leech/bandwidth"
	"github.com/go-leech/leech/disk"
	"github.com/go-leech/leech/metainfo"
	"github.com/go-leech/leech/peermgr"
	"github.com/go-leech/leech/session"
	"github.com/go-leech/leech/xerrors"
)

const op = "enginemgr"

// peerIDPrefix is this engine's Azureus-style client identification,
// the first 8 bytes of every peer id it presents to trackers and peers.
const peerIDPrefix = "-GL0001-"

// Config bounds one engine instance's shared resources. Zero
// MaxActiveTorrents means unlimited (every Start runs its session
// immediately instead of queueing it).
type Config struct {
	MaxActiveTorrents int
	ListenPort        int
	DownloadPath      string
	Session           session.Config
}

// Deps lets a caller override the engine's shared collaborators, e.g.
// for tests that want a mock clock driving every session's tick loop in
// lockstep.
type Deps struct {
	Clock     clock.Clock
	Peers     *peermgr.Manager
	Bandwidth *bandwidth.Limiter
	Logger    *zap.Logger
}

// entry is one managed torrent: its session plus the bookkeeping
// enginemgr needs to run the wait queue and answer GetAll without
// reaching into session internals.
type entry struct {
	id   uuid.UUID
	sess *session.Session
	// holdsSlot is true once this torrent has successfully acquired an
	// active-torrent slot; Manager.poll releases it the moment the
	// session's state leaves the active set. It's touched from
	// Start/Pause/RemoveTorrent and the poll loop concurrently,
	// hence the atomic rather than a plain bool guarded by Manager.mu.
	holdsSlot atomic.Bool
}

// Manager is the engine-wide session manager. All methods are safe for
// concurrent use.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock
	peerID [20]byte

	peers *peermgr.Manager
	bw    *bandwidth.Limiter

	sem       *semaphore.Weighted
	unlimited bool

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	waiting []uuid.UUID // FIFO of ids blocked on a free slot

	activeCount atomic.Int64

	stop   chan struct{}
	closed sync.Once
}

// New builds an engine with its own shared peermgr.Manager and
// bandwidth.Limiter, generating a fresh peer id for this engine
// instance from a random github.com/google/uuid (Azureus-style prefix
// plus the uuid's random bytes, the same shape the teacher's own peer
// id used, just backed by a real UUID instead of crypto/rand called
// directly).
func New(cfg Config, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := deps.Clock
	if c == nil {
		c = clock.New()
	}
	peers := deps.Peers
	if peers == nil {
		peers = peermgr.NewManager(peermgr.Config{
			MaxConnections:           cfg.Session.MaxConnections,
			MaxConnectionsPerTorrent: cfg.Session.MaxConnectionsPerTorrent,
		}, logger)
	}
	bw := deps.Bandwidth
	if bw == nil {
		bw = bandwidth.New(cfg.Session.DownloadLimit, cfg.Session.UploadLimit, logger)
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		clock:   c,
		peerID:  newPeerID(),
		peers:   peers,
		bw:      bw,
		entries: make(map[uuid.UUID]*entry),
		stop:    make(chan struct{}),
	}
	if cfg.MaxActiveTorrents > 0 {
		m.sem = semaphore.NewWeighted(int64(cfg.MaxActiveTorrents))
	} else {
		m.unlimited = true
	}
	go m.pollLoop()
	return m
}

func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	u, err := uuid.NewRandom()
	if err != nil {
		// crypto/rand itself is exhausted; fall back to reading it
		// directly into the remaining bytes rather than leaving them zero.
		rand.Read(id[len(peerIDPrefix):])
		return id
	}
	b := u[:]
	copy(id[len(peerIDPrefix):], b[:20-len(peerIDPrefix)])
	return id
}

// AddTorrent builds a new, not-yet-started session for info and
// registers it under a fresh id. tierURLs is info's pre-split
// announce-list. diskOverride lets a caller supply its own
// disk.Manager (e.g. a test fake); nil uses the default
// disk.FileManager rooted at the engine's DownloadPath.
func (m *Manager) AddTorrent(info *metainfo.Info, tierURLs [][]*url.URL, diskOverride disk.Manager) (uuid.UUID, error) {
	sess, err := session.New(info, m.peerID, m.cfg.ListenPort, m.cfg.DownloadPath, tierURLs, m.cfg.Session, session.Deps{
		Disk:      diskOverride,
		Peers:     m.peers,
		Bandwidth: m.bw,
		Clock:     m.clock,
		Logger:    m.logger,
	})
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	m.mu.Lock()
	m.entries[id] = &entry{id: id, sess: sess}
	m.mu.Unlock()
	return id, nil
}

// Start requests that id's session run. If the engine is already at
// MaxActiveTorrents, id is appended to the FIFO wait queue instead and
// starts automatically once a slot frees up.
func (m *Manager) Start(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return xerrors.Newf(xerrors.InvalidState, op, "unknown torrent %s", id)
	}

	if m.tryAcquire() {
		e.holdsSlot.Store(true)
		return e.sess.Start(ctx)
	}

	m.mu.Lock()
	m.waiting = append(m.waiting, id)
	m.mu.Unlock()
	m.logger.Info("torrent queued, at capacity", zap.String("id", id.String()))
	return nil
}

func (m *Manager) tryAcquire() bool {
	if m.unlimited {
		return true
	}
	return m.sem.TryAcquire(1)
}

func (m *Manager) release() {
	if m.unlimited {
		return
	}
	m.sem.Release(1)
}

// Pause pauses id's session and releases its active slot (if held) to
// the next queued torrent.
func (m *Manager) Pause(id uuid.UUID) error {
	e, ok := m.lookup(id)
	if !ok {
		return xerrors.Newf(xerrors.InvalidState, op, "unknown torrent %s", id)
	}
	e.sess.Pause()
	m.releaseIfHeld(e)
	m.promoteNext()
	return nil
}

// RemoveTorrent stops id's session permanently and drops it from the
// engine, promoting the next queued torrent if id held an active slot.
func (m *Manager) RemoveTorrent(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
		m.removeFromWaitingLocked(id)
	}
	m.mu.Unlock()
	if !ok {
		return xerrors.Newf(xerrors.InvalidState, op, "unknown torrent %s", id)
	}

	err := e.sess.Stop(ctx)
	m.releaseIfHeld(e)
	m.promoteNext()
	return err
}

func (m *Manager) releaseIfHeld(e *entry) {
	if e.holdsSlot.CompareAndSwap(true, false) {
		m.release()
	}
}

func (m *Manager) removeFromWaitingLocked(id uuid.UUID) {
	for i, w := range m.waiting {
		if w == id {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			return
		}
	}
}

// promoteNext starts the oldest queued torrent if a slot is free.
func (m *Manager) promoteNext() {
	for {
		if !m.tryAcquire() {
			return
		}
		m.mu.Lock()
		if len(m.waiting) == 0 {
			m.mu.Unlock()
			m.release()
			return
		}
		id := m.waiting[0]
		m.waiting = m.waiting[1:]
		e := m.entries[id]
		m.mu.Unlock()
		if e == nil {
			m.release()
			continue
		}
		e.holdsSlot.Store(true)
		if err := e.sess.Start(context.Background()); err != nil {
			m.logger.Warn("failed to start queued torrent", zap.String("id", id.String()), zap.Error(err))
			m.releaseIfHeld(e)
			continue
		}
		return
	}
}

// GetStats returns a point-in-time snapshot for id.
func (m *Manager) GetStats(id uuid.UUID) (session.Stats, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return session.Stats{}, false
	}
	return e.sess.Stats(), true
}

// GetAll returns a snapshot of every managed torrent.
func (m *Manager) GetAll() map[uuid.UUID]session.Stats {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.entries))
	sessions := make(map[uuid.UUID]*session.Session, len(m.entries))
	for id, e := range m.entries {
		ids = append(ids, id)
		sessions[id] = e.sess
	}
	m.mu.Unlock()

	out := make(map[uuid.UUID]session.Stats, len(ids))
	for _, id := range ids {
		out[id] = sessions[id].Stats()
	}
	return out
}

func (m *Manager) lookup(id uuid.UUID) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

// pollLoop watches every slot-holding session for a transition out of
// the active state set (Checking/Downloading/Seeding) and frees its
// slot for the wait queue the moment that happens. Sessions don't
// themselves publish lifecycle events outward, so polling at the same
// ProgressTick cadence the session's own loop runs at is the simplest
// way to notice a Pause, Stop or internal failure without adding an
// enginemgr-shaped event channel to session just for this.
func (m *Manager) pollLoop() {
	ticker := m.clock.Ticker(session.ProgressTick)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapInactive()
		}
	}
}

func (m *Manager) reapInactive() {
	m.mu.Lock()
	held := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.holdsSlot.Load() {
			held = append(held, e)
		}
	}
	m.mu.Unlock()

	freed := false
	stillHeld := int64(0)
	for _, e := range held {
		switch e.sess.State() {
		case session.Downloading, session.Seeding, session.Checking:
			stillHeld++
		default:
			m.releaseIfHeld(e)
			freed = true
		}
	}
	m.activeCount.Store(stillHeld)
	if freed {
		m.promoteNext()
	}
}

// ActiveCount is the number of torrents currently holding a slot, kept
// on a lock-free counter since it's read far more often than it
// changes (e.g. a status bar polling every engine tick).
func (m *Manager) ActiveCount() int64 { return m.activeCount.Load() }

// Close stops the engine's poll loop and shared bandwidth limiter.
// Individual sessions are not stopped; call RemoveTorrent for each
// first if a clean shutdown matters.
func (m *Manager) Close() {
	m.closed.Do(func() {
		close(m.stop)
		m.bw.Close()
	})
}
