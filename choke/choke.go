// Package choke implements BEP-3's choking algorithm: a periodic
// rotation that decides which interested peers this session uploads
// to. It holds no peer records of its own — per the design notes in
// spec.md §9 ("cyclic references... resolved by indirection"), it
// queries a read-only PeerList capability the session implements,
// rather than reaching into peermgr/session state directly.
package choke

import (
	"math/rand/v2"
	"sort"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

// Mode selects which rolling rate Algorithm ranks peers by: the rate
// we're receiving from them while leeching, or the rate we're sending
// them while seeding.
type Mode int

const (
	Leeching Mode = iota
	Seeding
)

const (
	// NumUnchokeSlots is the number of regular-round unchoke slots.
	NumUnchokeSlots = 4
	// RegularInterval is how often a regular unchoke round runs.
	RegularInterval = 10 * time.Second
	// OptimisticEveryNRounds fires an extra optimistic unchoke every
	// this many regular rounds (so every 30s at the default interval).
	OptimisticEveryNRounds = 3
	// SnubDuration is how long an unchoked peer may go silent before
	// this round's top-rate pick excludes it.
	SnubDuration = 60 * time.Second
)

// PeerList is the read-only view Algorithm needs of the live peer set
// for one torrent. The session implements it; Algorithm never holds a
// peer record directly.
type PeerList interface {
	// InterestedPeerIDs returns every peer currently marked interested.
	InterestedPeerIDs() []string
	// Rate returns peerID's rolling rate in the direction Mode cares
	// about (download-to-us while leeching, upload-from-us while
	// seeding), in bytes/sec.
	Rate(peerID string) float64
	// LastMessageAt returns when peerID last sent anything.
	LastMessageAt(peerID string) time.Time
}

// Decision is one peer's choke/unchoke outcome for a fired round.
type Decision struct {
	PeerID     string
	Unchoke    bool
	Optimistic bool
}

// Algorithm runs the BEP-3 rotation for one torrent. It is not
// concurrency-safe against itself; the session calls Tick from a
// single goroutine (its own periodic tick), which is also how the
// rest of this engine serializes per-torrent state.
type Algorithm struct {
	mode   Mode
	clock  clock.Clock
	logger *zap.Logger

	nextRegularAt time.Time
	roundCount    int

	// currentlyUnchoked is last round's outcome, needed to know which
	// peers the anti-snub rule (§4.12) applies to and which peers must
	// receive an explicit choke when they drop out of the top slots.
	currentlyUnchoked map[string]bool
}

// New builds an Algorithm in the given mode. A nil logger uses
// zap.NewNop(). The first regular round fires RegularInterval after
// construction.
func New(mode Mode, logger *zap.Logger) *Algorithm {
	return NewWithClock(mode, logger, clock.New())
}

// NewWithClock is New with an injectable clock for round-timing tests.
func NewWithClock(mode Mode, logger *zap.Logger, c clock.Clock) *Algorithm {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Algorithm{
		mode:              mode,
		clock:             c,
		logger:            logger,
		nextRegularAt:     c.Now().Add(RegularInterval),
		currentlyUnchoked: make(map[string]bool),
	}
}

// Tick runs a round if one is due at now, returning its decisions and
// true; otherwise returns (nil, false) without mutating any state.
// Callers should invoke Tick at least once per RegularInterval/4 or so
// (e.g. from the same 100ms progress tick the session already runs)
// so a due round is never missed by more than one tick's slop.
func (a *Algorithm) Tick(now time.Time, peers PeerList) ([]Decision, bool) {
	if now.Before(a.nextRegularAt) {
		return nil, false
	}
	a.nextRegularAt = a.nextRegularAt.Add(RegularInterval)
	a.roundCount++
	optimisticRound := a.roundCount%OptimisticEveryNRounds == 0

	interested := peers.InterestedPeerIDs()
	eligible := make([]string, 0, len(interested))
	for _, id := range interested {
		if a.currentlyUnchoked[id] && now.Sub(peers.LastMessageAt(id)) >= SnubDuration {
			continue // snubbed: excluded from this round's regular pick
		}
		eligible = append(eligible, id)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return peers.Rate(eligible[i]) > peers.Rate(eligible[j])
	})
	if len(eligible) > NumUnchokeSlots {
		eligible = eligible[:NumUnchokeSlots]
	}

	nextUnchoked := make(map[string]bool, len(eligible)+1)
	for _, id := range eligible {
		nextUnchoked[id] = true
	}

	var optimisticPick string
	if optimisticRound {
		var candidates []string
		for _, id := range interested {
			if !nextUnchoked[id] {
				candidates = append(candidates, id)
			}
		}
		if len(candidates) > 0 {
			optimisticPick = candidates[rand.IntN(len(candidates))]
			nextUnchoked[optimisticPick] = true
		}
	}

	decisions := make([]Decision, 0, len(nextUnchoked)+len(a.currentlyUnchoked))
	for id := range nextUnchoked {
		decisions = append(decisions, Decision{PeerID: id, Unchoke: true, Optimistic: id == optimisticPick})
	}
	for id := range a.currentlyUnchoked {
		if !nextUnchoked[id] {
			decisions = append(decisions, Decision{PeerID: id, Unchoke: false})
		}
	}

	a.currentlyUnchoked = nextUnchoked
	a.logger.Debug("choke round", zap.Int("round", a.roundCount), zap.Int("unchoked", len(nextUnchoked)), zap.Bool("optimistic", optimisticRound))
	return decisions, true
}

// IsUnchoked reports whether peerID was unchoked in the most recent
// round, for callers that want current state without waiting for the
// next Tick's decisions.
func (a *Algorithm) IsUnchoked(peerID string) bool {
	return a.currentlyUnchoked[peerID]
}
