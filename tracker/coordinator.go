package tracker

import (
	"context"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultInterval = 1800 * time.Second
	maxBackoff      = 3600 * time.Second
)

// AnnounceEvent is emitted once per tracker response, successful or
// not; downstream consumers (peermgr) dedup the combined peer stream
// themselves by IP+port.
type AnnounceEvent struct {
	InfoHash   [20]byte
	TrackerURL string
	Peers      []PeerAddr
	Err        error
}

// Coordinator owns a torrent's tiered tracker list (the announce-list
// structure from the metainfo file) and fans out announces across
// every tracker in every tier in parallel, promoting a tracker to the
// front of its tier on every success per BEP-12.
type Coordinator struct {
	infoHash [20]byte
	peerID   [20]byte
	port     int
	httpOnly bool

	mu    sync.Mutex
	tiers [][]*TrackerState

	udp    *UDPClient
	events chan AnnounceEvent
	logger *zap.Logger
	clock  clock.Clock
}

// NewCoordinator builds a coordinator from an announce-list: each
// inner slice is a tier, shuffled once here per BEP-12 so that
// repeated runs don't always hit trackers in the same initial order.
// It runs on the real wall clock; use NewCoordinatorWithClock to
// inject a mock for scheduling tests.
func NewCoordinator(infoHash, peerID [20]byte, port int, tierURLs [][]*url.URL, logger *zap.Logger) *Coordinator {
	return NewCoordinatorWithClock(infoHash, peerID, port, tierURLs, logger, clock.New())
}

// NewCoordinatorWithClock is NewCoordinator with an injectable clock.
func NewCoordinatorWithClock(infoHash, peerID [20]byte, port int, tierURLs [][]*url.URL, logger *zap.Logger, c0 clock.Clock) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
		udp:      NewUDPClientWithClock(c0),
		events:   make(chan AnnounceEvent, 16),
		logger:   logger,
		clock:    c0,
	}
	for _, tier := range tierURLs {
		shuffled := append([]*url.URL{}, tier...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		states := make([]*TrackerState, len(shuffled))
		for i, u := range shuffled {
			states[i] = &TrackerState{URL: u, Status: Idle}
		}
		c.tiers = append(c.tiers, states)
	}
	return c
}

// Events returns the channel AnnounceEvents are published on.
func (c *Coordinator) Events() <-chan AnnounceEvent { return c.events }

// Announce fans out event to every tracker in every tier concurrently.
// It does not block on any one tracker's backoff schedule; trackers
// whose NextAnnounceAt is in the future are skipped this round.
func (c *Coordinator) Announce(ctx context.Context, event Event, uploaded, downloaded, left int64) {
	c.mu.Lock()
	var due []*TrackerState
	now := c.clock.Now()
	for _, tier := range c.tiers {
		for _, ts := range tier {
			if ts.Status == Announcing {
				continue
			}
			if !ts.NextAnnounceAt.IsZero() && now.Before(ts.NextAnnounceAt) {
				continue
			}
			ts.Status = Announcing
			due = append(due, ts)
		}
	}
	c.mu.Unlock()

	req := AnnounceRequest{
		InfoHash:   c.infoHash,
		PeerID:     c.peerID,
		Port:       c.port,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		Compact:    true,
	}

	var wg sync.WaitGroup
	for _, ts := range due {
		wg.Add(1)
		go func(ts *TrackerState) {
			defer wg.Done()
			c.announceOne(ctx, ts, req)
		}(ts)
	}
	wg.Wait()
}

func (c *Coordinator) announceOne(ctx context.Context, ts *TrackerState, req AnnounceRequest) {
	var result *AnnounceResult
	var err error

	switch ts.URL.Scheme {
	case "http", "https":
		result, err = AnnounceHTTP(ctx, ts.URL, req)
	case "udp", "udp4", "udp6":
		result, err = c.udp.Announce(ctx, ts.URL.Host, req)
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		ts.FailureCount++
		ts.Status = Error
		ts.NextAnnounceAt = c.clock.Now().Add(c.backoffFor(ts))
		c.logger.Debug("tracker announce failed", zap.String("tracker", ts.URL.String()), zap.Error(err))
		c.events <- AnnounceEvent{InfoHash: c.infoHash, TrackerURL: ts.URL.String(), Err: err}
		return
	}

	ts.FailureCount = 0
	ts.Status = Working
	ts.Interval = result.Interval
	ts.MinInterval = result.MinInterval
	if result.TrackerID != "" {
		ts.TrackerID = result.TrackerID
	}
	wait := result.Interval
	if result.MinInterval > wait {
		wait = result.MinInterval
	}
	if wait <= 0 {
		wait = defaultInterval
	}
	ts.NextAnnounceAt = c.clock.Now().Add(wait)
	c.promote(ts)
	c.events <- AnnounceEvent{InfoHash: c.infoHash, TrackerURL: ts.URL.String(), Peers: result.Peers}
}

// backoffFor computes the exponential backoff delay for ts's current
// failure count, capped at maxBackoff. The curve itself is delegated
// to backoff.Backoff rather than hand-rolled, configured with this
// spec's base/cap instead of the library's defaults.
func (c *Coordinator) backoffFor(ts *TrackerState) time.Duration {
	base := ts.Interval
	if base <= 0 {
		base = defaultInterval
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxBackoff,
		MaxElapsedTime:      0,
		Clock:               c.clock,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i <= ts.FailureCount; i++ {
		d = b.NextBackOff()
	}
	if d > maxBackoff || d == backoff.Stop {
		d = maxBackoff
	}
	return d
}

// promote moves ts to the front of whichever tier contains it, per
// BEP-12: "if it was able to connect to tracker ... it should then
// move that tracker to the front of the list."
func (c *Coordinator) promote(ts *TrackerState) {
	for _, tier := range c.tiers {
		for i, candidate := range tier {
			if candidate == ts && i > 0 {
				copy(tier[1:i+1], tier[0:i])
				tier[0] = ts
				return
			}
		}
	}
}

// Tiers returns a snapshot of the coordinator's tracker states, for
// status reporting.
func (c *Coordinator) Tiers() [][]*TrackerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]*TrackerState, len(c.tiers))
	for i, tier := range c.tiers {
		out[i] = append([]*TrackerState{}, tier...)
	}
	return out
}
