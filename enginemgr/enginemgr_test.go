package enginemgr

import (
	"context"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/go-leech/leech/disk"
	"github.com/go-leech/leech/metainfo"
	"github.com/go-leech/leech/session"
)

type fakeDisk struct {
	have   map[int]bool
	events chan disk.PieceWritten
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{have: map[int]bool{}, events: make(chan disk.PieceWritten)}
}

func (f *fakeDisk) Start() (map[int]bool, error)                   { return f.have, nil }
func (f *fakeDisk) WritePiece(index int, data []byte) error        { return nil }
func (f *fakeDisk) ReadBlock(index, begin, length int) ([]byte, error) { return nil, nil }
func (f *fakeDisk) VerifyExistingPieces() (map[int]bool, error)    { return f.have, nil }
func (f *fakeDisk) DeleteFiles() error                             { return nil }
func (f *fakeDisk) HasPiece(index int) bool                        { return f.have[index] }
func (f *fakeDisk) Events() <-chan disk.PieceWritten                { return f.events }
func (f *fakeDisk) Close() error                                   { return nil }

func testInfo(t *testing.T, name string, pieceCount int) *metainfo.Info {
	t.Helper()
	const pieceLen = int64(16384)
	pieces := make([][20]byte, pieceCount)
	for i := range pieces {
		pieces[i] = sha1.Sum([]byte(name + string(rune(i))))
	}
	return &metainfo.Info{
		Name:        name,
		PieceLength: pieceLen,
		PieceCount:  pieceCount,
		Pieces:      pieces,
		TotalLength: pieceLen * int64(pieceCount),
		InfoHash:    sha1.Sum([]byte("infohash-" + name)),
	}
}

func newTestManager(t *testing.T, maxActive int) (*Manager, *clock.Mock) {
	t.Helper()
	mc := clock.NewMock()
	m := New(Config{MaxActiveTorrents: maxActive, DownloadPath: t.TempDir()}, Deps{Clock: mc})
	t.Cleanup(m.Close)
	return m, mc
}

func TestAddAndStartTorrentBecomesDownloading(t *testing.T) {
	m, _ := newTestManager(t, 0)
	id, err := m.AddTorrent(testInfo(t, "a", 4), nil, newFakeDisk())
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), id))
	stats, ok := m.GetStats(id)
	require.True(t, ok)
	require.Equal(t, session.Downloading, stats.State)

	require.NoError(t, m.RemoveTorrent(context.Background(), id))
}

func TestMaxActiveTorrentsQueuesExcessStarts(t *testing.T) {
	m, mc := newTestManager(t, 1)

	idA, err := m.AddTorrent(testInfo(t, "a", 4), nil, newFakeDisk())
	require.NoError(t, err)
	idB, err := m.AddTorrent(testInfo(t, "b", 4), nil, newFakeDisk())
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), idA))
	require.NoError(t, m.Start(context.Background(), idB))

	statsA, _ := m.GetStats(idA)
	statsB, _ := m.GetStats(idB)
	require.Equal(t, session.Downloading, statsA.State)
	require.Equal(t, session.Queued, statsB.State, "second torrent should stay queued until a slot frees up")

	require.NoError(t, m.RemoveTorrent(context.Background(), idA))

	// RemoveTorrent hands the freed slot to the next queued torrent.
	mc.Add(session.ProgressTick)
	require.Eventually(t, func() bool {
		s, ok := m.GetStats(idB)
		return ok && s.State == session.Downloading
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, m.RemoveTorrent(context.Background(), idB))
}

func TestPauseReleasesSlotForQueuedTorrent(t *testing.T) {
	m, mc := newTestManager(t, 1)

	idA, err := m.AddTorrent(testInfo(t, "a", 4), nil, newFakeDisk())
	require.NoError(t, err)
	idB, err := m.AddTorrent(testInfo(t, "b", 4), nil, newFakeDisk())
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), idA))
	require.NoError(t, m.Start(context.Background(), idB))

	require.NoError(t, m.Pause(idA))

	mc.Add(session.ProgressTick)
	require.Eventually(t, func() bool {
		s, ok := m.GetStats(idB)
		return ok && s.State == session.Downloading
	}, time.Second, 10*time.Millisecond)

	statsA, _ := m.GetStats(idA)
	require.Equal(t, session.Paused, statsA.State)

	require.NoError(t, m.RemoveTorrent(context.Background(), idA))
	require.NoError(t, m.RemoveTorrent(context.Background(), idB))
}

func TestGetAllReturnsEveryTorrent(t *testing.T) {
	m, _ := newTestManager(t, 0)
	idA, err := m.AddTorrent(testInfo(t, "a", 2), nil, newFakeDisk())
	require.NoError(t, err)
	idB, err := m.AddTorrent(testInfo(t, "b", 2), nil, newFakeDisk())
	require.NoError(t, err)

	all := m.GetAll()
	require.Len(t, all, 2)
	require.Contains(t, all, idA)
	require.Contains(t, all, idB)
}

func TestRemoveUnknownTorrentErrors(t *testing.T) {
	m, _ := newTestManager(t, 0)
	err := m.RemoveTorrent(context.Background(), [16]byte{})
	require.Error(t, err)
}
