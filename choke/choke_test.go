package choke

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

type fakePeerList struct {
	interested []string
	rates      map[string]float64
	lastMsg    map[string]time.Time
}

func (f *fakePeerList) InterestedPeerIDs() []string { return f.interested }
func (f *fakePeerList) Rate(id string) float64      { return f.rates[id] }
func (f *fakePeerList) LastMessageAt(id string) time.Time {
	return f.lastMsg[id]
}

func TestChokeRotationPicksTop4AndOptimistic(t *testing.T) {
	mc := clock.NewMock()
	algo := NewWithClock(Leeching, nil, mc)

	peers := &fakePeerList{rates: map[string]float64{}, lastMsg: map[string]time.Time{}}
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		peers.interested = append(peers.interested, id)
		peers.rates[id] = float64(10 - i) // "a" fastest
		peers.lastMsg[id] = mc.Now()
	}

	sawOptimistic := false
	for round := 0; round < 3; round++ {
		mc.Add(RegularInterval)
		decisions, fired := algo.Tick(mc.Now(), peers)
		require.True(t, fired)

		unchokedCount := 0
		seen := map[string]bool{}
		for _, d := range decisions {
			if d.Unchoke {
				unchokedCount++
				require.False(t, seen[d.PeerID], "peer unchoked twice in the same round")
				seen[d.PeerID] = true
				if d.Optimistic {
					sawOptimistic = true
				}
			}
		}
		if round == 2 {
			// third regular round is the optimistic round: top 4 + 1 extra
			require.Equal(t, NumUnchokeSlots+1, unchokedCount)
		} else {
			require.Equal(t, NumUnchokeSlots, unchokedCount)
		}
	}
	require.True(t, sawOptimistic, "expected an optimistic unchoke within 30s of simulated time")
}

func TestSnubbedPeerExcludedFromRegularPick(t *testing.T) {
	mc := clock.NewMock()
	algo := NewWithClock(Leeching, nil, mc)

	peers := &fakePeerList{rates: map[string]float64{"a": 100}, lastMsg: map[string]time.Time{"a": mc.Now()}}
	peers.interested = []string{"a"}

	mc.Add(RegularInterval)
	decisions, _ := algo.Tick(mc.Now(), peers)
	require.Len(t, decisions, 1)
	require.True(t, decisions[0].Unchoke)

	// "a" goes silent for 60s while unchoked.
	mc.Add(SnubDuration)
	decisions, fired := algo.Tick(mc.Now(), peers)
	require.True(t, fired)
	for _, d := range decisions {
		require.False(t, d.PeerID == "a" && d.Unchoke, "snubbed peer should not be re-picked")
	}
}
