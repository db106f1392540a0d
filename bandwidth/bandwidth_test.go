package bandwidth

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
)

func TestRequestGrantsImmediatelyWithinBurst(t *testing.T) {
	mc := clock.NewMock()
	l := NewWithClock(Config{Rate: 1000, MaxTokens: 2000}, Config{Rate: 1000, MaxTokens: 2000}, nil, mc)
	defer l.Close()

	var id [20]byte
	l.AddTorrent(id, Config{Rate: 1000, MaxTokens: 2000}, Config{Rate: 1000, MaxTokens: 2000})

	select {
	case <-l.Request(500, Download, id):
	default:
		t.Fatal("expected an immediate grant within burst")
	}
}

func TestRequestQueuesThenDrainsOnRefill(t *testing.T) {
	mc := clock.NewMock()
	l := NewWithClock(Config{Rate: 100, MaxTokens: 100}, Config{Rate: 100, MaxTokens: 100}, nil, mc)
	defer l.Close()

	var id [20]byte
	l.AddTorrent(id, Config{Rate: 100, MaxTokens: 100}, Config{Rate: 100, MaxTokens: 100})

	// First request drains the whole burst.
	ch1 := l.Request(100, Download, id)
	select {
	case <-ch1:
	default:
		t.Fatal("first request should be granted from the initial burst")
	}

	// Second, same-size request can't fit yet: it must queue.
	ch2 := l.Request(100, Download, id)
	select {
	case <-ch2:
		t.Fatal("second request should not be granted before tokens refill")
	default:
	}

	mc.Add(2 * time.Second) // refills >= 100 tokens at rate=100/s
	l.drainAll(mc.Now())

	select {
	case <-ch2:
	default:
		t.Fatal("queued request should drain once tokens refill")
	}
}

func TestRemoveTorrentUnblocksQueuedRequests(t *testing.T) {
	mc := clock.NewMock()
	l := NewWithClock(Config{Rate: 10, MaxTokens: 10}, Config{Rate: 10, MaxTokens: 10}, nil, mc)
	defer l.Close()

	var id [20]byte
	l.AddTorrent(id, Config{Rate: 10, MaxTokens: 10}, Config{Rate: 10, MaxTokens: 10})

	l.Request(10, Download, id) // drains the burst
	blocked := l.Request(10, Download, id)

	select {
	case <-blocked:
		t.Fatal("request should still be queued")
	default:
	}

	l.RemoveTorrent(id)

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("removing the torrent should unblock its queued request")
	}
}

func TestUnlimitedBucketNeverQueues(t *testing.T) {
	mc := clock.NewMock()
	l := NewWithClock(Config{Rate: 0}, Config{Rate: 0}, nil, mc)
	defer l.Close()

	var id [20]byte
	l.AddTorrent(id, Config{Rate: 0}, Config{Rate: 0})

	for i := 0; i < 5; i++ {
		select {
		case <-l.Request(1<<20, Download, id):
		default:
			t.Fatalf("request %d should be granted immediately on an unlimited bucket", i)
		}
	}
}
