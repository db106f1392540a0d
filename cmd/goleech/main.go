// Command goleech is a thin demonstration binary: it proves the
// bencode/metainfo/tracker/wire/peerconn/session/enginemgr stack links
// together end to end. A real CLI/TUI/config layer is a non-goal of
// this module; this only reads one .torrent file and drives it to
// completion, printing progress.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/go-leech/leech/enginemgr"
	"github.com/go-leech/leech/metainfo"
	"github.com/go-leech/leech/session"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-o output-dir] <torrent-file>\n", os.Args[0])
	os.Exit(2)
}

func main() {
	var outPath string
	flag.StringVar(&outPath, "o", "", "download directory (default: current directory)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
	}
	if outPath == "" {
		outPath, _ = os.Getwd()
	}

	if err := run(flag.Arg(0), outPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(torrentPath, outPath string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	raw, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("reading torrent file: %w", err)
	}
	info, err := metainfo.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing torrent file: %w", err)
	}

	mgr := enginemgr.New(enginemgr.Config{
		MaxActiveTorrents: 1,
		ListenPort:        6881,
		DownloadPath:      outPath,
	}, enginemgr.Deps{Logger: logger})
	defer mgr.Close()

	id, err := mgr.AddTorrent(info, tierURLsFor(info), nil)
	if err != nil {
		return fmt.Errorf("adding torrent: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := mgr.Start(ctx, id); err != nil {
		return fmt.Errorf("starting torrent: %w", err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return mgr.RemoveTorrent(context.Background(), id)
		case <-ticker.C:
			stats, ok := mgr.GetStats(id)
			if !ok {
				return nil
			}
			fmt.Printf("\r%-12s %d/%d pieces  down %.1f KiB/s  up %.1f KiB/s  peers %d   ",
				stats.State, stats.NumVerified, stats.NumPieces,
				stats.DownloadSpeed/1024, stats.UploadSpeed/1024, stats.NumPeers)
			if stats.State == session.Seeding {
				fmt.Println("\ndownload complete")
			}
		}
	}
}

// tierURLsFor converts metainfo's tiered announce-list (or, when that is
// empty, the single Announce URL) into the tiered []*url.URL shape
// tracker.Coordinator wants.
func tierURLsFor(info *metainfo.Info) [][]*url.URL {
	var tiers [][]*url.URL
	if len(info.AnnounceList) > 0 {
		for _, tier := range info.AnnounceList {
			var urls []*url.URL
			for _, raw := range tier {
				if u := parseTrackerURL(raw); u != nil {
					urls = append(urls, u)
				}
			}
			if len(urls) > 0 {
				tiers = append(tiers, urls)
			}
		}
		return tiers
	}
	if u := parseTrackerURL(info.Announce); u != nil {
		tiers = append(tiers, []*url.URL{u})
	}
	return tiers
}

func parseTrackerURL(raw string) *url.URL {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}
