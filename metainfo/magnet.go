package metainfo

import (
	"context"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-leech/leech/xerrors"
)

// Magnet is a parsed magnet: URI (BEP 9).
type Magnet struct {
	Hash        [20]byte   // xt: exact topic (info hash)
	Name        string     // dn: display name
	Trackers    []*url.URL // tr: tracker URLs
	PeerHints   []string   // x.pe: peer address hints
	WebSeeds    []string   // ws: web seeds (BEP 19)
	ExactSource string     // xs: URL to fetch the .torrent from
}

// ParseMagnet parses a magnet: URI into a Magnet.
func ParseMagnet(m string) (*Magnet, error) {
	if !strings.HasPrefix(m, "magnet:?") {
		return nil, xerrors.New(xerrors.Metadata, op, fmt.Errorf("not a magnet link"))
	}
	link, err := url.Parse(m)
	if err != nil {
		return nil, xerrors.New(xerrors.Metadata, op, fmt.Errorf("parsing magnet URL: %w", err))
	}
	query := link.Query()

	hash, err := parseInfoHash(query)
	if err != nil {
		return nil, err
	}

	name := ""
	if dn := query["dn"]; len(dn) > 0 {
		name = dn[0]
	}

	var trackers []*url.URL
	for _, t := range query["tr"] {
		if u, err := url.Parse(t); err == nil {
			trackers = append(trackers, u)
		}
	}

	exactSource := ""
	if xs := query["xs"]; len(xs) > 0 {
		exactSource = xs[0]
	}

	return &Magnet{
		Hash:        hash,
		Name:        name,
		Trackers:    trackers,
		PeerHints:   query["x.pe"],
		WebSeeds:    query["ws"],
		ExactSource: exactSource,
	}, nil
}

func parseInfoHash(query url.Values) ([20]byte, error) {
	var hash [20]byte
	xts := query["xt"]
	if len(xts) == 0 {
		return hash, xerrors.New(xerrors.Metadata, op, fmt.Errorf("magnet link missing \"xt\" parameter"))
	}
	xt := xts[0]
	if !strings.HasPrefix(xt, "urn:btih:") {
		return hash, xerrors.New(xerrors.Metadata, op, fmt.Errorf("unsupported xt namespace: %s", xt))
	}
	enc := strings.TrimPrefix(xt, "urn:btih:")
	switch len(enc) {
	case 40:
		decoded, err := hex.DecodeString(enc)
		if err != nil {
			return hash, xerrors.New(xerrors.Metadata, op, fmt.Errorf("invalid hex info hash: %w", err))
		}
		copy(hash[:], decoded)
	case 32:
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(enc))
		if err != nil {
			return hash, xerrors.New(xerrors.Metadata, op, fmt.Errorf("invalid base32 info hash: %w", err))
		}
		copy(hash[:], decoded)
	default:
		return hash, xerrors.New(xerrors.Metadata, op, fmt.Errorf("invalid info hash length %d", len(enc)))
	}
	return hash, nil
}

// HasTrackers reports whether the magnet carries any tracker URLs.
func (m *Magnet) HasTrackers() bool { return len(m.Trackers) > 0 }

// HasPeerHints reports whether the magnet carries any x.pe peer hints.
func (m *Magnet) HasPeerHints() bool { return len(m.PeerHints) > 0 }

// InfoHashHex returns the info hash as lower-case hex.
func (m *Magnet) InfoHashHex() string { return hex.EncodeToString(m.Hash[:]) }

// DisplayName returns the dn parameter, falling back to a hash prefix.
func (m *Magnet) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.InfoHashHex()[:16] + "..."
}

// FetchMetainfoFromSource fetches the .torrent referenced by xs (an
// http(s) URL) and verifies its info hash matches wantHash. A mismatch
// is a MetadataError, not merely a fetch failure: the source is
// untrusted and may be serving the wrong torrent.
func FetchMetainfoFromSource(ctx context.Context, xs string, wantHash [20]byte) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, xs, nil)
	if err != nil {
		return nil, xerrors.New(xerrors.Network, op, fmt.Errorf("building request for exact source: %w", err))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, xerrors.New(xerrors.Network, op, fmt.Errorf("fetching exact source: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.Network, op, fmt.Errorf("exact source returned status %s", resp.Status))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.New(xerrors.Network, op, fmt.Errorf("reading exact source body: %w", err))
	}
	info, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if info.InfoHash != wantHash {
		return nil, xerrors.New(xerrors.Metadata, op, fmt.Errorf(
			"exact source info hash %x does not match magnet hash %x", info.InfoHash, wantHash))
	}
	return info, nil
}
