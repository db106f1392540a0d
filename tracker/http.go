package tracker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/go-leech/leech/bencode"
	"github.com/go-leech/leech/xerrors"
)

const httpTimeout = 30 * time.Second

var eventNames = map[Event]string{
	EventStarted:   "started",
	EventCompleted: "completed",
	EventStopped:   "stopped",
}

// BuildAnnounceURL builds the full GET URL for an HTTP(S) announce,
// percent-encoding info_hash and peer_id byte-for-byte via url.Values,
// which already escapes to the RFC 3986 unreserved set for anything
// outside it.
func BuildAnnounceURL(base *url.URL, req AnnounceRequest) string {
	q := url.Values{}
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	if req.Compact {
		q.Set("compact", "1")
	}
	if name, ok := eventNames[req.Event]; ok {
		q.Set("event", name)
	}
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}

	u := *base
	u.RawQuery = q.Encode()
	return u.String()
}

// AnnounceHTTP performs one HTTP(S) tracker announce and normalizes the
// bencoded response.
func AnnounceHTTP(ctx context.Context, base *url.URL, req AnnounceRequest) (*AnnounceResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, BuildAnnounceURL(base, req), nil)
	if err != nil {
		return nil, xerrors.New(xerrors.Tracker, op, err)
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, xerrors.New(xerrors.Tracker, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Newf(xerrors.Tracker, op, "tracker responded with status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, xerrors.New(xerrors.Tracker, op, err)
	}
	v, err := bencode.DecodeFull(bufio.NewReader(bytes.NewReader(body)))
	if err != nil {
		return nil, xerrors.New(xerrors.Tracker, op, fmt.Errorf("decoding tracker response: %w", err))
	}
	return parseHTTPResponse(v)
}

func parseHTTPResponse(v *bencode.Value) (*AnnounceResult, error) {
	if v.Kind != bencode.KindDict {
		return nil, xerrors.New(xerrors.Tracker, op, fmt.Errorf("tracker response is not a dictionary"))
	}
	if reason, ok := v.GetStr("failure reason"); ok {
		return nil, xerrors.Newf(xerrors.Tracker, op, "tracker failure: %s", string(reason))
	}

	interval, ok := v.GetInt64("interval")
	if !ok {
		return nil, xerrors.New(xerrors.Tracker, op, fmt.Errorf("tracker response missing interval"))
	}
	res := &AnnounceResult{Interval: time.Duration(interval) * time.Second}
	if minInterval, ok := v.GetInt64("min interval"); ok {
		res.MinInterval = time.Duration(minInterval) * time.Second
	}
	if trackerID, ok := v.GetStr("tracker id"); ok {
		res.TrackerID = string(trackerID)
	}
	if complete, ok := v.GetInt64("complete"); ok {
		res.Complete = int(complete)
	}
	if incomplete, ok := v.GetInt64("incomplete"); ok {
		res.Incomplete = int(incomplete)
	}

	peers, err := parsePeers(v.Get("peers"))
	if err != nil {
		return nil, err
	}
	res.Peers = peers
	if peers6, ok := v.GetStr("peers6"); ok {
		p6, err := parseCompactPeers(peers6, 16)
		if err == nil {
			res.Peers = append(res.Peers, p6...)
		}
	}
	return res, nil
}

// parsePeers handles both the compact (byte string) and the original
// dictionary-list peer formats.
func parsePeers(v *bencode.Value) ([]PeerAddr, error) {
	if v == nil {
		return nil, nil
	}
	switch v.Kind {
	case bencode.KindStr:
		return parseCompactPeers(v.Str, 6)
	case bencode.KindList:
		out := make([]PeerAddr, 0, len(v.List))
		for _, entry := range v.List {
			ip, ok := entry.GetStr("ip")
			if !ok {
				continue
			}
			port, _ := entry.GetInt64("port")
			out = append(out, PeerAddr{IP: string(ip), Port: int(port)})
		}
		return out, nil
	default:
		return nil, xerrors.New(xerrors.Tracker, op, fmt.Errorf("unrecognized peers field kind"))
	}
}

func parseCompactPeers(raw []byte, stride int) ([]PeerAddr, error) {
	if len(raw)%stride != 0 {
		return nil, xerrors.Newf(xerrors.Tracker, op, "compact peers length %d not a multiple of %d", len(raw), stride)
	}
	ipLen := stride - 2
	out := make([]PeerAddr, 0, len(raw)/stride)
	for i := 0; i+stride <= len(raw); i += stride {
		port := int(raw[i+ipLen])<<8 | int(raw[i+ipLen+1])
		if port == 0 {
			continue
		}
		out = append(out, PeerAddr{IP: ipString(raw[i : i+ipLen]), Port: port})
	}
	return out, nil
}

// ScrapeURL derives a scrape URL from an announce URL by replacing the
// last path segment "announce" with "scrape", per the informal scrape
// convention.
func ScrapeURL(announce *url.URL) (*url.URL, bool) {
	dir, file := path.Split(announce.Path)
	if file != "announce" {
		return nil, false
	}
	u := *announce
	u.Path = path.Join(dir, "scrape")
	return &u, true
}

// Scrape queries scrapeURL for each of hashes's statistics.
func Scrape(ctx context.Context, scrapeURL *url.URL, hashes [][20]byte) (map[[20]byte]ScrapeEntry, error) {
	q := url.Values{}
	for _, h := range hashes {
		q.Add("info_hash", string(h[:]))
	}
	u := *scrapeURL
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, xerrors.New(xerrors.Tracker, op, err)
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, xerrors.New(xerrors.Tracker, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Newf(xerrors.Tracker, op, "scrape responded with status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, xerrors.New(xerrors.Tracker, op, err)
	}
	v, err := bencode.DecodeFull(bufio.NewReader(bytes.NewReader(body)))
	if err != nil {
		return nil, xerrors.New(xerrors.Tracker, op, fmt.Errorf("decoding scrape response: %w", err))
	}
	files := v.Get("files")
	if files == nil || files.Kind != bencode.KindDict {
		return nil, xerrors.New(xerrors.Tracker, op, fmt.Errorf("scrape response missing files"))
	}

	out := make(map[[20]byte]ScrapeEntry, len(hashes))
	for _, h := range hashes {
		entry := files.Get(string(h[:]))
		if entry == nil {
			continue
		}
		var se ScrapeEntry
		if c, ok := entry.GetInt64("complete"); ok {
			se.Complete = int(c)
		}
		if d, ok := entry.GetInt64("downloaded"); ok {
			se.Downloaded = int(d)
		}
		if i, ok := entry.GetInt64("incomplete"); ok {
			se.Incomplete = int(i)
		}
		out[h] = se
	}
	return out, nil
}

func ipString(b []byte) string {
	return net.IP(b).String()
}
