// Package metainfo parses .torrent files and magnet links into the
// typed model the rest of the engine operates on.
package metainfo

import (
	"bytes"
	"fmt"

	"github.com/go-leech/leech/bencode"
	"github.com/go-leech/leech/xerrors"
)

const op = "metainfo"

// FileEntry describes one file within a (possibly multi-file) torrent.
type FileEntry struct {
	Path   string
	Length int64
	Offset int64
}

// Info is the immutable, fully validated view of a torrent's metadata.
// It is never mutated after Parse returns it.
type Info struct {
	Name         string
	PieceLength  int64
	PieceCount   int
	Pieces       [][20]byte
	Files        []FileEntry
	TotalLength  int64
	Announce     string
	AnnounceList [][]string
	IsPrivate    bool
	InfoHash     [20]byte
	// RawInfo is the exact bencoded bytes of the "info" dictionary, kept
	// so the info hash can be recomputed later (e.g. to re-verify a
	// magnet's claimed hash against a fetched .torrent).
	RawInfo []byte
}

// Multi reports whether the torrent describes more than one file.
func (i *Info) Multi() bool {
	return len(i.Files) > 1
}

// Parse decodes a .torrent file's bytes into an Info, validating the
// invariants from the data model: piece_count*20 == len(pieces),
// piece_length is a power of two >= 16384, and file lengths sum to the
// declared total.
func Parse(raw []byte) (*Info, error) {
	root, err := bencode.DecodeFull(bytes.NewReader(raw))
	if err != nil {
		return nil, xerrors.New(xerrors.Metadata, op, fmt.Errorf("decoding torrent file: %w", err))
	}
	if root.Kind != bencode.KindDict {
		return nil, xerrors.New(xerrors.Metadata, op, fmt.Errorf("torrent file is not a dictionary"))
	}

	infoHash, err := bencode.HashInfoDict(raw)
	if err != nil {
		return nil, xerrors.New(xerrors.Metadata, op, fmt.Errorf("hashing info dictionary: %w", err))
	}

	infoVal := root.Get("info")
	if infoVal == nil || infoVal.Kind != bencode.KindDict {
		return nil, xerrors.New(xerrors.Metadata, op, fmt.Errorf("torrent file has no \"info\" dictionary"))
	}

	name, _ := infoVal.GetStr("name")
	pieceLength, ok := infoVal.GetInt64("piece length")
	if !ok || pieceLength < 16384 || pieceLength&(pieceLength-1) != 0 {
		return nil, xerrors.New(xerrors.Metadata, op, fmt.Errorf("invalid piece length %d: must be a power of two >= 16384", pieceLength))
	}

	piecesRaw, ok := infoVal.GetStr("pieces")
	if !ok {
		return nil, xerrors.New(xerrors.Metadata, op, fmt.Errorf("info dictionary has no \"pieces\" string"))
	}
	if len(piecesRaw)%20 != 0 {
		return nil, xerrors.New(xerrors.Metadata, op, fmt.Errorf("pieces length %d not a multiple of 20", len(piecesRaw)))
	}
	pieceCount := len(piecesRaw) / 20
	pieces := make([][20]byte, pieceCount)
	for i := range pieces {
		copy(pieces[i][:], piecesRaw[i*20:(i+1)*20])
	}

	isPrivate := false
	if pv, ok := infoVal.GetInt64("private"); ok && pv == 1 {
		isPrivate = true
	}

	files, totalLength, err := parseFiles(infoVal, string(name))
	if err != nil {
		return nil, err
	}

	expectedPieces := (totalLength + pieceLength - 1) / pieceLength
	if int64(pieceCount) != expectedPieces {
		return nil, xerrors.New(xerrors.Metadata, op, fmt.Errorf(
			"piece count %d does not match total length %d at piece length %d (expected %d)",
			pieceCount, totalLength, pieceLength, expectedPieces))
	}

	announce := ""
	if a, ok := root.GetStr("announce"); ok {
		announce = string(a)
	}
	announceList := parseAnnounceList(root)

	return &Info{
		Name:         string(name),
		PieceLength:  pieceLength,
		PieceCount:   pieceCount,
		Pieces:       pieces,
		Files:        files,
		TotalLength:  totalLength,
		Announce:     announce,
		AnnounceList: announceList,
		IsPrivate:    isPrivate,
		InfoHash:     infoHash,
		RawInfo:      bencode.EncodeBytes(infoVal),
	}, nil
}

// parseFiles handles both the single-file ("length" directly in info)
// and multi-file ("files" list of {length, path}) layouts.
func parseFiles(infoVal *bencode.Value, name string) ([]FileEntry, int64, error) {
	if length, ok := infoVal.GetInt64("length"); ok {
		return []FileEntry{{Path: name, Length: length, Offset: 0}}, length, nil
	}

	filesVal := infoVal.Get("files")
	if filesVal == nil || filesVal.Kind != bencode.KindList {
		return nil, 0, xerrors.New(xerrors.Metadata, op, fmt.Errorf("info dictionary has neither \"length\" nor \"files\""))
	}

	files := make([]FileEntry, 0, len(filesVal.List))
	var offset int64
	for idx, fv := range filesVal.List {
		length, ok := fv.GetInt64("length")
		if !ok {
			return nil, 0, xerrors.New(xerrors.Metadata, op, fmt.Errorf("file %d missing \"length\"", idx))
		}
		pathVal := fv.Get("path")
		if pathVal == nil || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
			return nil, 0, xerrors.New(xerrors.Metadata, op, fmt.Errorf("file %d missing \"path\"", idx))
		}
		path := ""
		for i, seg := range pathVal.List {
			if seg.Kind != bencode.KindStr {
				return nil, 0, xerrors.New(xerrors.Metadata, op, fmt.Errorf("file %d path segment %d is not a string", idx, i))
			}
			if i > 0 {
				path += "/"
			}
			path += string(seg.Str)
		}
		files = append(files, FileEntry{Path: path, Length: length, Offset: offset})
		offset += length
	}
	return files, offset, nil
}

// parseAnnounceList extracts the tiered announce-list. It returns nil
// when "announce-list" is absent; the top-level "announce" is not
// folded in here (Parse keeps it separately in Info.Announce).
func parseAnnounceList(root *bencode.Value) [][]string {
	alVal := root.Get("announce-list")
	if alVal == nil || alVal.Kind != bencode.KindList {
		return nil
	}
	tiers := make([][]string, 0, len(alVal.List))
	for _, tierVal := range alVal.List {
		if tierVal.Kind != bencode.KindList {
			continue
		}
		tier := make([]string, 0, len(tierVal.List))
		for _, urlVal := range tierVal.List {
			if urlVal.Kind == bencode.KindStr {
				tier = append(tier, string(urlVal.Str))
			}
		}
		if len(tier) > 0 {
			tiers = append(tiers, tier)
		}
	}
	return tiers
}
