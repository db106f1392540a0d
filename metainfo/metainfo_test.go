package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/go-leech/leech/bencode"
)

func buildTorrentBytes(t *testing.T, piece1, piece2 []byte, multi bool) []byte {
	t.Helper()
	h1 := sha1.Sum(piece1)
	h2 := sha1.Sum(piece2)
	pieces := append(append([]byte{}, h1[:]...), h2[:]...)

	info := bencode.NewDict()
	info.Set("name", bencode.NewStrFromString("test"))
	info.Set("piece length", bencode.NewInt(int64(len(piece1))))
	info.Set("pieces", bencode.NewStr(pieces))
	if multi {
		f1 := bencode.NewDict()
		f1.Set("length", bencode.NewInt(int64(len(piece1))))
		f1.Set("path", bencode.NewList(bencode.NewStrFromString("a.bin")))
		f2 := bencode.NewDict()
		f2.Set("length", bencode.NewInt(int64(len(piece2))))
		f2.Set("path", bencode.NewList(bencode.NewStrFromString("b.bin")))
		info.Set("files", bencode.NewList(f1, f2))
	} else {
		info.Set("length", bencode.NewInt(int64(len(piece1)+len(piece2))))
	}

	root := bencode.NewDict()
	root.Set("announce", bencode.NewStrFromString("http://tracker.example/announce"))
	root.Set("info", info)

	var buf bytes.Buffer
	if err := bencode.Encode(&buf, root); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestParseSingleFile(t *testing.T) {
	p1 := bytes.Repeat([]byte{0xAA}, 16384)
	p2 := bytes.Repeat([]byte{0xBB}, 16384)
	raw := buildTorrentBytes(t, p1, p2, false)

	info, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Name != "test" {
		t.Errorf("unexpected name %q", info.Name)
	}
	if info.PieceCount != 2 {
		t.Errorf("expected 2 pieces, got %d", info.PieceCount)
	}
	if info.TotalLength != 32768 {
		t.Errorf("unexpected total length %d", info.TotalLength)
	}
	if info.Multi() {
		t.Error("expected single-file torrent")
	}
	want := sha1.Sum(p1)
	if info.Pieces[0] != want {
		t.Error("first piece hash mismatch")
	}
}

func TestParseMultiFile(t *testing.T) {
	p1 := bytes.Repeat([]byte{0x01}, 16384)
	p2 := bytes.Repeat([]byte{0x02}, 16384)
	raw := buildTorrentBytes(t, p1, p2, true)

	info, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !info.Multi() {
		t.Error("expected multi-file torrent")
	}
	if len(info.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(info.Files))
	}
	if info.Files[0].Offset != 0 || info.Files[1].Offset != 16384 {
		t.Errorf("unexpected offsets: %+v", info.Files)
	}
}

func TestParseLastPieceShort(t *testing.T) {
	p1 := bytes.Repeat([]byte{0xAA}, 16384)
	p2 := bytes.Repeat([]byte{0xBB}, 100) // short last piece
	raw := buildTorrentBytes(t, p1, p2, false)

	info, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.TotalLength != 16484 {
		t.Errorf("unexpected total length %d", info.TotalLength)
	}
	if info.TotalLength%info.PieceLength == 0 {
		t.Error("expected a short last piece for this fixture")
	}
}

func TestParseInvalidPieceLength(t *testing.T) {
	info := bencode.NewDict()
	info.Set("name", bencode.NewStrFromString("x"))
	info.Set("piece length", bencode.NewInt(1000)) // not a power of two
	info.Set("pieces", bencode.NewStr(make([]byte, 20)))
	info.Set("length", bencode.NewInt(1))
	root := bencode.NewDict()
	root.Set("info", info)
	var buf bytes.Buffer
	bencode.Encode(&buf, root)

	if _, err := Parse(buf.Bytes()); err == nil {
		t.Error("expected error for non-power-of-two piece length")
	}
}

func TestInfoHashMatchesHashInfoDict(t *testing.T) {
	raw := buildTorrentBytes(t, bytes.Repeat([]byte{1}, 16384), bytes.Repeat([]byte{2}, 16384), false)
	info, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, err := bencode.HashInfoDict(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.InfoHash != want {
		t.Error("info hash should match a direct HashInfoDict call")
	}
}
