package disk

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-leech/leech/metainfo"
)

func singleFileInfo(t *testing.T, pieceLen int64, data []byte) *metainfo.Info {
	t.Helper()
	pieceCount := (int64(len(data)) + pieceLen - 1) / pieceLen
	pieces := make([][20]byte, pieceCount)
	for i := range pieces {
		start := int64(i) * pieceLen
		end := start + pieceLen
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		pieces[i] = sha1.Sum(data[start:end])
	}
	return &metainfo.Info{
		Name:        "out.bin",
		PieceLength: pieceLen,
		PieceCount:  int(pieceCount),
		Pieces:      pieces,
		Files:       []metainfo.FileEntry{{Path: "out.bin", Length: int64(len(data)), Offset: 0}},
		TotalLength: int64(len(data)),
	}
}

func TestFileManagerWriteAndVerify(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 3*16384+100)
	for i := range data {
		data[i] = byte(i)
	}
	info := singleFileInfo(t, 16384, data)

	fm := NewFileManager(info, filepath.Join(dir, info.Name))
	have, err := fm.Start()
	require.NoError(t, err)
	require.Empty(t, have)

	for i := 0; i < info.PieceCount; i++ {
		start := int64(i) * info.PieceLength
		end := start + info.PieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		require.NoError(t, fm.WritePiece(i, data[start:end]))
		require.True(t, fm.HasPiece(i))
	}

	block, err := fm.ReadBlock(0, 0, 10)
	require.NoError(t, err)
	require.Equal(t, data[:10], block)

	select {
	case ev := <-fm.Events():
		require.GreaterOrEqual(t, ev.Index, 0)
	default:
		t.Fatal("expected a PieceWritten event")
	}
}

func TestFileManagerResumeVerifiesExisting(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 2*16384)
	for i := range data {
		data[i] = byte(i % 251)
	}
	info := singleFileInfo(t, 16384, data)
	path := filepath.Join(dir, info.Name)

	require.NoError(t, os.WriteFile(path, data, 0o644))

	fm := NewFileManager(info, path)
	have, err := fm.Start()
	require.NoError(t, err)
	require.Len(t, have, info.PieceCount)
}
