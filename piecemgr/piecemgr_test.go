package piecemgr

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-leech/leech/wire"
)

func makePieces(t *testing.T, n int, pieceLen int64) ([]Piece, [][]byte) {
	t.Helper()
	pieces := make([]Piece, n)
	raw := make([][]byte, n)
	for i := 0; i < n; i++ {
		data := make([]byte, pieceLen)
		for j := range data {
			data[j] = byte((i*7 + j) % 256)
		}
		raw[i] = data
		pieces[i] = Piece{Index: i, Length: pieceLen, Hash: sha1.Sum(data)}
	}
	return pieces, raw
}

func fullBitfield(n int) *wire.Bitfield {
	bf := wire.NewBitfield(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func TestGetBlockRequestsAndVerify(t *testing.T) {
	pieces, raw := makePieces(t, 2, wire.MaxBlockLength*2)
	m := NewManager(pieces, nil, Config{}, nil)

	bf := fullBitfield(len(pieces))
	m.RegisterPeer(bf)

	reqs := m.GetBlockRequests("peerA", bf)
	require.NotEmpty(t, reqs)

	var completed []Event
	for _, r := range reqs {
		block := raw[r.Index][r.Begin : r.Begin+r.Length]
		m.HandleBlock(r.PeerID, wire.ParsedPiece{Index: uint32(r.Index), Begin: r.Begin, Block: block})
	}
	drainEvents(m, &completed)
	for len(completed) < 1 {
		more := m.GetBlockRequests("peerA", bf)
		if len(more) == 0 {
			break
		}
		for _, r := range more {
			block := raw[r.Index][r.Begin : r.Begin+r.Length]
			m.HandleBlock(r.PeerID, wire.ParsedPiece{Index: uint32(r.Index), Begin: r.Begin, Block: block})
		}
		drainEvents(m, &completed)
	}
	require.NotEmpty(t, completed)
	require.Equal(t, EventPieceComplete, completed[0].Kind)
}

func TestHandleBlockHashMismatchReturnsPieceToMissing(t *testing.T) {
	pieces, _ := makePieces(t, 1, wire.MaxBlockLength)
	m := NewManager(pieces, nil, Config{}, nil)
	bf := fullBitfield(1)
	m.RegisterPeer(bf)

	reqs := m.GetBlockRequests("peerA", bf)
	require.Len(t, reqs, 1)

	badBlock := make([]byte, reqs[0].Length)
	m.HandleBlock("peerA", wire.ParsedPiece{Index: uint32(reqs[0].Index), Begin: reqs[0].Begin, Block: badBlock})

	ev := <-m.Events()
	require.Equal(t, EventPieceFailed, ev.Kind)
	require.Equal(t, 1, m.MissingCount())
}

func TestEndgameAllowsDuplicateRequests(t *testing.T) {
	pieces, _ := makePieces(t, 25, wire.MaxBlockLength)
	have := make(map[int]bool)
	for i := 0; i < 24; i++ {
		have[i] = true
	}
	m := NewManager(pieces, have, Config{}, nil)
	bf := fullBitfield(len(pieces))
	m.RegisterPeer(bf)

	reqsA := m.GetBlockRequests("peerA", bf)
	require.NotEmpty(t, reqsA)
	reqsB := m.GetBlockRequests("peerB", bf)
	require.NotEmpty(t, reqsB, "endgame should allow the same block to be requested from a second peer")
}

func drainEvents(m *Manager, out *[]Event) {
	for {
		select {
		case ev := <-m.Events():
			*out = append(*out, ev)
		default:
			return
		}
	}
}
