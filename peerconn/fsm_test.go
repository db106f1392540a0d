package peerconn

import (
	"testing"

	"github.com/go-leech/leech/wire"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	handshakes []wire.ParsedHandshake
	chokes     []bool
	bitfields  []*wire.Bitfield
	haves      []uint32
	errs       []error
}

func (h *recordingHandler) OnHandshake(hs wire.ParsedHandshake) { h.handshakes = append(h.handshakes, hs) }
func (h *recordingHandler) OnChoke(choked bool)                { h.chokes = append(h.chokes, choked) }
func (h *recordingHandler) OnInterested(bool)                  {}
func (h *recordingHandler) OnHave(index uint32)                { h.haves = append(h.haves, index) }
func (h *recordingHandler) OnBitfield(bf *wire.Bitfield)        { h.bitfields = append(h.bitfields, bf) }
func (h *recordingHandler) OnRequest(wire.ParsedRequest)        {}
func (h *recordingHandler) OnCancel(wire.ParsedRequest)         {}
func (h *recordingHandler) OnPiece(wire.ParsedPiece)            {}
func (h *recordingHandler) OnExtended(uint8, []byte)            {}
func (h *recordingHandler) OnProtocolError(err error)           { h.errs = append(h.errs, err) }

func TestFSMHandshakeThenActive(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")
	buf := wire.Handshake(infoHash, peerID)

	h := &recordingHandler{}
	fsm := NewFSM(10, h)
	require.Equal(t, WaitingHandshake, fsm.State())

	require.NoError(t, fsm.FeedHandshake(buf))
	require.Equal(t, Active, fsm.State())
	require.Len(t, h.handshakes, 1)
	require.Equal(t, infoHash, h.handshakes[0].InfoHash)
}

func TestFSMRejectsBadProtocolString(t *testing.T) {
	var infoHash, peerID [20]byte
	buf := wire.Handshake(infoHash, peerID)
	buf[0] = 5 // corrupt pstrlen

	h := &recordingHandler{}
	fsm := NewFSM(10, h)
	err := fsm.FeedHandshake(buf)
	require.Error(t, err)
	require.Equal(t, FSMClosed, fsm.State())
}

func TestFSMBitfieldAfterOtherMessageIsProtocolError(t *testing.T) {
	var infoHash, peerID [20]byte
	buf := wire.Handshake(infoHash, peerID)
	h := &recordingHandler{}
	fsm := NewFSM(10, h)
	require.NoError(t, fsm.FeedHandshake(buf))

	require.NoError(t, fsm.FeedMessage(&wire.Message{ID: wire.Unchoke}))
	err := fsm.FeedMessage(&wire.Message{ID: wire.Bitfield, Payload: wire.NewBitfield(10).Bytes()})
	require.Error(t, err)
	require.Equal(t, FSMClosed, fsm.State())
	require.Len(t, h.errs, 1)
}

func TestFSMBitfieldAsFirstMessageIsAccepted(t *testing.T) {
	var infoHash, peerID [20]byte
	buf := wire.Handshake(infoHash, peerID)
	h := &recordingHandler{}
	fsm := NewFSM(10, h)
	require.NoError(t, fsm.FeedHandshake(buf))

	bf := wire.NewBitfield(10)
	bf.Set(3)
	require.NoError(t, fsm.FeedMessage(&wire.Message{ID: wire.Bitfield, Payload: bf.Bytes()}))
	require.Len(t, h.bitfields, 1)
	require.True(t, h.bitfields[0].Has(3))
}

func TestFSMKeepAliveIsNoOp(t *testing.T) {
	var infoHash, peerID [20]byte
	buf := wire.Handshake(infoHash, peerID)
	h := &recordingHandler{}
	fsm := NewFSM(10, h)
	require.NoError(t, fsm.FeedHandshake(buf))
	require.NoError(t, fsm.FeedMessage(nil))
}

func TestFSMRejectsMessageBeforeHandshake(t *testing.T) {
	h := &recordingHandler{}
	fsm := NewFSM(10, h)
	err := fsm.FeedMessage(&wire.Message{ID: wire.Unchoke})
	require.Error(t, err)
}
