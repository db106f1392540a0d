package peerconn

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-leech/leech/wire"
	"github.com/go-leech/leech/xerrors"
)

// WireState is the wire-protocol handshake/message state, distinct
// from Conn's socket-level State.
type WireState int

const (
	WaitingHandshake WireState = iota
	Active
	FSMClosed
)

// Handler receives classified events from an FSM as it processes
// inbound bytes. Implementations are expected to be fast and
// non-blocking; slow work (disk writes, piece verification) belongs
// downstream.
type Handler interface {
	OnHandshake(h wire.ParsedHandshake)
	OnChoke(choked bool)
	OnInterested(interested bool)
	OnHave(index uint32)
	OnBitfield(bf *wire.Bitfield)
	OnRequest(r wire.ParsedRequest)
	OnCancel(r wire.ParsedRequest)
	OnPiece(p wire.ParsedPiece)
	OnExtended(extID uint8, payload []byte)
	OnProtocolError(err error)
}

// FSM drives the handshake-then-message wire protocol for one
// connection. In WaitingHandshake, only an inbound 68-byte handshake
// is accepted; once Active, frames are dispatched by message id with
// the exact payload-length rules BEP-3 and this engine's own non-goals
// impose (a bitfield after the first non-bitfield message from a peer
// is a protocol error, not a resync point).
type FSM struct {
	state          WireState
	pieceCount     int
	sawNonBitfield bool
	handler        Handler
}

// NewFSM returns an FSM awaiting an inbound handshake. pieceCount sizes
// any bitfield this connection's peer sends.
func NewFSM(pieceCount int, handler Handler) *FSM {
	return &FSM{state: WaitingHandshake, pieceCount: pieceCount, handler: handler}
}

// State returns the FSM's current wire-protocol state.
func (f *FSM) State() WireState { return f.state }

// FeedHandshake processes the fixed 68-byte handshake. Caller is
// responsible for having read exactly HandshakeSize bytes (typically
// via Conn.ReadFrame's underlying reader before framing begins).
func (f *FSM) FeedHandshake(buf []byte) error {
	if f.state != WaitingHandshake {
		return xerrors.Newf(xerrors.Protocol, op, "handshake received while in state %d", f.state)
	}
	h, err := wire.ParseHandshake(buf)
	if err != nil {
		f.state = FSMClosed
		return err
	}
	f.state = Active
	f.handler.OnHandshake(h)
	return nil
}

// FeedMessage dispatches one already-framed message (nil for a
// keep-alive, which is a no-op here).
func (f *FSM) FeedMessage(msg *wire.Message) error {
	if f.state != Active {
		return xerrors.Newf(xerrors.Protocol, op, "message received while in state %d", f.state)
	}
	if msg == nil {
		return nil // keep-alive
	}

	switch msg.ID {
	case wire.Choke:
		if err := wire.RequireEmptyPayload(msg.ID, msg.Payload); err != nil {
			return f.fail(err)
		}
		f.sawNonBitfield = true
		f.handler.OnChoke(true)

	case wire.Unchoke:
		if err := wire.RequireEmptyPayload(msg.ID, msg.Payload); err != nil {
			return f.fail(err)
		}
		f.sawNonBitfield = true
		f.handler.OnChoke(false)

	case wire.Interested:
		if err := wire.RequireEmptyPayload(msg.ID, msg.Payload); err != nil {
			return f.fail(err)
		}
		f.sawNonBitfield = true
		f.handler.OnInterested(true)

	case wire.NotInterested:
		if err := wire.RequireEmptyPayload(msg.ID, msg.Payload); err != nil {
			return f.fail(err)
		}
		f.sawNonBitfield = true
		f.handler.OnInterested(false)

	case wire.Have:
		index, err := wire.ParseHave(msg.Payload)
		if err != nil {
			return f.fail(err)
		}
		f.sawNonBitfield = true
		f.handler.OnHave(index)

	case wire.Bitfield:
		if f.sawNonBitfield {
			return f.fail(xerrors.Newf(xerrors.Protocol, op, "bitfield received after an earlier non-bitfield message"))
		}
		f.sawNonBitfield = true
		f.handler.OnBitfield(wire.FromBytes(msg.Payload, f.pieceCount))

	case wire.Request:
		r, err := wire.ParseRequest(msg.Payload)
		if err != nil {
			return f.fail(err)
		}
		f.sawNonBitfield = true
		f.handler.OnRequest(r)

	case wire.Cancel:
		r, err := wire.ParseRequest(msg.Payload)
		if err != nil {
			return f.fail(err)
		}
		f.sawNonBitfield = true
		f.handler.OnCancel(r)

	case wire.Piece:
		p, err := wire.ParsePiece(msg.Payload)
		if err != nil {
			return f.fail(err)
		}
		f.sawNonBitfield = true
		f.handler.OnPiece(p)

	case wire.Extended:
		if len(msg.Payload) < 1 {
			return f.fail(xerrors.Newf(xerrors.Protocol, op, "extended message with empty payload"))
		}
		f.sawNonBitfield = true
		f.handler.OnExtended(msg.Payload[0], msg.Payload[1:])

	default:
		f.sawNonBitfield = true
		// Unknown message ids are tolerated (future extensions), per
		// BEP-3's forward-compatibility expectation; just ignored.
	}
	return nil
}

func (f *FSM) fail(err error) error {
	f.state = FSMClosed
	f.handler.OnProtocolError(err)
	return err
}

// Run drives conn's handshake then message loop until a protocol
// error, a Close, or the reader returns io.EOF.
func Run(conn *Conn, pieceCount int, isInitiator bool, localHandshake []byte, handler Handler) error {
	fsm := NewFSM(pieceCount, handler)

	if err := conn.Write(localHandshake); err != nil {
		return err
	}
	hsBuf := make([]byte, wire.HandshakeSize)
	if err := readHandshakeBytes(conn, hsBuf); err != nil {
		return err
	}
	if err := fsm.FeedHandshake(hsBuf); err != nil {
		return err
	}

	for {
		msg, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fsm.FeedMessage(msg); err != nil {
			return err
		}
	}
}

// readHandshakeBytes reads exactly len(buf) bytes through conn's
// (possibly MSE-decrypting) reader, bypassing frame-length parsing
// since the handshake has no length prefix.
func readHandshakeBytes(conn *Conn, buf []byte) error {
	r := &decryptingReader{conn: conn}
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return xerrors.New(xerrors.Network, op, fmt.Errorf("reading handshake: %w", err))
		}
	}
	return nil
}
