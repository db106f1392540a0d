// Package wire implements the BitTorrent peer wire protocol's message
// framing (BEP-3), bitfield layout, handshake and BEP-10 extension
// envelope. It has no notion of a socket or connection lifecycle; that
// lives in package peerconn.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-leech/leech/xerrors"
)

const op = "wire"

// MessageID identifies a regular (non-handshake) wire message.
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	_reserved9 // port (DHT, BEP-5), not used by this engine's core
	Extended MessageID = 20
)

// MaxBlockLength is the largest block size a peer may request (16 KiB).
const MaxBlockLength = 16384

// MaxMessageLength is the largest legal message length prefix: a
// 16 KiB block plus a piece message's 8-byte index/begin header plus
// the 1-byte message id, rounded up per spec.md's "16 KiB + 13" cap.
const MaxMessageLength = MaxBlockLength + 13

// Message is a parsed wire message. A KeepAlive is represented as a nil
// *Message from ReadFrame, not as a Message with a sentinel ID.
type Message struct {
	ID      MessageID
	Payload []byte
}

// ReadFrame reads one frame from r. It returns (nil, nil) for a
// keep-alive (a zero-length frame), exactly like the spec's "length==0
// emits a keep-alive" rule, so callers can tell a no-op tick apart from
// EOF/error without sentinel message IDs.
func ReadFrame(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxMessageLength {
		return nil, xerrors.New(xerrors.Protocol, op, fmt.Errorf("message length %d exceeds max %d", length, MaxMessageLength))
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &Message{ID: MessageID(buf[0]), Payload: buf[1:]}, nil
}

// Encode serializes msg into its wire representation, including the
// 4-byte big-endian length prefix.
func (m *Message) Encode() []byte {
	payLen := uint32(len(m.Payload) + 1)
	out := make([]byte, 4+payLen)
	binary.BigEndian.PutUint32(out, payLen)
	out[4] = byte(m.ID)
	copy(out[5:], m.Payload)
	return out
}

// KeepAlive returns the wire encoding of a keep-alive message (a bare
// zero length prefix, no id, no payload).
func KeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

func noPayload(id MessageID) []byte {
	return (&Message{ID: id}).Encode()
}

func ChokeMsg() []byte         { return noPayload(Choke) }
func UnchokeMsg() []byte       { return noPayload(Unchoke) }
func InterestedMsg() []byte    { return noPayload(Interested) }
func NotInterestedMsg() []byte { return noPayload(NotInterested) }

// HaveMsg encodes a "have" message for the given piece index.
func HaveMsg(index uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return (&Message{ID: Have, Payload: payload}).Encode()
}

// BitfieldMsg encodes a bitfield message carrying bf's raw bytes.
func BitfieldMsg(bf *Bitfield) []byte {
	return (&Message{ID: Bitfield, Payload: bf.Bytes()}).Encode()
}

// RequestMsg encodes a request message. length must be <= MaxBlockLength.
func RequestMsg(index, begin, length uint32) []byte {
	return threeUint32(Request, index, begin, length)
}

// CancelMsg encodes a cancel message with the same layout as request.
func CancelMsg(index, begin, length uint32) []byte {
	return threeUint32(Cancel, index, begin, length)
}

func threeUint32(id MessageID, a, b, c uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload, a)
	binary.BigEndian.PutUint32(payload[4:], b)
	binary.BigEndian.PutUint32(payload[8:], c)
	return (&Message{ID: id, Payload: payload}).Encode()
}

// PieceMsg encodes a piece message: index, begin, then the block data.
func PieceMsg(index, begin uint32, block []byte) []byte {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload, index)
	binary.BigEndian.PutUint32(payload[4:], begin)
	copy(payload[8:], block)
	return (&Message{ID: Piece, Payload: payload}).Encode()
}

// ExtendedMsg wraps an already-bencoded extension payload behind the
// given local extension id.
func ExtendedMsg(extID uint8, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = extID
	copy(buf[1:], payload)
	return (&Message{ID: Extended, Payload: buf}).Encode()
}

// ParsedRequest is the decoded fixed-layout payload shared by request,
// cancel and have-adjacent messages.
type ParsedRequest struct {
	Index, Begin, Length uint32
}

// ParseRequest validates and decodes a request/cancel payload: exactly
// 12 bytes, three big-endian uint32s, with Length <= MaxBlockLength.
func ParseRequest(payload []byte) (ParsedRequest, error) {
	if len(payload) != 12 {
		return ParsedRequest{}, xerrors.New(xerrors.Protocol, op, fmt.Errorf("request/cancel payload length %d != 12", len(payload)))
	}
	r := ParsedRequest{
		Index:  binary.BigEndian.Uint32(payload),
		Begin:  binary.BigEndian.Uint32(payload[4:]),
		Length: binary.BigEndian.Uint32(payload[8:]),
	}
	if r.Length == 0 || r.Length > MaxBlockLength {
		return ParsedRequest{}, xerrors.New(xerrors.Protocol, op, fmt.Errorf("request length %d out of bounds", r.Length))
	}
	return r, nil
}

// ParseHave validates and decodes a have payload: exactly 4 bytes.
func ParseHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, xerrors.New(xerrors.Protocol, op, fmt.Errorf("have payload length %d != 4", len(payload)))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// ParsedPiece is the decoded payload of a piece message.
type ParsedPiece struct {
	Index, Begin uint32
	Block        []byte
}

// ParsePiece validates and decodes a piece payload: at least 8 bytes,
// the remainder is block data.
func ParsePiece(payload []byte) (ParsedPiece, error) {
	if len(payload) < 8 {
		return ParsedPiece{}, xerrors.New(xerrors.Protocol, op, fmt.Errorf("piece payload length %d < 8", len(payload)))
	}
	return ParsedPiece{
		Index: binary.BigEndian.Uint32(payload),
		Begin: binary.BigEndian.Uint32(payload[4:]),
		Block: payload[8:],
	}, nil
}

// RequireEmptyPayload validates that a no-payload message (choke,
// unchoke, interested, not-interested) really carries none.
func RequireEmptyPayload(id MessageID, payload []byte) error {
	if len(payload) != 0 {
		return xerrors.New(xerrors.Protocol, op, fmt.Errorf("message id %d must have an empty payload, got %d bytes", id, len(payload)))
	}
	return nil
}
