package wire

import (
	"bytes"
	"fmt"

	"github.com/go-leech/leech/xerrors"
)

// Protocol is the fixed protocol identifier string from BEP-3.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the total length of a handshake message: 1 (pstrlen)
// + 19 (pstr) + 8 (reserved) + 20 (info hash) + 20 (peer id).
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// Reserved-byte extension bits (BEP-5, BEP-10, fast extension).
const (
	ExtDHT      = 0x01 // reserved[7] bit 0 — BEP 5
	ExtFast     = 0x04 // reserved[7] bit 2 — fast extension
	ExtExtended = 0x10 // reserved[5] bit 4 — BEP 10
)

// Handshake builds the 68-byte handshake message this engine sends:
// extended-protocol and DHT bits set, fast extension left unset (the
// fast extension is not implemented by peerconn's FSM).
func Handshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	reserved := buf[1+len(Protocol) : 1+len(Protocol)+8]
	reserved[5] |= ExtExtended
	reserved[7] |= ExtDHT
	copy(buf[1+len(Protocol)+8:], infoHash[:])
	copy(buf[1+len(Protocol)+8+20:], peerID[:])
	return buf
}

// ParsedHandshake is a validated, decoded handshake.
type ParsedHandshake struct {
	InfoHash, PeerID                            [20]byte
	SupportsDHT, SupportsExtended, SupportsFast bool
}

// ParseHandshake validates and decodes a received handshake. The
// protocol string length must be 19 and equal "BitTorrent protocol" or
// this is a protocol error, fatal to the connection.
func ParseHandshake(buf []byte) (ParsedHandshake, error) {
	if len(buf) != HandshakeSize {
		return ParsedHandshake{}, xerrors.New(xerrors.Protocol, op, fmt.Errorf("handshake length %d != %d", len(buf), HandshakeSize))
	}
	pstrlen := int(buf[0])
	if pstrlen != len(Protocol) {
		return ParsedHandshake{}, xerrors.New(xerrors.Protocol, op, fmt.Errorf("protocol string length %d != %d", pstrlen, len(Protocol)))
	}
	if !bytes.Equal(buf[1:1+pstrlen], []byte(Protocol)) {
		return ParsedHandshake{}, xerrors.New(xerrors.Protocol, op, fmt.Errorf("unrecognized protocol string %q", buf[1:1+pstrlen]))
	}
	reserved := buf[1+pstrlen : 1+pstrlen+8]
	var h ParsedHandshake
	copy(h.InfoHash[:], buf[1+pstrlen+8:1+pstrlen+28])
	copy(h.PeerID[:], buf[1+pstrlen+28:1+pstrlen+48])
	h.SupportsDHT = reserved[7]&ExtDHT != 0
	h.SupportsFast = reserved[7]&ExtFast != 0
	h.SupportsExtended = reserved[5]&ExtExtended != 0
	return h, nil
}
