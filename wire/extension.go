package wire

import (
	"bytes"
	"fmt"
	"net"

	"github.com/go-leech/leech/bencode"
	"github.com/go-leech/leech/xerrors"
)

// ExtensionHandshake is the BEP-10 ext_id 0 payload: a map from
// extension name to the per-connection id the peer wants it addressed
// by, plus its listen port and client version string.
type ExtensionHandshake struct {
	Messages map[string]uint8
	Port     int
	Version  string
	ReqQ     int
}

// ParseExtensionHandshake decodes a BEP-10 handshake dictionary.
func ParseExtensionHandshake(payload []byte) (*ExtensionHandshake, error) {
	v, err := bencode.DecodeFull(bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.New(xerrors.Protocol, op, fmt.Errorf("decoding extension handshake: %w", err))
	}
	if v.Kind != bencode.KindDict {
		return nil, xerrors.New(xerrors.Protocol, op, fmt.Errorf("extension handshake is not a dictionary"))
	}
	m := v.Get("m")
	if m == nil || m.Kind != bencode.KindDict {
		return nil, xerrors.New(xerrors.Protocol, op, fmt.Errorf("extension handshake missing \"m\""))
	}
	out := &ExtensionHandshake{Messages: make(map[string]uint8, len(m.Dict))}
	for name, idVal := range m.Dict {
		id, _ := idVal.Int64()
		out.Messages[name] = uint8(id)
	}
	if p, ok := v.GetInt64("p"); ok {
		out.Port = int(p)
	}
	if ver, ok := v.GetStr("v"); ok {
		out.Version = string(ver)
	}
	if reqq, ok := v.GetInt64("reqq"); ok {
		out.ReqQ = int(reqq)
	}
	return out, nil
}

// BuildExtensionHandshake bencodes an outbound BEP-10 handshake
// dictionary advertising the given extension name -> local-id map.
func BuildExtensionHandshake(messages map[string]uint8, listenPort int, version string) []byte {
	m := bencode.NewDict()
	for name, id := range messages {
		m.Set(name, bencode.NewInt(int64(id)))
	}
	d := bencode.NewDict()
	d.Set("m", m)
	d.Set("p", bencode.NewInt(int64(listenPort)))
	d.Set("v", bencode.NewStrFromString(version))
	d.Set("reqq", bencode.NewInt(250))
	return bencode.EncodeBytes(d)
}

// PEXEntry is one peer surfaced by a PEX (BEP-11) extended message.
type PEXEntry struct {
	Addr       string
	Encryption bool // added.f bit 0x01
	SeedOnly   bool // added.f bit 0x02
}

// ParsePEX decodes a ut_pex message's "added" (compact peers) and
// "added.f" (one flag byte per peer) entries.
func ParsePEX(payload []byte) ([]PEXEntry, error) {
	v, err := bencode.DecodeFull(bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.New(xerrors.Protocol, op, fmt.Errorf("decoding PEX message: %w", err))
	}
	added, ok := v.GetStr("added")
	if !ok {
		return nil, nil
	}
	if len(added)%6 != 0 {
		return nil, xerrors.New(xerrors.Protocol, op, fmt.Errorf("PEX added length %d not a multiple of 6", len(added)))
	}
	flags, _ := v.GetStr("added.f")
	n := len(added) / 6
	out := make([]PEXEntry, 0, n)
	for i := 0; i < n; i++ {
		ip := net.IP(added[i*6 : i*6+4])
		port := int(added[i*6+4])<<8 | int(added[i*6+5])
		if port == 0 {
			continue
		}
		entry := PEXEntry{Addr: net.JoinHostPort(ip.String(), itoa(port))}
		if i < len(flags) {
			entry.Encryption = flags[i]&0x01 != 0
			entry.SeedOnly = flags[i]&0x02 != 0
		}
		out = append(out, entry)
	}
	return out, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [6]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
