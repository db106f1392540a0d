// Package bencode implements the deterministic binary encoding used by
// torrent metainfo files and tracker responses: integers, byte strings,
// lists and dictionaries, canonically ordered on encode.
package bencode

import (
	"math/big"
)

// Kind discriminates the tagged union a Value represents.
type Kind int

const (
	KindInvalid Kind = iota
	KindInt
	KindStr
	KindList
	KindDict
)

// Value is a bencode value. Exactly one of the fields matching Kind is
// populated; the others are left at their zero value.
//
// Str is kept as raw bytes deliberately: bencode byte strings are opaque
// binary data (info hashes, peer ids, piece hashes) and only a caller who
// knows a given field's semantics may decide to treat it as UTF-8 text.
type Value struct {
	Kind Kind
	Int  *big.Int
	Str  []byte
	List []*Value
	Dict map[string]*Value
}

// Int64 returns v's integer value as an int64 plus whether it fit
// without truncation. Values outside [-2^63, 2^63) return ok=false; the
// caller should fall back to v.Int directly for those.
func (v *Value) Int64() (n int64, ok bool) {
	if v == nil || v.Kind != KindInt || v.Int == nil {
		return 0, false
	}
	if !v.Int.IsInt64() {
		return 0, false
	}
	return v.Int.Int64(), true
}

// NewInt wraps an int64 as an integer Value.
func NewInt(n int64) *Value {
	return &Value{Kind: KindInt, Int: big.NewInt(n)}
}

// NewBigInt wraps an arbitrary-precision integer as a Value.
func NewBigInt(n *big.Int) *Value {
	return &Value{Kind: KindInt, Int: new(big.Int).Set(n)}
}

// NewStr wraps raw bytes as a byte-string Value.
func NewStr(b []byte) *Value {
	return &Value{Kind: KindStr, Str: b}
}

// NewStrFromString is a convenience for literal ASCII dict keys and
// tracker query values where the caller already knows the bytes are
// text (e.g. "started", "BitTorrent protocol").
func NewStrFromString(s string) *Value {
	return &Value{Kind: KindStr, Str: []byte(s)}
}

// NewList wraps a slice of values as a list Value.
func NewList(items ...*Value) *Value {
	return &Value{Kind: KindList, List: items}
}

// NewDict creates an empty dictionary Value ready for Set calls.
func NewDict() *Value {
	return &Value{Kind: KindDict, Dict: make(map[string]*Value)}
}

// Set inserts key/val into a dictionary Value. Panics if v is not a
// dictionary, matching the rest of this package's "caller already knows
// the shape" contract.
func (v *Value) Set(key string, val *Value) {
	if v.Kind != KindDict {
		panic("bencode: Set on a non-dictionary Value")
	}
	v.Dict[key] = val
}

// Get returns the dictionary entry for key, or nil if v is not a
// dictionary or the key is absent.
func (v *Value) Get(key string) *Value {
	if v == nil || v.Kind != KindDict {
		return nil
	}
	return v.Dict[key]
}

// GetStr is a Get followed by a Str kind check, returning (nil, false)
// on any mismatch so callers can write one-line presence checks.
func (v *Value) GetStr(key string) ([]byte, bool) {
	e := v.Get(key)
	if e == nil || e.Kind != KindStr {
		return nil, false
	}
	return e.Str, true
}

// GetInt64 is Get followed by an Int64 conversion.
func (v *Value) GetInt64(key string) (int64, bool) {
	e := v.Get(key)
	if e == nil {
		return 0, false
	}
	return e.Int64()
}
