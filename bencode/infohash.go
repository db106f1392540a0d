package bencode

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"fmt"

	"github.com/go-leech/leech/xerrors"
)

// HashInfoDict finds the top-level dictionary's "info" entry inside
// torrentBytes and returns the SHA-1 of its exact bencoded span.
//
// This walks the byte offsets during a fresh decode rather than
// re-encoding the parsed Value, so the hash covers the bytes exactly as
// they appear in torrentBytes. The decode applies the same canonical
// rules as Decode: a root dictionary with out-of-order keys, for
// example, is an error rather than a hash.
func HashInfoDict(torrentBytes []byte) ([20]byte, error) {
	var zero [20]byte
	d := newDecoder(bufio.NewReader(bytes.NewReader(torrentBytes)), nil)
	root, span, err := d.valueWithSpan(0, torrentBytes)
	if err != nil {
		return zero, err
	}
	if root.Kind != KindDict {
		return zero, xerrors.New(xerrors.Bencode, "bencode.HashInfoDict", fmt.Errorf("root value is not a dictionary"))
	}
	infoSpan, ok := span["info"]
	if !ok {
		return zero, xerrors.New(xerrors.Bencode, "bencode.HashInfoDict", fmt.Errorf("no \"info\" key in root dictionary"))
	}
	return sha1.Sum(torrentBytes[infoSpan[0]:infoSpan[1]]), nil
}

// valueWithSpan decodes the root dictionary and additionally returns,
// for each of its direct keys, the [start,end) byte offsets of that
// key's value within the original buffer. Only the root dictionary's
// immediate children are tracked (that's all HashInfoDict needs); a
// full per-node span map isn't worth the bookkeeping this package
// doesn't otherwise require.
func (d *decoder) valueWithSpan(depth int, raw []byte) (*Value, map[string][2]int64, error) {
	c, err := d.readByte()
	if err != nil {
		return nil, nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("truncated input: %w", err))
	}
	if c != 'd' {
		d.unreadByte()
		v, err := d.value(depth)
		return v, nil, err
	}
	dict := make(map[string]*Value)
	spans := make(map[string][2]int64)
	lastKey := ""
	haveKey := false
	for {
		b, err := d.readByte()
		if err != nil {
			return nil, nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("truncated dictionary: %w", err))
		}
		if b == 'e' {
			return &Value{Kind: KindDict, Dict: dict}, spans, nil
		}
		d.unreadByte()
		keyVal, err := d.str()
		if err != nil {
			return nil, nil, err
		}
		key := string(keyVal.Str)
		if haveKey && key <= lastKey {
			return nil, nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("dictionary keys out of order: %q after %q", key, lastKey))
		}
		lastKey, haveKey = key, true
		start := d.off
		val, err := d.value(depth + 1)
		if err != nil {
			return nil, nil, err
		}
		spans[key] = [2]int64{start, d.off}
		dict[key] = val
	}
}
