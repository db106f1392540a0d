package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/go-leech/leech/xerrors"
)

// Encode writes v's canonical bencoded representation to w: dictionary
// keys sorted by raw byte value, integers with no leading zeros and no
// "-0".
func Encode(w io.Writer, v *Value) error {
	return encodeValue(w, v)
}

// EncodeBytes is Encode into a fresh buffer, for callers that need the
// bytes directly (e.g. to SHA-1 them).
func EncodeBytes(v *Value) []byte {
	var buf bytes.Buffer
	// encodeValue only fails on a malformed Value (nil Int on a KindInt,
	// etc.), which this package never constructs; panic rather than
	// thread an error through every caller that built v itself.
	if err := encodeValue(&buf, v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func encodeValue(w io.Writer, v *Value) error {
	if v == nil {
		return xerrors.New(xerrors.Bencode, op, fmt.Errorf("cannot encode a nil value"))
	}
	switch v.Kind {
	case KindInt:
		if v.Int == nil {
			return xerrors.New(xerrors.Bencode, op, fmt.Errorf("integer value has a nil big.Int"))
		}
		if _, err := fmt.Fprintf(w, "i%se", v.Int.String()); err != nil {
			return err
		}
		return nil
	case KindStr:
		if _, err := fmt.Fprintf(w, "%d:", len(v.Str)); err != nil {
			return err
		}
		_, err := w.Write(v.Str)
		return err
	case KindList:
		if _, err := io.WriteString(w, "l"); err != nil {
			return err
		}
		for _, item := range v.List {
			if err := encodeValue(w, item); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "e")
		return err
	case KindDict:
		if _, err := io.WriteString(w, "d"); err != nil {
			return err
		}
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "%d:%s", len(k), k); err != nil {
				return err
			}
			if err := encodeValue(w, v.Dict[k]); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "e")
		return err
	default:
		return xerrors.New(xerrors.Bencode, op, fmt.Errorf("value has invalid kind %d", v.Kind))
	}
}
