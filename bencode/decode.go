package bencode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/go-leech/leech/xerrors"
)

const op = "bencode"

// DefaultMaxDepth bounds nested list/dict recursion to prevent a
// malicious or corrupt input from blowing the call stack.
const DefaultMaxDepth = 100

// DecodeOptions configures a Decoder.
type DecodeOptions struct {
	// MaxDepth is the deepest nesting of list/dict values allowed.
	// Zero means DefaultMaxDepth.
	MaxDepth int
	// MaxStringLen rejects a single byte-string whose declared length
	// exceeds this many bytes before attempting to allocate/read it.
	// Zero means no extra bound beyond the reader's own bytes.
	MaxStringLen int64
}

// DecodeOption mutates DecodeOptions; used as a functional-options tail
// on Decode/DecodeFull.
type DecodeOption func(*DecodeOptions)

// WithMaxDepth overrides the nesting depth limit.
func WithMaxDepth(n int) DecodeOption {
	return func(o *DecodeOptions) { o.MaxDepth = n }
}

// WithMaxStringLen overrides the declared-string-length bound.
func WithMaxStringLen(n int64) DecodeOption {
	return func(o *DecodeOptions) { o.MaxStringLen = n }
}

type decoder struct {
	r    *bufio.Reader
	opts DecodeOptions
	// off tracks bytes consumed so callers needing a byte span (the
	// info-dict hasher) can record where a sub-value started and ended
	// without re-encoding it.
	off int64
}

func newDecoder(r io.Reader, options []DecodeOption) *decoder {
	opts := DecodeOptions{MaxDepth: DefaultMaxDepth}
	for _, o := range options {
		o(&opts)
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	var br *bufio.Reader
	if b, ok := r.(*bufio.Reader); ok {
		br = b
	} else {
		br = bufio.NewReader(r)
	}
	return &decoder{r: br, opts: opts}
}

func (d *decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err == nil {
		d.off++
	}
	return b, err
}

func (d *decoder) unreadByte() {
	d.r.UnreadByte()
	d.off--
}

// Decode reads exactly one bencode value from r. Trailing bytes after
// the value are not consumed and are not an error; use DecodeFull to
// reject them.
func Decode(r io.Reader, options ...DecodeOption) (*Value, error) {
	d := newDecoder(r, options)
	return d.value(0)
}

// DecodeFull decodes exactly one value and errors if any bytes remain
// in r afterwards.
func DecodeFull(r io.Reader, options ...DecodeOption) (*Value, error) {
	d := newDecoder(r, options)
	v, err := d.value(0)
	if err != nil {
		return nil, err
	}
	if _, err := d.r.ReadByte(); err != io.EOF {
		if err == nil {
			return nil, xerrors.New(xerrors.Bencode, op, errors.New("trailing data after root value"))
		}
		return nil, xerrors.New(xerrors.Bencode, op, err)
	}
	return v, nil
}

func (d *decoder) value(depth int) (*Value, error) {
	if depth > d.opts.MaxDepth {
		return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("nesting depth exceeds %d", d.opts.MaxDepth))
	}
	c, err := d.readByte()
	if err != nil {
		return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("truncated input: %w", err))
	}
	switch {
	case c == 'i':
		return d.integer()
	case c == 'l':
		return d.list(depth)
	case c == 'd':
		return d.dict(depth)
	case c >= '0' && c <= '9':
		d.unreadByte()
		return d.str()
	default:
		return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("unexpected byte %q", c))
	}
}

// integer parses the body of an "i...e" token, the leading 'i' already
// consumed. Rejects leading zeros ("i01e"), negative zero ("i-0e") and
// non-digit content.
func (d *decoder) integer() (*Value, error) {
	neg := false
	digits := make([]byte, 0, 16)
	first := true
	for {
		b, err := d.readByte()
		if err != nil {
			return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("truncated integer: %w", err))
		}
		if b == 'e' {
			break
		}
		if first && b == '-' {
			neg = true
			first = false
			continue
		}
		if b < '0' || b > '9' {
			return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("invalid integer byte %q", b))
		}
		digits = append(digits, b)
		first = false
	}
	if len(digits) == 0 {
		return nil, xerrors.New(xerrors.Bencode, op, errors.New("empty integer"))
	}
	if digits[0] == '0' && len(digits) > 1 {
		return nil, xerrors.New(xerrors.Bencode, op, errors.New("integer has a leading zero"))
	}
	if neg && digits[0] == '0' {
		return nil, xerrors.New(xerrors.Bencode, op, errors.New("negative zero is not allowed"))
	}
	n := new(big.Int)
	if _, ok := n.SetString(string(digits), 10); !ok {
		return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("malformed integer %q", digits))
	}
	if neg {
		n.Neg(n)
	}
	return &Value{Kind: KindInt, Int: n}, nil
}

// str parses a "<len>:<bytes>" token; the digit of len has not been
// consumed yet.
func (d *decoder) str() (*Value, error) {
	lenDigits := make([]byte, 0, 8)
	for {
		b, err := d.readByte()
		if err != nil {
			return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("truncated string length: %w", err))
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("invalid string length byte %q", b))
		}
		lenDigits = append(lenDigits, b)
	}
	if len(lenDigits) == 0 {
		return nil, xerrors.New(xerrors.Bencode, op, errors.New("empty string length"))
	}
	if lenDigits[0] == '0' && len(lenDigits) > 1 {
		return nil, xerrors.New(xerrors.Bencode, op, errors.New("string length has a leading zero"))
	}
	length := new(big.Int)
	if _, ok := length.SetString(string(lenDigits), 10); !ok {
		return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("malformed string length %q", lenDigits))
	}
	if !length.IsInt64() {
		return nil, xerrors.New(xerrors.Bencode, op, errors.New("string length out of range"))
	}
	n := length.Int64()
	if n < 0 {
		return nil, xerrors.New(xerrors.Bencode, op, errors.New("negative string length"))
	}
	if d.opts.MaxStringLen > 0 && n > d.opts.MaxStringLen {
		return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("string length %d exceeds bound %d", n, d.opts.MaxStringLen))
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(d.r, buf)
	d.off += int64(read)
	if err != nil {
		return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("string shorter than declared length: %w", err))
	}
	return &Value{Kind: KindStr, Str: buf}, nil
}

func (d *decoder) list(depth int) (*Value, error) {
	items := []*Value{}
	for {
		b, err := d.readByte()
		if err != nil {
			return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("truncated list: %w", err))
		}
		if b == 'e' {
			return &Value{Kind: KindList, List: items}, nil
		}
		d.unreadByte()
		item, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}

func (d *decoder) dict(depth int) (*Value, error) {
	dict := make(map[string]*Value)
	lastKey := ""
	haveKey := false
	for {
		b, err := d.readByte()
		if err != nil {
			return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("truncated dictionary: %w", err))
		}
		if b == 'e' {
			return &Value{Kind: KindDict, Dict: dict}, nil
		}
		d.unreadByte()
		keyVal, err := d.str()
		if err != nil {
			return nil, err
		}
		key := string(keyVal.Str)
		if haveKey && key <= lastKey {
			return nil, xerrors.New(xerrors.Bencode, op, fmt.Errorf("dictionary keys out of order: %q after %q", key, lastKey))
		}
		lastKey, haveKey = key, true
		val, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		dict[key] = val
	}
}
