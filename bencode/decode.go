package bencode

import (
	"fmt"
	"strconv"
)

// maxDepth bounds list/dictionary nesting.
const maxDepth = 512

type decoder struct {
	data  []byte
	pos   int
	depth int
}

// Decode decodes exactly one value from data. Integers decode to int64,
// strings to string, lists to []any and dictionaries to *Dict.
func Decode(data []byte) (any, error) {
	d := &decoder{data: data}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.data) {
		return nil, d.fail("trailing data after value")
	}
	return v, nil
}

// DecodeDict decodes data and requires a dictionary at the top level.
func DecodeDict(data []byte) (*Dict, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*Dict)
	if !ok {
		return nil, &SyntaxError{Offset: 0, Reason: "top-level value is not a dictionary"}
	}
	return d, nil
}

func (d *decoder) fail(format string, args ...any) error {
	return &SyntaxError{Offset: d.pos, Reason: fmt.Sprintf(format, args...)}
}

func (d *decoder) value() (any, error) {
	if d.pos >= len(d.data) {
		return nil, d.fail("unexpected end of input")
	}
	switch c := d.data[d.pos]; {
	case c == 'i':
		return d.integer()
	case c == 'l':
		return d.list()
	case c == 'd':
		return d.dict()
	case c >= '0' && c <= '9':
		return d.str()
	default:
		return nil, d.fail("invalid type prefix %q", c)
	}
}

// integer reads i<digits>e.
func (d *decoder) integer() (int64, error) {
	start := d.pos
	d.pos++ // 'i'
	end := d.pos
	for end < len(d.data) && d.data[end] != 'e' {
		end++
	}
	if end >= len(d.data) {
		return 0, d.fail("unterminated integer")
	}
	digits := string(d.data[d.pos:end])
	if err := checkInteger(digits); err != nil {
		return 0, &SyntaxError{Offset: start, Reason: err.Error()}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, &SyntaxError{Offset: start, Reason: "integer out of range"}
	}
	d.pos = end + 1
	return n, nil
}

func checkInteger(s string) error {
	digits := s
	if len(digits) > 0 && digits[0] == '-' {
		digits = digits[1:]
		if digits == "0" {
			return fmt.Errorf("negative zero")
		}
	}
	if len(digits) == 0 {
		return fmt.Errorf("empty integer")
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return fmt.Errorf("invalid integer %q", s)
		}
	}
	if len(digits) > 1 && digits[0] == '0' {
		return fmt.Errorf("leading zero in integer %q", s)
	}
	return nil
}

// str reads <length>:<bytes>.
func (d *decoder) str() (string, error) {
	start := d.pos
	colon := d.pos
	for colon < len(d.data) && d.data[colon] != ':' {
		c := d.data[colon]
		if c < '0' || c > '9' {
			return "", d.fail("invalid string length byte %q", c)
		}
		colon++
	}
	if colon >= len(d.data) {
		return "", d.fail("unterminated string length")
	}
	prefix := string(d.data[start:colon])
	if len(prefix) > 1 && prefix[0] == '0' {
		return "", d.fail("leading zero in string length %q", prefix)
	}
	n, err := strconv.Atoi(prefix)
	if err != nil {
		return "", d.fail("invalid string length %q", prefix)
	}
	begin := colon + 1
	if n > len(d.data)-begin {
		return "", d.fail("string length %d exceeds remaining %d bytes", n, len(d.data)-begin)
	}
	d.pos = begin + n
	return string(d.data[begin:d.pos]), nil
}

func (d *decoder) enter() error {
	d.depth++
	if d.depth > maxDepth {
		return d.fail("nesting deeper than %d", maxDepth)
	}
	return nil
}

func (d *decoder) list() ([]any, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()

	d.pos++ // 'l'
	l := []any{}
	for {
		if d.pos >= len(d.data) {
			return nil, d.fail("unterminated list")
		}
		if d.data[d.pos] == 'e' {
			d.pos++
			return l, nil
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		l = append(l, v)
	}
}

func (d *decoder) dict() (*Dict, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()

	d.pos++ // 'd'
	dict := &Dict{}
	seen := make(map[string]struct{})
	for {
		if d.pos >= len(d.data) {
			return nil, d.fail("unterminated dictionary")
		}
		c := d.data[d.pos]
		if c == 'e' {
			d.pos++
			return dict, nil
		}
		if c < '0' || c > '9' {
			return nil, d.fail("dictionary key is not a string")
		}
		keyAt := d.pos
		key, err := d.str()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			return nil, &SyntaxError{Offset: keyAt, Reason: fmt.Sprintf("duplicate dictionary key %q", key)}
		}
		seen[key] = struct{}{}

		valueAt := d.pos
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		dict.entries = append(dict.entries, Entry{
			Key:   key,
			Value: v,
			Raw:   d.data[valueAt:d.pos:d.pos],
		})
	}
}
