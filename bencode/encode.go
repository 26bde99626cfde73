package bencode

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Encoder writes bencoded values to a stream.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes v and flushes. Dictionary keys are always written in
// ascending raw byte order.
func (e *Encoder) Encode(v any) error {
	if err := e.value(v); err != nil {
		return err
	}
	return e.w.Flush()
}

// Encode returns the bencoded form of v.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Encoder) value(v any) error {
	switch x := v.(type) {
	case int64:
		e.integer(x)
	case int:
		e.integer(int64(x))
	case int32:
		e.integer(int64(x))
	case uint16:
		e.integer(int64(x))
	case uint32:
		e.integer(int64(x))
	case string:
		e.str(x)
	case []byte:
		e.str(string(x))
	case []string:
		e.w.WriteByte('l')
		for _, s := range x {
			e.str(s)
		}
		e.w.WriteByte('e')
	case []any:
		e.w.WriteByte('l')
		for _, item := range x {
			if err := e.value(item); err != nil {
				return err
			}
		}
		e.w.WriteByte('e')
	case *Dict:
		if x == nil {
			return &EncodeError{Type: "nil *Dict", Err: ErrUnsupportedType}
		}
		e.w.WriteByte('d')
		for _, entry := range x.sorted() {
			e.str(entry.Key)
			if err := e.value(entry.Value); err != nil {
				return err
			}
		}
		e.w.WriteByte('e')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		e.w.WriteByte('d')
		for _, k := range keys {
			e.str(k)
			if err := e.value(x[k]); err != nil {
				return err
			}
		}
		e.w.WriteByte('e')
	default:
		return &EncodeError{Type: fmt.Sprintf("%T", v), Err: ErrUnsupportedType}
	}
	return nil
}

func (e *Encoder) integer(n int64) {
	e.w.WriteByte('i')
	e.w.WriteString(strconv.FormatInt(n, 10))
	e.w.WriteByte('e')
}

func (e *Encoder) str(s string) {
	e.w.WriteString(strconv.Itoa(len(s)))
	e.w.WriteByte(':')
	e.w.WriteString(s)
}
