package bencode

import (
	"bytes"
	"sort"
)

// Entry is one key/value pair of a dictionary. Raw holds the exact bytes the
// value was decoded from and is nil for entries built in memory.
type Entry struct {
	Key   string
	Value any
	Raw   []byte
}

// Dict is a dictionary that keeps its keys in the order they were read.
// Encoding always emits keys sorted by raw bytes.
type Dict struct {
	entries []Entry
}

// NewDict builds a dictionary from alternating key/value arguments.
func NewDict(kv ...any) *Dict {
	d := &Dict{}
	for i := 0; i+1 < len(kv); i += 2 {
		d.Set(kv[i].(string), kv[i+1])
	}
	return d
}

func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// Keys returns the keys in stored order.
func (d *Dict) Keys() []string {
	keys := make([]string, 0, d.Len())
	for _, e := range d.Entries() {
		keys = append(keys, e.Key)
	}
	return keys
}

// Entries returns the entries in stored order.
func (d *Dict) Entries() []Entry {
	if d == nil {
		return nil
	}
	return d.entries
}

func (d *Dict) lookup(key string) (Entry, bool) {
	for _, e := range d.Entries() {
		if e.Key == key {
			return e, true
		}
	}
	return Entry{}, false
}

func (d *Dict) Get(key string) (any, bool) {
	e, ok := d.lookup(key)
	return e.Value, ok
}

// Raw returns the encoded bytes a value was decoded from.
func (d *Dict) Raw(key string) ([]byte, bool) {
	e, ok := d.lookup(key)
	if !ok || e.Raw == nil {
		return nil, false
	}
	return e.Raw, true
}

// Set replaces the value for key, or appends it.
func (d *Dict) Set(key string, value any) {
	for i := range d.entries {
		if d.entries[i].Key == key {
			d.entries[i] = Entry{Key: key, Value: value}
			return
		}
	}
	d.entries = append(d.entries, Entry{Key: key, Value: value})
}

func (d *Dict) GetString(key string) (string, bool) {
	v, ok := d.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (d *Dict) GetInt(key string) (int64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

func (d *Dict) GetDict(key string) (*Dict, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	sub, ok := v.(*Dict)
	return sub, ok
}

func (d *Dict) GetList(key string) ([]any, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	l, ok := v.([]any)
	return l, ok
}

// sorted returns the entries ordered by raw key bytes.
func (d *Dict) sorted() []Entry {
	out := make([]Entry, d.Len())
	copy(out, d.Entries())
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare([]byte(out[i].Key), []byte(out[j].Key)) < 0
	})
	return out
}

// Equal reports whether a and b hold the same bencode value. Dictionary key
// order and raw spans are ignored.
func Equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	switch x := a.(type) {
	case int64:
		y, ok := b.(int64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case *Dict:
		y, ok := b.(*Dict)
		if !ok || x.Len() != y.Len() {
			return false
		}
		for _, e := range x.Entries() {
			v, ok := y.Get(e.Key)
			if !ok || !Equal(e.Value, v) {
				return false
			}
		}
		return true
	}
	return false
}

// normalize maps the Go types Encode accepts onto the decoded value model.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case []byte:
		return string(x)
	case map[string]any:
		d := &Dict{}
		for k, val := range x {
			d.Set(k, val)
		}
		return d
	case []string:
		l := make([]any, len(x))
		for i, s := range x {
			l[i] = s
		}
		return l
	}
	return v
}
