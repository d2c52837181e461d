package model

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/rotisserie/eris"
)

// StringSet is a set of identifiers. It serializes as a sorted JSON array so
// persisted state is deterministic across save/load cycles.
type StringSet struct {
	m map[string]struct{}
}

// NewStringSet builds a set from the given ids.
func NewStringSet(ids ...string) StringSet {
	s := StringSet{m: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.m[id] = struct{}{}
	}
	return s
}

// Add inserts id. Returns false if it was already present.
func (s *StringSet) Add(id string) bool {
	if s.m == nil {
		s.m = make(map[string]struct{})
	}
	if _, ok := s.m[id]; ok {
		return false
	}
	s.m[id] = struct{}{}
	return true
}

// Has reports whether id is in the set.
func (s StringSet) Has(id string) bool {
	_, ok := s.m[id]
	return ok
}

// Len returns the number of members.
func (s StringSet) Len() int {
	return len(s.m)
}

// Sorted returns the members in ascending order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s.m))
	for id := range s.m {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Union adds every member of other to s.
func (s *StringSet) Union(other StringSet) {
	for id := range other.m {
		s.Add(id)
	}
}

// Retain drops members for which keep returns false and returns the dropped ids.
func (s *StringSet) Retain(keep func(id string) bool) []string {
	var dropped []string
	for id := range s.m {
		if !keep(id) {
			dropped = append(dropped, id)
			delete(s.m, id)
		}
	}
	slices.Sort(dropped)
	return dropped
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *StringSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return eris.Wrap(err, "model: unmarshal string set")
	}
	if len(ids) == 0 {
		*s = StringSet{}
		return nil
	}
	*s = NewStringSet(ids...)
	return nil
}

// OrderedMap is a string-keyed map that remembers insertion order. It
// serializes as a JSON object whose keys appear in that order.
type OrderedMap[V any] struct {
	keys []string
	vals map[string]V
}

// Set stores v under key, appending key to the order if it is new.
func (m *OrderedMap[V]) Set(key string, v V) {
	if m.vals == nil {
		m.vals = make(map[string]V)
	}
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
}

// Get returns the value for key.
func (m OrderedMap[V]) Get(key string) (V, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Has reports whether key is present.
func (m OrderedMap[V]) Has(key string) bool {
	_, ok := m.vals[key]
	return ok
}

// Delete removes key. Missing keys are ignored.
func (m *OrderedMap[V]) Delete(key string) {
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	m.keys = slices.DeleteFunc(m.keys, func(k string) bool { return k == key })
}

// Keys returns a copy of the keys in insertion order.
func (m OrderedMap[V]) Keys() []string {
	return slices.Clone(m.keys)
}

// Len returns the number of entries.
func (m OrderedMap[V]) Len() int {
	return len(m.keys)
}

// Clear removes every entry.
func (m *OrderedMap[V]) Clear() {
	m.keys = nil
	m.vals = nil
}

func (m OrderedMap[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, eris.Wrap(err, "model: marshal ordered map key")
		}
		vb, err := json.Marshal(m.vals[k])
		if err != nil {
			return nil, eris.Wrapf(err, "model: marshal ordered map value %s", k)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *OrderedMap[V]) UnmarshalJSON(data []byte) error {
	m.Clear()
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return eris.Wrap(err, "model: unmarshal ordered map")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return eris.New("model: ordered map must be a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return eris.Wrap(err, "model: unmarshal ordered map key")
		}
		key, ok := tok.(string)
		if !ok {
			return eris.New("model: ordered map key must be a string")
		}
		var v V
		if err := dec.Decode(&v); err != nil {
			return eris.Wrapf(err, "model: unmarshal ordered map value %s", key)
		}
		m.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return eris.Wrap(err, "model: unmarshal ordered map close")
	}
	return nil
}
