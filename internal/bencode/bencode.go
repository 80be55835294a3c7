// Package bencode implements a deterministic, byte-exact encoder and
// decoder for the bencode wire format used by torrent metainfo files
// and tracker responses.
package bencode


// Kind identifies the dynamic type carried by a Value.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindList
	KindDict
)

// Value is a tagged bencode value tree. Exactly one of the typed
// fields is meaningful, selected by Kind. Dict retains insertion
// order only so that a decoded Value round-trips; Encode always
// re-sorts keys, so a hand-built Value need not be pre-sorted.
type Value struct {
	Kind Kind

	Str  []byte
	Int  int64
	List []Value
	Dict []DictEntry
}

// DictEntry is one key/value pair of a bencode dictionary.
type DictEntry struct {
	Key []byte
	Val Value
}

// String constructs a byte-string Value.
func String(s []byte) Value { return Value{Kind: KindString, Str: s} }

// Int constructs an integer Value.
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

// List constructs a list Value.
func List(items ...Value) Value { return Value{Kind: KindList, List: items} }

// IsZero reports whether v was never assigned (the Kind zero value
// overlaps KindString, so callers that need to distinguish "absent"
// from "empty string" should check presence separately).
func (v Value) IsZero() bool {
	return v.Kind == KindString && v.Str == nil && v.List == nil && v.Dict == nil && v.Int == 0
}

// Get returns the value for key in a dict Value, and whether it was present.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	for _, e := range v.Dict {
		if string(e.Key) == key {
			return e.Val, true
		}
	}
	return Value{}, false
}

// MustString returns the raw bytes of a byte-string Value, or nil.
func (v Value) MustString() []byte {
	if v.Kind != KindString {
		return nil
	}
	return v.Str
}
