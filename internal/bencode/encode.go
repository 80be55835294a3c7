package bencode

import (
	"bytes"
	"sort"
	"strconv"
)

// Encode produces the canonical bencoding of v: dict keys are sorted
// ascending by raw byte value regardless of the order they were built
// in, and integers carry no leading zeros. Encoding a Value decoded
// from valid input always reproduces the original bytes exactly.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case KindString:
		buf.WriteString(strconv.Itoa(len(v.Str)))
		buf.WriteByte(':')
		buf.Write(v.Str)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeValue(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		entries := make([]DictEntry, len(v.Dict))
		copy(entries, v.Dict)
		sort.Slice(entries, func(i, j int) bool {
			return bytesCompare(entries[i].Key, entries[j].Key) < 0
		})
		buf.WriteByte('d')
		for _, e := range entries {
			encodeValue(buf, String(e.Key))
			encodeValue(buf, e.Val)
		}
		buf.WriteByte('e')
	}
}

// Dict builds a dict Value from the given entries, in the order given
// (Encode will sort them; this constructor is for readability at call
// sites, not for asserting canonical order).
func Dict(entries ...DictEntry) Value {
	return Value{Kind: KindDict, Dict: entries}
}

// Entry is a convenience constructor for a DictEntry with a string key.
func Entry(key string, val Value) DictEntry {
	return DictEntry{Key: []byte(key), Val: val}
}
