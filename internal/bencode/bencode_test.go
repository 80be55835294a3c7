package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := []string{
		"i42e",
		"i-42e",
		"i0e",
		"4:spam",
		"0:",
		"l4:spam4:eggse",
		"le",
		"d3:cow3:moo4:spam4:eggse",
		"de",
		"d4:infod6:lengthi10e4:name5:a.txt12:piece lengthi16384e6:pieces0:ee",
	}
	for _, c := range cases {
		v, n, err := Decode([]byte(c))
		require.NoError(t, err, c)
		require.Equal(t, len(c), n)
		require.Equal(t, c, string(Encode(v)))
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{
		"i-0e",
		"i01e",
		"i-01e",
		"ie",
		"3:ab",
		"d1:b1:x1:a1:ye",
		"d1:a1:x1:a1:ye",
		"z",
		"i1",
		"l4:spam",
	}
	for _, c := range cases {
		_, _, err := Decode([]byte(c))
		require.Error(t, err, c)
	}
}

func TestEncodeCanonicalizesDictOrder(t *testing.T) {
	v := Dict(
		Entry("zebra", Int(1)),
		Entry("apple", Int(2)),
	)
	require.Equal(t, "d5:applei2e5:zebrai1ee", string(Encode(v)))
}

func TestEncodeRejectsNothingButProducesCanonicalIntegers(t *testing.T) {
	require.Equal(t, "i0e", string(Encode(Int(0))))
	require.Equal(t, "i-5e", string(Encode(Int(-5))))
}

func TestDecodeNestedDepthGuard(t *testing.T) {
	// Build a deeply nested list exceeding a small custom ceiling.
	deep := make([]byte, 0, 200)
	for i := 0; i < 100; i++ {
		deep = append(deep, 'l')
	}
	for i := 0; i < 100; i++ {
		deep = append(deep, 'e')
	}
	d := NewDecoder(deep)
	d.SetMaxDepth(10)
	_, err := d.decodeValue(0)
	require.Error(t, err)
}

func TestGetOnDict(t *testing.T) {
	v := Dict(Entry("a", String([]byte("x"))))
	got, ok := v.Get("a")
	require.True(t, ok)
	require.Equal(t, "x", string(got.MustString()))
	_, ok = v.Get("missing")
	require.False(t, ok)
}
