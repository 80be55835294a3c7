package peerprotocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{}
	copy(h.InfoHash[:], bytes.Repeat([]byte{0xAB}, 20))
	copy(h.PeerID[:], bytes.Repeat([]byte{0xCD}, 20))
	buf := bytes.NewBuffer(h.Marshal())
	require.Equal(t, HandshakeLen, buf.Len())
	got, err := ReadHandshake(buf)
	require.NoError(t, err)
	require.Equal(t, h.InfoHash, got.InfoHash)
	require.Equal(t, h.PeerID, got.PeerID)
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		{ID: Choke},
		{ID: Interested},
		{ID: Have, Index: 7},
		{ID: Bitfield, Data: []byte{0xFF, 0x00}},
		{ID: Request, Index: 1, Begin: 2, Length: 16384},
		{ID: Cancel, Index: 1, Begin: 2, Length: 16384},
		{ID: Piece, Index: 3, Begin: 0, Data: []byte("hello")},
	}
	for _, m := range cases {
		buf := bytes.NewBuffer(m.Marshal())
		got, keepAlive, err := ReadMessage(buf)
		require.NoError(t, err)
		require.False(t, keepAlive)
		require.Equal(t, m.ID, got.ID)
		require.Equal(t, m.Index, got.Index)
		require.Equal(t, m.Begin, got.Begin)
		require.Equal(t, m.Length, got.Length)
		require.Equal(t, m.Data, got.Data)
	}
}

func TestReadMessageHandlesKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKeepAlive(&buf))
	_, keepAlive, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.True(t, keepAlive)
}

// chunkedReader dribbles bytes out a few at a time to exercise the
// reader's handling of partial frames.
type chunkedReader struct {
	data     []byte
	chunk    int
	consumed int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.consumed >= len(c.data) {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(p) {
		n = len(p)
	}
	if c.consumed+n > len(c.data) {
		n = len(c.data) - c.consumed
	}
	copy(p, c.data[c.consumed:c.consumed+n])
	c.consumed += n
	return n, nil
}

func TestReadMessageAcrossChunkedReads(t *testing.T) {
	m := Message{ID: Piece, Index: 0, Begin: 0, Data: []byte("hello world, this is a chunked piece payload")}
	cr := &chunkedReader{data: m.Marshal(), chunk: 3}
	got, keepAlive, err := ReadMessage(cr)
	require.NoError(t, err)
	require.False(t, keepAlive)
	require.Equal(t, m.Data, got.Data)
}

func TestReadMessageRejectsUnknownID(t *testing.T) {
	frame := []byte{0, 0, 0, 1, 99}
	_, _, err := ReadMessage(bytes.NewReader(frame))
	require.Error(t, err)
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var lenBuf [4]byte
	big := uint32(MaxFrameLen + 1)
	lenBuf[0] = byte(big >> 24)
	lenBuf[1] = byte(big >> 16)
	lenBuf[2] = byte(big >> 8)
	lenBuf[3] = byte(big)
	_, _, err := ReadMessage(bytes.NewReader(lenBuf[:]))
	require.Error(t, err)
}
