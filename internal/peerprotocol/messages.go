package peerprotocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies a regular (post-handshake) message.
type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

const (
	requestPayloadLen = 12 // index, begin, length
	havePayloadLen    = 4
)

// Message is a decoded regular message. Data holds the bitfield or
// piece-block payload where applicable; Index/Begin/Length are valid
// for Have/Request/Piece/Cancel.
type Message struct {
	ID     MessageID
	Index  uint32
	Begin  uint32
	Length uint32
	Data   []byte // bitfield payload, or piece block bytes
}

// Marshal encodes m to its wire form, including the 4-byte length
// prefix. A keep-alive is represented by a zero-value frame written
// with WriteKeepAlive, not through Message.
func (m Message) Marshal() []byte {
	var payload []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		payload = nil
	case Have:
		payload = make([]byte, havePayloadLen)
		binary.BigEndian.PutUint32(payload, m.Index)
	case Bitfield:
		payload = m.Data
	case Request, Cancel:
		payload = make([]byte, requestPayloadLen)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case Piece:
		payload = make([]byte, 8+len(m.Data))
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		copy(payload[8:], m.Data)
	}
	frameLen := uint32(1 + len(payload))
	buf := make([]byte, 4+frameLen)
	binary.BigEndian.PutUint32(buf[0:4], frameLen)
	buf[4] = byte(m.ID)
	copy(buf[5:], payload)
	return buf
}

// WriteKeepAlive writes a zero-length frame.
func WriteKeepAlive(w io.Writer) error {
	var zero [4]byte
	_, err := w.Write(zero[:])
	return err
}

// MaxFrameLen bounds a single frame to guard against a peer claiming
// an absurd length and exhausting memory; generous enough for a
// 16 KiB block message (16384 + 9 header bytes) plus slack.
const MaxFrameLen = 1 << 20

// ReadMessage reads one frame from r, blocking until a complete frame
// is available or the stream ends. A zero-length frame (keep-alive)
// is reported by returning (Message{}, true, nil).
func ReadMessage(r io.Reader) (msg Message, keepAlive bool, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, false, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen == 0 {
		return Message{}, true, nil
	}
	if frameLen > MaxFrameLen {
		return Message{}, false, fmt.Errorf("frame length %d exceeds maximum %d", frameLen, MaxFrameLen)
	}
	body := make([]byte, frameLen)
	if _, err = io.ReadFull(r, body); err != nil {
		return Message{}, false, err
	}
	id := MessageID(body[0])
	payload := body[1:]
	m := Message{ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		// no payload
	case Have:
		if len(payload) != havePayloadLen {
			return Message{}, false, fmt.Errorf("have message has wrong payload length %d", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case Bitfield:
		m.Data = payload
	case Request, Cancel:
		if len(payload) != requestPayloadLen {
			return Message{}, false, fmt.Errorf("request/cancel message has wrong payload length %d", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case Piece:
		if len(payload) < 8 {
			return Message{}, false, fmt.Errorf("piece message too short")
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Data = payload[8:]
	default:
		return Message{}, false, fmt.Errorf("unknown message id %d", id)
	}
	return m, false, nil
}
