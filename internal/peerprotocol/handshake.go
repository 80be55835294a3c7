// Package peerprotocol implements the BitTorrent peer wire protocol's
// framing: the fixed 68-byte handshake and the length-prefixed
// regular message format.
package peerprotocol

import (
	"bytes"
	"fmt"
	"io"
)

const (
	protocolName  = "BitTorrent protocol"
	HandshakeLen  = 49 + len(protocolName)
	InfoHashLen   = 20
	PeerIDLen     = 20
	reservedBytes = 8
)

// Handshake is the fixed 68-byte initiation exchange.
type Handshake struct {
	InfoHash [InfoHashLen]byte
	PeerID   [PeerIDLen]byte
	Reserved [reservedBytes]byte
}

// Marshal encodes the handshake to its wire form.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ReadHandshake reads and validates a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return h, fmt.Errorf("reading pstrlen: %w", err)
	}
	if int(pstrlen[0]) != len(protocolName) {
		return h, fmt.Errorf("unexpected protocol name length %d", pstrlen[0])
	}
	pstr := make([]byte, pstrlen[0])
	if _, err := io.ReadFull(r, pstr); err != nil {
		return h, fmt.Errorf("reading pstr: %w", err)
	}
	if !bytes.Equal(pstr, []byte(protocolName)) {
		return h, fmt.Errorf("unexpected protocol name %q", pstr)
	}
	if _, err := io.ReadFull(r, h.Reserved[:]); err != nil {
		return h, fmt.Errorf("reading reserved bytes: %w", err)
	}
	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return h, fmt.Errorf("reading info hash: %w", err)
	}
	if _, err := io.ReadFull(r, h.PeerID[:]); err != nil {
		return h, fmt.Errorf("reading peer id: %w", err)
	}
	return h, nil
}
