package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/LuizSSampaio/terrent/metainfo"
)

const protocol = "BitTorrent protocol"

// handshakeLen is 1 + len(pstr) + 8 reserved + 20 infohash + 20 peer id.
const handshakeLen = 49 + len(protocol)

// Handshake is the fixed-size greeting both sides exchange before any framed
// messages.
type Handshake struct {
	InfoHash [metainfo.HashLen]byte
	PeerID   [20]byte
}

// Marshal serializes the handshake.
func (h *Handshake) Marshal() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(protocol))
	copy(buf[1:], protocol)
	copy(buf[28:], h.InfoHash[:])
	copy(buf[48:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates a handshake, checking the protocol
// identifier and that the announced infohash matches ours.
func ReadHandshake(r io.Reader, infoHash [metainfo.HashLen]byte) (*Handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if int(buf[0]) != len(protocol) || string(buf[1:1+len(protocol)]) != protocol {
		return nil, fmt.Errorf("unknown protocol identifier")
	}

	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:])
	if !bytes.Equal(h.InfoHash[:], infoHash[:]) {
		return nil, fmt.Errorf("infohash mismatch")
	}
	return &h, nil
}
