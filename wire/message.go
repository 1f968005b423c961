// Package wire implements the peer wire framing: the protocol handshake and
// the length-prefixed messages exchanged after it.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/LuizSSampaio/terrent/metainfo"
)

// ID identifies a peer wire message type.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
)

// MaxPayload returns the largest legal message body for a torrent of
// numPieces pieces: a full block frame or the bitfield frame, whichever is
// larger, plus header slack. Anything beyond it is framing corruption.
func MaxPayload(numPieces int) int {
	limit := metainfo.BlockLen + 1024
	if bitfield := (numPieces+7)/8 + 1024; bitfield > limit {
		limit = bitfield
	}
	return limit
}

// ErrMalformedMessage reports framing the decoder cannot make sense of. It is
// fatal to the connection that produced it.
var ErrMalformedMessage = fmt.Errorf("malformed peer message")

// Message is a single framed peer message: <length prefix><id><payload>.
// A nil *Message stands for a keep-alive (length prefix zero).
type Message struct {
	ID      ID
	Payload []byte
}

// Marshal serializes the message, keep-alive included.
func (m *Message) Marshal() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(m.Payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads one framed message. Keep-alives come back as nil with a
// nil error. Frames larger than maxPayload (see MaxPayload) return
// ErrMalformedMessage.
func ReadMessage(r io.Reader, maxPayload int) (*Message, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix)
	if length == 0 {
		return nil, nil
	}
	if length > uint32(maxPayload) {
		return nil, ErrMalformedMessage
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Message{ID: ID(body[0]), Payload: body[1:]}, nil
}

// NewRequest builds a block request message.
func NewRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// NewCancel builds a cancel for a previously issued request.
func NewCancel(index, begin, length int) *Message {
	msg := NewRequest(index, begin, length)
	msg.ID = Cancel
	return msg
}

// NewHave builds a have announcement for a verified piece.
func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// NewBitfield wraps a raw piece bitfield.
func NewBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: bits}
}

// NewPiece builds a block delivery message.
func NewPiece(index, begin int, data []byte) *Message {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], data)
	return &Message{ID: Piece, Payload: payload}
}

// ParseHave extracts the piece index from a have message.
func ParseHave(m *Message) (int, error) {
	if m.ID != Have || len(m.Payload) != 4 {
		return 0, ErrMalformedMessage
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParseRequest extracts (index, begin, length) from a request or cancel.
func ParseRequest(m *Message) (index, begin, length int, err error) {
	if (m.ID != Request && m.ID != Cancel) || len(m.Payload) != 12 {
		return 0, 0, 0, ErrMalformedMessage
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}

// ParsePiece extracts (index, begin, data) from a block delivery.
func ParsePiece(m *Message) (index, begin int, data []byte, err error) {
	if m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, ErrMalformedMessage
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	return index, begin, m.Payload[8:], nil
}
