package peer

import (
	bitmap "github.com/boljen/go-bitmap"
)

// EventType enumerates what a peer connection can report to the session.
type EventType int

const (
	// Connected fires once the handshake completes.
	Connected EventType = iota
	// BitfieldReceived carries the peer's announced piece bitmap.
	BitfieldReceived
	// HavePiece announces one newly available piece.
	HavePiece
	// Choked and Unchoked track the remote side's flow control.
	Choked
	Unchoked
	// Interested and NotInterested track the remote side's interest.
	Interested
	NotInterested
	// BlockReceived delivers a downloaded block.
	BlockReceived
	// BlockRequested is the remote side asking for one of our blocks.
	BlockRequested
	// RequestCancelled withdraws an earlier BlockRequested.
	RequestCancelled
	// Disconnected is terminal; Err carries the cause when there was one.
	Disconnected
)

// Event is a message from a peer goroutine to the session loop. Only the
// fields relevant to the Type are set.
type Event struct {
	PeerID   string
	Type     EventType
	Piece    int
	Offset   int
	Length   int
	Data     []byte
	Bitfield bitmap.Bitmap
	Err      error
}
