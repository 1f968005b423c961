// Package piece tracks block-level download state, verifies completed pieces
// against their metainfo digests and maintains swarm-wide availability counts.
package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sync"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/LuizSSampaio/terrent/metainfo"
	"github.com/LuizSSampaio/terrent/storage"
)

// State is a piece's verification state.
type State int

const (
	Missing State = iota
	InProgress
	Verified
)

// VerificationFailure reports a completed piece whose digest did not match.
// It is non-fatal: the piece has already been reset and re-enters the request
// pool; Contributors lists the peers that supplied blocks so the caller can
// soft-penalize them.
type VerificationFailure struct {
	Piece        int
	Contributors []string
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("piece %d failed hash verification (%d contributing peers)", e.Piece, len(e.Contributors))
}

// PersistenceError reports a verified piece whose flush to the sink failed
// past the retry budget. Fatal for the affected piece; the session surfaces
// it upward.
type PersistenceError struct {
	Piece int
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting piece %d: %v", e.Piece, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// BlockSpec locates one block within a piece.
type BlockSpec struct {
	Offset int
	Length int
}

type pieceState struct {
	state        State
	blocks       bitmap.Bitmap
	numBlocks    int
	received     int
	buf          []byte
	contributors mapset.Set
}

// Store buffers incoming blocks per piece, serializes verification and
// delegates verified pieces to the persistence sink. All methods are safe for
// concurrent use; at most one verification runs per piece.
type Store struct {
	mu         sync.Mutex
	info       *metainfo.Info
	sink       storage.Sink
	log        zerolog.Logger
	retryLimit int

	pieces    []*pieceState
	verified  int
	remaining int // unreceived blocks across all unverified pieces
}

// NewStore builds a Store for the torrent described by info, flushing
// verified pieces to sink with up to retryLimit write attempts.
func NewStore(info *metainfo.Info, sink storage.Sink, retryLimit int, log zerolog.Logger) *Store {
	s := &Store{
		info:       info,
		sink:       sink,
		log:        log,
		retryLimit: retryLimit,
		pieces:     make([]*pieceState, info.PieceCount()),
	}
	for i := range s.pieces {
		n := info.BlockCount(i)
		s.pieces[i] = &pieceState{
			blocks:       bitmap.New(n),
			numBlocks:    n,
			contributors: mapset.NewSet(),
		}
		s.remaining += n
	}
	return s
}

// SubmitBlock buffers one received block. It returns true when the block
// completed its piece and the piece verified. Blocks for already-verified
// pieces and duplicate blocks are discarded silently. A hash mismatch resets
// the piece and returns a *VerificationFailure; a sink failure past the retry
// budget returns a wrapped persistence error.
func (s *Store) SubmitBlock(index, offset int, data []byte, peerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.pieces) {
		return false, errors.Errorf("block for piece %d outside torrent of %d pieces", index, len(s.pieces))
	}
	ps := s.pieces[index]
	if ps.state == Verified {
		return false, nil
	}
	if offset%metainfo.BlockLen != 0 || offset >= s.info.PieceLen(index) {
		return false, errors.Errorf("block at bad offset %d in piece %d", offset, index)
	}
	if len(data) != s.info.BlockLength(index, offset) {
		return false, errors.Errorf("block of %d bytes at piece %d offset %d, expected %d",
			len(data), index, offset, s.info.BlockLength(index, offset))
	}

	blockIndex := offset / metainfo.BlockLen
	if ps.blocks.Get(blockIndex) {
		// endgame duplicate, first delivery won
		return false, nil
	}

	if ps.buf == nil {
		ps.buf = make([]byte, s.info.PieceLen(index))
	}
	copy(ps.buf[offset:], data)
	ps.blocks.Set(blockIndex, true)
	ps.received++
	ps.state = InProgress
	ps.contributors.Add(peerID)
	s.remaining--

	if ps.received < ps.numBlocks {
		return false, nil
	}
	return s.verify(index, ps)
}

// verify runs under the store lock, which is what serializes verification
// attempts per piece.
func (s *Store) verify(index int, ps *pieceState) (bool, error) {
	checksum := sha1.Sum(ps.buf)
	if !bytes.Equal(checksum[:], s.info.Hashes[index][:]) {
		failure := &VerificationFailure{Piece: index}
		for _, id := range ps.contributors.ToSlice() {
			failure.Contributors = append(failure.Contributors, id.(string))
		}
		s.resetLocked(index, ps)
		s.log.Warn().Int("piece", index).Int("peers", len(failure.Contributors)).
			Msg("piece failed verification, discarding blocks")
		return false, failure
	}

	var err error
	for attempt := 0; attempt < s.retryLimit; attempt++ {
		if err = s.sink.WriteBlock(index, 0, ps.buf); err == nil {
			break
		}
		s.log.Error().Err(err).Int("piece", index).Int("attempt", attempt+1).
			Msg("flushing verified piece failed")
	}
	if err != nil {
		return false, &PersistenceError{Piece: index, Err: err}
	}

	ps.state = Verified
	ps.buf = nil
	ps.contributors = mapset.NewSet()
	s.verified++
	s.log.Debug().Int("piece", index).Int("verified", s.verified).Msg("piece verified")
	return true, nil
}

func (s *Store) resetLocked(index int, ps *pieceState) {
	s.remaining += ps.received
	ps.state = Missing
	ps.blocks = bitmap.New(ps.numBlocks)
	ps.received = 0
	ps.buf = nil
	ps.contributors = mapset.NewSet()
}

// HasBlock reports whether the block at offset has been received (or its
// piece verified).
func (s *Store) HasBlock(index, offset int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.pieces[index]
	if ps.state == Verified {
		return true
	}
	return ps.blocks.Get(offset / metainfo.BlockLen)
}

// PieceVerified reports whether the piece has been verified.
func (s *Store) PieceVerified(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces[index].state == Verified
}

// PieceCount returns the number of pieces in the torrent.
func (s *Store) PieceCount() int {
	return len(s.pieces)
}

// NumVerified returns the count of verified pieces.
func (s *Store) NumVerified() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified
}

// IsComplete reports whether every piece has been verified.
func (s *Store) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified == len(s.pieces)
}

// RemainingBlocks returns the number of blocks not yet received across all
// unverified pieces; the scheduler keys endgame mode off it.
func (s *Store) RemainingBlocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// Bitfield returns the verified-piece bitfield in wire format.
func (s *Store) Bitfield() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	bits := bitmap.New(len(s.pieces))
	for i, ps := range s.pieces {
		if ps.state == Verified {
			bits.Set(i, true)
		}
	}
	return bits.Data(true)
}

// Blocks enumerates the block layout of a piece, final short block included.
func (s *Store) Blocks(index int) []BlockSpec {
	specs := make([]BlockSpec, 0, s.info.BlockCount(index))
	for offset := 0; offset < s.info.PieceLen(index); offset += metainfo.BlockLen {
		specs = append(specs, BlockSpec{Offset: offset, Length: s.info.BlockLength(index, offset)})
	}
	return specs
}
