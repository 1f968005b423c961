package piece

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/LuizSSampaio/terrent/metainfo"
	"github.com/LuizSSampaio/terrent/storage"
)

type mockSink struct {
	storage.Sink
	mock.Mock
}

func (m *mockSink) WriteBlock(pieceIndex, offset int, data []byte) error {
	args := m.Called(pieceIndex, offset, data)
	return args.Error(0)
}

func singlePieceInfo(data []byte) *metainfo.Info {
	return &metainfo.Info{
		Name:        "single",
		PieceLength: len(data),
		TotalLength: len(data),
		Hashes:      [][metainfo.HashLen]byte{sha1.Sum(data)},
	}
}

func TestSubmitBlockVerifiesSinglePiece(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, metainfo.BlockLen)
	info := singlePieceInfo(data)

	sink := &mockSink{}
	sink.On("WriteBlock", 0, 0, mock.MatchedBy(func(piece []byte) bool {
		return bytes.Equal(piece, data)
	})).Return(nil).Once()

	store := NewStore(info, sink, 3, zerolog.Nop())

	verified, err := store.SubmitBlock(0, 0, data, "peer-a")
	assert.NoError(t, err)
	assert.True(t, verified)
	assert.True(t, store.IsComplete())
	assert.Equal(t, 1, store.NumVerified())
	assert.Equal(t, 0, store.RemainingBlocks())
	sink.AssertExpectations(t)

	// a late duplicate for a verified piece is discarded, not an error
	verified, err = store.SubmitBlock(0, 0, data, "peer-b")
	assert.NoError(t, err)
	assert.False(t, verified)
}

func TestSubmitBlockCorruptPieceResets(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, metainfo.BlockLen)
	info := singlePieceInfo(data)

	corrupt := bytes.Repeat([]byte{0xCD}, metainfo.BlockLen)

	sink := &mockSink{}
	sink.On("WriteBlock", 0, 0, mock.Anything).Return(nil).Once()
	store := NewStore(info, sink, 3, zerolog.Nop())

	verified, err := store.SubmitBlock(0, 0, corrupt, "peer-bad")
	assert.False(t, verified)

	var failure *VerificationFailure
	assert.True(t, errors.As(err, &failure), "expected VerificationFailure, got %v", err)
	assert.Equal(t, 0, failure.Piece)
	assert.Equal(t, []string{"peer-bad"}, failure.Contributors)

	// fully resettable: bitmap empty, completion unchanged, re-requestable
	assert.False(t, store.HasBlock(0, 0))
	assert.Equal(t, 0, store.NumVerified())
	assert.Equal(t, 1, store.RemainingBlocks())

	verified, err = store.SubmitBlock(0, 0, data, "peer-good")
	assert.NoError(t, err)
	assert.True(t, verified)
	sink.AssertExpectations(t)
}

func TestSubmitBlockMultiBlockAssembly(t *testing.T) {
	first := bytes.Repeat([]byte{1}, metainfo.BlockLen)
	second := bytes.Repeat([]byte{2}, metainfo.BlockLen)
	piece := append(append([]byte{}, first...), second...)

	info := &metainfo.Info{
		PieceLength: 2 * metainfo.BlockLen,
		TotalLength: 2 * metainfo.BlockLen,
		Hashes:      [][metainfo.HashLen]byte{sha1.Sum(piece)},
	}

	sink := &mockSink{}
	sink.On("WriteBlock", 0, 0, mock.MatchedBy(func(got []byte) bool {
		return bytes.Equal(got, piece)
	})).Return(nil).Once()
	store := NewStore(info, sink, 3, zerolog.Nop())

	// out of order arrival
	verified, err := store.SubmitBlock(0, metainfo.BlockLen, second, "a")
	assert.NoError(t, err)
	assert.False(t, verified)
	assert.True(t, store.HasBlock(0, metainfo.BlockLen))
	assert.False(t, store.HasBlock(0, 0))

	// duplicate of an already-buffered block is dropped
	verified, err = store.SubmitBlock(0, metainfo.BlockLen, second, "b")
	assert.NoError(t, err)
	assert.False(t, verified)

	verified, err = store.SubmitBlock(0, 0, first, "a")
	assert.NoError(t, err)
	assert.True(t, verified)
	sink.AssertExpectations(t)
}

func TestSubmitBlockRejectsBadFraming(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, metainfo.BlockLen)
	store := NewStore(singlePieceInfo(data), &mockSink{}, 3, zerolog.Nop())

	_, err := store.SubmitBlock(5, 0, data, "a")
	assert.Error(t, err, "piece index out of range")

	_, err = store.SubmitBlock(0, 7, data, "a")
	assert.Error(t, err, "unaligned offset")

	_, err = store.SubmitBlock(0, 0, data[:100], "a")
	assert.Error(t, err, "short block")
}

func TestSubmitBlockPersistenceRetries(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, metainfo.BlockLen)
	info := singlePieceInfo(data)

	sink := &mockSink{}
	sink.On("WriteBlock", 0, 0, mock.Anything).Return(errors.New("disk full")).Times(2)
	store := NewStore(info, sink, 2, zerolog.Nop())

	verified, err := store.SubmitBlock(0, 0, data, "a")
	assert.False(t, verified)
	assert.Error(t, err)
	assert.False(t, store.IsComplete())
	sink.AssertExpectations(t)
}
