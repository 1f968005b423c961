package scheduler

import (
	"bytes"
	"crypto/sha1"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/LuizSSampaio/terrent/metainfo"
	"github.com/LuizSSampaio/terrent/piece"
)

type nopSink struct{}

func (nopSink) WriteBlock(pieceIndex, offset int, data []byte) error { return nil }
func (nopSink) ReadBlock(pieceIndex, offset, length int) ([]byte, error) {
	return nil, nil
}
func (nopSink) Close() error { return nil }

// fourPieces builds a 4-piece torrent with one block per piece and returns
// the per-piece payloads for tests that deliver real data.
func fourPieces() (*metainfo.Info, [][]byte) {
	payloads := make([][]byte, 4)
	hashes := make([][metainfo.HashLen]byte, 4)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte{byte(i + 1)}, metainfo.BlockLen)
		hashes[i] = sha1.Sum(payloads[i])
	}
	info := &metainfo.Info{
		PieceLength: metainfo.BlockLen,
		TotalLength: 4 * metainfo.BlockLen,
		Hashes:      hashes,
	}
	return info, payloads
}

func testConfig() Config {
	return Config{
		MaxPendingPerPeer: 8,
		RequestTimeout:    30 * time.Second,
		EndgameThreshold:  0, // endgame off unless a test wants it
		BlockRetryLimit:   5,
	}
}

func allPieces(n int, owned ...int) bitmap.Bitmap {
	bits := bitmap.New(n)
	for _, i := range owned {
		bits.Set(i, true)
	}
	return bits
}

func newFixture(cfg Config) (*Scheduler, *piece.Store, *piece.Rarity, [][]byte) {
	info, payloads := fourPieces()
	store := piece.NewStore(info, nopSink{}, 3, zerolog.Nop())
	rarity := piece.NewRarity(info.PieceCount())
	return New(store, rarity, cfg, zerolog.Nop()), store, rarity, payloads
}

func TestTickSingleOwnerPerBlock(t *testing.T) {
	s, _, rarity, _ := newFixture(testConfig())

	a := Candidate{ID: "a", Bitfield: allPieces(4, 0, 1, 2, 3)}
	b := Candidate{ID: "b", Bitfield: allPieces(4, 0, 1, 2, 3)}
	rarity.AddBitfield(a.Bitfield)
	rarity.AddBitfield(b.Bitfield)

	batches := s.Tick(time.Now(), []Candidate{a, b})

	seen := make(map[Request]string)
	for peerID, batch := range batches {
		for _, req := range batch {
			if holder, dup := seen[req]; dup {
				t.Errorf("block %+v requested from both %s and %s", req, holder, peerID)
			}
			seen[req] = peerID
		}
	}
	// 4 single-block pieces, plenty of capacity: everything in flight once
	assert.Len(t, seen, 4)
	assert.Equal(t, 4, s.Outstanding("a")+s.Outstanding("b"))
}

func TestTickRarestFirstOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingPerPeer = 2
	s, _, rarity, _ := newFixture(cfg)

	// both peers announce the back half, only one the front half: pieces
	// 0 and 1 are rarer and must be picked first
	a := Candidate{ID: "a", Bitfield: allPieces(4, 0, 1, 2, 3)}
	b := Candidate{ID: "b", Bitfield: allPieces(4, 2, 3)}
	rarity.AddBitfield(a.Bitfield)
	rarity.AddBitfield(b.Bitfield)

	batches := s.Tick(time.Now(), []Candidate{a, b})

	assert.Equal(t, []Request{
		{Piece: 0, Offset: 0, Length: metainfo.BlockLen},
		{Piece: 1, Offset: 0, Length: metainfo.BlockLen},
	}, batches["a"])
	assert.Equal(t, []Request{
		{Piece: 2, Offset: 0, Length: metainfo.BlockLen},
		{Piece: 3, Offset: 0, Length: metainfo.BlockLen},
	}, batches["b"])
}

func TestWatchdogReassignsExpiredRequest(t *testing.T) {
	cfg := testConfig()
	s, _, rarity, _ := newFixture(cfg)

	a := Candidate{ID: "a", Bitfield: allPieces(4, 0)}
	b := Candidate{ID: "b", Bitfield: allPieces(4, 0)}
	rarity.AddBitfield(a.Bitfield)
	rarity.AddBitfield(b.Bitfield)

	start := time.Now()
	batches := s.Tick(start, []Candidate{a})
	assert.Len(t, batches["a"], 1)

	// before the deadline nothing moves
	batches = s.Tick(start.Add(cfg.RequestTimeout/2), []Candidate{b})
	assert.Empty(t, batches)

	// past the deadline the block returns to the pool and goes to b
	batches = s.Tick(start.Add(cfg.RequestTimeout+time.Second), []Candidate{b})
	assert.Equal(t, []Request{{Piece: 0, Offset: 0, Length: metainfo.BlockLen}}, batches["b"])
	assert.Equal(t, 0, s.Outstanding("a"))
	assert.Equal(t, 1, s.Outstanding("b"))
}

func TestRetryCapMarksPeerUnreliable(t *testing.T) {
	cfg := testConfig()
	cfg.BlockRetryLimit = 1
	s, _, rarity, _ := newFixture(cfg)

	a := Candidate{ID: "a", Bitfield: allPieces(4, 0)}
	rarity.AddBitfield(a.Bitfield)

	now := time.Now()
	s.Tick(now, []Candidate{a})
	now = now.Add(cfg.RequestTimeout + time.Second)
	s.Tick(now, []Candidate{a}) // first timeout, re-request
	now = now.Add(cfg.RequestTimeout + time.Second)
	s.Tick(now, []Candidate{a}) // second timeout blows the budget

	assert.True(t, s.Unreliable("a"))
}

func TestReleasePeerReturnsAllOutstanding(t *testing.T) {
	s, _, rarity, _ := newFixture(testConfig())

	a := Candidate{ID: "a", Bitfield: allPieces(4, 0, 1, 2, 3)}
	b := Candidate{ID: "b", Bitfield: allPieces(4, 0, 1, 2, 3)}
	rarity.AddBitfield(a.Bitfield)
	rarity.AddBitfield(b.Bitfield)

	now := time.Now()
	batches := s.Tick(now, []Candidate{a})
	outstanding := len(batches["a"])
	assert.Equal(t, 4, outstanding)

	released := s.ReleasePeer("a")
	assert.Equal(t, outstanding, released)
	assert.Equal(t, 0, s.Outstanding("a"))

	// freed blocks are assignable again on the very next tick
	batches = s.Tick(now, []Candidate{b})
	assert.Len(t, batches["b"], 4)
}

func TestFailedClearsPieceState(t *testing.T) {
	cfg := testConfig()
	s, _, rarity, _ := newFixture(cfg)

	a := Candidate{ID: "a", Bitfield: allPieces(4, 0)}
	rarity.AddBitfield(a.Bitfield)

	now := time.Now()
	s.Tick(now, []Candidate{a})
	// one timeout accumulates a retry before the piece goes corrupt
	now = now.Add(cfg.RequestTimeout + time.Second)
	s.Tick(now, []Candidate{a})
	assert.Equal(t, 1, s.Outstanding("a"))

	s.Failed(0)
	assert.Equal(t, 0, s.Outstanding("a"))
	assert.Equal(t, 0, s.retries[pendingKey{piece: 0, offset: 0}])

	// the piece is immediately requestable again
	batches := s.Tick(now, []Candidate{a})
	assert.Len(t, batches["a"], 1)
}

func TestEndgameDuplicatesAndCancels(t *testing.T) {
	cfg := testConfig()
	cfg.EndgameThreshold = 16
	s, store, rarity, payloads := newFixture(cfg)

	a := Candidate{ID: "a", Bitfield: allPieces(4, 0, 1, 2, 3)}
	b := Candidate{ID: "b", Bitfield: allPieces(4, 0, 1, 2, 3)}
	rarity.AddBitfield(a.Bitfield)
	rarity.AddBitfield(b.Bitfield)

	now := time.Now()
	batches := s.Tick(now, []Candidate{a, b})
	// 4 remaining blocks <= threshold: both peers hold all four blocks
	assert.Len(t, batches["a"], 4)
	assert.Len(t, batches["b"], 4)

	// first delivery wins; the duplicate holder gets a cancel
	verified, err := store.SubmitBlock(0, 0, payloads[0], "a")
	assert.NoError(t, err)
	assert.True(t, verified)
	losers := s.Completed(0, 0, "a")
	assert.Equal(t, []string{"b"}, losers)

	// the losing duplicate arriving later is discarded silently
	verified, err = store.SubmitBlock(0, 0, payloads[0], "b")
	assert.NoError(t, err)
	assert.False(t, verified)
	assert.Nil(t, s.Completed(0, 0, "b"))
}
