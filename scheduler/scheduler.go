// Package scheduler decides which block to request from which peer. Piece
// order is rarest-first across the swarm, block order is lowest offset first
// within a piece. A pending-request table with a watchdog sweep reassigns
// stalled requests, and endgame mode allows duplicate in-flight requests so a
// single slow peer cannot stall completion.
package scheduler

import (
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/rs/zerolog"

	"github.com/LuizSSampaio/terrent/piece"
)

// Request is a block request the session should put on the wire.
type Request struct {
	Piece  int
	Offset int
	Length int
}

// Candidate is a peer currently eligible for requests: connected, unchoked
// by the remote side and interested. The session snapshots these each tick.
type Candidate struct {
	ID       string
	Bitfield bitmap.Bitmap
}

// Config carries the scheduling policy knobs. They are configuration, not
// constants: see config.Config.
type Config struct {
	MaxPendingPerPeer int
	RequestTimeout    time.Duration
	EndgameThreshold  int
	BlockRetryLimit   int
}

type pendingKey struct {
	piece  int
	offset int
}

// holders maps peerID to request deadline. Outside endgame it has exactly
// one entry.
type pendingRequest struct {
	holders map[string]time.Time
}

// Scheduler owns the pending-request table. It is the single source of truth
// for which blocks are in flight and with whom.
type Scheduler struct {
	mu     sync.Mutex
	store  *piece.Store
	rarity *piece.Rarity
	cfg    Config
	log    zerolog.Logger

	pending    map[pendingKey]*pendingRequest
	retries    map[pendingKey]int
	perPeer    map[string]int
	unreliable map[string]bool
}

// New builds a Scheduler over the given store and rarity tracker.
func New(store *piece.Store, rarity *piece.Rarity, cfg Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		rarity:     rarity,
		cfg:        cfg,
		log:        log,
		pending:    make(map[pendingKey]*pendingRequest),
		retries:    make(map[pendingKey]int),
		perPeer:    make(map[string]int),
		unreliable: make(map[string]bool),
	}
}

// Tick sweeps expired requests back to the pool, then fills every eligible
// peer's spare capacity. It returns the per-peer request batches to send.
func (s *Scheduler) Tick(now time.Time, peers []Candidate) map[string][]Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)

	endgame := s.store.RemainingBlocks() <= s.cfg.EndgameThreshold

	// unreliable peers are not ejected, only served last
	ordered := make([]Candidate, 0, len(peers))
	for _, c := range peers {
		if !s.unreliable[c.ID] {
			ordered = append(ordered, c)
		}
	}
	for _, c := range peers {
		if s.unreliable[c.ID] {
			ordered = append(ordered, c)
		}
	}

	batches := make(map[string][]Request)
	for _, c := range ordered {
		batch := s.fillPeerLocked(now, c, endgame)
		if len(batch) > 0 {
			batches[c.ID] = batch
		}
	}
	return batches
}

// sweepLocked is the watchdog: any request past its deadline is released
// back to the pool. A block timing out past the retry cap marks the holding
// peer unreliable for future scheduling.
func (s *Scheduler) sweepLocked(now time.Time) {
	for key, req := range s.pending {
		for peerID, deadline := range req.holders {
			if deadline.After(now) {
				continue
			}
			delete(req.holders, peerID)
			s.perPeer[peerID]--
			s.retries[key]++
			if s.retries[key] > s.cfg.BlockRetryLimit && !s.unreliable[peerID] {
				s.unreliable[peerID] = true
				s.log.Warn().Str("peer", peerID).Int("piece", key.piece).
					Msg("peer exceeded block retry budget, deprioritizing")
			} else {
				s.log.Debug().Str("peer", peerID).Int("piece", key.piece).
					Int("offset", key.offset).Msg("request timed out, returning block to pool")
			}
		}
		if len(req.holders) == 0 {
			delete(s.pending, key)
		}
	}
}

func (s *Scheduler) fillPeerLocked(now time.Time, c Candidate, endgame bool) []Request {
	capacity := s.cfg.MaxPendingPerPeer - s.perPeer[c.ID]
	if capacity <= 0 {
		return nil
	}

	candidates := make([]int, 0)
	for i := 0; i < s.store.PieceCount(); i++ {
		if c.Bitfield.Get(i) && !s.store.PieceVerified(i) {
			candidates = append(candidates, i)
		}
	}

	batch := make([]Request, 0, capacity)
	for _, pieceIndex := range s.rarity.RarestFirst(candidates) {
		for _, spec := range s.store.Blocks(pieceIndex) {
			if capacity == 0 {
				return batch
			}
			if s.store.HasBlock(pieceIndex, spec.Offset) {
				continue
			}

			key := pendingKey{piece: pieceIndex, offset: spec.Offset}
			req, inFlight := s.pending[key]
			if inFlight {
				if !endgame {
					continue
				}
				if _, dup := req.holders[c.ID]; dup {
					continue
				}
			} else {
				req = &pendingRequest{holders: make(map[string]time.Time)}
				s.pending[key] = req
			}

			req.holders[c.ID] = now.Add(s.cfg.RequestTimeout)
			s.perPeer[c.ID]++
			capacity--
			batch = append(batch, Request{Piece: pieceIndex, Offset: spec.Offset, Length: spec.Length})
		}
	}
	return batch
}

// Completed records a delivered block. It returns the other peers that still
// hold duplicate in-flight requests for it, so the session can send cancels.
func (s *Scheduler) Completed(pieceIndex, offset int, peerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pendingKey{piece: pieceIndex, offset: offset}
	req, ok := s.pending[key]
	if !ok {
		return nil
	}

	var losers []string
	for holder := range req.holders {
		s.perPeer[holder]--
		if holder != peerID {
			losers = append(losers, holder)
		}
	}
	delete(s.pending, key)
	delete(s.retries, key)
	return losers
}

// Failed clears all scheduling state for a piece whose verification failed.
// The store has already reset the piece, so its blocks re-enter the pool
// fresh on the next tick, retry counts included.
func (s *Scheduler) Failed(pieceIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, req := range s.pending {
		if key.piece != pieceIndex {
			continue
		}
		for holder := range req.holders {
			s.perPeer[holder]--
		}
		delete(s.pending, key)
	}
	for key := range s.retries {
		if key.piece == pieceIndex {
			delete(s.retries, key)
		}
	}
}

// ReleasePeer returns all of the peer's outstanding requests to the pending
// pool, reporting how many were released. Called on disconnect; the freed
// blocks become requestable on the next tick.
func (s *Scheduler) ReleasePeer(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for key, req := range s.pending {
		if _, ok := req.holders[peerID]; !ok {
			continue
		}
		delete(req.holders, peerID)
		released++
		if len(req.holders) == 0 {
			delete(s.pending, key)
		}
	}
	s.perPeer[peerID] = 0
	delete(s.unreliable, peerID)
	return released
}

// Outstanding returns the peer's in-flight request count.
func (s *Scheduler) Outstanding(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perPeer[peerID]
}

// Unreliable reports whether the peer has blown its block retry budget.
func (s *Scheduler) Unreliable(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreliable[peerID]
}

// IsComplete reports the terminal success condition: every piece verified.
func (s *Scheduler) IsComplete() bool {
	return s.store.IsComplete()
}
