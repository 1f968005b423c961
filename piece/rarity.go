package piece

import (
	"sort"
	"sync"

	bitmap "github.com/boljen/go-bitmap"
)

// Rarity maintains per-piece availability: how many connected peers announce
// each piece. Updated incrementally from bitfields, have messages and
// disconnects.
type Rarity struct {
	mu     sync.Mutex
	counts []int
}

// NewRarity builds a tracker for n pieces, all starting at zero availability.
func NewRarity(n int) *Rarity {
	return &Rarity{counts: make([]int, n)}
}

// AddBitfield counts a newly announced peer bitfield.
func (r *Rarity) AddBitfield(bits bitmap.Bitmap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.counts {
		if bits.Get(i) {
			r.counts[i]++
		}
	}
}

// RemoveBitfield backs out a disconnected peer's bitfield.
func (r *Rarity) RemoveBitfield(bits bitmap.Bitmap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.counts {
		if bits.Get(i) {
			r.counts[i]--
		}
	}
}

// AddHave counts a single have announcement.
func (r *Rarity) AddHave(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[index]++
}

// Count returns the availability of one piece.
func (r *Rarity) Count(index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[index]
}

// RarestFirst orders the candidate piece indices ascending by availability,
// ties broken by index. The ordering is deterministic for a given
// announcement history.
func (r *Rarity) RarestFirst(candidates []int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]int, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if r.counts[a] != r.counts[b] {
			return r.counts[a] < r.counts[b]
		}
		return a < b
	})
	return ordered
}
