package piece

import (
	"reflect"
	"testing"

	bitmap "github.com/boljen/go-bitmap"
)

func peerBits(n int, owned ...int) bitmap.Bitmap {
	bits := bitmap.New(n)
	for _, i := range owned {
		bits.Set(i, true)
	}
	return bits
}

func TestRarestFirstOrdering(t *testing.T) {
	r := NewRarity(4)

	// peer one has everything, peer two only the back half
	r.AddBitfield(peerBits(4, 0, 1, 2, 3))
	r.AddBitfield(peerBits(4, 2, 3))
	r.AddHave(3)

	got := r.RarestFirst([]int{0, 1, 2, 3})
	// counts: 1, 1, 2, 3 -> ties on 0/1 break by index
	expected := []int{0, 1, 2, 3}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("got order %v, expected %v", got, expected)
	}

	// deterministic: same announcement history, same ordering
	again := r.RarestFirst([]int{3, 2, 1, 0})
	if !reflect.DeepEqual(again, expected) {
		t.Errorf("reordered input gave %v, expected %v", again, expected)
	}
}

func TestRarityDisconnectDecrements(t *testing.T) {
	r := NewRarity(3)

	full := peerBits(3, 0, 1, 2)
	half := peerBits(3, 1)
	r.AddBitfield(full)
	r.AddBitfield(half)

	r.RemoveBitfield(full)

	for i, expected := range []int{0, 1, 0} {
		if got := r.Count(i); got != expected {
			t.Errorf("piece %d: count %d, expected %d", i, got, expected)
		}
	}
}
