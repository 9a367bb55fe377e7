package runtime

import "fmt"

// Batch is an ordered set of tokens submitted to a runtime in one decode
// call. Capacity is fixed at construction; adding past capacity is a
// programming error and panics rather than returning an error.
type Batch struct {
	Tokens     []int
	Pos        []int
	Seq        []int
	WantLogits []bool

	n int
}

// NewBatch returns an empty batch with room for capacity tokens.
func NewBatch(capacity int) *Batch {
	if capacity <= 0 {
		panic(fmt.Sprintf("runtime: batch capacity must be positive, got %d", capacity))
	}
	return &Batch{
		Tokens:     make([]int, capacity),
		Pos:        make([]int, capacity),
		Seq:        make([]int, capacity),
		WantLogits: make([]bool, capacity),
	}
}

// Add appends one token entry. Panics if the batch is full.
func (b *Batch) Add(token, pos, seq int, wantLogits bool) {
	if b.n >= len(b.Tokens) {
		panic(fmt.Sprintf("runtime: batch overflow (capacity %d)", len(b.Tokens)))
	}
	b.Tokens[b.n] = token
	b.Pos[b.n] = pos
	b.Seq[b.n] = seq
	b.WantLogits[b.n] = wantLogits
	b.n++
}

// Len reports the number of entries added so far.
func (b *Batch) Len() int { return b.n }

// Reset empties the batch without releasing its storage.
func (b *Batch) Reset() { b.n = 0 }
