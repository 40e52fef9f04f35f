package autotrader

import "github.com/ajitpratap0/equityfunk/internal/broker"

// PriceBuffer is a fixed-capacity ring of bars. Once full, each push evicts
// the oldest bar. Not safe for concurrent use; a runner owns its buffer.
type PriceBuffer struct {
	bars  []broker.Bar
	start int
	size  int
}

// NewPriceBuffer creates a buffer holding at most capacity bars
func NewPriceBuffer(capacity int) *PriceBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &PriceBuffer{bars: make([]broker.Bar, capacity)}
}

// Push appends a bar, evicting the oldest when full
func (b *PriceBuffer) Push(bar broker.Bar) {
	capacity := len(b.bars)
	if b.size < capacity {
		b.bars[(b.start+b.size)%capacity] = bar
		b.size++
		return
	}
	b.bars[b.start] = bar
	b.start = (b.start + 1) % capacity
}

// Len returns the number of bars held
func (b *PriceBuffer) Len() int {
	return b.size
}

// Cap returns the buffer capacity
func (b *PriceBuffer) Cap() int {
	return len(b.bars)
}

// Bars returns a copy of the held bars in arrival order
func (b *PriceBuffer) Bars() []broker.Bar {
	out := make([]broker.Bar, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.bars[(b.start+i)%len(b.bars)]
	}
	return out
}

// Last returns the most recent bar
func (b *PriceBuffer) Last() (broker.Bar, bool) {
	if b.size == 0 {
		return broker.Bar{}, false
	}
	return b.bars[(b.start+b.size-1)%len(b.bars)], true
}
