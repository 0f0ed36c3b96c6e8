package handler

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// dedup remembers recently accepted webhook deliveries. Two generations of
// bloom filters rotate once the current one has seen capacity keys, so memory
// stays bounded while the last capacity..2*capacity keys are remembered.
//
// A false positive drops a genuine delivery. The reconciler polls every
// unsettled order, so such an event is still picked up on its next pass.
type dedup struct {
	mu       sync.Mutex
	capacity uint
	fpRate   float64
	count    uint
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
}

func newDedup(capacity uint, fpRate float64) *dedup {
	return &dedup{
		capacity: capacity,
		fpRate:   fpRate,
		current:  bloom.NewWithEstimates(capacity, fpRate),
		previous: bloom.NewWithEstimates(capacity, fpRate),
	}
}

// Seen reports whether key was probably accepted before.
func (d *dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.TestString(key) || d.previous.TestString(key)
}

// Add records key as accepted.
func (d *dedup) Add(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count >= d.capacity {
		d.previous = d.current
		d.current = bloom.NewWithEstimates(d.capacity, d.fpRate)
		d.count = 0
	}
	d.current.AddString(key)
	d.count++
}
