package diparb

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// sample is one (t, upAsk, downAsk) observation.
type sample struct {
	t       time.Time
	upAsk   decimal.Decimal
	downAsk decimal.Decimal
}

// priceRing is the bounded price-history ring DipArb uses for in-round
// instant-dip/surge detection (spec §4.8). It evicts the oldest sample
// once full, the same shape as the teacher's rolling-window fill tracker
// but bounded by count rather than by elapsed time — DipArb additionally
// needs the specific sample from ~slidingWindowMs ago, not just "everything
// inside the window".
type priceRing struct {
	mu       sync.Mutex
	samples  []sample
	capacity int
}

func newPriceRing(capacity int) *priceRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &priceRing{capacity: capacity}
}

// add appends a new sample, evicting the oldest once the ring is full.
func (r *priceRing) add(s sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	if len(r.samples) > r.capacity {
		r.samples = r.samples[len(r.samples)-r.capacity:]
	}
}

// clear empties the ring — called on every new round so only in-round
// drops are detectable (spec §4.8).
func (r *priceRing) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = nil
}

// ago returns the most recent sample at least windowMs old — the
// reference point "instant dip" compares the latest sample against. ok is
// false if every held sample is younger than the window (too early in the
// round to have a valid anchor yet).
func (r *priceRing) ago(windowMs int64) (sample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return sample{}, false
	}
	cutoff := time.Now().Add(-time.Duration(windowMs) * time.Millisecond)
	var best sample
	found := false
	for _, s := range r.samples {
		if !s.t.After(cutoff) {
			best = s
			found = true
			continue
		}
		break
	}
	return best, found
}
