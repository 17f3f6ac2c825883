// Package position assigns ordering keys to siblings inside a list or board.
//
// Keys are float64 values. A new key is the midpoint of its neighbours, or a
// fixed step away from the only neighbour at a boundary. When two neighbours
// are closer than MinGap the sequence has to be renormalized.
package position

import (
	"errors"
	"fmt"
	"math"
)

const (
	// DefaultBase is the key given to the first item of an empty list.
	DefaultBase = 1024.0
	// Step is the spacing used at list boundaries and by Renormalize.
	Step = 1024.0
	// MinGap is the smallest separation Allocate will produce.
	MinGap = 1.0 / (1 << 20)
)

var (
	ErrGapExhausted  = errors.New("position gap exhausted")
	ErrInvalidBounds = errors.New("invalid position bounds")
)

// Allocate returns a key strictly between prev and next. A nil prev means
// insertion at the head, a nil next insertion at the tail.
func Allocate(prev, next *float64) (float64, error) {
	switch {
	case prev == nil && next == nil:
		return DefaultBase, nil
	case prev == nil:
		if !finite(*next) {
			return 0, fmt.Errorf("%w: next=%v", ErrInvalidBounds, *next)
		}
		// at large magnitudes the step is lost to rounding
		if k := *next - Step; k < *next {
			return k, nil
		}
		return 0, ErrGapExhausted
	case next == nil:
		if !finite(*prev) {
			return 0, fmt.Errorf("%w: prev=%v", ErrInvalidBounds, *prev)
		}
		if k := *prev + Step; k > *prev {
			return k, nil
		}
		return 0, ErrGapExhausted
	}
	lo, hi := *prev, *next
	if !finite(lo) || !finite(hi) || lo >= hi {
		return 0, fmt.Errorf("%w: prev=%v next=%v", ErrInvalidBounds, lo, hi)
	}
	mid := lo + (hi-lo)/2
	if mid-lo < MinGap || hi-mid < MinGap || mid <= lo || mid >= hi {
		return 0, ErrGapExhausted
	}
	return mid, nil
}

// Renormalize returns evenly spaced keys for a sequence of n siblings, in
// the same order as given.
func Renormalize(keys []float64) []float64 {
	out := make([]float64, len(keys))
	for i := range out {
		out[i] = Step * float64(i+1)
	}
	return out
}

// RenormalizeAbove returns n evenly spaced keys that are all greater than
// floor. Moving siblings onto them one at a time never collides with a key
// still in use.
func RenormalizeAbove(floor float64, n int) []float64 {
	base := math.Floor(floor/Step)*Step + Step
	if base < Step {
		base = Step
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = base + Step*float64(i)
	}
	return out
}

// NeedsRenormalize reports whether any adjacent pair of the ordered keys is
// closer than MinGap or out of order.
func NeedsRenormalize(keys []float64) bool {
	for i := 1; i < len(keys); i++ {
		if keys[i]-keys[i-1] < MinGap {
			return true
		}
	}
	return false
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
