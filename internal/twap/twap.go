// Package twap maintains a time-weighted average of a single price series.
//
// The average is windowed: an observation's weight is the time elapsed since
// the previous update, and the stored value keeps whatever is left of the
// window. Once a full window has elapsed the new observation replaces the
// average outright.
package twap

import (
	"github.com/atmx/perp-engine/internal/fixed"
)

// Moment is a point in time, in whole seconds. The caller always supplies it.
type Moment uint64

// Twap is the accumulator state for one price series.
type Twap struct {
	Value     fixed.FixedU128
	Timestamp Moment
	Period    Moment
}

// New returns an accumulator seeded with value at ts.
func New(value fixed.FixedU128, ts, period Moment) Twap {
	return Twap{Value: value, Timestamp: ts, Period: period}
}

// Weights returns the (fromStart, sinceLast) pair for an update at now.
// sinceLast is clamped to at least one unit; fromStart saturates at zero.
func (t Twap) Weights(now Moment) (fromStart, sinceLast Moment) {
	sinceLast = 1
	if now > t.Timestamp && now-t.Timestamp > 1 {
		sinceLast = now - t.Timestamp
	}
	if t.Period > sinceLast {
		fromStart = t.Period - sinceLast
	}
	return fromStart, sinceLast
}

// Accumulate folds price, observed at now, into the average and returns the
// new value. On error the accumulator is left untouched.
func (t *Twap) Accumulate(price fixed.FixedU128, now Moment) (fixed.FixedU128, error) {
	fromStart, sinceLast := t.Weights(now)

	v, err := WeightedAverage(t.Value, price, uint64(fromStart), uint64(sinceLast))
	if err != nil {
		return fixed.FixedU128{}, err
	}

	t.Value = v
	if now > t.Timestamp {
		t.Timestamp = now
	}
	return v, nil
}
