// Package proration computes partial-period charges with exact fixed-point
// arithmetic. Amounts are integer minor units.
package proration

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// QuantityPlaces is the number of decimal places kept on line quantities.
const QuantityPlaces = 6

// Interval is a half-open span [Start, End). A nil End is unbounded.
type Interval struct {
	Start time.Time
	End   *time.Time
}

// Overlap returns how much of [periodStart, periodEnd) is covered by the
// union of intervals. Overlapping intervals are counted once.
func Overlap(intervals []Interval, periodStart, periodEnd time.Time) time.Duration {
	if !periodEnd.After(periodStart) {
		return 0
	}

	type span struct{ start, end time.Time }
	spans := make([]span, 0, len(intervals))
	for _, iv := range intervals {
		start := iv.Start
		if start.Before(periodStart) {
			start = periodStart
		}
		end := periodEnd
		if iv.End != nil && iv.End.Before(end) {
			end = *iv.End
		}
		if end.After(start) {
			spans = append(spans, span{start: start, end: end})
		}
	}
	if len(spans) == 0 {
		return 0
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start.Before(spans[j].start) })

	var total time.Duration
	cur := spans[0]
	for _, next := range spans[1:] {
		if !next.start.After(cur.end) {
			if next.end.After(cur.end) {
				cur.end = next.end
			}
			continue
		}
		total += cur.end.Sub(cur.start)
		cur = next
	}
	total += cur.end.Sub(cur.start)
	return total
}

// Quantity is overlap / period clamped to [0, 1] and rounded half-up to
// QuantityPlaces.
func Quantity(overlap, period time.Duration) decimal.Decimal {
	num, den, ok := ratio(overlap, period)
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromInt(num).DivRound(decimal.NewFromInt(den), QuantityPlaces)
}

// Amount returns unitAmount * overlap / period rounded half-up to the minor
// unit. The ratio is applied exactly before rounding, so the result does
// not depend on the rounded Quantity.
func Amount(unitAmount int64, overlap, period time.Duration) int64 {
	num, den, ok := ratio(overlap, period)
	if !ok || unitAmount == 0 {
		return 0
	}

	product := decimal.NewFromInt(unitAmount).Mul(decimal.NewFromInt(num))
	divisor := decimal.NewFromInt(den)
	q, r := product.QuoRem(divisor, 0)
	if r.Abs().Mul(decimal.NewFromInt(2)).GreaterThanOrEqual(divisor) {
		if product.Sign() < 0 {
			q = q.Sub(decimal.NewFromInt(1))
		} else {
			q = q.Add(decimal.NewFromInt(1))
		}
	}
	return q.IntPart()
}

// ratio clamps overlap into [0, period] and expresses both in whole seconds.
func ratio(overlap, period time.Duration) (int64, int64, bool) {
	den := int64(period / time.Second)
	if den <= 0 {
		return 0, 0, false
	}
	num := int64(overlap / time.Second)
	if num < 0 {
		num = 0
	}
	if num > den {
		num = den
	}
	return num, den, true
}
