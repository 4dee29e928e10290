// Package timecap rescales a workout sequence toward a target total duration.
package timecap

import (
	"fmt"
	"math"

	"github.com/agleyzer/hiitsim/internal/segment"
)

// Strategy controls what happens when a sequence is shorter than its cap.
type Strategy string

const (
	// StrategyAdjust spreads the missing seconds over the pool's segments.
	StrategyAdjust Strategy = "adjust"
	// StrategyFinisher appends filler WORK segments at the end.
	StrategyFinisher Strategy = "finisher"
)

// DefaultFinisherName labels the single synthetic segment appended by the
// finisher strategy when no builder is supplied.
const DefaultFinisherName = "Finisher"

// maxTarget bounds the clamped target so sums stay far from int overflow.
const maxTarget = 7 * 24 * 60 * 60

// FinisherBuilder returns filler segments for a surplus of delta seconds.
type FinisherBuilder func(delta int) []segment.Segment

// Options tunes a cap pass. The zero value uses the adjust strategy.
type Options struct {
	UnderStrategy   Strategy
	FinisherBuilder FinisherBuilder

	// FinisherName and FinisherMeta shape the built-in finisher segment.
	FinisherName string
	FinisherMeta map[string]any
}

// Result is the outcome of a cap pass. Segments is always a fresh copy.
type Result struct {
	Segments    []segment.Segment `json:"segments"`
	Note        string            `json:"note"`
	TotalBefore int               `json:"total_before"`
	TotalAfter  int               `json:"total_after"`
}

// ClampTarget converts a requested cap into whole seconds, at least 1.
// NaN and negative values clamp to 1, fractions round down.
func ClampTarget(target float64) int {
	if math.IsNaN(target) || target < 1 {
		return 1
	}
	if target > maxTarget {
		return maxTarget
	}
	return int(math.Floor(target))
}

// Apply moves the sequence total toward target by resizing only the
// segments pool allows; every other segment is left untouched. Floors from
// segment.MinDuration are never crossed.
// The input slice is not modified. Infeasible requests are reported in the
// note, not as errors; an error means a segment is structurally invalid.
func Apply(segments []segment.Segment, target float64, pool segment.Pool, opts Options) (Result, error) {
	if err := segment.ValidateAll(segments); err != nil {
		return Result{}, fmt.Errorf("apply time cap: %w", err)
	}

	segs := segment.Clone(segments)
	if segs == nil {
		segs = []segment.Segment{}
	}
	total := segment.TotalDuration(segs)
	capSec := ClampTarget(target)

	result := func(segs []segment.Segment, note string) Result {
		after := segment.TotalDuration(segs)
		if pool != segment.PoolAll && after != capSec && note != noteNoEligible {
			note += fmt.Sprintf(" Only the %s pool was adjusted; sequence total is %s.",
				pool, segment.FormatClock(after))
		}
		return Result{Segments: segs, Note: note, TotalBefore: total, TotalAfter: after}
	}

	idx := segment.Eligible(segs, pool)
	if len(idx) == 0 {
		return result(segs, noteNoEligible), nil
	}

	// The difference is measured on the whole sequence and absorbed by the pool.
	delta := capSec - total

	if delta == 0 {
		return result(segs, "Already matches cap."), nil
	}

	if delta > 0 {
		if opts.UnderStrategy == StrategyFinisher {
			return addFinisher(segs, delta, opts, result)
		}
		spread(segs, idx, delta)
		return result(segs, fmt.Sprintf("Added %s across %d segments (%s).",
			segment.FormatClock(delta), len(idx), pool)), nil
	}

	need := -delta
	maxReducible := 0
	for _, i := range idx {
		maxReducible += reducible(segs[i])
	}

	if maxReducible <= 0 {
		return result(segs, "Nothing reducible in selected pool."), nil
	}

	if maxReducible < need {
		for _, i := range idx {
			segs[i].DurationSec = segment.MinDuration(segs[i].Kind)
		}
		after := segment.TotalDuration(segs)
		return result(segs, fmt.Sprintf("Could not reach cap: reduced %s but hit minimum durations (%s short).",
			segment.FormatClock(total-after), segment.FormatClock(after-capSec))), nil
	}

	reduce(segs, idx, need)
	return result(segs, fmt.Sprintf("Reduced %s across %d segments (%s).",
		segment.FormatClock(total-segment.TotalDuration(segs)), len(idx), pool)), nil
}

const noteNoEligible = "No eligible segments for this cap pool."

func addFinisher(segs []segment.Segment, delta int, opts Options, result func([]segment.Segment, string) Result) (Result, error) {
	if opts.FinisherBuilder != nil {
		extra := opts.FinisherBuilder(delta)
		if len(extra) > 0 {
			for i := range extra {
				if err := extra[i].Validate(); err != nil {
					return Result{}, fmt.Errorf("finisher segment %d: %w", i, err)
				}
				extra[i].DurationSec = max(1, extra[i].DurationSec)
			}
			segs = append(segs, extra...)
			added := segment.TotalDuration(extra)
			return result(segs, fmt.Sprintf("Added cap-filler %s to hit cap.", segment.FormatClock(added))), nil
		}
	}

	name := opts.FinisherName
	if name == "" {
		name = DefaultFinisherName
	}
	meta := make(map[string]any, len(opts.FinisherMeta)+2)
	for k, v := range opts.FinisherMeta {
		meta[k] = v
	}
	meta[segment.MetaMoveName] = name
	meta[segment.MetaRestType] = DefaultFinisherName

	segs = append(segs, segment.Segment{Kind: segment.KindWork, DurationSec: max(1, delta), Meta: meta})
	return result(segs, fmt.Sprintf("Added finisher %s to hit cap.", segment.FormatClock(delta))), nil
}

// spread adds delta seconds over idx as evenly as possible; the remainder
// goes one second at a time to the leftmost eligible segments.
func spread(segs []segment.Segment, idx []int, delta int) {
	per := delta / len(idx)
	rem := delta - per*len(idx)
	for _, i := range idx {
		segs[i].DurationSec += per
	}
	for k := 0; k < len(idx) && rem > 0; k++ {
		segs[idx[k]].DurationSec++
		rem--
	}
}

// reduce removes need seconds from idx in fair rounds. Callers guarantee the
// pool can absorb need.
func reduce(segs []segment.Segment, idx []int, need int) {
	active := append([]int(nil), idx...)
	for need > 0 && len(active) > 0 {
		per := max(1, need/len(active))
		next := active[:0:0]
		for _, i := range active {
			floor := segment.MinDuration(segs[i].Kind)
			dec := min(reducible(segs[i]), per, need)
			segs[i].DurationSec -= dec
			need -= dec
			if segs[i].DurationSec > floor {
				next = append(next, i)
			}
			if need <= 0 {
				break
			}
		}
		active = next
	}
}

func reducible(s segment.Segment) int {
	return max(0, s.DurationSec-segment.MinDuration(s.Kind))
}
