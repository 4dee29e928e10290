// Package segment defines the typed time segments a workout is built from.
package segment

import (
	"errors"
	"fmt"

	"github.com/spf13/cast"
)

// Kind classifies a segment. The set is closed.
type Kind string

const (
	KindWork                   Kind = "WORK"
	KindRest                   Kind = "REST"
	KindMoveTransitionA        Kind = "MOVE_TRANSITION_A"
	KindMoveTransitionB        Kind = "MOVE_TRANSITION_B"
	KindStationStageTransition Kind = "STATION_STAGE_TRANSITION"
)

// Well-known meta keys. The engine never reads them; presentation helpers do.
const (
	MetaMoveName      = "move_name"
	MetaVideoEmbedURL = "video_embed_url"
	MetaRestType      = "rest_type"
	MetaIsCapFiller   = "is_cap_filler"
)

var (
	// ErrInvalidKind is returned for a segment whose kind is empty or unknown.
	ErrInvalidKind = errors.New("invalid segment kind")
	// ErrNegativeDuration is returned for a segment with a negative duration.
	ErrNegativeDuration = errors.New("negative segment duration")
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindWork, KindRest, KindMoveTransitionA, KindMoveTransitionB, KindStationStageTransition:
		return true
	}
	return false
}

// IsTransition reports whether k is one of the three transition kinds.
func (k Kind) IsTransition() bool {
	return k == KindMoveTransitionA || k == KindMoveTransitionB || k == KindStationStageTransition
}

// Label returns the display label for the kind.
func (k Kind) Label() string {
	switch k {
	case KindWork:
		return "WORK"
	case KindRest:
		return "REST"
	case KindMoveTransitionA:
		return "TRANSITION (A)"
	case KindMoveTransitionB:
		return "TRANSITION (B)"
	case KindStationStageTransition:
		return "TRANSITION (STATION/STAGE)"
	case "":
		return "-"
	}
	return string(k)
}

// CueName returns the audio cue pattern played when a segment of this kind begins.
func (k Kind) CueName() string {
	switch k {
	case KindRest:
		return "rest"
	case KindMoveTransitionA:
		return "move_a"
	case KindMoveTransitionB:
		return "move_b"
	case KindStationStageTransition:
		return "station"
	}
	return "work"
}

// Segment is one typed, fixed-duration interval of a workout.
type Segment struct {
	// Kind selects the minimum-duration policy and the cue played on entry
	Kind Kind `json:"kind"`

	// DurationSec is the scheduled length in whole seconds
	DurationSec int `json:"duration_sec"`

	// Meta is an opaque bag (move name, video reference, stage/round indices)
	// carried through every transformation unchanged
	Meta map[string]any `json:"meta,omitempty"`
}

// Validate checks the structural requirements of a single segment.
func (s Segment) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, string(s.Kind))
	}
	if s.DurationSec < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeDuration, s.DurationSec)
	}
	return nil
}

// Clone returns a deep copy of the segment, including nested meta values.
func (s Segment) Clone() Segment {
	return Segment{
		Kind:        s.Kind,
		DurationSec: s.DurationSec,
		Meta:        cloneMap(s.Meta),
	}
}

// MoveName returns the move name stored in meta, or the kind label when unset.
func (s Segment) MoveName() string {
	if name := cast.ToString(s.Meta[MetaMoveName]); name != "" {
		return name
	}
	return s.Kind.Label()
}

// VideoURL returns the video reference stored in meta, if any.
func (s Segment) VideoURL() string {
	return cast.ToString(s.Meta[MetaVideoEmbedURL])
}

// IsCapFiller reports whether the segment was synthesized to fill a time cap.
func (s Segment) IsCapFiller() bool {
	return cast.ToBool(s.Meta[MetaIsCapFiller])
}

// ValidateAll validates every segment and reports the first failing index.
func ValidateAll(segments []Segment) error {
	for i, s := range segments {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
	}
	return nil
}

// Clone deep-copies a sequence.
func Clone(segments []Segment) []Segment {
	if segments == nil {
		return nil
	}
	out := make([]Segment, len(segments))
	for i, s := range segments {
		out[i] = s.Clone()
	}
	return out
}

// TotalDuration returns the sum of all segment durations in seconds.
func TotalDuration(segments []Segment) int {
	total := 0
	for _, s := range segments {
		total += s.DurationSec
	}
	return total
}

// MinDuration returns the floor a redistribution may shrink a segment of
// the given kind to.
func MinDuration(kind Kind) int {
	switch kind {
	case KindWork:
		return 10
	case KindRest:
		return 5
	case KindMoveTransitionA, KindMoveTransitionB:
		return 3
	case KindStationStageTransition:
		return 5
	}
	return 1
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

// FormatClock renders whole seconds as mm:ss. Negative values render as 00:00.
func FormatClock(sec int) string {
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}
