// Package filler builds synthetic WORK segments that close a time-cap
// surplus exactly, drawing moves from a catalog.
package filler

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/agleyzer/hiitsim/internal/segment"
)

const (
	// DefaultSecondsPerMove is used when Options.SecondsPerMove is zero.
	DefaultSecondsPerMove = 30
	MinSecondsPerMove     = 10
	MaxSecondsPerMove     = 180

	// FillerName labels filler segments that have no catalog move behind them.
	FillerName = "Cap Filler"

	// maxPickTries bounds the no-repeat search before an arbitrary pick.
	maxPickTries = 60
)

// Move is one entry of the move catalog.
type Move struct {
	VideoID  string `json:"video_id"`
	Title    string `json:"title"`
	EmbedURL string `json:"embed_url"`
}

// Options controls move selection.
type Options struct {
	// SecondsPerMove is the length of each filler segment; the last one is
	// truncated so the total is exact. Clamped to [10, 180].
	SecondsPerMove int `json:"seconds_per_move"`

	// Groups restricts candidates to moves in these muscle groups.
	Groups []string `json:"groups,omitempty"`

	// MatchAllGroups requires a move to be in every selected group instead of any.
	MatchAllGroups bool `json:"match_all_groups"`

	// UseAllGroups ignores Groups. Implied when Groups is empty.
	UseAllGroups bool `json:"use_all_groups"`

	// BalanceAcrossGroups round-robins picks across the selected groups.
	BalanceAcrossGroups bool `json:"balance_across_groups"`

	// NoRepeats avoids reusing a move while the candidate pool allows it.
	// Best effort: after a bounded number of tries any move is accepted.
	NoRepeats bool `json:"no_repeats"`
}

// Builder produces cap-filler segments. It is safe for concurrent use.
type Builder struct {
	mu      sync.Mutex
	catalog []Move
	opts    Options
	rng     *rand.Rand
	groups  groupCache
}

// NewBuilder creates a Builder over catalog. rng supplies every random pick.
func NewBuilder(catalog []Move, opts Options, rng *rand.Rand) *Builder {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Builder{
		catalog: append([]Move(nil), catalog...),
		opts:    opts,
		rng:     rng,
	}
}

// Build returns WORK segments whose durations sum to exactly delta seconds
// (at least 1). Its signature matches timecap.FinisherBuilder.
func (b *Builder) Build(delta int) []segment.Segment {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := max(1, delta)
	if len(b.catalog) == 0 {
		return []segment.Segment{{
			Kind:        segment.KindWork,
			DurationSec: remaining,
			Meta: map[string]any{
				segment.MetaMoveName:    FillerName,
				segment.MetaIsCapFiller: true,
			},
		}}
	}

	selected := b.selectedGroups()
	pool := b.candidates(selected)
	per := clampSeconds(b.opts.SecondsPerMove)

	var groupPools map[string][]Move
	if b.opts.BalanceAcrossGroups && !b.opts.MatchAllGroups && !b.useAll(selected) && len(selected) > 1 {
		groupPools = make(map[string][]Move, len(selected))
		for _, g := range selected {
			for _, m := range pool {
				if b.groups.get(m)[g] {
					groupPools[g] = append(groupPools[g], m)
				}
			}
		}
	}

	used := make(map[string]bool)
	var out []segment.Segment

	for i := 0; remaining > 0; i++ {
		dur := min(per, remaining)

		pickFrom := pool
		if groupPools != nil {
			if gp := groupPools[selected[i%len(selected)]]; len(gp) > 0 {
				pickFrom = gp
			}
		}

		chosen := b.pick(pickFrom, used)
		if chosen.VideoID != "" {
			used[chosen.VideoID] = true
		}

		title := chosen.Title
		if title == "" {
			title = FillerName
		}
		out = append(out, segment.Segment{
			Kind:        segment.KindWork,
			DurationSec: dur,
			Meta: map[string]any{
				"mode":                    "online",
				segment.MetaMoveName:      title,
				segment.MetaVideoEmbedURL: chosen.EmbedURL,
				segment.MetaRestType:      FillerName,
				segment.MetaIsCapFiller:   true,
			},
		})
		remaining -= dur
	}

	return out
}

// pick draws a random candidate, honouring NoRepeats for a bounded number
// of tries.
func (b *Builder) pick(from []Move, used map[string]bool) Move {
	for tries := 0; tries < maxPickTries; tries++ {
		cand := from[b.rng.Intn(len(from))]
		if cand.VideoID == "" {
			continue
		}
		if b.opts.NoRepeats && used[cand.VideoID] && len(from) > 1 {
			continue
		}
		return cand
	}
	return from[b.rng.Intn(len(from))]
}

func (b *Builder) selectedGroups() []string {
	var out []string
	for _, g := range b.opts.Groups {
		if g = strings.ToLower(strings.TrimSpace(g)); g != "" {
			out = append(out, g)
		}
	}
	return out
}

func (b *Builder) useAll(selected []string) bool {
	return b.opts.UseAllGroups || len(selected) == 0
}

// candidates filters the catalog by the selected groups, falling back to the
// whole catalog when nothing matches.
func (b *Builder) candidates(selected []string) []Move {
	if b.useAll(selected) {
		return b.catalog
	}

	var filtered []Move
	for _, m := range b.catalog {
		gs := b.groups.get(m)
		if b.opts.MatchAllGroups {
			all := true
			for _, g := range selected {
				if !gs[g] {
					all = false
					break
				}
			}
			if all {
				filtered = append(filtered, m)
			}
			continue
		}
		for _, g := range selected {
			if gs[g] {
				filtered = append(filtered, m)
				break
			}
		}
	}

	if len(filtered) == 0 {
		return b.catalog
	}
	return filtered
}

func clampSeconds(sec int) int {
	if sec == 0 {
		return DefaultSecondsPerMove
	}
	return max(MinSecondsPerMove, min(MaxSecondsPerMove, sec))
}
