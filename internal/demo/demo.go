// Package demo builds the sample workouts bundled with hiitsim.
package demo

import (
	"fmt"

	"github.com/agleyzer/hiitsim/internal/filler"
	"github.com/agleyzer/hiitsim/internal/segment"
)

// Demo is one bundled workout. Bundles on disk use the same shape.
type Demo struct {
	ID               string            `json:"id"`
	Mode             string            `json:"mode"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	CapSuggestionMin int               `json:"cap_suggestion_min,omitempty"`
	Segments         []segment.Segment `json:"segments"`
}

// Demo ids.
const (
	OnlineExample2 = "online_example2"
	GymExample1    = "gym_example1"
	OnlineQuick    = "online_quick"
)

var onlineStageMoves = [][]string{
	{"Jumping Jacks", "Bodybuilder", "Push-up"},
	{"Shoulder Taps", "Seal Jacks", "Jump Squats"},
	{"Burpees", "Straddle Jump", "Toe Taps"},
	{"TRX In Outs", "High Knees", "Db Walking Lunge"},
	{"Bear Crawl", "Death Frogs", "Broad Jump"},
	{"Full Range Sit-up", "Rocking Plank", "Bicycle Abs"},
	{"Plank Jump", "Plank Hold", "Wall Sit"},
	{"Skaters", "Split Jump", "Toy Soldier"},
}

// gymStationCount is the number of stations rotated through in the gym demo.
const gymStationCount = 6

// videos cycles through catalog embed URLs. An empty catalog yields none.
type videos struct {
	moves []filler.Move
	next  int
}

func (v *videos) url() string {
	if len(v.moves) == 0 {
		return ""
	}
	u := v.moves[v.next%len(v.moves)].EmbedURL
	v.next++
	return u
}

// All returns every demo. WORK segments cycle through the embed URLs of
// catalog in order; catalog may be empty.
func All(catalog []filler.Move) []Demo {
	v := &videos{moves: catalog}
	return []Demo{
		{
			ID:               OnlineExample2,
			Mode:             "online",
			Title:            "Online Demo: 8 stages, 3 moves, 2 rounds",
			CapSuggestionMin: 42,
			Segments:         onlineExample(v),
		},
		{
			ID:               GymExample1,
			Mode:             "gym",
			Title:            "Gym Demo: 6 stations, 2 moves, 4 rounds per move",
			CapSuggestionMin: 42,
			Segments:         gymExample(),
		},
		{
			ID:               OnlineQuick,
			Mode:             "online",
			Title:            "Online Quick Demo (10s work / 5s rest)",
			CapSuggestionMin: 1,
			Segments:         quickExample(v),
		},
	}
}

// Find returns the demo with id.
func Find(catalog []filler.Move, id string) (Demo, error) {
	for _, d := range All(catalog) {
		if d.ID == id {
			return d, nil
		}
	}
	return Demo{}, fmt.Errorf("unknown demo %q", id)
}

func onlineExample(v *videos) []segment.Segment {
	var segs []segment.Segment
	for stage, moves := range onlineStageMoves {
		stageIdx := stage + 1
		for round := 1; round <= 2; round++ {
			for slot, name := range moves {
				segs = append(segs, segment.Segment{
					Kind:        segment.KindWork,
					DurationSec: 60,
					Meta: map[string]any{
						"mode":                    "online",
						"stage_index":             stageIdx,
						"stage_count":             len(onlineStageMoves),
						"round_index":             round,
						"rounds_per_stage":        2,
						"move_slot_index":         slot + 1,
						"move_slots_per_stage":    len(moves),
						segment.MetaMoveName:      name,
						segment.MetaVideoEmbedURL: v.url(),
					},
				})
			}
			if round < 2 {
				segs = append(segs, segment.Segment{
					Kind:        segment.KindRest,
					DurationSec: 20,
					Meta: map[string]any{
						"mode":               "online",
						"stage_index":        stageIdx,
						"round_index":        round,
						segment.MetaRestType: "between_rounds",
					},
				})
			}
		}
		if stageIdx < len(onlineStageMoves) {
			segs = append(segs, segment.Segment{
				Kind:        segment.KindStationStageTransition,
				DurationSec: 50,
				Meta:        map[string]any{"mode": "online", "from_stage": stageIdx, "to_stage": stageIdx + 1},
			})
		}
	}
	return segs
}

func gymExample() []segment.Segment {
	var segs []segment.Segment
	for rotation := 1; rotation <= gymStationCount; rotation++ {
		for slot := 1; slot <= 2; slot++ {
			for round := 1; round <= 4; round++ {
				meta := func() map[string]any {
					return map[string]any{
						"mode":            "gym",
						"rotation_index":  rotation,
						"rotation_count":  gymStationCount,
						"move_slot_index": slot,
						"round_index":     round,
					}
				}
				work := segment.Segment{Kind: segment.KindWork, DurationSec: 40, Meta: meta()}
				work.Meta["rounds_per_move"] = 4
				rest := segment.Segment{Kind: segment.KindRest, DurationSec: 12, Meta: meta()}
				rest.Meta[segment.MetaRestType] = "between_rounds"

				segs = append(segs, work, rest)
			}
			if slot == 1 {
				segs = append(segs, segment.Segment{
					Kind:        segment.KindMoveTransitionA,
					DurationSec: 20,
					Meta:        map[string]any{"mode": "gym", "rotation_index": rotation, "from_move_slot": 1, "to_move_slot": 2},
				})
			}
		}
		if rotation < gymStationCount {
			segs = append(segs, segment.Segment{
				Kind:        segment.KindStationStageTransition,
				DurationSec: 60,
				Meta:        map[string]any{"mode": "gym", "from_rotation": rotation, "to_rotation": rotation + 1},
			})
		}
	}
	return segs
}

func quickExample(v *videos) []segment.Segment {
	var segs []segment.Segment
	for round := 1; round <= 2; round++ {
		for slot, name := range []string{"Demo Move 1", "Demo Move 2"} {
			segs = append(segs, segment.Segment{
				Kind:        segment.KindWork,
				DurationSec: 10,
				Meta: map[string]any{
					"mode":                    "online",
					"stage_index":             1,
					"round_index":             round,
					"move_slot_index":         slot + 1,
					segment.MetaMoveName:      name,
					segment.MetaVideoEmbedURL: v.url(),
				},
			})
		}
		if round < 2 {
			segs = append(segs, segment.Segment{
				Kind:        segment.KindRest,
				DurationSec: 5,
				Meta:        map[string]any{"mode": "online", "stage_index": 1, segment.MetaRestType: "between_rounds"},
			})
		}
	}
	return segs
}
