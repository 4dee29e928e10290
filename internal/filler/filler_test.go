package filler

import (
	"math/rand"
	"testing"

	"github.com/agleyzer/hiitsim/internal/segment"
	"github.com/agleyzer/hiitsim/internal/timecap"
)

func createTestCatalog() []Move {
	return []Move{
		{VideoID: "1", Title: "Jump Squats", EmbedURL: "https://player.vimeo.com/video/1"},
		{VideoID: "2", Title: "Push-up", EmbedURL: "https://player.vimeo.com/video/2"},
		{VideoID: "3", Title: "Bicycle Abs", EmbedURL: "https://player.vimeo.com/video/3"},
		{VideoID: "4", Title: "Db Walking Lunge", EmbedURL: "https://player.vimeo.com/video/4"},
		{VideoID: "5", Title: "High Knees", EmbedURL: "https://player.vimeo.com/video/5"},
		{VideoID: "6", Title: "Db Curl", EmbedURL: "https://player.vimeo.com/video/6"},
	}
}

func TestBuild_ExactTotal(t *testing.T) {
	tests := []struct {
		name      string
		delta     int
		perMove   int
		wantCount int
		wantLast  int
	}{
		{"exact multiple", 90, 30, 3, 30},
		{"truncated last", 100, 30, 4, 10},
		{"shorter than one move", 7, 30, 1, 7},
		{"zero delta gives one second", 0, 30, 1, 1},
		{"per move clamped up", 25, 5, 3, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(createTestCatalog(), Options{SecondsPerMove: tt.perMove}, rand.New(rand.NewSource(1)))
			segs := b.Build(tt.delta)

			if len(segs) != tt.wantCount {
				t.Fatalf("got %d segments, want %d", len(segs), tt.wantCount)
			}
			want := max(1, tt.delta)
			if got := segment.TotalDuration(segs); got != want {
				t.Errorf("total = %d, want %d", got, want)
			}
			if last := segs[len(segs)-1].DurationSec; last != tt.wantLast {
				t.Errorf("last = %d, want %d", last, tt.wantLast)
			}
			for i, s := range segs {
				if s.Kind != segment.KindWork {
					t.Errorf("segment %d kind = %s, want WORK", i, s.Kind)
				}
				if !s.IsCapFiller() {
					t.Errorf("segment %d not marked as cap filler", i)
				}
				if s.VideoURL() == "" {
					t.Errorf("segment %d has no video reference", i)
				}
			}
		})
	}
}

func TestBuild_EmptyCatalog(t *testing.T) {
	b := NewBuilder(nil, Options{}, rand.New(rand.NewSource(1)))
	segs := b.Build(75)

	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].DurationSec != 75 || segs[0].MoveName() != FillerName {
		t.Errorf("unexpected filler %+v", segs[0])
	}
}

func TestBuild_NoRepeats(t *testing.T) {
	catalog := createTestCatalog()
	b := NewBuilder(catalog, Options{SecondsPerMove: 10, NoRepeats: true}, rand.New(rand.NewSource(7)))

	segs := b.Build(10 * len(catalog))
	seen := make(map[string]bool)
	for _, s := range segs {
		url := s.VideoURL()
		if seen[url] {
			t.Errorf("move %s repeated while unused moves remained", url)
		}
		seen[url] = true
	}
}

func TestBuild_NoRepeatsIsBestEffort(t *testing.T) {
	catalog := createTestCatalog()[:2]
	b := NewBuilder(catalog, Options{SecondsPerMove: 10, NoRepeats: true}, rand.New(rand.NewSource(3)))

	segs := b.Build(60)
	if len(segs) != 6 {
		t.Fatalf("got %d segments, want 6", len(segs))
	}
	if segment.TotalDuration(segs) != 60 {
		t.Errorf("total = %d, want 60", segment.TotalDuration(segs))
	}
}

func TestBuild_GroupFilter(t *testing.T) {
	b := NewBuilder(createTestCatalog(), Options{SecondsPerMove: 10, Groups: []string{"abs"}}, rand.New(rand.NewSource(5)))

	for _, s := range b.Build(100) {
		if s.MoveName() != "Bicycle Abs" {
			t.Errorf("move %q is not in the abs group", s.MoveName())
		}
	}
}

func TestBuild_GroupFilterFallsBackToCatalog(t *testing.T) {
	catalog := []Move{{VideoID: "1", Title: "Db Curl"}}
	b := NewBuilder(catalog, Options{Groups: []string{"abs"}, MatchAllGroups: true}, rand.New(rand.NewSource(5)))

	segs := b.Build(30)
	if len(segs) != 1 || segs[0].MoveName() != "Db Curl" {
		t.Errorf("expected fallback to full catalog, got %+v", segs)
	}
}

func TestBuild_BalanceAcrossGroups(t *testing.T) {
	catalog := []Move{
		{VideoID: "a", Title: "Bicycle Abs"},
		{VideoID: "u", Title: "Db Curl"},
	}
	b := NewBuilder(catalog, Options{
		SecondsPerMove:      10,
		Groups:              []string{"abs", "upper"},
		BalanceAcrossGroups: true,
	}, rand.New(rand.NewSource(9)))

	segs := b.Build(40)
	want := []string{"Bicycle Abs", "Db Curl", "Bicycle Abs", "Db Curl"}
	for i, s := range segs {
		if s.MoveName() != want[i] {
			t.Errorf("segment %d = %q, want %q", i, s.MoveName(), want[i])
		}
	}
}

func TestBuild_AsFinisherBuilder(t *testing.T) {
	base := []segment.Segment{
		{Kind: segment.KindWork, DurationSec: 60},
		{Kind: segment.KindRest, DurationSec: 20},
	}
	b := NewBuilder(createTestCatalog(), Options{SecondsPerMove: 30}, rand.New(rand.NewSource(11)))

	res, err := timecap.Apply(base, 200, segment.PoolAll, timecap.Options{
		UnderStrategy:   timecap.StrategyFinisher,
		FinisherBuilder: b.Build,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.TotalAfter != 200 {
		t.Errorf("TotalAfter = %d, want 200", res.TotalAfter)
	}
	if len(res.Segments) != 6 {
		t.Errorf("expected 4 filler segments appended, got %d total", len(res.Segments))
	}
}

func TestGroups(t *testing.T) {
	tests := []struct {
		title string
		want  []string
	}{
		{"Bicycle Abs", []string{GroupAbs}},
		{"Jump Squats", []string{GroupLower, GroupCardio, GroupTotal}},
		{"Db Curl", []string{GroupUpper}},
		{"Kettlebell Swing", []string{GroupTotal}},
		{"Mystery Move", []string{GroupTotal}},
		{"PUSH-UP!!", []string{GroupUpper}},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			got := Groups(tt.title)
			if len(got) != len(tt.want) {
				t.Fatalf("Groups(%q) = %v, want %v", tt.title, got, tt.want)
			}
			for _, g := range tt.want {
				if !got[g] {
					t.Errorf("Groups(%q) missing %q (got %v)", tt.title, g, got)
				}
			}
		})
	}
}
