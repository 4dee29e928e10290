package filler

import (
	"regexp"
	"strings"
	"sync"
)

// Muscle groups derived from move titles.
const (
	GroupAbs    = "abs"
	GroupLower  = "lower"
	GroupUpper  = "upper"
	GroupCardio = "cardio"
	GroupTotal  = "total"
)

var (
	nonWord    = regexp.MustCompile(`[^a-z0-9\s+]`)
	whitespace = regexp.MustCompile(`\s+`)
)

var groupKeywords = []struct {
	group    string
	keywords []string
}{
	{GroupAbs, []string{
		"abs", "ab ", "core", "crunch", "sit up", "situp", "v sit", "v-sit", "hollow", "toe touch",
		"russian twist", "flutter", "leg raise", "plank", "dead bug", "dead-bug", "bird dog",
		"bird-dog", "bear", "bicycle", "hip thrust",
	}},
	{GroupLower, []string{
		"squat", "lunge", "split squat", "deadlift", "rdl", "romanian", "hinge", "glute", "hamstring",
		"quad", "calf", "step up", "step-up", "hip thrust", "hip-thrust", "kickback", "good morning", "sumo",
	}},
	{GroupUpper, []string{
		"push up", "push-up", "press", "shoulder", "raise", "row", "pull", "lat", "chest", "fly", "curl",
		"tricep", "bicep", "dip", "upright row", "overhead", "ohp", "arm",
	}},
	{GroupCardio, []string{
		"burpee", "sprint", "jump", "high knees", "high-knees", "skater", "shuffle", "fast feet", "jack",
		"jacks", "pogo", "plyo", "run", "mountain climber", "climber", "rope", "kickboxing", "kick box",
		"kick-box", "boxer", "knees",
	}},
	{GroupTotal, []string{
		"total body", "total-body", "full body", "full-body", "complex", "combo", "thruster",
		"man maker", "snatch", "clean", "swing",
	}},
}

// normalizeTitle lowercases a title and collapses punctuation to spaces.
func normalizeTitle(title string) string {
	t := strings.ToLower(title)
	t = nonWord.ReplaceAllString(t, " ")
	t = whitespace.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// Groups classifies a move title into muscle groups by keyword. A title that
// mixes domains is also "total"; a title matching nothing is "total".
func Groups(title string) map[string]bool {
	t := normalizeTitle(title)
	groups := make(map[string]bool)

	for _, g := range groupKeywords {
		for _, k := range g.keywords {
			if strings.Contains(t, k) {
				groups[g.group] = true
				break
			}
		}
	}

	if (groups[GroupUpper] && groups[GroupLower]) || (groups[GroupCardio] && (groups[GroupUpper] || groups[GroupLower])) {
		groups[GroupTotal] = true
	}
	if len(groups) == 0 {
		groups[GroupTotal] = true
	}
	return groups
}

// groupCache memoises Groups per video id.
type groupCache struct {
	mu   sync.Mutex
	byID map[string]map[string]bool
}

func (c *groupCache) get(m Move) map[string]bool {
	id := strings.TrimSpace(m.VideoID)
	if id == "" {
		return Groups(m.Title)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.byID == nil {
		c.byID = make(map[string]map[string]bool)
	}
	if g, ok := c.byID[id]; ok {
		return g
	}
	g := Groups(m.Title)
	c.byID[id] = g
	return g
}
