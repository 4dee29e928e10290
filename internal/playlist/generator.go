// Package playlist renders workout segments as HLS playlists so any HLS
// player can preview the move clips coming up next.
package playlist

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/spf13/cast"

	"github.com/agleyzer/hiitsim/internal/segment"
)

// ErrEmpty is returned when there is no sequence to render.
var ErrEmpty = errors.New("no segments to render")

// Cursor is the playback position a live playlist follows.
type Cursor interface {
	Segments() []segment.Segment
	CurrentIndex() int
}

// Live renders a sliding window starting at the segment being played.
// The media sequence number is the current segment index, so players see
// the window advance exactly when the timer crosses a boundary.
type Live struct {
	cursor     Cursor
	windowSize int
	baseURL    string
	logger     *slog.Logger
}

// NewLive creates a live preview of at most windowSize segments. Segments
// without a video reference point at cue clips resolved against baseURL.
func NewLive(cursor Cursor, windowSize int, baseURL string, logger *slog.Logger) (*Live, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive")
	}
	if baseURL != "" {
		if _, err := url.Parse(baseURL); err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
	}

	return &Live{
		cursor:     cursor,
		windowSize: windowSize,
		baseURL:    baseURL,
		logger:     logger,
	}, nil
}

// Generate creates the media playlist for the current window. It never
// carries #EXT-X-ENDLIST.
func (l *Live) Generate() (string, error) {
	segs := l.cursor.Segments()
	if len(segs) == 0 {
		return "", ErrEmpty
	}

	index := min(max(l.cursor.CurrentIndex(), 0), len(segs)-1)
	window := segs[index:min(index+l.windowSize, len(segs))]

	p, err := m3u8.NewMediaPlaylist(uint(len(window)), uint(len(window)))
	if err != nil {
		return "", fmt.Errorf("create playlist: %w", err)
	}
	p.SeqNo = uint64(index)

	for i, seg := range window {
		if err := l.appendSegment(p, seg, index+i); err != nil {
			return "", err
		}
	}

	return p.Encode().String(), nil
}

// GetStats returns current statistics about the preview window.
func (l *Live) GetStats() map[string]any {
	segs := l.cursor.Segments()
	return map[string]any{
		"window_size":     l.windowSize,
		"sequence_number": l.cursor.CurrentIndex(),
		"total_segments":  len(segs),
	}
}

func (l *Live) appendSegment(p *m3u8.MediaPlaylist, seg segment.Segment, index int) error {
	uri, err := l.uri(seg, index)
	if err != nil {
		return err
	}
	if err := p.Append(uri, float64(seg.DurationSec), Title(seg)); err != nil {
		return fmt.Errorf("append segment %d: %w", index, err)
	}
	return nil
}

func (l *Live) uri(seg segment.Segment, index int) (string, error) {
	if v := seg.VideoURL(); v != "" {
		return v, nil
	}
	rel := fmt.Sprintf("cue/%s/%04d.ts", seg.Kind.CueName(), index)
	if l.baseURL == "" {
		return rel, nil
	}
	return resolveURL(l.baseURL, rel)
}

// Export renders the whole sequence as a closed VOD playlist.
func Export(segs []segment.Segment, baseURL string) (string, error) {
	if len(segs) == 0 {
		return "", ErrEmpty
	}

	p, err := m3u8.NewMediaPlaylist(0, uint(len(segs)))
	if err != nil {
		return "", fmt.Errorf("create playlist: %w", err)
	}
	p.MediaType = m3u8.VOD

	l := &Live{baseURL: baseURL}
	for i, seg := range segs {
		if err := l.appendSegment(p, seg, i); err != nil {
			return "", err
		}
	}
	p.Close()

	return p.Encode().String(), nil
}

// Title is the EXTINF title of a segment: its label, plus the move name
// when there is one.
func Title(seg segment.Segment) string {
	title := seg.Kind.Label()
	if name := strings.TrimSpace(cast.ToString(seg.Meta[segment.MetaMoveName])); name != "" {
		title += " - " + name
	}
	// A comma would end the title early for some parsers.
	return strings.ReplaceAll(title, ",", " ")
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
