// Package loader reads workout sequences, demo bundles and move catalogs
// from local files or http(s) URLs.
package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agleyzer/hiitsim/internal/demo"
	"github.com/agleyzer/hiitsim/internal/filler"
	"github.com/agleyzer/hiitsim/internal/segment"
)

// ErrNoSegments is returned for sources that decode to an empty sequence.
var ErrNoSegments = errors.New("source contains no segments")

// maxSourceBytes bounds how much of a source is read.
const maxSourceBytes = 32 << 20

// Fetch reads a source: an http(s) URL or a file path.
func Fetch(ctx context.Context, source string) ([]byte, error) {
	if !isURL(source) {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", source, err)
		}
		return data, nil
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", source, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: HTTP %d", source, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}
	return data, nil
}

// LoadSequence fetches source and parses it with ParseSequence.
func LoadSequence(ctx context.Context, source, demoID string) ([]segment.Segment, error) {
	data, err := Fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	segs, err := ParseSequence(data, demoID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", source, err)
	}
	return segs, nil
}

// ParseSequence decodes one of the accepted sequence shapes:
//
//	[ {segment}, ... ]
//	{ "segments": [ ... ] }
//	{ "demos": [ { "id": ..., "segments": [ ... ] }, ... ] }
//
// For a demo bundle demoID selects the demo; empty picks the first.
func ParseSequence(data []byte, demoID string) ([]segment.Segment, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNoSegments
	}

	var raw json.RawMessage
	switch data[0] {
	case '[':
		raw = data
	case '{':
		var doc struct {
			Segments json.RawMessage `json:"segments"`
			Demos    []struct {
				ID       string          `json:"id"`
				Segments json.RawMessage `json:"segments"`
			} `json:"demos"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}

		switch {
		case len(doc.Demos) > 0:
			found := false
			for _, d := range doc.Demos {
				if demoID == "" || d.ID == demoID {
					raw, found = d.Segments, true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("demo %q not found in bundle", demoID)
			}
		case doc.Segments != nil:
			raw = doc.Segments
		default:
			return nil, fmt.Errorf("document has neither segments nor demos")
		}
	default:
		return nil, fmt.Errorf("expected a JSON array or object")
	}

	segs, err := segment.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, ErrNoSegments
	}
	return segs, nil
}

// LoadCatalog fetches a move catalog: a JSON array of
// {video_id, title, embed_url}. Entries with neither an id nor an embed
// URL are dropped.
func LoadCatalog(ctx context.Context, source string) ([]filler.Move, error) {
	data, err := Fetch(ctx, source)
	if err != nil {
		return nil, err
	}

	var moves []filler.Move
	if err := json.Unmarshal(data, &moves); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", source, err)
	}

	out := moves[:0]
	for _, m := range moves {
		if strings.TrimSpace(m.VideoID) == "" && strings.TrimSpace(m.EmbedURL) == "" {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// EncodeBundle writes demos in the bundle shape ParseSequence accepts.
func EncodeBundle(w io.Writer, demos []demo.Demo) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(struct {
		Demos []demo.Demo `json:"demos"`
	}{demos}); err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	return nil
}

func isURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}
