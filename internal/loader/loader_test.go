package loader

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/agleyzer/hiitsim/internal/demo"
	"github.com/agleyzer/hiitsim/internal/segment"
)

const testSequence = `[
  {"kind": "WORK", "duration_sec": 40, "meta": {"move_name": "Burpees", "stage_index": 1}},
  {"kind": "REST", "duration_sec": 20}
]`

func TestParseSequence(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		demoID    string
		wantTotal int
		wantErr   bool
	}{
		{"plain array", testSequence, "", 60, false},
		{"segments object", `{"segments": ` + testSequence + `}`, "", 60, false},
		{"bundle first demo", `{"demos": [{"id": "a", "segments": ` + testSequence + `}, {"id": "b", "segments": [{"kind": "REST", "duration_sec": 5}]}]}`, "", 60, false},
		{"bundle by id", `{"demos": [{"id": "a", "segments": ` + testSequence + `}, {"id": "b", "segments": [{"kind": "REST", "duration_sec": 5}]}]}`, "b", 5, false},
		{"bundle unknown id", `{"demos": [{"id": "a", "segments": ` + testSequence + `}]}`, "zzz", 0, true},
		{"empty array", `[]`, "", 0, true},
		{"empty input", `  `, "", 0, true},
		{"scalar", `42`, "", 0, true},
		{"object without segments", `{"name": "x"}`, "", 0, true},
		{"invalid kind", `[{"kind": "SPRINT", "duration_sec": 5}]`, "", 0, true},
		{"negative duration", `[{"kind": "WORK", "duration_sec": -5}]`, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs, err := ParseSequence([]byte(tt.input), tt.demoID)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %d segments", len(segs))
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSequence: %v", err)
			}
			if got := segment.TotalDuration(segs); got != tt.wantTotal {
				t.Errorf("total = %d, want %d", got, tt.wantTotal)
			}
		})
	}
}

func TestParseSequence_EmptyIsErrNoSegments(t *testing.T) {
	if _, err := ParseSequence([]byte(`{"segments": []}`), ""); !errors.Is(err, ErrNoSegments) {
		t.Errorf("error = %v, want ErrNoSegments", err)
	}
}

func TestLoadSequence_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workout.json")
	if err := os.WriteFile(path, []byte(testSequence), 0o644); err != nil {
		t.Fatal(err)
	}

	segs, err := LoadSequence(context.Background(), path, "")
	if err != nil {
		t.Fatalf("LoadSequence: %v", err)
	}
	if len(segs) != 2 || segs[0].MoveName() != "Burpees" {
		t.Errorf("unexpected segments: %+v", segs)
	}
}

func TestLoadSequence_URL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(testSequence))
	}))
	defer server.Close()

	segs, err := LoadSequence(context.Background(), server.URL+"/workout.json", "")
	if err != nil {
		t.Fatalf("LoadSequence: %v", err)
	}
	if len(segs) != 2 {
		t.Errorf("got %d segments, want 2", len(segs))
	}
}

func TestLoadSequence_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if _, err := LoadSequence(context.Background(), server.URL, ""); err == nil {
		t.Fatal("Expected error for HTTP 404, got nil")
	}
}

func TestLoadSequence_MissingFile(t *testing.T) {
	if _, err := LoadSequence(context.Background(), filepath.Join(t.TempDir(), "nope.json"), ""); err == nil {
		t.Fatal("Expected error for missing file, got nil")
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moves.json")
	data := `[
  {"video_id": "1", "title": "Jump Squats", "embed_url": "https://player.vimeo.com/video/1"},
  {"title": "Nothing to play"},
  {"video_id": "2", "title": "Push-up", "embed_url": "https://player.vimeo.com/video/2"}
]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	moves, err := LoadCatalog(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(moves) != 2 || moves[1].Title != "Push-up" {
		t.Errorf("unexpected catalog: %+v", moves)
	}
}

func TestEncodeBundle_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeBundle(&buf, demo.All(nil)); err != nil {
		t.Fatalf("EncodeBundle: %v", err)
	}

	segs, err := ParseSequence(buf.Bytes(), demo.OnlineQuick)
	if err != nil {
		t.Fatalf("ParseSequence: %v", err)
	}
	if segment.TotalDuration(segs) != 45 {
		t.Errorf("quick demo total = %d, want 45", segment.TotalDuration(segs))
	}
}

// TestTemplateStoreMissingIsEmpty checks first-run behavior.
func TestTemplateStoreMissingIsEmpty(t *testing.T) {
	store := NewTemplateStore(filepath.Join(t.TempDir(), "missing", "templates.json"))

	got, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("templates = %d, want 0", len(got))
	}
}

// TestTemplateStoreRoundTrip checks persisted template fidelity.
func TestTemplateStoreRoundTrip(t *testing.T) {
	store := NewTemplateStore(filepath.Join(t.TempDir(), "cfg", "templates.json"))
	segs, err := ParseSequence([]byte(testSequence), "")
	if err != nil {
		t.Fatal(err)
	}

	saved, err := store.Save("Leg day", segs)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := store.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Leg day" || segment.TotalDuration(got.Segments) != 60 {
		t.Errorf("template = %+v", got)
	}
	if got.Segments[0].Meta["stage_index"] != segs[0].Meta["stage_index"] {
		t.Errorf("meta number changed: %v", got.Segments[0].Meta["stage_index"])
	}

	if err := store.Delete(saved.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(saved.ID); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Get after delete error = %v, want ErrTemplateNotFound", err)
	}
	if err := store.Delete(saved.ID); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("second Delete error = %v, want ErrTemplateNotFound", err)
	}
}

func TestTemplateStoreSaveValidation(t *testing.T) {
	store := NewTemplateStore(filepath.Join(t.TempDir(), "templates.json"))

	if _, err := store.Save("", []segment.Segment{{Kind: segment.KindWork, DurationSec: 1}}); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := store.Save("x", nil); !errors.Is(err, ErrNoSegments) {
		t.Errorf("error = %v, want ErrNoSegments", err)
	}
}
