package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agleyzer/hiitsim/internal/segment"
)

// ErrTemplateNotFound is returned for unknown template ids.
var ErrTemplateNotFound = errors.New("template not found")

// Template is a saved, named sequence.
type Template struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"created_at"`
	Segments  []segment.Segment `json:"segments"`
}

// TemplateStore persists templates in a single JSON file on disk.
type TemplateStore struct {
	mu   sync.Mutex
	path string
}

// NewTemplateStore creates a JSON-backed template store.
func NewTemplateStore(path string) *TemplateStore {
	return &TemplateStore{path: path}
}

// List returns every template, oldest first. A missing file is an empty
// store.
func (s *TemplateStore) List() ([]Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Get returns the template with id.
func (s *TemplateStore) Get(id string) (Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return Template{}, err
	}
	for _, t := range all {
		if t.ID == id {
			return t, nil
		}
	}
	return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
}

// Save stores segments under name and returns the new template.
func (s *TemplateStore) Save(name string, segments []segment.Segment) (Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Template{}, fmt.Errorf("template name is required")
	}
	if len(segments) == 0 {
		return Template{}, ErrNoSegments
	}
	if err := segment.ValidateAll(segments); err != nil {
		return Template{}, fmt.Errorf("save template: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return Template{}, err
	}

	t := Template{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Segments:  segment.Clone(segments),
	}
	if err := s.write(append(all, t)); err != nil {
		return Template{}, err
	}
	return t, nil
}

// Delete removes the template with id.
func (s *TemplateStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}

	i := slices.IndexFunc(all, func(t Template) bool { return t.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return s.write(slices.Delete(all, i, i+1))
}

func (s *TemplateStore) load() ([]Template, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Template{}, nil
		}
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var all []Template
	if err := dec.Decode(&all); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	return all, nil
}

// write saves templates as indented JSON and creates parent directories.
func (s *TemplateStore) write(all []Template) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0o644)
}
