package segment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Decode reads a JSON array of segments and validates it. Numbers inside
// meta are kept as json.Number so they re-encode byte for byte.
func Decode(r io.Reader) ([]Segment, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var segments []Segment
	if err := dec.Decode(&segments); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	if err := ValidateAll(segments); err != nil {
		return nil, err
	}
	return segments, nil
}

// Unmarshal is Decode over a byte slice.
func Unmarshal(data []byte) ([]Segment, error) {
	return Decode(bytes.NewReader(data))
}

// Marshal encodes a sequence in the persisted {kind, duration_sec, meta} shape.
func Marshal(segments []Segment) ([]byte, error) {
	if segments == nil {
		segments = []Segment{}
	}
	data, err := json.Marshal(segments)
	if err != nil {
		return nil, fmt.Errorf("encode segments: %w", err)
	}
	return data, nil
}
