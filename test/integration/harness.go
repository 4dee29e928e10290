// Package integration provides integration testing utilities for hiitsim.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grafov/m3u8"
)

// TestHarness runs one hiitsim process for a test.
type TestHarness struct {
	t       *testing.T
	cmd     *exec.Cmd
	port    int
	tempDir string
	cancel  context.CancelFunc
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:       t,
		port:    findAvailablePort(t),
		tempDir: t.TempDir(),
	}
}

// WriteFile stores content in the harness temp directory and returns its path.
func (h *TestHarness) WriteFile(name, content string) string {
	h.t.Helper()

	path := filepath.Join(h.tempDir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// StartHiitSim launches the binary with args plus --port.
func (h *TestHarness) StartHiitSim(args ...string) {
	h.t.Helper()

	binaryPath := findBinary(h.t)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.cmd = exec.CommandContext(ctx, binaryPath,
		append([]string{"--port", fmt.Sprintf("%d", h.port)}, args...)...,
	)

	// Capture output for debugging
	h.cmd.Stdout = os.Stdout
	h.cmd.Stderr = os.Stderr

	if err := h.cmd.Start(); err != nil {
		h.t.Fatalf("failed to start hiitsim: %v", err)
	}

	waitForServer(h.t, h.URL("/health"), 10*time.Second)
	h.t.Logf("hiitsim started on port %d", h.port)
}

// URL returns the address of path on the running instance.
func (h *TestHarness) URL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", h.port, path)
}

// GetJSON fetches path and decodes the JSON body into v.
func (h *TestHarness) GetJSON(path string, v any) {
	h.t.Helper()

	status, err := getJSON(h.URL(path), v)
	if err != nil {
		h.t.Fatalf("GET %s: %v", path, err)
	}
	if status != http.StatusOK {
		h.t.Fatalf("GET %s: unexpected status code %d", path, status)
	}
}

// PostJSON posts body to path, decodes the response into v when non-nil and
// returns the status code.
func (h *TestHarness) PostJSON(path, body string, v any) int {
	h.t.Helper()

	status, err := postJSON(h.URL(path), body, v)
	if err != nil {
		h.t.Fatalf("POST %s: %v", path, err)
	}
	return status
}

// FetchPlaylist fetches and decodes an HLS media playlist.
func (h *TestHarness) FetchPlaylist(path string) *m3u8.MediaPlaylist {
	h.t.Helper()

	resp, err := http.Get(h.URL(path))
	if err != nil {
		h.t.Fatalf("failed to fetch playlist: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("unexpected status code: %d", resp.StatusCode)
	}

	p, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		h.t.Fatalf("failed to decode playlist: %v", err)
	}
	if listType != m3u8.MEDIA {
		h.t.Fatalf("expected a media playlist, got type %v", listType)
	}
	return p.(*m3u8.MediaPlaylist)
}

// State returns the current session view.
func (h *TestHarness) State() SessionView {
	h.t.Helper()

	var v SessionView
	h.GetJSON("/state", &v)
	return v
}

// Cleanup stops the hiitsim process.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.cmd != nil && h.cmd.Process != nil {
		h.cmd.Process.Kill()
		h.cmd.Wait()
	}
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()
	waitFor(h.t, condition, timeout, description)
}

// SessionView mirrors the /state response.
type SessionView struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Length   int    `json:"length"`
	Capped   bool   `json:"capped"`
	Note     string `json:"note"`
	Epoch    uint64 `json:"epoch"`
	Snapshot struct {
		Elapsed   float64 `json:"elapsed"`
		Total     float64 `json:"total"`
		Index     int     `json:"index"`
		Remaining float64 `json:"remaining"`
	} `json:"snapshot"`
}

func getJSON(url string, v any) (int, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, v)
}

func postJSON(url, body string, v any) (int, error) {
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, v)
}

func decodeResponse(resp *http.Response, v any) (int, error) {
	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// findBinary locates the hiitsim binary.
func findBinary(t *testing.T) string {
	t.Helper()

	// Try several possible locations
	candidates := []string{
		"../../hiitsim",         // From test/integration
		"./hiitsim",             // From project root
		"../hiitsim",            // From test directory
		"./cmd/hiitsim/hiitsim", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			t.Logf("Found hiitsim binary at: %s", absPath)
			return absPath
		}
	}

	t.Fatal("hiitsim binary not found. Run 'go build -o hiitsim ./cmd/hiitsim' first")
	return ""
}

// waitForServer waits for a server to become available.
func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

func waitFor(t *testing.T, condition func() bool, timeout time.Duration, description string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// cueCount counts playlist entries whose URI names cue.
func cueCount(p *m3u8.MediaPlaylist, cue string) int {
	n := 0
	for _, seg := range p.Segments {
		if seg != nil && strings.Contains(seg.URI, "cue/"+cue+"/") {
			n++
		}
	}
	return n
}
