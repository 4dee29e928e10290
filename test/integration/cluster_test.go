package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/exec"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"
)

// ClusterTestHarness manages a multi-instance cluster for integration tests.
type ClusterTestHarness struct {
	t         *testing.T
	binary    string
	instances []*ClusterInstance
}

// ClusterInstance represents a single hiitsim instance in the cluster.
type ClusterInstance struct {
	ID       string
	HTTPPort int
	RaftPort int
	Cmd      *exec.Cmd
	Cancel   context.CancelFunc
}

// URL returns the address of path on the instance.
func (inst *ClusterInstance) URL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", inst.HTTPPort, path)
}

// NewClusterTestHarness creates a new cluster test harness.
func NewClusterTestHarness(t *testing.T, nodeCount int) *ClusterTestHarness {
	t.Helper()

	if nodeCount < 1 {
		t.Fatal("nodeCount must be at least 1")
	}

	return &ClusterTestHarness{
		t:         t,
		binary:    findBinary(t),
		instances: make([]*ClusterInstance, 0, nodeCount),
	}
}

// StartCluster starts nodeCount nodes that all play demoID.
func (h *ClusterTestHarness) StartCluster(nodeCount int, demoID string) error {
	h.t.Helper()

	// Allocate ports for all nodes
	httpPorts := make([]int, nodeCount)
	raftPorts := make([]int, nodeCount)
	peerAddrs := make([]string, nodeCount)

	for i := 0; i < nodeCount; i++ {
		httpPorts[i] = findAvailablePort(h.t)
		raftPorts[i] = findAvailablePort(h.t)
		peerAddrs[i] = fmt.Sprintf("127.0.0.1:%d", raftPorts[i])
	}

	peersStr := strings.Join(peerAddrs, ",")

	// Start each node
	for i := 0; i < nodeCount; i++ {
		nodeID := fmt.Sprintf("node%d", i+1)

		ctx, cancel := context.WithCancel(context.Background())

		cmd := exec.CommandContext(ctx, h.binary,
			"--cluster",
			"--raft-id", nodeID,
			"--raft-bind", peerAddrs[i],
			"--peers", peersStr,
			"--port", strconv.Itoa(httpPorts[i]),
			"--demo", demoID,
		)

		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			cancel()
			return fmt.Errorf("failed to start node %s: %w", nodeID, err)
		}

		h.instances = append(h.instances, &ClusterInstance{
			ID:       nodeID,
			HTTPPort: httpPorts[i],
			RaftPort: raftPorts[i],
			Cmd:      cmd,
			Cancel:   cancel,
		})
		h.t.Logf("Started node %s (HTTP: %d, Raft: %d)", nodeID, httpPorts[i], raftPorts[i])
	}

	// The HTTP server only comes up once a leader is known
	for _, inst := range h.instances {
		waitForServer(h.t, inst.URL("/health"), 30*time.Second)
	}

	if err := h.WaitForLeader(10 * time.Second); err != nil {
		return fmt.Errorf("leader election failed: %w", err)
	}

	h.t.Logf("Cluster started with %d nodes", nodeCount)
	return nil
}

// WaitForLeader waits until a leader is elected.
func (h *ClusterTestHarness) WaitForLeader(timeout time.Duration) error {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		<-ticker.C

		if leader, err := h.GetLeader(); err == nil {
			h.t.Logf("Leader elected: %s", leader.ID)
			return nil
		}
	}

	return fmt.Errorf("leader election timeout after %v", timeout)
}

// GetLeader returns the leader instance.
func (h *ClusterTestHarness) GetLeader() (*ClusterInstance, error) {
	h.t.Helper()

	for _, inst := range h.running() {
		status, err := h.GetClusterStatus(inst)
		if err != nil {
			continue
		}

		if isLeader, ok := status["is_leader"].(bool); ok && isLeader {
			return inst, nil
		}
	}

	return nil, fmt.Errorf("no leader found")
}

// GetFollower returns any running instance that is not the leader.
func (h *ClusterTestHarness) GetFollower() (*ClusterInstance, error) {
	leader, err := h.GetLeader()
	if err != nil {
		return nil, err
	}
	for _, inst := range h.running() {
		if inst != leader {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("no follower found")
}

// GetClusterStatus fetches cluster status from an instance.
func (h *ClusterTestHarness) GetClusterStatus(inst *ClusterInstance) (map[string]any, error) {
	var status map[string]any
	code, err := getJSON(inst.URL("/cluster/status"), &status)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", code)
	}
	return status, nil
}

// State fetches the session view of an instance.
func (h *ClusterTestHarness) State(inst *ClusterInstance) (SessionView, error) {
	var v SessionView
	code, err := getJSON(inst.URL("/state"), &v)
	if err != nil {
		return v, err
	}
	if code != http.StatusOK {
		return v, fmt.Errorf("unexpected status code: %d", code)
	}
	return v, nil
}

// WaitForAll polls every running instance until cond holds on each.
func (h *ClusterTestHarness) WaitForAll(cond func(SessionView) bool, timeout time.Duration, description string) {
	h.t.Helper()

	waitFor(h.t, func() bool {
		for _, inst := range h.running() {
			v, err := h.State(inst)
			if err != nil || !cond(v) {
				return false
			}
		}
		return true
	}, timeout, description)
}

// VerifySequenceConsistency verifies all instances hold identical sequences.
func (h *ClusterTestHarness) VerifySequenceConsistency() error {
	h.t.Helper()

	nodes := h.running()
	if len(nodes) == 0 {
		return fmt.Errorf("no instances running")
	}

	var first json.RawMessage
	for i, inst := range nodes {
		var body struct {
			Segments json.RawMessage `json:"segments"`
		}
		if _, err := getJSON(inst.URL("/segments"), &body); err != nil {
			return fmt.Errorf("failed to fetch from %s: %w", inst.ID, err)
		}
		if i == 0 {
			first = body.Segments
			continue
		}

		var a, b any
		json.Unmarshal(first, &a)
		json.Unmarshal(body.Segments, &b)
		if !reflect.DeepEqual(a, b) {
			return fmt.Errorf("sequence mismatch between %s and %s", nodes[0].ID, inst.ID)
		}
	}

	return nil
}

// StopInstance stops a specific instance.
func (h *ClusterTestHarness) StopInstance(inst *ClusterInstance) error {
	h.t.Helper()

	inst.Cancel()
	if err := inst.Cmd.Wait(); err != nil {
		// Ignore error if process was killed
		if !strings.Contains(err.Error(), "signal: killed") {
			return err
		}
	}
	inst.Cmd = nil

	h.t.Logf("Stopped node %s", inst.ID)
	return nil
}

func (h *ClusterTestHarness) running() []*ClusterInstance {
	var out []*ClusterInstance
	for _, inst := range h.instances {
		if inst.Cmd != nil {
			out = append(out, inst)
		}
	}
	return out
}

// Cleanup stops all instances.
func (h *ClusterTestHarness) Cleanup() {
	h.t.Helper()

	for _, inst := range h.running() {
		inst.Cancel()
		_ = inst.Cmd.Wait() // Ignore errors during cleanup
	}
}

// TestThreeNodeCluster checks that transport controls issued on the leader
// drive every node.
func TestThreeNodeCluster(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster integration test in short mode")
	}

	harness := NewClusterTestHarness(t, 3)
	defer harness.Cleanup()

	if err := harness.StartCluster(3, "online_quick"); err != nil {
		t.Fatalf("failed to start cluster: %v", err)
	}

	// Followers get the leader's sequence from the log
	harness.WaitForAll(func(v SessionView) bool { return v.Length == 5 }, 10*time.Second, "sequence on every node")
	if err := harness.VerifySequenceConsistency(); err != nil {
		t.Fatalf("sequence consistency check failed: %v", err)
	}

	leader, err := harness.GetLeader()
	if err != nil {
		t.Fatalf("failed to get leader: %v", err)
	}
	follower, err := harness.GetFollower()
	if err != nil {
		t.Fatalf("failed to get follower: %v", err)
	}

	// Followers refuse controls and name the leader
	var refusal map[string]any
	code, err := postJSON(follower.URL("/control/start"), "", &refusal)
	if err != nil {
		t.Fatalf("control on follower: %v", err)
	}
	if code != http.StatusConflict {
		t.Errorf("expected 409 from follower, got %d", code)
	}
	if addr, _ := refusal["leader"].(string); addr == "" {
		t.Error("follower refusal has no leader address")
	}

	if code, err := postJSON(leader.URL("/control/start"), "", nil); err != nil || code != http.StatusOK {
		t.Fatalf("start on leader: code %d, err %v", code, err)
	}
	harness.WaitForAll(func(v SessionView) bool { return v.State == "running" }, 5*time.Second, "every node running")

	time.Sleep(2 * time.Second)

	if code, err := postJSON(leader.URL("/control/pause"), "", nil); err != nil || code != http.StatusOK {
		t.Fatalf("pause on leader: code %d, err %v", code, err)
	}
	harness.WaitForAll(func(v SessionView) bool { return v.State == "paused" }, 5*time.Second, "every node paused")

	ref, err := harness.State(leader)
	if err != nil {
		t.Fatalf("leader state: %v", err)
	}
	for _, inst := range harness.running() {
		v, err := harness.State(inst)
		if err != nil {
			t.Fatalf("state of %s: %v", inst.ID, err)
		}
		if math.Abs(v.Snapshot.Elapsed-ref.Snapshot.Elapsed) > 1 {
			t.Errorf("%s paused at %.2fs, leader at %.2fs", inst.ID, v.Snapshot.Elapsed, ref.Snapshot.Elapsed)
		}
	}

	t.Log("Cluster test passed")
}

// TestLeaderElection tests leader election after leader failure.
func TestLeaderElection(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster integration test in short mode")
	}

	harness := NewClusterTestHarness(t, 3)
	defer harness.Cleanup()

	if err := harness.StartCluster(3, "online_quick"); err != nil {
		t.Fatalf("failed to start cluster: %v", err)
	}
	harness.WaitForAll(func(v SessionView) bool { return v.Length == 5 }, 10*time.Second, "sequence on every node")

	// Get initial leader
	leader, err := harness.GetLeader()
	if err != nil {
		t.Fatalf("failed to get leader: %v", err)
	}
	t.Logf("Initial leader is %s", leader.ID)

	// Stop the leader
	t.Logf("Stopping leader %s", leader.ID)
	if err := harness.StopInstance(leader); err != nil {
		t.Fatalf("failed to stop leader: %v", err)
	}

	// Wait for new leader election
	if err := harness.WaitForLeader(15 * time.Second); err != nil {
		t.Fatalf("new leader election failed: %v", err)
	}

	newLeader, err := harness.GetLeader()
	if err != nil {
		t.Fatalf("failed to get new leader: %v", err)
	}
	t.Logf("New leader is %s", newLeader.ID)

	if newLeader.ID == leader.ID {
		t.Fatal("new leader is the same as old leader")
	}

	// The surviving nodes keep the sequence and accept controls from the new leader
	if err := harness.VerifySequenceConsistency(); err != nil {
		t.Fatalf("sequence inconsistency after leader election: %v", err)
	}
	if code, err := postJSON(newLeader.URL("/control/start"), "", nil); err != nil || code != http.StatusOK {
		t.Fatalf("start on new leader: code %d, err %v", code, err)
	}
	harness.WaitForAll(func(v SessionView) bool { return v.State == "running" }, 5*time.Second, "surviving nodes running")

	t.Log("Leader election test passed")
}
