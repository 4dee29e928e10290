package cluster

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"time"
)

// ErrInvalidConfig wraps every error returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid cluster config")

// Config describes one node of a group of hiitsim instances that play the
// same workout in lockstep.
type Config struct {
	// RaftID names this node in the log; it must be unique in the group.
	RaftID string
	// BindAddr is the host:port this node replicates sequence and
	// transport changes on. It must appear in Peers.
	BindAddr string
	// Peers lists the replication address of every node, this one included.
	// The list bootstraps the group and must be identical on each node.
	Peers []string

	// Zero durations take the defaults set by Validate.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration

	// Snapshots carry the current sequence and the playback anchor, so a
	// restarted node resumes the workout without replaying every control.
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64

	// Verbose routes Raft's internal logging to the process logger.
	Verbose bool
}

// Validate checks the addresses, removes duplicate peers and fills in
// defaults.
func (c *Config) Validate() error {
	if c.RaftID == "" {
		return fmt.Errorf("%w: raft-id is required", ErrInvalidConfig)
	}
	if c.BindAddr == "" {
		return fmt.Errorf("%w: raft-bind is required", ErrInvalidConfig)
	}
	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		return fmt.Errorf("%w: raft-bind %q: %v", ErrInvalidConfig, c.BindAddr, err)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("%w: at least one peer is required", ErrInvalidConfig)
	}

	peers := make([]string, 0, len(c.Peers))
	for i, peer := range c.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("%w: peer %d %q: %v", ErrInvalidConfig, i, peer, err)
		}
		if !slices.Contains(peers, peer) {
			peers = append(peers, peer)
		}
	}
	if !slices.Contains(peers, c.BindAddr) {
		return fmt.Errorf("%w: raft-bind %s is not in the peer list", ErrInvalidConfig, c.BindAddr)
	}
	c.Peers = peers

	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = time.Second
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = time.Second
	}
	if c.ElectionTimeout < c.HeartbeatTimeout {
		return fmt.Errorf("%w: election timeout %v is shorter than heartbeat timeout %v",
			ErrInvalidConfig, c.ElectionTimeout, c.HeartbeatTimeout)
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 2 * time.Minute
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 1024
	}

	return nil
}
