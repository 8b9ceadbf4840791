package raftlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

var ErrNotLeader = errors.New("not the raft leader")

// Config defines one Raft node runtime.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration
	LogOutput      io.Writer
}

// Node replicates the formation timer table through Raft.
type Node struct {
	id           string
	applyTimeout time.Duration

	raft      *raft.Raft
	transport *raft.NetworkTransport
	stores    []*raftboltdb.BoltStore
	table     *Table
}

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.NodeID == "" {
		return c, errors.New("node_id is required")
	}
	if c.RaftAddr == "" {
		return c, errors.New("raft_addr is required")
	}
	if c.DataDir == "" {
		return c, errors.New("data_dir is required")
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.LogOutput == nil {
		c.LogOutput = os.Stderr
	}
	return c, nil
}

// NewNode opens the bolt log and starts Raft. A bootstrap node with no prior
// state forms a single-voter cluster on its own transport address.
func NewNode(cfg Config) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	table := NewTable()
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, err
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		_ = logStore.Close()
		return nil, err
	}
	n := &Node{
		id:           cfg.NodeID,
		applyTimeout: cfg.ApplyTimeout,
		stores:       []*raftboltdb.BoltStore{logStore, stableStore},
		table:        table,
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, cfg.LogOutput)
	if err != nil {
		n.closeStores()
		return nil, err
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, nil, 3, 10*time.Second, cfg.LogOutput)
	if err != nil {
		n.closeStores()
		return nil, err
	}
	n.transport = transport

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.LogOutput = cfg.LogOutput
	r, err := raft.NewRaft(raftCfg, &fsm{table: table}, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		_ = transport.Close()
		n.closeStores()
		return nil, err
	}
	n.raft = r

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			_ = n.Shutdown()
			return nil, err
		}
		if !hasState {
			future := r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
				ID:      raft.ServerID(cfg.NodeID),
				Address: transport.LocalAddr(),
			}}})
			if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
				_ = n.Shutdown()
				return nil, err
			}
		}
	}
	return n, nil
}

// Apply replicates one command and returns the FSM's verdict.
func (n *Node) Apply(ctx context.Context, cmd Command) error {
	if n.raft.State() != raft.Leader {
		return fmt.Errorf("%w: leader is %q", ErrNotLeader, n.LeaderAddr())
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	timeout := n.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return err
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return applyErr
	}
	return nil
}

// AddVoter joins a replica to the cluster.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	nodeID = strings.TrimSpace(nodeID)
	raftAddr = strings.TrimSpace(raftAddr)
	if nodeID == "" || raftAddr == "" {
		return errors.New("node_id and raft_addr are required")
	}
	if !n.IsLeader() {
		return ErrNotLeader
	}
	return n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, raftTimeout(ctx)).Error()
}

// WaitForLeader waits until any leader is elected.
func (n *Node) WaitForLeader(ctx context.Context, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if leader := n.LeaderAddr(); leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Snapshot forces a snapshot of the timer table.
func (n *Node) Snapshot() error {
	return n.raft.Snapshot().Error()
}

func (n *Node) ID() string         { return n.id }
func (n *Node) RaftAddr() string   { return string(n.transport.LocalAddr()) }
func (n *Node) Table() *Table      { return n.table }
func (n *Node) IsLeader() bool     { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string { return strings.TrimSpace(string(n.raft.Leader())) }
func (n *Node) State() string      { return n.raft.State().String() }

// Shutdown stops Raft, the transport and the bolt stores.
func (n *Node) Shutdown() error {
	var shutdownErr error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			shutdownErr = err
		}
	}
	if n.transport != nil {
		_ = n.transport.Close()
	}
	n.closeStores()
	return shutdownErr
}

func (n *Node) closeStores() {
	for _, s := range n.stores {
		_ = s.Close()
	}
	n.stores = nil
}

func raftTimeout(ctx context.Context) time.Duration {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// fsm applies committed log entries to the timer table.
type fsm struct {
	table *Table
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if err := f.table.Apply(cmd); err != nil {
		return err
	}
	return nil
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.table.Marshal()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return f.table.Unmarshal(data)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
