package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

const (
	DefaultSnapshotRetain   = 2
	DefaultTransportTimeout = 10 * time.Second
	DefaultTransportMaxPool = 3
	DefaultApplyTimeout     = 5 * time.Second
)

// ErrNotLeader is returned by Apply on a node that is not the raft leader.
var ErrNotLeader = errors.New("not the membership leader")

// RaftConfig configures the raft instance that replicates membership.
type RaftConfig struct {
	BindAddr         string        `yaml:"bind_addr"`
	DataDir          string        `yaml:"data_dir"`
	Bootstrap        bool          `yaml:"bootstrap"`
	SnapshotRetain   int           `yaml:"snapshot_retain"`
	TransportTimeout time.Duration `yaml:"transport_timeout"`
	TransportMaxPool int           `yaml:"transport_max_pool"`
}

// RaftNode hosts a MembershipFSM on a raft group backed by bolt storage.
type RaftNode struct {
	id        string
	raft      *raft.Raft
	fsm       *MembershipFSM
	transport *raft.NetworkTransport
	store     *raftboltdb.BoltStore
	observer  *raft.Observer
	obsCh     chan raft.Observation
	logger    *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRaftNode starts raft for node id. With cfg.Bootstrap the node forms a
// single-voter cluster; otherwise it waits to be added by an existing leader.
func NewRaftNode(id string, cfg RaftConfig, fsm *MembershipFSM, logger *zap.Logger) (*RaftNode, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("raft")
	if cfg.SnapshotRetain <= 0 {
		cfg.SnapshotRetain = DefaultSnapshotRetain
	}
	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = DefaultTransportTimeout
	}
	if cfg.TransportMaxPool <= 0 {
		cfg.TransportMaxPool = DefaultTransportMaxPool
	}

	raftLogger := NewZapRaftLogger(logger)
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(id)
	config.Logger = raftLogger

	raftDataPath := filepath.Join(cfg.DataDir, id, "raft_meta")
	if err := os.MkdirAll(raftDataPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create Raft data directory %s: %w", raftDataPath, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raft address %s: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, addr, cfg.TransportMaxPool, cfg.TransportTimeout, raftLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft TCP transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(raftDataPath, cfg.SnapshotRetain, raftLogger)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create snapshot store at %s: %w", raftDataPath, err)
	}

	boltDBPath := filepath.Join(raftDataPath, "raft.db")
	store, err := raftboltdb.NewBoltStore(boltDBPath)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create bolt store at %s: %w", boltDBPath, err)
	}

	r, err := raft.NewRaft(config, fsm, store, store, snapshots, transport)
	if err != nil {
		store.Close()
		transport.Close()
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	n := &RaftNode{
		id:        id,
		raft:      r,
		fsm:       fsm,
		transport: transport,
		store:     store,
		logger:    logger,
		obsCh:     make(chan raft.Observation, 64),
		stopCh:    make(chan struct{}),
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(store, store, snapshots)
		if err != nil {
			n.Shutdown()
			return nil, fmt.Errorf("failed to inspect raft state: %w", err)
		}
		if !hasState {
			logger.Info("bootstrapping membership raft cluster", zap.String("node_id", id))
			configuration := raft.Configuration{
				Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
			}
			if err := r.BootstrapCluster(configuration).Error(); err != nil {
				n.Shutdown()
				return nil, fmt.Errorf("failed to bootstrap raft cluster: %w", err)
			}
		}
	}

	n.observer = raft.NewObserver(n.obsCh, false, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.FailedHeartbeatObservation, raft.PeerObservation:
			return true
		}
		return false
	})
	r.RegisterObserver(n.observer)
	n.wg.Add(1)
	go n.watchPeers()

	return n, nil
}

// IsLeader reports whether this node currently leads the raft group.
func (n *RaftNode) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderID returns the server id of the current leader, or "" if unknown.
func (n *RaftNode) LeaderID() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

// WaitForLeader blocks until some leader is known or ctx ends.
func (n *RaftNode) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n.LeaderID() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Apply replicates cmd. Only the leader may apply.
func (n *RaftNode) Apply(cmd []byte) (interface{}, error) {
	if !n.IsLeader() {
		return nil, ErrNotLeader
	}
	future := n.raft.Apply(cmd, DefaultApplyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return nil, ErrNotLeader
		}
		return nil, fmt.Errorf("raft apply failed: %w", err)
	}
	if err, ok := future.Response().(error); ok {
		return nil, err
	}
	return future.Response(), nil
}

// AddVoter adds a server to the raft configuration. Leader only.
func (n *RaftNode) AddVoter(id, raftAddr string) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}
	f := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(raftAddr), 0, DefaultApplyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("failed to add voter %s at %s: %w", id, raftAddr, err)
	}
	n.logger.Info("added raft voter", zap.String("server_id", id), zap.String("raft_addr", raftAddr))
	return nil
}

// Register admits info into the cluster: it makes the server a raft voter
// when it brings a raft address and records a new incarnation for it.
// Leader only.
func (n *RaftNode) Register(info ServerInfo) (ServerInfo, error) {
	if !n.IsLeader() {
		return ServerInfo{}, ErrNotLeader
	}
	if info.RaftAddress != "" && info.ID != n.id {
		if err := n.AddVoter(info.ID, info.RaftAddress); err != nil {
			return ServerInfo{}, err
		}
	}
	cmd, err := EncodeCommand(OpRegisterServer, info.ID, info)
	if err != nil {
		return ServerInfo{}, err
	}
	res, err := n.Apply(cmd)
	if err != nil {
		return ServerInfo{}, err
	}
	registered, ok := res.(ServerInfo)
	if !ok {
		return ServerInfo{}, fmt.Errorf("unexpected register response %T", res)
	}
	n.logger.Info("registered server",
		zap.String("server_id", registered.ID), zap.Uint64("reboot_id", registered.RebootID))
	return registered, nil
}

// FSM returns the membership registry hosted by this node.
func (n *RaftNode) FSM() *MembershipFSM { return n.fsm }

// watchPeers turns raft observations into membership commands on the leader.
func (n *RaftNode) watchPeers() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case o := <-n.obsCh:
			if !n.IsLeader() {
				continue
			}
			switch d := o.Data.(type) {
			case raft.FailedHeartbeatObservation:
				n.markFailed(string(d.PeerID), d.LastContact)
			case raft.PeerObservation:
				if d.Removed {
					n.applyQuietly(OpRemoveServer, string(d.Peer.ID), nil)
				}
			}
		}
	}
}

func (n *RaftNode) markFailed(id string, lastContact time.Time) {
	info, ok := n.fsm.Server(id)
	if !ok || info.Status == StatusFailed {
		return
	}
	n.logger.Warn("peer stopped answering heartbeats, marking failed",
		zap.String("server_id", id), zap.Time("last_contact", lastContact))
	n.applyQuietly(OpUpdateServerStatus, id, string(StatusFailed))
}

func (n *RaftNode) applyQuietly(op, key string, value interface{}) {
	cmd, err := EncodeCommand(op, key, value)
	if err != nil {
		n.logger.Error("failed to encode membership command", zap.String("op", op), zap.Error(err))
		return
	}
	if _, err := n.Apply(cmd); err != nil {
		n.logger.Warn("membership command failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
	}
}

// Shutdown stops raft and closes its storage.
func (n *RaftNode) Shutdown() error {
	select {
	case <-n.stopCh:
		return nil
	default:
		close(n.stopCh)
	}
	n.wg.Wait()
	if n.observer != nil {
		n.raft.DeregisterObserver(n.observer)
	}
	var errs []error
	if err := n.raft.Shutdown().Error(); err != nil {
		errs = append(errs, fmt.Errorf("raft shutdown: %w", err))
	}
	if err := n.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("raft transport close: %w", err))
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bolt store close: %w", err))
	}
	return errors.Join(errs...)
}
