// Package cluster holds the replicated membership registry, the raft node
// hosting it and the reboot tracker that turns membership changes into
// peer-failure notifications.
package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// LogCommand defines the structure of commands applied to the FSM via Raft.
type LogCommand struct {
	Op    string `json:"op"`    // Operation type, one of the Op* constants
	Key   string `json:"key"`   // Server ID
	Value string `json:"value"` // JSON ServerInfo for register, status for update
}

// Operation types for the FSM
const (
	OpRegisterServer     = "register_server"
	OpRemoveServer       = "remove_server"
	OpUpdateServerStatus = "update_server_status"
)

// Role is the part a server plays in the cluster.
type Role string

const (
	RoleSingle      Role = "single"
	RoleCoordinator Role = "coordinator"
	RoleDBServer    Role = "dbserver"
)

// ServerStatus is the health of a registered server.
type ServerStatus string

const (
	StatusHealthy ServerStatus = "healthy"
	StatusFailed  ServerStatus = "failed"
)

// ServerInfo is the replicated record of one server.
type ServerInfo struct {
	ID          string       `json:"id"`
	Address     string       `json:"address"`   // gRPC address used for fan-out
	RaftAddress string       `json:"raft_addr"` // raft transport address
	Role        Role         `json:"role"`
	RebootID    uint64       `json:"reboot_id"`
	Status      ServerStatus `json:"status"`
	LastUpdated time.Time    `json:"last_updated"`
}

// EncodeCommand builds the raft payload for op. value is marshalled to JSON
// unless it is already a string.
func EncodeCommand(op, key string, value interface{}) ([]byte, error) {
	cmd := LogCommand{Op: op, Key: key}
	switch v := value.(type) {
	case nil:
	case string:
		cmd.Value = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", op, err)
		}
		cmd.Value = string(b)
	}
	return json.Marshal(cmd)
}

// MembershipFSM implements the raft.FSM interface.
// It holds the replicated server registry and bumps a server's reboot id each
// time it registers.
type MembershipFSM struct {
	mu               sync.RWMutex
	servers          map[string]ServerInfo
	lastAppliedIndex uint64

	listener HealthListener
	logger   *zap.Logger
}

// NewMembershipFSM creates an empty registry. listener may be nil.
func NewMembershipFSM(listener HealthListener, logger *zap.Logger) *MembershipFSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MembershipFSM{
		servers:  make(map[string]ServerInfo),
		listener: listener,
		logger:   logger.Named("membership"),
	}
}

// Apply applies a Raft log entry to the FSM.
// Register returns the stored ServerInfo; failures are returned as errors.
func (f *MembershipFSM) Apply(logEntry *raft.Log) interface{} {
	var cmd LogCommand
	if err := json.Unmarshal(logEntry.Data, &cmd); err != nil {
		f.logger.Error("failed to unmarshal raft log entry", zap.Uint64("index", logEntry.Index), zap.Error(err))
		return fmt.Errorf("invalid membership command: %w", err)
	}

	f.mu.Lock()
	f.lastAppliedIndex = logEntry.Index
	var result interface{}
	switch cmd.Op {
	case OpRegisterServer:
		var info ServerInfo
		if err := json.Unmarshal([]byte(cmd.Value), &info); err != nil {
			result = fmt.Errorf("invalid ServerInfo format for %s: %w", OpRegisterServer, err)
			break
		}
		info.ID = cmd.Key
		info.RebootID = 1
		if prev, ok := f.servers[cmd.Key]; ok {
			info.RebootID = prev.RebootID + 1
		}
		info.Status = StatusHealthy
		info.LastUpdated = logEntry.AppendedAt
		f.servers[cmd.Key] = info
		result = info
	case OpRemoveServer:
		delete(f.servers, cmd.Key)
	case OpUpdateServerStatus:
		existing, ok := f.servers[cmd.Key]
		if !ok {
			result = fmt.Errorf("server %s not found for status update", cmd.Key)
			break
		}
		existing.Status = ServerStatus(cmd.Value)
		existing.LastUpdated = logEntry.AppendedAt
		f.servers[cmd.Key] = existing
	default:
		result = fmt.Errorf("unknown FSM command operation: %s", cmd.Op)
	}
	health := f.healthLocked()
	f.mu.Unlock()

	if _, failed := result.(error); !failed && f.listener != nil {
		f.listener.UpdateServerState(health)
	}
	return result
}

func (f *MembershipFSM) healthLocked() map[string]ServerHealth {
	health := make(map[string]ServerHealth, len(f.servers))
	for id, info := range f.servers {
		health[id] = ServerHealth{RebootID: info.RebootID, Failed: info.Status == StatusFailed}
	}
	return health
}

// Snapshot returns a snapshot of the FSM's state.
func (f *MembershipFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	serversCopy := make(map[string]ServerInfo, len(f.servers))
	for k, v := range f.servers {
		serversCopy[k] = v
	}
	f.logger.Debug("membership snapshot created", zap.Uint64("index", f.lastAppliedIndex))
	return &membershipSnapshot{servers: serversCopy}, nil
}

// Restore restores the FSM's state from a snapshot.
func (f *MembershipFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshotData struct {
		Servers map[string]ServerInfo `json:"servers"`
	}
	if err := json.NewDecoder(rc).Decode(&snapshotData); err != nil {
		return fmt.Errorf("failed to decode FSM snapshot: %w", err)
	}
	if snapshotData.Servers == nil {
		snapshotData.Servers = make(map[string]ServerInfo)
	}

	f.mu.Lock()
	f.servers = snapshotData.Servers
	health := f.healthLocked()
	f.mu.Unlock()

	if f.listener != nil {
		f.listener.UpdateServerState(health)
	}
	f.logger.Info("membership state restored from snapshot", zap.Int("servers", len(snapshotData.Servers)))
	return nil
}

// Server returns the registry entry for id.
func (f *MembershipFSM) Server(id string) (ServerInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info, ok := f.servers[id]
	return info, ok
}

// Servers returns the registered servers with the given role, sorted by ID.
// An empty role returns every server.
func (f *MembershipFSM) Servers(role Role) []ServerInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]ServerInfo, 0, len(f.servers))
	for _, info := range f.servers {
		if role == "" || info.Role == role {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// membershipSnapshot implements the raft.FSMSnapshot interface.
type membershipSnapshot struct {
	servers map[string]ServerInfo
}

// Persist writes the snapshot to the given sink.
func (s *membershipSnapshot) Persist(sink raft.SnapshotSink) error {
	snapshotData := struct {
		Servers map[string]ServerInfo `json:"servers"`
	}{Servers: s.servers}

	bytes, err := json.Marshal(snapshotData)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to marshal FSM snapshot: %w", err)
	}
	if _, err := sink.Write(bytes); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write FSM snapshot to sink: %w", err)
	}
	return sink.Close()
}

// Release is called when the snapshot is no longer needed.
func (s *membershipSnapshot) Release() {}
