// Package config loads the YAML configuration of a gojotxn server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotxn/config/certs"
	"github.com/sushant-115/gojotxn/core/cluster"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

// Config is the whole server configuration.
type Config struct {
	// NodeID names this server in the cluster. A random id is used when empty.
	NodeID string `yaml:"node_id"`
	// GRPCAddr is the listen address of the transaction service.
	GRPCAddr string `yaml:"grpc_addr"`
	// AdvertiseAddr is the address peers use to reach GRPCAddr.
	AdvertiseAddr string `yaml:"advertise_addr"`
	// Join lists transaction service addresses of existing members. Empty
	// means this server bootstraps its own membership group.
	Join []string `yaml:"join"`
	// Collections are created in the storage engine at startup.
	Collections []string `yaml:"collections"`
	// MaxConnsPerPeer bounds the pooled gRPC connections per peer.
	MaxConnsPerPeer int `yaml:"max_conns_per_peer"`

	Transaction transaction.Config `yaml:"transaction"`
	Raft        cluster.RaftConfig `yaml:"raft"`
	Logger      logger.Config      `yaml:"logger"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
	TLS         certs.Config       `yaml:"tls"`
}

// Default returns the configuration of a single development server.
func Default() Config {
	return Config{
		GRPCAddr:        "127.0.0.1:7420",
		MaxConnsPerPeer: 2,
		Transaction:     transaction.DefaultConfig(),
		Raft: cluster.RaftConfig{
			BindAddr: "127.0.0.1:7421",
			DataDir:  "data",
		},
		Logger: logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			ServiceName:    "gojotxn",
			PrometheusPort: 9420,
		},
	}
}

// Load reads path on top of Default. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "txn-" + uuid.NewString()[:8]
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.GRPCAddr
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Transaction.ServerID = cfg.NodeID
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Transaction.Role {
	case cluster.RoleSingle, cluster.RoleCoordinator, cluster.RoleDBServer:
	default:
		errs = append(errs, fmt.Errorf("unknown transaction role %q", c.Transaction.Role))
	}
	if c.GRPCAddr == "" {
		errs = append(errs, errors.New("grpc_addr must be set"))
	}
	if c.Raft.BindAddr == "" {
		errs = append(errs, errors.New("raft.bind_addr must be set"))
	}
	t := c.Transaction
	for name, d := range map[string]int64{
		"idle_timeout":          int64(t.IdleTimeout),
		"lock_timeout":          int64(t.LockTimeout),
		"follower_lock_timeout": int64(t.FollowerLockTimeout),
		"tombstone_ttl":         int64(t.TombstoneTTL),
		"gc_interval":           int64(t.GCInterval),
		"commit_retry_timeout":  int64(t.CommitRetryTimeout),
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("transaction.%s must be positive", name))
		}
	}
	if c.TLS.Enabled && (c.TLS.CAFile == "" || c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls requires ca_file, cert_file and key_file"))
	}
	return errors.Join(errs...)
}
