// Package transaction implements the manager of multi-request ("streaming")
// transactions: a sharded table of transaction records, the lease protocol
// that serializes access to them, commit/abort with tombstones, garbage
// collection of idle transactions and the cluster-wide views on top.
package transaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojotxn/core/auth"
	"github.com/sushant-115/gojotxn/core/cluster"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

// Config holds the tunables of the manager.
type Config struct {
	// Role decides which ids are minted and whether leases wait forever.
	Role cluster.Role `yaml:"role"`
	// ServerID is this server's id in the membership registry.
	ServerID string `yaml:"-"`
	// IDPrefix is folded into every minted transaction id.
	IDPrefix uint16 `yaml:"id_prefix"`
	// IdleTimeout is the default time to live of a managed transaction.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// LockTimeout bounds how long an interactive lease waits for a busy transaction.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// FollowerLockTimeout is the engine lock timeout given to follower transactions.
	FollowerLockTimeout time.Duration `yaml:"follower_lock_timeout"`
	// TombstoneTTL is how long finished transactions stay queryable.
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`
	// GCInterval is the period of the garbage collector.
	GCInterval time.Duration `yaml:"gc_interval"`
	// MaxTransactionSize caps the size of non-follower transactions.
	MaxTransactionSize uint64 `yaml:"max_transaction_size"`
	// CommitRetryTimeout bounds retries of a commit/abort that finds the transaction busy.
	CommitRetryTimeout time.Duration `yaml:"commit_retry_timeout"`
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		Role:                cluster.RoleSingle,
		IdleTimeout:         10 * time.Second,
		LockTimeout:         8 * time.Second,
		FollowerLockTimeout: 5 * time.Minute,
		TombstoneTTL:        10 * time.Minute,
		GCInterval:          2 * time.Second,
		MaxTransactionSize:  128 << 20,
		CommitRetryTimeout:  8 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Role == "" {
		c.Role = d.Role
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.FollowerLockTimeout <= 0 {
		c.FollowerLockTimeout = d.FollowerLockTimeout
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = d.TombstoneTTL
	}
	if c.GCInterval <= 0 {
		c.GCInterval = d.GCInterval
	}
	if c.MaxTransactionSize == 0 {
		c.MaxTransactionSize = d.MaxTransactionSize
	}
	if c.CommitRetryTimeout <= 0 {
		c.CommitRetryTimeout = d.CommitRetryTimeout
	}
}

// Membership lists the servers a coordinator fans out to.
type Membership interface {
	Servers(role cluster.Role) []cluster.ServerInfo
}

// ListRequest asks a remote server for its local transactions.
type ListRequest struct {
	Database string         `json:"database"`
	Details  bool           `json:"details"`
	Identity *auth.Identity `json:"identity,omitempty"`
}

// AbortRequest asks a remote server to abort the caller's write transactions.
type AbortRequest struct {
	Identity *auth.Identity `json:"identity,omitempty"`
}

// Transport reaches the transaction service of another server.
type Transport interface {
	ListTransactions(ctx context.Context, address string, req ListRequest) ([]Info, error)
	AbortAllWrite(ctx context.Context, address string, req AbortRequest) (int, error)
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.Named("transaction")
		}
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) { m.meter = meter }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.tracer = tracer }
}

// WithRebootTracker makes transactions owned by remote peers abort when the peer reboots.
func WithRebootTracker(tracker *cluster.RebootTracker) Option {
	return func(m *Manager) { m.tracker = tracker }
}

// WithCluster enables the cluster-wide listing and abort operations.
func WithCluster(membership Membership, transport Transport) Option {
	return func(m *Manager) {
		m.membership = membership
		m.transport = transport
	}
}

// Manager tracks every managed transaction of the process.
type Manager struct {
	cfg    Config
	engine Engine
	table  *table
	ids    *IDGenerator

	// commitGuard is read-held by every commit; HoldTransactions write-holds it.
	commitGuard     sync.RWMutex
	commitsHeld     atomic.Bool
	disallowInserts atomic.Bool

	tracker    *cluster.RebootTracker
	membership Membership
	transport  Transport

	logger    *zap.Logger
	meter     metric.Meter
	tracer    trace.Tracer
	metrics   *internaltelemetry.TransactionMetrics
	leaseWarn rate.Sometimes
	now       func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewManager creates a manager on top of engine.
func NewManager(cfg Config, engine Engine, opts ...Option) (*Manager, error) {
	if engine == nil {
		return nil, fmt.Errorf("transaction manager requires a storage engine")
	}
	cfg.setDefaults()
	m := &Manager{
		cfg:       cfg,
		engine:    engine,
		table:     newTable(),
		ids:       NewIDGenerator(cfg.IDPrefix),
		logger:    zap.NewNop(),
		leaseWarn: rate.Sometimes{Interval: 5 * time.Second},
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.meter == nil {
		m.meter = noop.NewMeterProvider().Meter("")
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("gojotxn/transaction")
	}
	metrics, err := internaltelemetry.NewTransactionMetrics(m.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction metrics: %w", err)
	}
	m.metrics = metrics
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Start launches the periodic garbage collector.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.gcLoop(ctx)
		m.logger.Info("transaction manager started",
			zap.String("role", string(m.cfg.Role)),
			zap.Duration("idle_timeout", m.cfg.IdleTimeout),
			zap.Duration("gc_interval", m.cfg.GCInterval))
	})
}

// Shutdown stops accepting transactions, stops the collector and aborts
// everything still running. Busy transactions are soft-aborted and end when
// their holder returns them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		m.disallowInserts.Store(true)
		close(m.stopCh)
		m.wg.Wait()
		m.GarbageCollect(ctx, true)
		m.logger.Info("transaction manager stopped", zap.Int("still_active", m.ActiveCount()))
	})
}

// DisallowInserts makes every further create/ensure fail with ShuttingDown.
func (m *Manager) DisallowInserts() { m.disallowInserts.Store(true) }

// ActiveCount returns the number of records that are not tombstones.
func (m *Manager) ActiveCount() int {
	n := 0
	m.table.forEach(func(_ ID, trx *ManagedTrx) {
		if trx.kind != KindTombstone {
			n++
		}
	})
	return n
}

// waitsForever reports whether leases of id retry without a deadline. Shard
// leaders and followers must eventually get their lease for cluster-wide
// writes to make progress.
func (m *Manager) waitsForever(id ID) bool {
	return m.cfg.Role == cluster.RoleDBServer && (id.IsLeader() || id.IsFollower())
}

// sleep waits d or until ctx or the manager ends. It reports false if interrupted.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	}
}
