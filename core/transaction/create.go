package transaction

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/auth"
	"github.com/sushant-115/gojotxn/core/cluster"
)

// Request describes a transaction to create.
type Request struct {
	Collections Collections `json:"collections"`
	Options     Options     `json:"options"`
	// Context is a free-form label shown in detailed listings.
	Context string `json:"context,omitempty"`
	// Origin is the coordinator incarnation that owns the transaction. When
	// set, the transaction is aborted as soon as that incarnation is gone.
	Origin cluster.PeerState `json:"origin"`
	// TimeToLive overrides the idle timeout.
	TimeToLive time.Duration `json:"ttl,omitempty"`
}

// CreateManagedTrx starts a new transaction with a freshly minted id.
// Shard servers never mint ids; they only ensure ids sent by a coordinator.
func (m *Manager) CreateManagedTrx(ctx context.Context, database string, req Request) (ID, error) {
	if m.disallowInserts.Load() {
		return 0, ErrShuttingDown
	}
	var id ID
	switch m.cfg.Role {
	case cluster.RoleCoordinator:
		id = m.ids.NextCoordinator()
	case cluster.RoleSingle:
		id = m.ids.NextLegacy()
	default:
		return 0, newError(CodeDisallowedOperation, 0, "role %s cannot start transactions", m.cfg.Role)
	}

	txn, err := m.beginEngineTxn(ctx, id, req)
	if err != nil {
		return 0, err
	}
	if err := m.insert(ctx, database, id, KindManaged, txn, req); err != nil {
		m.discard(ctx, id, txn)
		if CodeOf(err) == CodeAlreadyExists {
			return 0, newError(CodeInternal, id, "freshly minted transaction id is already in use")
		}
		return 0, err
	}
	return id, nil
}

// EnsureManagedTrx creates transaction id unless it exists. An existing
// follower transaction is extended with the requested collections, since
// several shard leaders may share one follower transaction; any other
// existing id fails with AlreadyExists.
func (m *Manager) EnsureManagedTrx(ctx context.Context, database string, id ID, req Request) error {
	if !id.IsSet() {
		return newError(CodeDisallowedOperation, id, "transaction id must be set")
	}
	for {
		if m.disallowInserts.Load() {
			return ErrShuttingDown
		}
		if m.exists(id) {
			if !id.IsFollower() {
				return newError(CodeAlreadyExists, id, "transaction already exists")
			}
			return m.addToExisting(ctx, id, req.Collections)
		}

		txn, err := m.beginEngineTxn(ctx, id, req)
		if err != nil {
			return err
		}
		err = m.insert(ctx, database, id, KindManaged, txn, req)
		if err == nil {
			return nil
		}
		m.discard(ctx, id, txn)
		if CodeOf(err) != CodeAlreadyExists || !id.IsFollower() {
			return err
		}
		// another leader won the race; join its transaction
	}
}

// RegisterAQLTrx records a transaction owned by a running query. It can be
// listed but is never leased, committed or aborted through the manager.
func (m *Manager) RegisterAQLTrx(id ID, database string, txn EngineTxn) error {
	if m.disallowInserts.Load() {
		return ErrShuttingDown
	}
	return m.insert(context.Background(), database, id, KindStandaloneQuery, txn, Request{})
}

// UnregisterAQLTrx drops the query-owned transaction id.
func (m *Manager) UnregisterAQLTrx(id ID) error {
	b := m.table.bucket(id)
	b.mu.Lock()
	trx, ok := b.trxs[id]
	if !ok || trx.kind != KindStandaloneQuery {
		b.mu.Unlock()
		return newError(CodeNotFound, id, "query transaction not found")
	}
	delete(b.trxs, id)
	b.mu.Unlock()
	m.metrics.Active.Add(context.Background(), -1)
	return nil
}

func (m *Manager) exists(id ID) bool {
	b := m.table.bucket(id)
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.trxs[id]
	return ok
}

func (m *Manager) addToExisting(ctx context.Context, id ID, cols Collections) error {
	lease, err := m.LeaseManagedTrx(ctx, id, LeaseExclusive, false)
	if err != nil {
		return err
	}
	defer lease.Return()
	if err := addCollections(lease.Txn(), cols); err != nil {
		return err
	}
	if !cols.ReadOnly() {
		b := m.table.bucket(id)
		b.mu.Lock()
		lease.trx.readOnly = false
		b.mu.Unlock()
	}
	return nil
}

// hardenOptions fills in the limits the manager enforces. Followers must
// accept whatever their leader already applied, so they are unbounded.
func (m *Manager) hardenOptions(id ID, opts Options) Options {
	if id.IsFollower() {
		opts.IsFollowerTransaction = true
		opts.MaxTransactionSize = math.MaxUint64
		opts.AllowImplicitCollections = true
		opts.LockTimeout = m.cfg.FollowerLockTimeout
		return opts
	}
	opts.IsFollowerTransaction = false
	if opts.MaxTransactionSize == 0 || opts.MaxTransactionSize > m.cfg.MaxTransactionSize {
		opts.MaxTransactionSize = m.cfg.MaxTransactionSize
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = m.cfg.LockTimeout
	}
	return opts
}

func (m *Manager) beginEngineTxn(ctx context.Context, id ID, req Request) (EngineTxn, error) {
	opts := m.hardenOptions(id, req.Options)
	txn, err := m.engine.NewTransaction(id, opts)
	if err != nil {
		return nil, err
	}
	if err := addCollections(txn, req.Collections); err != nil {
		return nil, err
	}
	hints := HintGlobalManaged
	if opts.IsFollowerTransaction {
		hints |= HintFollowerTrx
	}
	if err := txn.Begin(ctx, hints); err != nil {
		return nil, err
	}
	return txn, nil
}

func addCollections(txn EngineTxn, cols Collections) error {
	for _, c := range cols.Read {
		if err := txn.AddCollection(c, AccessRead); err != nil {
			return err
		}
	}
	for _, c := range cols.Write {
		if err := txn.AddCollection(c, AccessWrite); err != nil {
			return err
		}
	}
	for _, c := range cols.Exclusive {
		if err := txn.AddCollection(c, AccessExclusive); err != nil {
			return err
		}
	}
	return nil
}

// discard aborts an engine transaction that never made it into the table.
func (m *Manager) discard(ctx context.Context, id ID, txn EngineTxn) {
	if txn == nil || !txn.IsRunning() {
		return
	}
	if err := txn.Abort(ctx); err != nil {
		m.logger.Warn("failed to abort unused engine transaction", zap.Stringer("trx_id", id), zap.Error(err))
	}
}

func (m *Manager) insert(ctx context.Context, database string, id ID, kind Kind, txn EngineTxn, req Request) error {
	ttl := req.TimeToLive
	if ttl <= 0 {
		ttl = m.cfg.IdleTimeout
	}
	trx := newManagedTrx(id, kind, txn, ttl, m.now())
	trx.user = auth.CurrentUser(ctx)
	trx.database = database
	trx.context = req.Context
	trx.readOnly = req.Collections.ReadOnly() && !id.IsFollower()
	trx.origin = req.Origin

	b := m.table.bucket(id)
	b.mu.Lock()
	if _, ok := b.trxs[id]; ok {
		b.mu.Unlock()
		return newError(CodeAlreadyExists, id, "transaction already exists")
	}
	// the guard fires on its own goroutine, which blocks on the bucket lock
	// until the record is visible
	if m.tracker != nil && req.Origin.ServerID != "" {
		trx.guard = m.tracker.Register(req.Origin, m, uint64(id), "abort transaction "+id.String())
	}
	b.trxs[id] = trx
	b.mu.Unlock()

	m.metrics.Active.Add(ctx, 1)
	if kind == KindManaged {
		m.metrics.Started.Add(ctx, 1)
		m.logger.Debug("created transaction",
			zap.Stringer("trx_id", id), zap.String("database", database), zap.Stringer("origin", req.Origin))
	}
	return nil
}
