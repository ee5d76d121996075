package transaction

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/auth"
)

const leaseRetryInterval = 10 * time.Millisecond

// LeaseMode is the kind of access a lease grants.
type LeaseMode int

const (
	LeaseShared LeaseMode = iota
	LeaseExclusive
)

func (m LeaseMode) String() string {
	if m == LeaseExclusive {
		return "exclusive"
	}
	return "shared"
}

// Lease is a borrowed transaction. It holds the record lock (or a side-user
// slot) until Return is called; Txn must not be used afterwards.
type Lease struct {
	mgr        *Manager
	trx        *ManagedTrx
	id         ID
	generation uint64
	mode       LeaseMode
	sideUser   bool
	engine     EngineTxn
	returned   atomic.Bool
}

func (l *Lease) ID() ID           { return l.id }
func (l *Lease) Mode() LeaseMode  { return l.mode }
func (l *Lease) IsSideUser() bool { return l.sideUser }
func (l *Lease) Txn() EngineTxn   { return l.engine }
func (l *Lease) Returned() bool   { return l.returned.Load() }

// Return gives the transaction back. Calling it twice is a no-op.
func (l *Lease) Return() {
	if !l.returned.CompareAndSwap(false, true) {
		return
	}
	l.engine = nil
	l.mgr.returnLease(l)
}

// LeaseManagedTrx borrows transaction id. A busy transaction is retried
// until the lock timeout passes; on shard servers the retry only ends with
// ctx or the manager. With allowSideUser a shared lease on a busy
// transaction is granted as a side user instead of waiting.
func (m *Manager) LeaseManagedTrx(ctx context.Context, id ID, mode LeaseMode, allowSideUser bool) (*Lease, error) {
	start := m.now()
	var deadline time.Time
	if !m.waitsForever(id) {
		deadline = start.Add(m.cfg.LockTimeout)
	}

	waited := false
	for {
		lease, err := m.tryLease(ctx, id, mode, allowSideUser)
		if err == nil {
			if waited {
				m.metrics.LeaseWaitMillis.Record(ctx, m.now().Sub(start).Milliseconds())
			}
			return lease, nil
		}
		if !IsLocked(err) {
			return nil, err
		}
		if !deadline.IsZero() && !m.now().Before(deadline) {
			return nil, err
		}
		m.leaseWarn.Do(func() {
			m.logger.Warn("waiting to lease busy transaction",
				zap.Stringer("trx_id", id), zap.Stringer("mode", mode),
				zap.Duration("waited", m.now().Sub(start)))
		})
		waited = true
		if !m.sleep(ctx, leaseRetryInterval) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, newError(CodeShuttingDown, id, "lease interrupted by shutdown")
		}
	}
}

// TryLeaseManagedTrx is LeaseManagedTrx without waiting: a busy transaction fails with Locked.
func (m *Manager) TryLeaseManagedTrx(ctx context.Context, id ID, mode LeaseMode, allowSideUser bool) (*Lease, error) {
	return m.tryLease(ctx, id, mode, allowSideUser)
}

func (m *Manager) tryLease(ctx context.Context, id ID, mode LeaseMode, allowSideUser bool) (*Lease, error) {
	b := m.table.bucket(id)
	b.mu.RLock()
	defer b.mu.RUnlock()

	trx, ok := b.trxs[id]
	if !ok {
		return nil, newError(CodeNotFound, id, "transaction not found")
	}
	if !auth.Authorized(ctx, trx.user) {
		return nil, newError(CodePermissionDenied, id, "transaction belongs to another user")
	}
	switch trx.kind {
	case KindTombstone:
		if trx.committing {
			return nil, newError(CodeLocked, id, "commit of transaction is still in progress")
		}
		return nil, finishedError(id, trx.finalStatus, trx.wasExpired)
	case KindStandaloneQuery:
		return nil, newError(CodeDisallowedOperation, id, "transaction is owned by a query and cannot be leased")
	}
	if trx.expired(m.now()) {
		return nil, newError(CodeNotFound, id, "transaction has expired")
	}

	lease := &Lease{mgr: m, trx: trx, id: id, generation: trx.generation, mode: mode}
	if mode == LeaseExclusive {
		if !trx.mu.TryLock() {
			return nil, newError(CodeLocked, id, "transaction is already in use")
		}
		lease.engine = trx.engine
		return lease, nil
	}
	if trx.mu.TryRLock() {
		lease.engine = trx.engine
		return lease, nil
	}
	if allowSideUser {
		trx.sideUsers.Add(1)
		lease.sideUser = true
		lease.engine = trx.engine
		return lease, nil
	}
	return nil, newError(CodeLocked, id, "transaction is already in use")
}

func (m *Manager) returnLease(l *Lease) {
	b := m.table.bucket(l.id)
	softAborted := false

	b.mu.RLock()
	current, ok := b.trxs[l.id]
	stale := !ok || current != l.trx || current.generation != l.generation
	switch {
	case l.sideUser:
		// the last side user ends a soft-aborted transaction nobody holds
		if l.trx.sideUsers.Add(-1) == 0 && !stale && l.trx.expiresAt.Load() == 0 && l.trx.mu.TryLock() {
			l.trx.mu.Unlock()
			softAborted = true
		}
	case l.mode == LeaseExclusive:
		if !stale {
			softAborted = l.trx.refreshExpiry(m.now())
		}
		l.trx.mu.Unlock()
	default:
		if !stale {
			softAborted = l.trx.refreshExpiry(m.now())
		}
		l.trx.mu.RUnlock()
	}
	b.mu.RUnlock()

	if stale {
		m.logger.Warn("returned lease of a transaction that changed meanwhile", zap.Stringer("trx_id", l.id))
		return
	}
	if softAborted {
		m.logger.Info("aborting soft-aborted transaction on return", zap.Stringer("trx_id", l.id))
		err := m.AbortManagedTrx(context.Background(), l.id, "")
		switch {
		case err == nil:
		case IsLocked(err):
			m.logger.Debug("soft-aborted transaction still in use, left to its last user", zap.Stringer("trx_id", l.id))
		default:
			m.logger.Warn("failed to abort soft-aborted transaction", zap.Stringer("trx_id", l.id), zap.Error(err))
		}
	}
}
