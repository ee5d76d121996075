package transaction

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/auth"
)

const (
	statusRetryMinBackoff = time.Millisecond
	statusRetryMaxBackoff = 64 * time.Millisecond
	commitGuardRetry      = 10 * time.Millisecond
)

// CommitManagedTrx commits id. A busy transaction is retried until the
// commit retry timeout passes; while commits are held the call waits for the
// commit guard. An empty database matches any database.
func (m *Manager) CommitManagedTrx(ctx context.Context, id ID, database string) error {
	return m.statusChangeWithTimeout(ctx, id, database, StatusCommitted)
}

// AbortManagedTrx aborts id, retrying while the transaction is busy.
func (m *Manager) AbortManagedTrx(ctx context.Context, id ID, database string) error {
	return m.statusChangeWithTimeout(ctx, id, database, StatusAborted)
}

func (m *Manager) statusChangeWithTimeout(ctx context.Context, id ID, database string, status Status) (err error) {
	ctx, span := m.tracer.Start(ctx, "transaction."+status.String(), trace.WithAttributes(
		attribute.String("trx.id", id.String()),
		attribute.String("trx.database", database),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		} else {
			span.SetStatus(otelcodes.Ok, "")
		}
		span.End()
	}()

	if database != "" {
		if err := m.checkDatabase(ctx, id, database); err != nil {
			return err
		}
	}

	if status == StatusCommitted {
		if err := m.acquireCommitGuard(ctx, id); err != nil {
			return err
		}
		defer m.commitGuard.RUnlock()
	}

	deadline := m.now().Add(m.cfg.CommitRetryTimeout)
	backoff := statusRetryMinBackoff
	for {
		err = m.updateTransaction(ctx, id, status, false)
		if !IsLocked(err) || !m.now().Before(deadline) {
			return err
		}
		if !m.sleep(ctx, backoff) {
			return err
		}
		if backoff < statusRetryMaxBackoff {
			backoff *= 2
		}
	}
}

// checkDatabase fails with NotFound when id lives in another database.
func (m *Manager) checkDatabase(ctx context.Context, id ID, database string) error {
	b := m.table.bucket(id)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if trx, ok := b.trxs[id]; ok && trx.database != "" && trx.database != database {
		return newError(CodeNotFound, id, "transaction not found in database %s", database)
	}
	return nil
}

// acquireCommitGuard read-locks the commit guard, polling until the commit
// retry timeout. TryRLock fails while a HoldTransactions is pending, so new
// commits queue behind the hold instead of starving it.
func (m *Manager) acquireCommitGuard(ctx context.Context, id ID) error {
	deadline := m.now().Add(m.cfg.CommitRetryTimeout)
	for !m.commitGuard.TryRLock() {
		if !m.now().Before(deadline) {
			return newError(CodeLocked, id, "commits are currently held")
		}
		if !m.sleep(ctx, commitGuardRetry) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return newError(CodeShuttingDown, id, "commit interrupted by shutdown")
		}
	}
	return nil
}

// UpdateTransaction performs a single status change of id without retrying.
// It fails with Locked while the transaction is leased or has side users.
func (m *Manager) UpdateTransaction(ctx context.Context, id ID, status Status) error {
	if status == StatusCommitted {
		if !m.commitGuard.TryRLock() {
			return newError(CodeLocked, id, "commits are currently held")
		}
		defer m.commitGuard.RUnlock()
	}
	return m.updateTransaction(ctx, id, status, false)
}

// updateTransaction converts id into a tombstone and then drives the engine
// commit or abort outside of every lock.
func (m *Manager) updateTransaction(ctx context.Context, id ID, status Status, expiredByGC bool) error {
	if status != StatusCommitted && status != StatusAborted {
		return newError(CodeInternal, id, "invalid target status %s", status)
	}
	now := m.now()
	b := m.table.bucket(id)

	b.mu.Lock()
	trx, ok := b.trxs[id]
	if !ok {
		// remember the id so that late commits from a peer see it as aborted
		b.trxs[id] = newTombstone(id, StatusAborted, m.cfg.TombstoneTTL, now)
		b.mu.Unlock()
		return newError(CodeNotFound, id, "transaction not found")
	}
	if !auth.Authorized(ctx, trx.user) {
		b.mu.Unlock()
		return newError(CodePermissionDenied, id, "transaction belongs to another user")
	}
	if !trx.mu.TryLock() {
		b.mu.Unlock()
		return newError(CodeLocked, id, "cannot change status of transaction while it is in use")
	}
	if trx.sideUsers.Load() > 0 {
		trx.mu.Unlock()
		b.mu.Unlock()
		return newError(CodeLocked, id, "cannot change status of transaction while it has side users")
	}

	switch trx.kind {
	case KindStandaloneQuery:
		trx.mu.Unlock()
		b.mu.Unlock()
		return newError(CodeDisallowedOperation, id, "cannot change status of a query-owned transaction")
	case KindTombstone:
		final, intermediate, wasExpired := trx.finalStatus, trx.intermediateCommits, trx.wasExpired
		committing := trx.committing
		trx.mu.Unlock()
		b.mu.Unlock()
		if committing {
			return newError(CodeLocked, id, "commit of transaction is still in progress")
		}
		if final != status {
			return finishedError(id, final, wasExpired)
		}
		if status == StatusAborted && id.IsFollower() && intermediate {
			return newError(CodeFollowerCommitAlreadyPerformed, id, "follower transaction already performed an intermediate commit")
		}
		return nil
	}

	wasExpired := expiredByGC
	target := status
	if status == StatusCommitted && trx.expired(now) {
		// an abandoned transaction must not commit late
		target = StatusAborted
		wasExpired = true
	}
	engine, guard := trx.toTombstone(target, m.cfg.TombstoneTTL, now)
	trx.wasExpired = wasExpired
	trx.mu.Unlock()
	b.mu.Unlock()

	guard.Release()
	m.metrics.Active.Add(ctx, -1)

	var res error
	if target == StatusCommitted {
		res = m.commitEngine(ctx, id, engine)
	} else {
		res = m.abortEngine(ctx, id, engine, wasExpired)
	}

	if status == StatusCommitted && target == StatusAborted && res == nil {
		return finishedError(id, StatusAborted, true)
	}
	return res
}

// commitEngine commits the detached engine transaction. Until it returns the
// tombstone reports the commit as in progress; the outcome is recorded by
// setFinalStatus.
func (m *Manager) commitEngine(ctx context.Context, id ID, engine EngineTxn) error {
	if engine == nil || !engine.IsRunning() {
		m.setFinalStatus(id, StatusCommitted, false)
		m.metrics.Committed.Add(ctx, 1)
		return nil
	}
	if err := engine.Commit(ctx); err != nil {
		m.logger.Warn("commit failed, aborting transaction", zap.Stringer("trx_id", id), zap.Error(err))
		if engine.IsRunning() {
			if abortErr := engine.Abort(ctx); abortErr != nil {
				m.logger.Error("abort after failed commit failed", zap.Stringer("trx_id", id), zap.Error(abortErr))
			}
		}
		m.setFinalStatus(id, StatusAborted, engine.NumCommits() > 0)
		m.metrics.Aborted.Add(ctx, 1)
		return err
	}
	m.setFinalStatus(id, StatusCommitted, engine.NumCommits() > 0)
	m.metrics.Committed.Add(ctx, 1)
	return nil
}

func (m *Manager) abortEngine(ctx context.Context, id ID, engine EngineTxn, wasExpired bool) error {
	m.metrics.Aborted.Add(ctx, 1)
	if wasExpired {
		m.metrics.Expired.Add(ctx, 1)
	}
	if engine == nil {
		return nil
	}
	intermediate := engine.NumCommits() > 0
	if intermediate {
		m.setFinalStatus(id, StatusAborted, true)
	}
	if engine.IsRunning() {
		if err := engine.Abort(ctx); err != nil {
			return err
		}
	}
	if intermediate && id.IsFollower() {
		return newError(CodeFollowerCommitAlreadyPerformed, id, "follower transaction already performed an intermediate commit")
	}
	return nil
}

// setFinalStatus corrects the tombstone of id after the engine outcome is known.
func (m *Manager) setFinalStatus(id ID, status Status, intermediateCommits bool) {
	b := m.table.bucket(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if trx, ok := b.trxs[id]; ok && trx.kind == KindTombstone {
		trx.finalStatus = status
		trx.committing = false
		trx.intermediateCommits = trx.intermediateCommits || intermediateCommits
	}
}

// GetManagedTrxStatus reports whether id is running, committed or aborted.
func (m *Manager) GetManagedTrxStatus(ctx context.Context, id ID, database string) (Status, error) {
	b := m.table.bucket(id)
	b.mu.RLock()
	defer b.mu.RUnlock()
	trx, ok := b.trxs[id]
	if !ok || (database != "" && trx.database != "" && trx.database != database) {
		return StatusUndefined, newError(CodeNotFound, id, "transaction not found")
	}
	if !auth.Authorized(ctx, trx.user) {
		return StatusUndefined, newError(CodePermissionDenied, id, "transaction belongs to another user")
	}
	if trx.kind == KindTombstone && !trx.committing {
		return trx.finalStatus, nil
	}
	return StatusRunning, nil
}

// HoldTransactions blocks new commits until ReleaseTransactions. Commits in
// flight finish first; if they do not within timeout the hold fails with
// Locked. While the hold is pending no new commit starts.
func (m *Manager) HoldTransactions(ctx context.Context, timeout time.Duration) error {
	acquired := make(chan struct{})
	go func() {
		m.commitGuard.Lock()
		close(acquired)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var err error
	select {
	case <-acquired:
		m.commitsHeld.Store(true)
		m.logger.Info("commits held")
		return nil
	case <-timer.C:
		err = newError(CodeLocked, 0, "could not hold commits within %s", timeout)
	case <-ctx.Done():
		err = ctx.Err()
	case <-m.stopCh:
		err = ErrShuttingDown
	}
	// the pending Lock cannot be cancelled; give the guard back once it lands
	go func() {
		<-acquired
		m.commitGuard.Unlock()
	}()
	return err
}

// ReleaseTransactions lets commits proceed again. It is a no-op unless commits are held.
func (m *Manager) ReleaseTransactions() {
	if m.commitsHeld.CompareAndSwap(true, false) {
		m.commitGuard.Unlock()
		m.logger.Info("commits released")
	}
}

// CommitsHeld reports whether HoldTransactions is in effect.
func (m *Manager) CommitsHeld() bool { return m.commitsHeld.Load() }
