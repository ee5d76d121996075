package transaction

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// GarbageCollect aborts idle managed transactions and drops expired
// tombstones. With abortAll every managed transaction is aborted; those
// currently leased are soft-aborted and end when their holder returns them.
// It reports whether any transaction was aborted.
func (m *Manager) GarbageCollect(ctx context.Context, abortAll bool) bool {
	now := m.now()
	var toAbort, toErase []ID
	softAborted := 0

	m.table.forEach(func(id ID, trx *ManagedTrx) {
		switch trx.kind {
		case KindManaged:
			if !abortAll && !trx.expired(now) {
				return
			}
			if trx.mu.TryLock() {
				if trx.sideUsers.Load() == 0 {
					toAbort = append(toAbort, id)
				} else if abortAll {
					trx.softAbort()
					softAborted++
				}
				trx.mu.Unlock()
			} else if abortAll {
				trx.softAbort()
				softAborted++
			}
		case KindStandaloneQuery:
			if trx.expired(now) {
				m.logger.Debug("query-owned transaction is idle past its deadline",
					zap.Stringer("trx_id", id), zap.String("database", trx.database))
			}
		case KindTombstone:
			if trx.expired(now) {
				toErase = append(toErase, id)
			}
		}
	})

	for _, id := range toAbort {
		err := m.updateTransaction(ctx, id, StatusAborted, !abortAll)
		switch {
		case err == nil:
			if abortAll {
				m.logger.Debug("aborted transaction", zap.Stringer("trx_id", id))
			} else {
				m.logger.Info("aborted expired transaction", zap.Stringer("trx_id", id))
			}
		case IsLocked(err), CodeOf(err) == CodeNotFound:
			// picked up again by the next run
		case CodeOf(err) == CodeFollowerCommitAlreadyPerformed:
			m.logger.Warn("aborted follower transaction after intermediate commits", zap.Stringer("trx_id", id))
		default:
			m.logger.Warn("failed to abort transaction", zap.Stringer("trx_id", id), zap.Error(err))
		}
	}

	if len(toErase) > 0 {
		m.eraseTombstones(toErase, now)
	}
	if softAborted > 0 {
		m.logger.Info("soft-aborted busy transactions", zap.Int("count", softAborted))
	}
	return len(toAbort) > 0
}

// eraseTombstones removes ids that are still expired tombstones.
func (m *Manager) eraseTombstones(ids []ID, now time.Time) {
	for _, id := range ids {
		b := m.table.bucket(id)
		b.mu.Lock()
		if trx, ok := b.trxs[id]; ok && trx.kind == KindTombstone && trx.expired(now) {
			delete(b.trxs, id)
		}
		b.mu.Unlock()
	}
}

func (m *Manager) gcLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.GarbageCollect(ctx, false)
		}
	}
}
