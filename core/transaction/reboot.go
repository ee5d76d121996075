package transaction

import (
	"context"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/cluster"
)

var _ cluster.Subscriber = (*Manager)(nil)

// OnPeerRebooted aborts the transaction registered under key after its
// owning coordinator rebooted, failed or left the cluster.
func (m *Manager) OnPeerRebooted(ctx context.Context, key uint64, peer cluster.PeerState) {
	id := ID(key)
	m.logger.Info("owner of transaction is gone, aborting",
		zap.Stringer("trx_id", id), zap.Stringer("owner", peer))
	err := m.AbortManagedTrx(ctx, id, "")
	switch CodeOf(err) {
	case 0, CodeNotFound:
	case CodeDisallowedOperation:
		// already committed before the owner went away
		m.logger.Debug("transaction already finished", zap.Stringer("trx_id", id), zap.Error(err))
	default:
		m.logger.Warn("failed to abort transaction of gone owner", zap.Stringer("trx_id", id), zap.Error(err))
	}
}
