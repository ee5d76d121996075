package transaction

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojotxn/core/auth"
	"github.com/sushant-115/gojotxn/core/cluster"
)

// ListTransactions returns the running transactions of this server the
// caller may see. An empty database lists all databases.
func (m *Manager) ListTransactions(ctx context.Context, database string, details bool) []Info {
	var out []Info
	m.table.forEach(func(_ ID, trx *ManagedTrx) {
		if trx.kind == KindTombstone {
			return
		}
		if database != "" && trx.database != database {
			return
		}
		if !auth.Authorized(ctx, trx.user) {
			return
		}
		out = append(out, trx.info(m.cfg.ServerID, details))
	})
	sortInfos(out)
	return out
}

// ListClusterTransactions merges the local listing with those of every other
// coordinator and, with details, every shard server. Unreachable servers are
// skipped.
func (m *Manager) ListClusterTransactions(ctx context.Context, database string, details bool) ([]Info, error) {
	out := m.ListTransactions(ctx, database, details)
	if m.membership == nil || m.transport == nil || m.cfg.Role != cluster.RoleCoordinator {
		return out, nil
	}
	ctx, span := m.tracer.Start(ctx, "transaction.list_cluster")
	defer span.End()

	targets := m.peers(cluster.RoleCoordinator)
	if details {
		targets = append(targets, m.peers(cluster.RoleDBServer)...)
	}
	span.SetAttributes(attribute.Int("peers", len(targets)))

	req := ListRequest{Database: database, Details: details, Identity: identityOf(ctx)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range targets {
		g.Go(func() error {
			infos, err := m.transport.ListTransactions(gctx, srv.Address, req)
			if err != nil {
				m.logger.Warn("failed to list transactions of server",
					zap.String("server", srv.ID), zap.String("address", srv.Address), zap.Error(err))
				return nil
			}
			mu.Lock()
			out = append(out, infos...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sortInfos(out)
	return out, nil
}

// AbortManagedTrxs aborts every managed transaction the caller may see and
// filter accepts. It returns the number of aborted transactions.
func (m *Manager) AbortManagedTrxs(ctx context.Context, filter func(Info) bool) int {
	var ids []ID
	m.table.forEach(func(id ID, trx *ManagedTrx) {
		if trx.kind != KindManaged || !auth.Authorized(ctx, trx.user) {
			return
		}
		if filter(trx.info(m.cfg.ServerID, false)) {
			ids = append(ids, id)
		}
	})

	n := 0
	for _, id := range ids {
		err := m.AbortManagedTrx(ctx, id, "")
		switch CodeOf(err) {
		case 0:
			n++
		case CodeNotFound, CodeDisallowedOperation:
			// finished meanwhile
		default:
			m.logger.Warn("failed to abort transaction", zap.Stringer("trx_id", id), zap.Error(err))
		}
	}
	return n
}

// AbortAllManagedWriteTrx aborts the caller's write transactions (everyone's
// for a superuser). With fanout a coordinator asks the other coordinators to
// do the same.
func (m *Manager) AbortAllManagedWriteTrx(ctx context.Context, fanout bool) (int, error) {
	ctx, span := m.tracer.Start(ctx, "transaction.abort_all_write")
	defer span.End()

	n := m.AbortManagedTrxs(ctx, func(in Info) bool { return !in.ReadOnly })
	m.logger.Info("aborted write transactions", zap.Int("count", n), zap.String("user", auth.CurrentUser(ctx)))
	if !fanout || m.membership == nil || m.transport == nil || m.cfg.Role != cluster.RoleCoordinator {
		return n, nil
	}

	req := AbortRequest{Identity: identityOf(ctx)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range m.peers(cluster.RoleCoordinator) {
		g.Go(func() error {
			c, err := m.transport.AbortAllWrite(gctx, srv.Address, req)
			if err != nil {
				m.logger.Warn("failed to abort write transactions on server",
					zap.String("server", srv.ID), zap.Error(err))
				return err
			}
			mu.Lock()
			n += c
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		span.RecordError(err)
	}
	return n, err
}

// AbortDatabase aborts every managed transaction of a dropped database.
func (m *Manager) AbortDatabase(ctx context.Context, database string) int {
	return m.AbortManagedTrxs(ctx, func(in Info) bool { return in.Database == database })
}

// peers returns the servers of role except this one.
func (m *Manager) peers(role cluster.Role) []cluster.ServerInfo {
	var out []cluster.ServerInfo
	for _, srv := range m.membership.Servers(role) {
		if srv.ID == m.cfg.ServerID || srv.Status == cluster.StatusFailed {
			continue
		}
		out = append(out, srv)
	}
	return out
}

func identityOf(ctx context.Context) *auth.Identity {
	if id, ok := auth.FromContext(ctx); ok {
		return &id
	}
	return nil
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Server != infos[j].Server {
			return infos[i].Server < infos[j].Server
		}
		return infos[i].ID < infos[j].ID
	})
}
