package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/auth"
	"github.com/sushant-115/gojotxn/core/cluster"
)

func TestCreateCommitOrders(t *testing.T) {
	ctx := context.Background()
	m, engine, _ := newTestManager(t, Config{CommitRetryTimeout: 20 * time.Millisecond})

	// 1. Create a transaction writing "orders" and lease it exclusively.
	id, err := m.CreateManagedTrx(ctx, "shop", writeRequest("orders"))
	require.NoError(t, err)
	require.True(t, id.IsLegacy())
	txn := engine.last()
	require.Equal(t, AccessWrite, txn.collections()["orders"])
	require.True(t, txn.hints.Has(HintGlobalManaged))

	lease, err := m.LeaseManagedTrx(ctx, id, LeaseExclusive, false)
	require.NoError(t, err)
	require.Same(t, txn, lease.Txn())

	// 2. A commit from another caller finds it busy.
	errCh := make(chan error, 1)
	go func() { errCh <- m.UpdateTransaction(ctx, id, StatusCommitted) }()
	requireCode(t, <-errCh, CodeLocked)
	requireCode(t, m.CommitManagedTrx(ctx, id, "shop"), CodeLocked)

	// 3. After the lease is returned the commit succeeds.
	lease.Return()
	require.NoError(t, m.CommitManagedTrx(ctx, id, "shop"))
	committed, _ := txn.state()
	require.True(t, committed)

	// 4. The transaction is gone for leasing but its outcome is remembered.
	_, err = m.LeaseManagedTrx(ctx, id, LeaseShared, true)
	requireCode(t, err, CodeDisallowedOperation)
	var te *Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, StatusCommitted, te.FinalStatus)

	status, err := m.GetManagedTrxStatus(ctx, id, "shop")
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, status)
	require.Zero(t, m.ActiveCount())
}

func TestStatusChangeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{})

	id, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)

	require.NoError(t, m.AbortManagedTrx(ctx, id, ""))
	require.NoError(t, m.AbortManagedTrx(ctx, id, ""))

	err = m.CommitManagedTrx(ctx, id, "")
	requireCode(t, err, CodeDisallowedOperation)
	require.True(t, errors.Is(err, ErrDisallowedOperation))
}

func TestExclusiveLeaseIsLocked(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{LockTimeout: 30 * time.Millisecond})

	id, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)

	first, err := m.LeaseManagedTrx(ctx, id, LeaseExclusive, false)
	require.NoError(t, err)

	_, err = m.TryLeaseManagedTrx(ctx, id, LeaseExclusive, false)
	requireCode(t, err, CodeLocked)
	_, err = m.LeaseManagedTrx(ctx, id, LeaseExclusive, false)
	requireCode(t, err, CodeLocked)
	_, err = m.TryLeaseManagedTrx(ctx, id, LeaseShared, false)
	requireCode(t, err, CodeLocked)

	first.Return()
	first.Return()
	require.True(t, first.Returned())
	require.Nil(t, first.Txn())

	second, err := m.TryLeaseManagedTrx(ctx, id, LeaseExclusive, false)
	require.NoError(t, err)
	second.Return()
}

func TestLeaseWaitsForReturn(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{LockTimeout: 5 * time.Second})

	id, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)
	first, err := m.LeaseManagedTrx(ctx, id, LeaseExclusive, false)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		first.Return()
	}()
	second, err := m.LeaseManagedTrx(ctx, id, LeaseExclusive, false)
	require.NoError(t, err)
	second.Return()
}

func TestShardLeasesWaitWithoutDeadline(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{Role: cluster.RoleDBServer, LockTimeout: 20 * time.Millisecond})

	follower := NewIDGenerator(5).NextCoordinator().Follower()
	require.NoError(t, m.EnsureManagedTrx(ctx, "db", follower, writeRequest("s1")))
	first, err := m.LeaseManagedTrx(ctx, follower, LeaseExclusive, false)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		first.Return()
	}()
	start := time.Now()
	second, err := m.LeaseManagedTrx(ctx, follower, LeaseExclusive, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// Only the caller's context ends the wait.
	cctx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	_, err = m.LeaseManagedTrx(cctx, follower, LeaseExclusive, false)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	second.Return()

	// Coordinator-kind ids on the same server keep the lock timeout.
	coord := NewIDGenerator(5).NextCoordinator()
	require.NoError(t, m.EnsureManagedTrx(ctx, "db", coord, writeRequest("s1")))
	held, err := m.LeaseManagedTrx(ctx, coord, LeaseExclusive, false)
	require.NoError(t, err)
	defer held.Return()
	_, err = m.LeaseManagedTrx(ctx, coord, LeaseExclusive, false)
	requireCode(t, err, CodeLocked)
}

func TestSharedLeasesCoexist(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{})

	id, err := m.CreateManagedTrx(ctx, "db", Request{Collections: Collections{Read: []string{"c"}}})
	require.NoError(t, err)

	a, err := m.TryLeaseManagedTrx(ctx, id, LeaseShared, false)
	require.NoError(t, err)
	b, err := m.TryLeaseManagedTrx(ctx, id, LeaseShared, false)
	require.NoError(t, err)
	require.False(t, a.IsSideUser())
	require.False(t, b.IsSideUser())

	_, err = m.TryLeaseManagedTrx(ctx, id, LeaseExclusive, false)
	requireCode(t, err, CodeLocked)
	a.Return()
	b.Return()
}

func TestSideUsersBlockStatusChange(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{CommitRetryTimeout: 20 * time.Millisecond})

	id, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)

	owner, err := m.LeaseManagedTrx(ctx, id, LeaseExclusive, false)
	require.NoError(t, err)

	// 1. Shared leases on a busy transaction become side users.
	side1, err := m.TryLeaseManagedTrx(ctx, id, LeaseShared, true)
	require.NoError(t, err)
	side2, err := m.TryLeaseManagedTrx(ctx, id, LeaseShared, true)
	require.NoError(t, err)
	require.True(t, side1.IsSideUser())
	require.NotNil(t, side1.Txn())

	// 2. The owner is done but side users are still reading.
	owner.Return()
	requireCode(t, m.UpdateTransaction(ctx, id, StatusCommitted), CodeLocked)
	side1.Return()
	requireCode(t, m.UpdateTransaction(ctx, id, StatusCommitted), CodeLocked)

	// 3. Once the last side user left the commit goes through.
	side2.Return()
	require.NoError(t, m.UpdateTransaction(ctx, id, StatusCommitted))
}

func TestEnsureFollowerAccumulatesCollections(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, dbserverConfig())

	coordinatorID := NewIDGenerator(7).NextCoordinator()
	follower := coordinatorID.Follower()
	require.True(t, follower.IsFollower())

	// Leader L1 of shard s1, then leader L2 of shard s2.
	require.NoError(t, m.EnsureManagedTrx(ctx, "db", follower, writeRequest("s1")))
	require.NoError(t, m.EnsureManagedTrx(ctx, "db", follower, writeRequest("s2")))

	lease, err := m.LeaseManagedTrx(ctx, follower, LeaseExclusive, false)
	require.NoError(t, err)
	txn := lease.Txn().(*fakeTxn)
	lease.Return()

	require.Equal(t, map[string]AccessMode{"s1": AccessWrite, "s2": AccessWrite}, txn.collections())
	require.True(t, txn.opts.IsFollowerTransaction)
	require.True(t, txn.opts.AllowImplicitCollections)
	require.True(t, txn.hints.Has(HintFollowerTrx))
	require.Equal(t, 1, m.ActiveCount())
}

func TestEnsureFollowerConcurrently(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, dbserverConfig())
	follower := NewIDGenerator(3).NextCoordinator().Follower()

	shards := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
	var wg sync.WaitGroup
	errs := make(chan error, len(shards))
	for _, shard := range shards {
		wg.Add(1)
		go func(shard string) {
			defer wg.Done()
			errs <- m.EnsureManagedTrx(ctx, "db", follower, writeRequest(shard))
		}(shard)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	lease, err := m.LeaseManagedTrx(ctx, follower, LeaseExclusive, false)
	require.NoError(t, err)
	cols := lease.Txn().(*fakeTxn).collections()
	lease.Return()
	for _, shard := range shards {
		assert.Contains(t, cols, shard)
	}
	require.Equal(t, 1, m.ActiveCount())
}

func TestEnsureNonFollowerExisting(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, dbserverConfig())
	leader := NewIDGenerator(1).NextCoordinator().Leader()

	require.NoError(t, m.EnsureManagedTrx(ctx, "db", leader, writeRequest("s1")))
	requireCode(t, m.EnsureManagedTrx(ctx, "db", leader, writeRequest("s2")), CodeAlreadyExists)
	requireCode(t, m.EnsureManagedTrx(ctx, "db", 0, writeRequest("s2")), CodeDisallowedOperation)
}

func TestCreateOnDBServerIsDisallowed(t *testing.T) {
	m, _, _ := newTestManager(t, dbserverConfig())
	_, err := m.CreateManagedTrx(context.Background(), "db", writeRequest("c"))
	requireCode(t, err, CodeDisallowedOperation)
}

func TestHardenOptions(t *testing.T) {
	m, _, _ := newTestManager(t, Config{MaxTransactionSize: 1024, LockTimeout: time.Second, FollowerLockTimeout: time.Minute})

	opts := m.hardenOptions(ID(4), Options{MaxTransactionSize: 1 << 30})
	require.Equal(t, uint64(1024), opts.MaxTransactionSize)
	require.Equal(t, time.Second, opts.LockTimeout)
	require.False(t, opts.AllowImplicitCollections)

	opts = m.hardenOptions(ID(6), Options{MaxTransactionSize: 16})
	require.True(t, opts.IsFollowerTransaction)
	require.True(t, opts.AllowImplicitCollections)
	require.Greater(t, opts.MaxTransactionSize, uint64(1<<40))
	require.Equal(t, time.Minute, opts.LockTimeout)
}

func TestGarbageCollectAbortsIdle(t *testing.T) {
	ctx := context.Background()
	m, engine, clock := newTestManager(t, Config{IdleTimeout: time.Second})

	idle, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)
	idleTxn := engine.last()
	require.False(t, m.GarbageCollect(ctx, false))

	clock.Advance(2 * time.Second)
	fresh, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)

	require.True(t, m.GarbageCollect(ctx, false))
	_, aborted := idleTxn.state()
	require.True(t, aborted)

	status, err := m.GetManagedTrxStatus(ctx, idle, "")
	require.NoError(t, err)
	require.Equal(t, StatusAborted, status)

	_, err = m.LeaseManagedTrx(ctx, idle, LeaseExclusive, false)
	var te *Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, CodeDisallowedOperation, te.Code)
	require.Equal(t, StatusAborted, te.FinalStatus)

	status, err = m.GetManagedTrxStatus(ctx, fresh, "")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, status)
}

func TestGarbageCollectPrunesTombstones(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t, Config{TombstoneTTL: time.Minute})

	id, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)
	require.NoError(t, m.CommitManagedTrx(ctx, id, ""))

	m.GarbageCollect(ctx, false)
	_, err = m.GetManagedTrxStatus(ctx, id, "")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	m.GarbageCollect(ctx, false)
	_, err = m.GetManagedTrxStatus(ctx, id, "")
	requireCode(t, err, CodeNotFound)
}

func TestSoftAbortOnReturn(t *testing.T) {
	ctx := context.Background()
	m, engine, _ := newTestManager(t, Config{})

	id, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)
	txn := engine.last()

	lease, err := m.LeaseManagedTrx(ctx, id, LeaseExclusive, false)
	require.NoError(t, err)

	// The holder is busy, so a hard abort only marks it.
	require.False(t, m.GarbageCollect(ctx, true))
	status, err := m.GetManagedTrxStatus(ctx, id, "")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, status)

	lease.Return()
	status, err = m.GetManagedTrxStatus(ctx, id, "")
	require.NoError(t, err)
	require.Equal(t, StatusAborted, status)
	_, aborted := txn.state()
	require.True(t, aborted)

	// A late abort from the collector is harmless.
	require.NoError(t, m.AbortManagedTrx(ctx, id, ""))
}

func TestCommitOfExpiredTransactionAborts(t *testing.T) {
	ctx := context.Background()
	m, engine, clock := newTestManager(t, Config{IdleTimeout: time.Second})

	id, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)
	clock.Advance(5 * time.Second)

	err = m.CommitManagedTrx(ctx, id, "")
	var te *Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, CodeDisallowedOperation, te.Code)
	require.Equal(t, StatusAborted, te.FinalStatus)
	require.Contains(t, te.Msg, "expired")

	committed, aborted := engine.last().state()
	require.False(t, committed)
	require.True(t, aborted)
}

func TestCommitFailureAborts(t *testing.T) {
	ctx := context.Background()
	m, engine, _ := newTestManager(t, Config{})
	engine.commitErr = errDiskFull

	id, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)

	err = m.CommitManagedTrx(ctx, id, "")
	require.ErrorIs(t, err, errDiskFull)
	_, aborted := engine.last().state()
	require.True(t, aborted)

	status, err := m.GetManagedTrxStatus(ctx, id, "")
	require.NoError(t, err)
	require.Equal(t, StatusAborted, status)
}

func TestRepeatedCommitWaitsForEngineOutcome(t *testing.T) {
	ctx := context.Background()
	m, engine, _ := newTestManager(t, Config{CommitRetryTimeout: 5 * time.Second})
	gate := make(chan struct{})
	engine.commitErr = errDiskFull
	engine.commitGate = gate

	id, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)
	first := make(chan error, 1)
	go func() { first <- m.CommitManagedTrx(ctx, id, "") }()
	<-engine.last().started

	// The engine has not answered yet: the outcome is not known.
	requireCode(t, m.UpdateTransaction(ctx, id, StatusCommitted), CodeLocked)
	_, err = m.TryLeaseManagedTrx(ctx, id, LeaseShared, false)
	requireCode(t, err, CodeLocked)
	status, err := m.GetManagedTrxStatus(ctx, id, "")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, status)

	second := make(chan error, 1)
	go func() { second <- m.CommitManagedTrx(ctx, id, "") }()
	close(gate)

	require.ErrorIs(t, <-first, errDiskFull)
	err = <-second
	requireCode(t, err, CodeDisallowedOperation)
	var te *Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, StatusAborted, te.FinalStatus)

	status, err = m.GetManagedTrxStatus(ctx, id, "")
	require.NoError(t, err)
	require.Equal(t, StatusAborted, status)
}

func TestAbortFollowerAfterIntermediateCommit(t *testing.T) {
	ctx := context.Background()
	m, engine, _ := newTestManager(t, dbserverConfig())
	follower := NewIDGenerator(2).NextCoordinator().Follower()

	require.NoError(t, m.EnsureManagedTrx(ctx, "db", follower, writeRequest("s1")))
	txn := engine.last()
	txn.mu.Lock()
	txn.commits = 1
	txn.mu.Unlock()

	requireCode(t, m.AbortManagedTrx(ctx, follower, ""), CodeFollowerCommitAlreadyPerformed)
	requireCode(t, m.AbortManagedTrx(ctx, follower, ""), CodeFollowerCommitAlreadyPerformed)
}

func TestAbortUnknownLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{})

	requireCode(t, m.AbortManagedTrx(ctx, ID(4711), ""), CodeNotFound)
	status, err := m.GetManagedTrxStatus(ctx, ID(4711), "")
	require.NoError(t, err)
	require.Equal(t, StatusAborted, status)
}

func TestDatabaseMismatch(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{})

	id, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)
	requireCode(t, m.CommitManagedTrx(ctx, id, "other"), CodeNotFound)
	_, err = m.GetManagedTrxStatus(ctx, id, "other")
	requireCode(t, err, CodeNotFound)
	require.NoError(t, m.CommitManagedTrx(ctx, id, "db"))
}

func TestHoldTransactions(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{CommitRetryTimeout: 30 * time.Millisecond})

	a, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)
	b, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)

	require.NoError(t, m.HoldTransactions(ctx, time.Second))
	require.True(t, m.CommitsHeld())
	requireCode(t, m.HoldTransactions(ctx, 20*time.Millisecond), CodeLocked)

	// Commits wait for the guard, aborts do not.
	requireCode(t, m.CommitManagedTrx(ctx, a, ""), CodeLocked)
	require.NoError(t, m.AbortManagedTrx(ctx, b, ""))

	m.ReleaseTransactions()
	m.ReleaseTransactions()
	require.False(t, m.CommitsHeld())
	require.NoError(t, m.CommitManagedTrx(ctx, a, ""))
}

func TestHoldWaitsForRunningCommit(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{})

	m.commitGuard.RLock()
	requireCode(t, m.HoldTransactions(ctx, 30*time.Millisecond), CodeLocked)
	m.commitGuard.RUnlock()
	require.NoError(t, m.HoldTransactions(ctx, time.Second))
	m.ReleaseTransactions()
}

func TestPendingHoldBlocksNewCommits(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{CommitRetryTimeout: 30 * time.Millisecond})

	id, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)

	m.commitGuard.RLock() // a commit in flight
	held := make(chan error, 1)
	go func() { held <- m.HoldTransactions(ctx, 5*time.Second) }()
	require.Eventually(t, func() bool {
		if m.commitGuard.TryRLock() {
			m.commitGuard.RUnlock()
			return false
		}
		return true
	}, time.Second, 5*time.Millisecond)

	// New commits queue behind the pending hold.
	requireCode(t, m.CommitManagedTrx(ctx, id, ""), CodeLocked)

	m.commitGuard.RUnlock()
	require.NoError(t, <-held)
	require.True(t, m.CommitsHeld())
	m.ReleaseTransactions()
	require.NoError(t, m.CommitManagedTrx(ctx, id, ""))
}

func TestRebootedOwnerAbortsTransaction(t *testing.T) {
	ctx := context.Background()
	tracker := cluster.NewRebootTracker(zap.NewNop())
	t.Cleanup(tracker.Close)
	tracker.UpdateServerState(map[string]cluster.ServerHealth{"coord-1": {RebootID: 5}})

	m, engine, _ := newTestManager(t, dbserverConfig(), WithRebootTracker(tracker))
	leader := NewIDGenerator(1).NextCoordinator().Leader()

	req := writeRequest("s1")
	req.Origin = cluster.PeerState{ServerID: "coord-1", RebootID: 5}
	require.NoError(t, m.EnsureManagedTrx(ctx, "db", leader, req))
	require.Equal(t, 1, tracker.Subscriptions())

	tracker.UpdateServerState(map[string]cluster.ServerHealth{"coord-1": {RebootID: 6}})

	require.Eventually(t, func() bool {
		status, err := m.GetManagedTrxStatus(ctx, leader, "")
		return err == nil && status == StatusAborted
	}, 2*time.Second, 10*time.Millisecond)
	_, aborted := engine.last().state()
	require.True(t, aborted)
	require.Zero(t, tracker.Subscriptions())
}

func TestCommitReleasesRebootGuard(t *testing.T) {
	ctx := context.Background()
	tracker := cluster.NewRebootTracker(zap.NewNop())
	t.Cleanup(tracker.Close)
	tracker.UpdateServerState(map[string]cluster.ServerHealth{"coord-1": {RebootID: 5}})
	m, _, _ := newTestManager(t, Config{Role: cluster.RoleSingle}, WithRebootTracker(tracker))

	req := writeRequest("c")
	req.Origin = cluster.PeerState{ServerID: "coord-1", RebootID: 5}
	id, err := m.CreateManagedTrx(ctx, "db", req)
	require.NoError(t, err)
	require.Equal(t, 1, tracker.Subscriptions())

	require.NoError(t, m.CommitManagedTrx(ctx, id, ""))
	require.Zero(t, tracker.Subscriptions())
}

func TestPermissions(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	alice := auth.WithIdentity(context.Background(), auth.Identity{User: "alice"})
	bob := auth.WithIdentity(context.Background(), auth.Identity{User: "bob"})
	root := auth.WithIdentity(context.Background(), auth.Identity{User: "root", Superuser: true})

	id, err := m.CreateManagedTrx(alice, "db", writeRequest("c"))
	require.NoError(t, err)

	_, err = m.LeaseManagedTrx(bob, id, LeaseShared, false)
	requireCode(t, err, CodePermissionDenied)
	requireCode(t, m.UpdateTransaction(bob, id, StatusAborted), CodePermissionDenied)
	require.Empty(t, m.ListTransactions(bob, "", false))

	list := m.ListTransactions(alice, "", false)
	require.Len(t, list, 1)
	require.Equal(t, "alice", list[0].User)
	require.Len(t, m.ListTransactions(root, "db", false), 1)
	require.Empty(t, m.ListTransactions(root, "other", false))

	lease, err := m.LeaseManagedTrx(root, id, LeaseShared, false)
	require.NoError(t, err)
	lease.Return()
}

func TestQueryOwnedTransactions(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t, Config{IdleTimeout: time.Second})
	txn := &fakeTxn{cols: map[string]AccessMode{}, running: true}

	require.NoError(t, m.RegisterAQLTrx(ID(43), "db", txn))
	requireCode(t, m.RegisterAQLTrx(ID(43), "db", txn), CodeAlreadyExists)

	_, err := m.LeaseManagedTrx(ctx, ID(43), LeaseShared, false)
	requireCode(t, err, CodeDisallowedOperation)
	requireCode(t, m.UpdateTransaction(ctx, ID(43), StatusCommitted), CodeDisallowedOperation)

	clock.Advance(time.Minute)
	m.GarbageCollect(ctx, false)
	require.Equal(t, 1, m.ActiveCount())
	_, aborted := txn.state()
	require.False(t, aborted)

	require.NoError(t, m.UnregisterAQLTrx(ID(43)))
	requireCode(t, m.UnregisterAQLTrx(ID(43)), CodeNotFound)
	require.Zero(t, m.ActiveCount())
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{GCInterval: 10 * time.Millisecond})
	m.Start(ctx)

	idle, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)
	busy, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)
	lease, err := m.LeaseManagedTrx(ctx, busy, LeaseExclusive, false)
	require.NoError(t, err)

	m.Shutdown(ctx)

	_, err = m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	requireCode(t, err, CodeShuttingDown)
	status, err := m.GetManagedTrxStatus(ctx, idle, "")
	require.NoError(t, err)
	require.Equal(t, StatusAborted, status)
	require.Equal(t, 1, m.ActiveCount())

	lease.Return()
	require.Zero(t, m.ActiveCount())
}

func TestShutdownAbortsTransactionOfSideUser(t *testing.T) {
	ctx := context.Background()
	m, engine, _ := newTestManager(t, Config{})

	id, err := m.CreateManagedTrx(ctx, "db", writeRequest("c"))
	require.NoError(t, err)
	exclusive, err := m.LeaseManagedTrx(ctx, id, LeaseExclusive, false)
	require.NoError(t, err)
	side, err := m.LeaseManagedTrx(ctx, id, LeaseShared, true)
	require.NoError(t, err)
	require.True(t, side.IsSideUser())
	exclusive.Return()

	m.Shutdown(ctx)
	status, err := m.GetManagedTrxStatus(ctx, id, "")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, status)

	side.Return()
	status, err = m.GetManagedTrxStatus(ctx, id, "")
	require.NoError(t, err)
	require.Equal(t, StatusAborted, status)
	require.Zero(t, m.ActiveCount())
	_, aborted := engine.last().state()
	require.True(t, aborted)
}

func TestAbortDatabaseAndWrites(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{})

	w1, err := m.CreateManagedTrx(ctx, "a", writeRequest("c"))
	require.NoError(t, err)
	r1, err := m.CreateManagedTrx(ctx, "a", Request{Collections: Collections{Read: []string{"c"}}})
	require.NoError(t, err)
	w2, err := m.CreateManagedTrx(ctx, "b", writeRequest("c"))
	require.NoError(t, err)

	n, err := m.AbortAllManagedWriteTrx(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for id, want := range map[ID]Status{w1: StatusAborted, w2: StatusAborted, r1: StatusRunning} {
		status, err := m.GetManagedTrxStatus(ctx, id, "")
		require.NoError(t, err)
		require.Equal(t, want, status, "transaction %s", id)
	}

	require.Equal(t, 1, m.AbortDatabase(ctx, "a"))
	require.Zero(t, m.AbortDatabase(ctx, "b"))
	require.Zero(t, m.ActiveCount())
}
