package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
)

func newEngine(t *testing.T, collections ...string) *Engine {
	t.Helper()
	e := New(zap.NewNop())
	for _, c := range collections {
		require.NoError(t, e.CreateCollection(c))
	}
	return e
}

func begin(t *testing.T, e *Engine, opts transaction.Options, cols map[string]transaction.AccessMode) *Txn {
	t.Helper()
	txn, err := e.NewTransaction(transaction.ID(3), opts)
	require.NoError(t, err)
	for name, mode := range cols {
		require.NoError(t, txn.AddCollection(name, mode))
	}
	require.NoError(t, txn.Begin(context.Background(), transaction.HintGlobalManaged))
	return txn.(*Txn)
}

func TestCommitAppliesWrites(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "orders")
	txn := begin(t, e, transaction.Options{}, map[string]transaction.AccessMode{"orders": transaction.AccessWrite})

	require.NoError(t, txn.Put("orders", "o1", []byte(`{"qty":1}`)))
	v, ok, err := txn.Get("orders", "o1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"qty":1}`, string(v))

	_, ok, err = e.Get("orders", "o1")
	require.NoError(t, err)
	require.False(t, ok, "staged writes must not be visible before commit")

	require.NoError(t, txn.Commit(ctx))
	require.False(t, txn.IsRunning())
	v, ok, err = e.Get("orders", "o1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"qty":1}`, string(v))
	require.ErrorIs(t, txn.Commit(ctx), ErrNotRunning)
}

func TestAbortDropsWrites(t *testing.T) {
	e := newEngine(t, "orders")
	txn := begin(t, e, transaction.Options{}, map[string]transaction.AccessMode{"orders": transaction.AccessWrite})

	require.NoError(t, txn.Put("orders", "o1", []byte("x")))
	require.NoError(t, txn.Delete("orders", "o2"))
	require.NoError(t, txn.Abort(context.Background()))

	n, err := e.Count("orders")
	require.NoError(t, err)
	require.Zero(t, n)
	require.ErrorIs(t, txn.Put("orders", "o3", []byte("y")), ErrNotRunning)
}

func TestDeclaredAccess(t *testing.T) {
	e := newEngine(t, "a", "b")
	txn := begin(t, e, transaction.Options{}, map[string]transaction.AccessMode{"a": transaction.AccessRead})

	require.ErrorIs(t, txn.Put("a", "k", []byte("v")), ErrReadOnlyAccess)
	require.ErrorIs(t, txn.Put("b", "k", []byte("v")), ErrCollectionNotDeclared)
	require.ErrorIs(t, txn.AddCollection("b", transaction.AccessWrite), ErrCollectionNotDeclared)
	require.ErrorIs(t, txn.AddCollection("missing", transaction.AccessWrite), ErrCollectionNotFound)

	// Upgrading an already declared collection is allowed.
	require.NoError(t, txn.AddCollection("a", transaction.AccessWrite))
	require.NoError(t, txn.Put("a", "k", []byte("v")))
}

func TestImplicitCollections(t *testing.T) {
	e := newEngine(t, "s1", "s2")
	txn := begin(t, e, transaction.Options{AllowImplicitCollections: true}, nil)

	require.NoError(t, txn.Put("s1", "k", []byte("v")))
	require.NoError(t, txn.AddCollection("s2", transaction.AccessWrite))
	require.Equal(t, map[string]transaction.AccessMode{
		"s1": transaction.AccessWrite,
		"s2": transaction.AccessWrite,
	}, txn.Collections())
	require.ErrorIs(t, txn.Put("nope", "k", []byte("v")), ErrCollectionNotFound)
}

func TestSizeLimit(t *testing.T) {
	e := newEngine(t, "c")
	txn := begin(t, e, transaction.Options{MaxTransactionSize: 10}, map[string]transaction.AccessMode{"c": transaction.AccessWrite})

	require.NoError(t, txn.Put("c", "k1", []byte("123")))
	require.ErrorIs(t, txn.Put("c", "k2", []byte("1234567")), ErrTransactionTooLarge)
}

func TestIntermediateCommits(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "c")
	txn := begin(t, e, transaction.Options{IntermediateCommitCount: 2}, map[string]transaction.AccessMode{"c": transaction.AccessWrite})

	require.NoError(t, txn.Put("c", "k1", []byte("1")))
	require.Zero(t, txn.NumCommits())
	require.NoError(t, txn.Put("c", "k2", []byte("2")))
	require.Equal(t, uint64(1), txn.NumCommits())
	require.NoError(t, txn.Put("c", "k3", []byte("3")))

	// The intermediate commit survives the abort, the staged write does not.
	require.NoError(t, txn.Abort(ctx))
	n, err := e.Count("c")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCollections(t *testing.T) {
	e := newEngine(t, "b", "a")
	require.ErrorIs(t, e.CreateCollection("a"), ErrCollectionExists)
	require.Equal(t, []string{"a", "b"}, e.Collections())
	require.NoError(t, e.DropCollection("a"))
	require.ErrorIs(t, e.DropCollection("a"), ErrCollectionNotFound)
	_, _, err := e.Get("a", "k")
	require.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestWithManager(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "orders")
	m, err := transaction.NewManager(transaction.Config{}, e, transaction.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	id, err := m.CreateManagedTrx(ctx, "shop", transaction.Request{
		Collections: transaction.Collections{Write: []string{"orders"}},
	})
	require.NoError(t, err)

	lease, err := m.LeaseManagedTrx(ctx, id, transaction.LeaseExclusive, false)
	require.NoError(t, err)
	require.NoError(t, lease.Txn().(*Txn).Put("orders", "o1", []byte("paid")))
	lease.Return()

	require.NoError(t, m.CommitManagedTrx(ctx, id, "shop"))
	v, ok, err := e.Get("orders", "o1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "paid", string(v))
}
