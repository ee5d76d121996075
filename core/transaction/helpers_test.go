package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/cluster"
)

// --- Test Helpers ---

type fakeTxn struct {
	mu        sync.Mutex
	id        ID
	opts      Options
	cols      map[string]AccessMode
	hints     Hints
	running   bool
	committed bool
	aborted   bool
	commits   uint64
	commitErr error
	// started is closed when Commit is entered; Commit then waits for gate.
	started chan struct{}
	gate    chan struct{}
}

func (f *fakeTxn) Begin(_ context.Context, hints Hints) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints = hints
	f.running = true
	return nil
}

func (f *fakeTxn) Commit(context.Context) error {
	if f.started != nil {
		close(f.started)
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.running = false
	f.committed = true
	return nil
}

func (f *fakeTxn) Abort(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.aborted = true
	return nil
}

func (f *fakeTxn) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTxn) AddCollection(name string, mode AccessMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.cols[name]; ok && cur >= mode {
		return nil
	}
	f.cols[name] = mode
	return nil
}

func (f *fakeTxn) NumCommits() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

func (f *fakeTxn) collections() map[string]AccessMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]AccessMode, len(f.cols))
	for k, v := range f.cols {
		out[k] = v
	}
	return out
}

func (f *fakeTxn) state() (committed, aborted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed, f.aborted
}

type fakeEngine struct {
	mu   sync.Mutex
	txns []*fakeTxn
	// commitErr and commitGate are handed to every transaction created afterwards.
	commitErr  error
	commitGate chan struct{}
}

func (e *fakeEngine) NewTransaction(id ID, opts Options) (EngineTxn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := &fakeTxn{id: id, opts: opts, cols: make(map[string]AccessMode), commitErr: e.commitErr}
	if e.commitGate != nil {
		t.started = make(chan struct{})
		t.gate = e.commitGate
	}
	e.txns = append(e.txns, t)
	return t, nil
}

func (e *fakeEngine) last() *fakeTxn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txns[len(e.txns)-1]
}

// testClock runs at wall-clock speed plus a manual offset, so that retry
// deadlines keep working while idle timeouts can be skipped.
type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *fakeEngine, *testClock) {
	t.Helper()
	engine := &fakeEngine{}
	clock := &testClock{}
	if cfg.ServerID == "" {
		cfg.ServerID = "server-1"
	}
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	m, err := NewManager(cfg, engine, opts...)
	require.NoError(t, err)
	m.now = clock.Now
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, engine, clock
}

func requireCode(t *testing.T, err error, code Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, CodeOf(err), "unexpected error: %v", err)
}

func writeRequest(cols ...string) Request {
	return Request{Collections: Collections{Write: cols}}
}

func dbserverConfig() Config {
	return Config{Role: cluster.RoleDBServer}
}

var errDiskFull = errors.New("disk full")
