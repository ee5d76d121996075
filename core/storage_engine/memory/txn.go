package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// Txn is a transaction of the memory engine.
type Txn struct {
	engine *Engine
	id     transaction.ID
	opts   transaction.Options

	mu      sync.Mutex
	hints   transaction.Hints
	cols    map[string]transaction.AccessMode
	staged  map[string]map[string][]byte
	size    uint64
	ops     uint64
	commits uint64
	running bool
	begun   bool
}

var _ transaction.EngineTxn = (*Txn)(nil)

func (t *Txn) Begin(_ context.Context, hints transaction.Hints) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.begun {
		return ErrAlreadyStarted
	}
	t.hints = hints
	t.begun = true
	t.running = true
	return nil
}

// AddCollection declares coll. Once the transaction runs, new collections
// are accepted only if implicit collections are allowed.
func (t *Txn) AddCollection(coll string, mode transaction.AccessMode) error {
	if !t.engine.hasCollection(coll) {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, coll)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, declared := t.cols[coll]
	if !declared && t.running && !t.opts.AllowImplicitCollections {
		return fmt.Errorf("%w: %s", ErrCollectionNotDeclared, coll)
	}
	if !declared || mode > cur {
		t.cols[coll] = mode
	}
	return nil
}

// Put stages a document write.
func (t *Txn) Put(coll, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return t.stage(coll, key, value)
}

// Delete stages a document removal.
func (t *Txn) Delete(coll, key string) error {
	return t.stage(coll, key, nil)
}

func (t *Txn) stage(coll, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return ErrNotRunning
	}
	if err := t.writable(coll); err != nil {
		return err
	}
	size := uint64(len(key) + len(value))
	if limit := t.opts.MaxTransactionSize; limit > 0 && t.size+size > limit {
		return fmt.Errorf("%w: %d bytes", ErrTransactionTooLarge, limit)
	}
	docs, ok := t.staged[coll]
	if !ok {
		docs = make(map[string][]byte)
		t.staged[coll] = docs
	}
	docs[key] = value
	t.size += size
	t.ops++

	if n := t.opts.IntermediateCommitCount; n > 0 && t.ops >= n {
		return t.intermediateCommit()
	}
	return nil
}

// writable makes sure coll may be written, adding it implicitly when allowed.
func (t *Txn) writable(coll string) error {
	mode, ok := t.cols[coll]
	if !ok {
		if !t.opts.AllowImplicitCollections {
			return fmt.Errorf("%w: %s", ErrCollectionNotDeclared, coll)
		}
		if !t.engine.hasCollection(coll) {
			return fmt.Errorf("%w: %s", ErrCollectionNotFound, coll)
		}
		t.cols[coll] = transaction.AccessWrite
		return nil
	}
	if mode == transaction.AccessRead {
		return fmt.Errorf("%w: %s", ErrReadOnlyAccess, coll)
	}
	return nil
}

func (t *Txn) intermediateCommit() error {
	if err := t.engine.apply(t.staged); err != nil {
		return err
	}
	t.commits++
	t.engine.logger.Debug("intermediate commit",
		zap.Stringer("trx_id", t.id), zap.Uint64("operations", t.ops), zap.Uint64("commits", t.commits))
	t.staged = make(map[string]map[string][]byte)
	t.ops = 0
	t.size = 0
	return nil
}

// Get reads key as seen by this transaction.
func (t *Txn) Get(coll, key string) ([]byte, bool, error) {
	t.mu.Lock()
	if _, ok := t.cols[coll]; !ok && !t.opts.AllowImplicitCollections {
		t.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s", ErrCollectionNotDeclared, coll)
	}
	if docs, ok := t.staged[coll]; ok {
		if v, ok := docs[key]; ok {
			t.mu.Unlock()
			return v, v != nil, nil
		}
	}
	t.mu.Unlock()
	return t.engine.Get(coll, key)
}

func (t *Txn) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return ErrNotRunning
	}
	if err := t.engine.apply(t.staged); err != nil {
		return err
	}
	t.staged = nil
	t.running = false
	return nil
}

// Abort drops staged writes. Intermediate commits stay applied.
func (t *Txn) Abort(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return ErrNotRunning
	}
	t.staged = nil
	t.running = false
	return nil
}

func (t *Txn) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Txn) NumCommits() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commits
}

// Hints returns the hints given to Begin.
func (t *Txn) Hints() transaction.Hints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hints
}

// Collections returns the declared collections and their access modes.
func (t *Txn) Collections() map[string]transaction.AccessMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]transaction.AccessMode, len(t.cols))
	for k, v := range t.cols {
		out[k] = v
	}
	return out
}
