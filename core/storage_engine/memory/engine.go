// Package memory is an in-memory storage engine. Documents live in plain
// maps per collection; a transaction stages its writes and applies them on
// commit or whenever its intermediate commit threshold is reached.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
)

var (
	ErrCollectionNotFound    = errors.New("collection not found")
	ErrCollectionExists      = errors.New("collection already exists")
	ErrCollectionNotDeclared = errors.New("collection not declared in transaction")
	ErrReadOnlyAccess        = errors.New("collection declared for reading only")
	ErrTransactionTooLarge   = errors.New("transaction exceeds maximum size")
	ErrNotRunning            = errors.New("transaction is not running")
	ErrAlreadyStarted        = errors.New("transaction already started")
)

type collection struct {
	docs map[string][]byte
}

// Engine holds the committed state of every collection.
type Engine struct {
	mu          sync.RWMutex
	collections map[string]*collection
	logger      *zap.Logger
}

var _ transaction.Engine = (*Engine)(nil)

// New returns an empty engine.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		collections: make(map[string]*collection),
		logger:      logger.Named("memory_engine"),
	}
}

// CreateCollection adds an empty collection.
func (e *Engine) CreateCollection(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.collections[name]; ok {
		return fmt.Errorf("%w: %s", ErrCollectionExists, name)
	}
	e.collections[name] = &collection{docs: make(map[string][]byte)}
	return nil
}

// DropCollection removes a collection and its documents.
func (e *Engine) DropCollection(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.collections[name]; !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	delete(e.collections, name)
	return nil
}

// Collections lists the collection names in order.
func (e *Engine) Collections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get reads the committed value of key.
func (e *Engine) Get(coll, key string) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.collections[coll]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrCollectionNotFound, coll)
	}
	v, ok := c.docs[key]
	return v, ok, nil
}

// Count returns the number of committed documents in coll.
func (e *Engine) Count(coll string) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.collections[coll]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, coll)
	}
	return len(c.docs), nil
}

func (e *Engine) hasCollection(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.collections[name]
	return ok
}

// apply writes staged changes. A nil value deletes the document.
func (e *Engine) apply(staged map[string]map[string][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for coll := range staged {
		if _, ok := e.collections[coll]; !ok {
			return fmt.Errorf("%w: %s", ErrCollectionNotFound, coll)
		}
	}
	for coll, docs := range staged {
		c := e.collections[coll]
		for key, v := range docs {
			if v == nil {
				delete(c.docs, key)
			} else {
				c.docs[key] = v
			}
		}
	}
	return nil
}

// NewTransaction creates a transaction that has not begun yet.
func (e *Engine) NewTransaction(id transaction.ID, opts transaction.Options) (transaction.EngineTxn, error) {
	return &Txn{
		engine: e,
		id:     id,
		opts:   opts,
		cols:   make(map[string]transaction.AccessMode),
		staged: make(map[string]map[string][]byte),
	}, nil
}
