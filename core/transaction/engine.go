package transaction

import (
	"context"
	"time"
)

// AccessMode is the access a transaction requests on a collection.
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
	AccessExclusive
)

func (m AccessMode) String() string {
	switch m {
	case AccessWrite:
		return "write"
	case AccessExclusive:
		return "exclusive"
	default:
		return "read"
	}
}

// Hints are passed to EngineTxn.Begin.
type Hints uint32

const (
	HintGlobalManaged Hints = 1 << iota
	HintFollowerTrx
	HintSingleOperation
)

func (h Hints) Has(o Hints) bool { return h&o != 0 }

// Options tune the engine transaction. Zero values mean "use the manager default".
type Options struct {
	LockTimeout              time.Duration `json:"lock_timeout,omitempty"`
	MaxTransactionSize       uint64        `json:"max_transaction_size,omitempty"`
	IntermediateCommitCount  uint64        `json:"intermediate_commit_count,omitempty"`
	AllowImplicitCollections bool          `json:"allow_implicit_collections,omitempty"`
	WaitForSync              bool          `json:"wait_for_sync,omitempty"`
	IsFollowerTransaction    bool          `json:"-"`
}

// Collections lists the collections a transaction declares up front.
type Collections struct {
	Read      []string `json:"read,omitempty"`
	Write     []string `json:"write,omitempty"`
	Exclusive []string `json:"exclusive,omitempty"`
}

// Empty reports whether no collection is declared.
func (c Collections) Empty() bool {
	return len(c.Read) == 0 && len(c.Write) == 0 && len(c.Exclusive) == 0
}

// ReadOnly reports whether no collection is declared for writing.
func (c Collections) ReadOnly() bool {
	return len(c.Write) == 0 && len(c.Exclusive) == 0
}

// EngineTxn is the storage engine's transaction object. The manager never
// calls it from two goroutines at once except for read-only side users.
type EngineTxn interface {
	Begin(ctx context.Context, hints Hints) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
	IsRunning() bool
	AddCollection(name string, mode AccessMode) error
	// NumCommits counts intermediate commits performed so far.
	NumCommits() uint64
}

// Engine creates engine transactions.
type Engine interface {
	NewTransaction(id ID, opts Options) (EngineTxn, error)
}
