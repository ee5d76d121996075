package transaction

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojotxn/core/cluster"
)

// Kind is the role of a record in the transaction table.
type Kind int

const (
	KindManaged         Kind = iota // leasable multi-request transaction
	KindStandaloneQuery             // owned by a single query, never leased from outside
	KindTombstone                   // finished; kept only to answer status queries
)

func (k Kind) String() string {
	switch k {
	case KindManaged:
		return "managed"
	case KindStandaloneQuery:
		return "query"
	case KindTombstone:
		return "tombstone"
	default:
		return "unknown"
	}
}

// Status is the outcome of a transaction.
type Status int

const (
	StatusUndefined Status = iota
	StatusRunning
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "undefined"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) Status {
	switch s {
	case "running":
		return StatusRunning
	case "committed":
		return StatusCommitted
	case "aborted":
		return StatusAborted
	default:
		return StatusUndefined
	}
}

// ManagedTrx is one entry of the transaction table. The bucket map owns it
// and it owns the engine transaction; leases only borrow the engine.
//
// kind, finalStatus, engine and the metadata fields change only while the
// bucket write lock is held. mu serializes lease holders on the engine.
type ManagedTrx struct {
	mu        sync.RWMutex
	sideUsers atomic.Int32
	expiresAt atomic.Int64 // unix nanos; 0 marks a soft abort

	id                  ID
	kind                Kind
	finalStatus         Status
	committing          bool // engine commit of a Committed tombstone in flight
	wasExpired          bool
	intermediateCommits bool
	generation          uint64
	timeToLive          time.Duration
	engine              EngineTxn
	readOnly            bool
	created             time.Time

	user     string
	database string
	context  string
	origin   cluster.PeerState
	guard    *cluster.Guard
}

func newManagedTrx(id ID, kind Kind, engine EngineTxn, ttl time.Duration, now time.Time) *ManagedTrx {
	t := &ManagedTrx{
		id:         id,
		kind:       kind,
		engine:     engine,
		timeToLive: ttl,
		created:    now,
	}
	t.expiresAt.Store(now.Add(ttl).UnixNano())
	return t
}

func newTombstone(id ID, status Status, ttl time.Duration, now time.Time) *ManagedTrx {
	t := newManagedTrx(id, KindTombstone, nil, ttl, now)
	t.finalStatus = status
	return t
}

// expired reports whether the idle deadline passed or a soft abort was requested.
func (t *ManagedTrx) expired(now time.Time) bool {
	return t.expiresAt.Load() < now.UnixNano()
}

// softAbort marks a busy transaction so that its holder aborts it on return.
func (t *ManagedTrx) softAbort() { t.expiresAt.Store(0) }

// refreshExpiry extends the deadline by the time to live unless a soft abort
// was requested in the meantime, in which case it reports true.
func (t *ManagedTrx) refreshExpiry(now time.Time) (softAborted bool) {
	next := now.Add(t.timeToLive).UnixNano()
	for {
		cur := t.expiresAt.Load()
		if cur == 0 {
			return true
		}
		if t.expiresAt.CompareAndSwap(cur, next) {
			return false
		}
	}
}

// toTombstone detaches the engine transaction and turns the record into a
// tombstone. The caller holds the bucket write lock and the record lock.
func (t *ManagedTrx) toTombstone(status Status, ttl time.Duration, now time.Time) (EngineTxn, *cluster.Guard) {
	engine, guard := t.engine, t.guard
	t.engine = nil
	t.guard = nil
	t.kind = KindTombstone
	t.finalStatus = status
	t.committing = status == StatusCommitted
	t.generation++
	t.timeToLive = ttl
	t.context = ""
	t.expiresAt.Store(now.Add(ttl).UnixNano())
	return engine, guard
}

// Info is the externally visible description of a transaction.
type Info struct {
	ID        ID        `json:"id"`
	State     string    `json:"state"`
	Kind      string    `json:"kind"`
	User      string    `json:"user,omitempty"`
	Database  string    `json:"database"`
	ReadOnly  bool      `json:"read_only"`
	Server    string    `json:"server,omitempty"`
	Context   string    `json:"context,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	SideUsers int32     `json:"side_users,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (t *ManagedTrx) info(server string, details bool) Info {
	state := StatusRunning
	if t.kind == KindTombstone {
		state = t.finalStatus
	}
	in := Info{
		ID:       t.id,
		State:    state.String(),
		Kind:     t.kind.String(),
		User:     t.user,
		Database: t.database,
		ReadOnly: t.readOnly,
		Server:   server,
	}
	if details {
		in.Context = t.context
		in.SideUsers = t.sideUsers.Load()
		if exp := t.expiresAt.Load(); exp != 0 {
			in.ExpiresAt = time.Unix(0, exp)
		}
		if t.origin.ServerID != "" {
			in.Origin = t.origin.String()
		}
	}
	return in
}
