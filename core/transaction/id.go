package transaction

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// ID identifies a managed transaction process-wide. The two low bits encode
// who minted it: coordinators mint ids with remainder 0 and derive the ids of
// the shard leaders (+1) and followers (+2) from them; single servers mint
// legacy ids with remainder 3.
type ID uint64

const (
	kindCoordinator = 0
	kindLeader      = 1
	kindFollower    = 2
	kindLegacy      = 3
)

func (id ID) IsCoordinator() bool { return id%4 == kindCoordinator }
func (id ID) IsLeader() bool      { return id%4 == kindLeader }
func (id ID) IsFollower() bool    { return id%4 == kindFollower }
func (id ID) IsLegacy() bool      { return id%4 == kindLegacy }

// IsSet reports whether id is non-zero.
func (id ID) IsSet() bool { return id != 0 }

// Leader returns the id used on a shard leader for the coordinator transaction id.
func (id ID) Leader() ID { return id - id%4 + kindLeader }

// Follower returns the id used on replicas for the coordinator or leader transaction id.
func (id ID) Follower() ID { return id - id%4 + kindFollower }

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseID parses the decimal form produced by String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid transaction id %q: %w", s, err)
	}
	return ID(v), nil
}

// IDGenerator mints ids that are unique across servers: the upper 16 bits
// hold the server prefix, the rest a per-process tick.
type IDGenerator struct {
	prefix uint64
	tick   atomic.Uint64
}

// NewIDGenerator returns a generator for the given server prefix.
func NewIDGenerator(serverPrefix uint16) *IDGenerator {
	return &IDGenerator{prefix: uint64(serverPrefix) << 48}
}

func (g *IDGenerator) next(kind uint64) ID {
	t := g.tick.Add(1) & (1<<46 - 1)
	return ID(g.prefix | t<<2 | kind)
}

// NextCoordinator mints an id for a transaction started on a coordinator.
func (g *IDGenerator) NextCoordinator() ID { return g.next(kindCoordinator) }

// NextLegacy mints an id for a transaction started on a single server.
func (g *IDGenerator) NextLegacy() ID { return g.next(kindLegacy) }
