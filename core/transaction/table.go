package transaction

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numBuckets = 16

// bucket is one shard of the transaction table. mu guards the map shape;
// the records inside carry their own locks.
type bucket struct {
	mu   sync.RWMutex
	trxs map[ID]*ManagedTrx
}

type table struct {
	buckets [numBuckets]bucket
}

func newTable() *table {
	t := &table{}
	for i := range t.buckets {
		t.buckets[i].trxs = make(map[ID]*ManagedTrx)
	}
	return t
}

func bucketIndex(id ID) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return int(xxhash.Sum64(b[:]) % numBuckets)
}

func (t *table) bucket(id ID) *bucket {
	return &t.buckets[bucketIndex(id)]
}

// forEach visits every record with its bucket read-locked. fn must not
// acquire bucket locks.
func (t *table) forEach(fn func(id ID, trx *ManagedTrx)) {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.RLock()
		for id, trx := range b.trxs {
			fn(id, trx)
		}
		b.mu.RUnlock()
	}
}
