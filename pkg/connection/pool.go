// Package connection keeps reusable gRPC client connections to the other
// servers of the cluster, a small set per remote address.
package connection

import (
	"fmt"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
)

// addressPool holds up to maxSize connections to one address and hands them
// out round-robin. A gRPC connection multiplexes calls, so callers never
// return what they got.
type addressPool struct {
	mu      sync.Mutex
	conns   []*grpc.ClientConn
	next    atomic.Uint64
	maxSize int
	address string
}

// ConnectionPoolManager manages one addressPool per remote address.
type ConnectionPoolManager struct {
	mu       sync.RWMutex
	pools    map[string]*addressPool
	maxSize  int // connections per address
	dialOpts []grpc.DialOption
	closed   bool
}

// NewConnectionPoolManager creates a manager that opens at most maxSize
// connections per address, each created with dialOpts.
func NewConnectionPoolManager(maxSize int, dialOpts ...grpc.DialOption) *ConnectionPoolManager {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &ConnectionPoolManager{
		pools:    make(map[string]*addressPool),
		maxSize:  maxSize,
		dialOpts: dialOpts,
	}
}

// Get returns a connection to address, creating the pool on first use.
func (m *ConnectionPoolManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("connection pool is closed")
	}

	if !ok {
		m.mu.Lock()
		// Double-check after acquiring write lock
		pool, ok = m.pools[address]
		if !ok {
			pool = &addressPool{maxSize: m.maxSize, address: address}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}
	return pool.get(m.dialOpts)
}

// get grows the pool until maxSize, then rotates over existing connections.
func (p *addressPool) get(dialOpts []grpc.DialOption) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) < p.maxSize {
		conn, err := grpc.NewClient(p.address, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create client for %s: %w", p.address, err)
		}
		p.conns = append(p.conns, conn)
		return conn, nil
	}
	i := p.next.Add(1)
	return p.conns[i%uint64(len(p.conns))], nil
}

// Evict closes every connection to address, e.g. after the server moved.
func (m *ConnectionPoolManager) Evict(address string) {
	m.mu.Lock()
	pool, ok := m.pools[address]
	delete(m.pools, address)
	m.mu.Unlock()
	if ok {
		pool.close()
	}
}

// Size returns the number of open connections to address.
func (m *ConnectionPoolManager) Size(address string) int {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.conns)
}

// Close shuts down the entire connection pool manager, closing all connections.
func (m *ConnectionPoolManager) Close() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*addressPool)
	m.closed = true
	m.mu.Unlock()

	for _, pool := range pools {
		pool.close()
	}
}

func (p *addressPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.conns {
		conn.Close()
	}
	p.conns = nil
}
