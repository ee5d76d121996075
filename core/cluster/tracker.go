package cluster

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// PeerState identifies one incarnation of a server. The reboot id grows by
// one every time the server registers itself after a restart.
type PeerState struct {
	ServerID string `json:"server_id"`
	RebootID uint64 `json:"reboot_id"`
}

func (p PeerState) String() string {
	return fmt.Sprintf("%s/incarnation-%d", p.ServerID, p.RebootID)
}

// ServerHealth is what the tracker knows about a server.
type ServerHealth struct {
	RebootID uint64 `json:"reboot_id"`
	Failed   bool   `json:"failed"`
}

// Subscriber is notified once when the peer it registered against has
// rebooted, failed or left the cluster. key is the value passed to Register.
type Subscriber interface {
	OnPeerRebooted(ctx context.Context, key uint64, peer PeerState)
}

// HealthListener receives the full server health map after every membership change.
type HealthListener interface {
	UpdateServerState(state map[string]ServerHealth)
}

type subscription struct {
	peer        PeerState
	subscriber  Subscriber
	key         uint64
	description string
}

// RebootTracker is the peer-failure detector. Registrations are stored per
// server and indexed by a token; the returned Guard holds only the token.
type RebootTracker struct {
	mu        sync.Mutex
	known     map[string]ServerHealth
	subs      map[string]map[uint64]*subscription
	nextToken uint64

	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRebootTracker creates an empty tracker. Servers become known through UpdateServerState.
func NewRebootTracker(logger *zap.Logger) *RebootTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RebootTracker{
		known:  make(map[string]ServerHealth),
		subs:   make(map[string]map[uint64]*subscription),
		logger: logger.Named("reboot_tracker"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register arranges for sub.OnPeerRebooted(key, peer) to be called at most
// once when peer is observed to be gone. If the tracker already knows that
// peer's incarnation is stale the subscriber fires right away. The
// registration lives until the returned Guard is released.
func (t *RebootTracker) Register(peer PeerState, sub Subscriber, key uint64, description string) *Guard {
	s := &subscription{peer: peer, subscriber: sub, key: key, description: description}

	t.mu.Lock()
	if health, ok := t.known[peer.ServerID]; ok && (health.Failed || health.RebootID > peer.RebootID) {
		t.mu.Unlock()
		t.logger.Info("peer incarnation already gone at registration",
			zap.Stringer("peer", peer), zap.String("description", description))
		t.fire([]*subscription{s})
		return &Guard{}
	}
	t.nextToken++
	token := t.nextToken
	perServer, ok := t.subs[peer.ServerID]
	if !ok {
		perServer = make(map[uint64]*subscription)
		t.subs[peer.ServerID] = perServer
	}
	perServer[token] = s
	t.mu.Unlock()

	return &Guard{tracker: t, server: peer.ServerID, token: token}
}

// UpdateServerState replaces the tracker's view of the cluster. Every
// subscription whose server restarted with a higher reboot id, was marked
// failed, or disappeared from a previously known state fires.
func (t *RebootTracker) UpdateServerState(state map[string]ServerHealth) {
	var toFire []*subscription

	t.mu.Lock()
	for server, perServer := range t.subs {
		health, present := state[server]
		_, wasKnown := t.known[server]
		gone := !present && wasKnown
		for token, s := range perServer {
			if gone || (present && (health.Failed || health.RebootID > s.peer.RebootID)) {
				toFire = append(toFire, s)
				delete(perServer, token)
			}
		}
		if len(perServer) == 0 {
			delete(t.subs, server)
		}
	}
	known := make(map[string]ServerHealth, len(state))
	for k, v := range state {
		known[k] = v
	}
	t.known = known
	t.mu.Unlock()

	t.fire(toFire)
}

// Known returns the last health reported for server.
func (t *RebootTracker) Known(server string) (ServerHealth, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.known[server]
	return h, ok
}

// Subscriptions returns the number of live registrations.
func (t *RebootTracker) Subscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, perServer := range t.subs {
		n += len(perServer)
	}
	return n
}

// Close stops delivering callbacks and waits for running ones.
func (t *RebootTracker) Close() {
	t.cancel()
	t.wg.Wait()
}

// fire runs every subscriber on its own goroutine, never under t.mu.
func (t *RebootTracker) fire(subs []*subscription) {
	for _, s := range subs {
		t.logger.Info("peer rebooted or failed, firing callback",
			zap.Stringer("peer", s.peer), zap.String("description", s.description))
		t.wg.Add(1)
		go func(s *subscription) {
			defer t.wg.Done()
			s.subscriber.OnPeerRebooted(t.ctx, s.key, s.peer)
		}(s)
	}
}

func (t *RebootTracker) unregister(server string, token uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	perServer, ok := t.subs[server]
	if !ok {
		return
	}
	delete(perServer, token)
	if len(perServer) == 0 {
		delete(t.subs, server)
	}
}

// Guard is a live registration with a RebootTracker. The zero Guard is valid
// and releases nothing.
type Guard struct {
	tracker *RebootTracker
	server  string
	token   uint64
	once    sync.Once
}

// Release removes the registration. It is safe to call more than once.
func (g *Guard) Release() {
	if g == nil || g.tracker == nil {
		return
	}
	g.once.Do(func() {
		g.tracker.unregister(g.server, g.token)
	})
}
