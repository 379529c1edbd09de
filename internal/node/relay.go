package node

import (
	"context"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/health"
	"github.com/archivechain/archivechain/internal/model"
)

// MaxRelayTTL caps how far a message can travel regardless of what the
// sender asked for.
const MaxRelayTTL = 64

// RoutingStrategy picks the next hops for a relayed message.
type RoutingStrategy string

const (
	RoutingFlooding       RoutingStrategy = "flooding"
	RoutingDistanceVector RoutingStrategy = "distance_vector"
	RoutingLinkState      RoutingStrategy = "link_state"
	RoutingAdaptive       RoutingStrategy = "adaptive"
)

// Valid reports whether the strategy is a known kind.
func (s RoutingStrategy) Valid() bool {
	switch s {
	case RoutingFlooding, RoutingDistanceVector, RoutingLinkState, RoutingAdaptive:
		return true
	default:
		return false
	}
}

// RelayConfig tunes a relay node.
type RelayConfig struct {
	Config
	Strategy          RoutingStrategy
	QueueCapacity     int
	MaxRetries        int
	RecentWindow      int
	MetadataCacheSize int
	MinConnectedPeers int
}

// DefaultRelayConfig mirrors the deployed defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Config:            DefaultConfig(),
		Strategy:          RoutingAdaptive,
		QueueCapacity:     10_000,
		MaxRetries:        3,
		RecentWindow:      50_000,
		MetadataCacheSize: 10_000,
		MinConnectedPeers: 10,
	}
}

// Validate checks bounds.
func (c RelayConfig) Validate() error {
	const op = "node.RelayConfig"
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.MessageTTL > MaxRelayTTL {
		return errs.Ef(errs.InvalidInput, op, "message TTL cannot exceed %d", MaxRelayTTL)
	}
	if !c.Strategy.Valid() {
		return errs.Ef(errs.InvalidInput, op, "unknown routing strategy %q", c.Strategy)
	}
	if c.QueueCapacity <= 0 || c.MaxRetries <= 0 {
		return errs.E(errs.InvalidInput, op, "queue capacity and retry bound must be positive")
	}
	if c.RecentWindow <= 0 || c.MetadataCacheSize <= 0 {
		return errs.E(errs.InvalidInput, op, "cache bounds must be positive")
	}
	if c.MinConnectedPeers <= 0 {
		return errs.E(errs.InvalidInput, op, "minimum peer count must be positive")
	}
	return nil
}

// Peer is one routing neighbor.
type Peer struct {
	ID        model.Hash
	Address   string
	Latency   time.Duration
	Connected bool
}

// queuedRelay is a message waiting to be forwarded.
type queuedRelay struct {
	msg      model.NetworkMessage
	attempts int
}

// DeliverFunc hands a message to one peer. The transport owns the wire.
type DeliverFunc func(ctx context.Context, peer model.Hash, msg model.NetworkMessage) error

// RelayStats are the relay's forwarding counters.
type RelayStats struct {
	Forwarded  uint64
	Dropped    uint64
	Duplicates uint64
	Expired    uint64
	QueueDepth int
}

// Relay moves messages between peers without storing content. Loop
// prevention rides on a recent-message window, delivery failures retry
// up to the configured bound.
type Relay struct {
	baseNode
	relayCfg   RelayConfig
	peers      map[model.Hash]*Peer
	queue      deque.Deque[*queuedRelay]
	recent     *lru.Cache[string, struct{}]
	metadata   *lru.Cache[model.Hash, model.ContentMetadata]
	forwarded  uint64
	dropped    uint64
	duplicates uint64
	expired    uint64
}

// NewRelay builds a relay node.
func NewRelay(logger *zap.Logger, id model.Hash, operator model.PublicKey, cfg RelayConfig) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	recent, err := lru.New[string, struct{}](cfg.RecentWindow)
	if err != nil {
		return nil, err
	}
	metadata, err := lru.New[model.Hash, model.ContentMetadata](cfg.MetadataCacheSize)
	if err != nil {
		return nil, err
	}
	return &Relay{
		baseNode: newBaseNode(logger, id, operator, model.RoleRelay, cfg.Config),
		relayCfg: cfg,
		peers:    make(map[model.Hash]*Peer),
		recent:   recent,
		metadata: metadata,
	}, nil
}

// WithClock replaces the time source, for tests.
func (r *Relay) WithClock(c clock.Clock) *Relay {
	r.clock = c
	return r
}

// Start brings the node online.
func (r *Relay) Start(ctx context.Context) error {
	return r.start("node.Relay.Start")
}

// Stop takes the node offline and drops the queue.
func (r *Relay) Stop(ctx context.Context) error {
	if err := r.stop("node.Relay.Stop"); err != nil {
		return err
	}
	r.mu.Lock()
	r.queue.Clear()
	r.mu.Unlock()
	return nil
}

// ConnectPeer adds or reconnects a routing neighbor.
func (r *Relay) ConnectPeer(peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer.Connected = true
	r.peers[peer.ID] = &peer
	r.conns = r.connectedLocked()
}

// DisconnectPeer marks a neighbor unreachable without forgetting its
// route metrics.
func (r *Relay) DisconnectPeer(id model.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer, ok := r.peers[id]; ok {
		peer.Connected = false
	}
	r.conns = r.connectedLocked()
}

// SetPeerLatency records a fresh latency measurement for a neighbor.
func (r *Relay) SetPeerLatency(id model.Hash, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer, ok := r.peers[id]; ok {
		peer.Latency = latency
	}
}

func (r *Relay) connectedLocked() int {
	n := 0
	for _, peer := range r.peers {
		if peer.Connected {
			n++
		}
	}
	return n
}

// ConnectedPeers returns the reachable neighbor count.
func (r *Relay) ConnectedPeers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedLocked()
}

// Enqueue accepts a message for forwarding: duplicates and exhausted
// TTLs are dropped, a full queue pushes back on the sender.
func (r *Relay) Enqueue(msg model.NetworkMessage) error {
	const op = "node.Relay.Enqueue"
	if err := r.requireRunning(op); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.recent.Get(msg.ID); seen {
		r.duplicates++
		return errs.E(errs.InvalidState, op, "duplicate message")
	}
	if msg.TTL > MaxRelayTTL {
		msg.TTL = MaxRelayTTL
	}
	msg.TTL--
	if msg.Expired() {
		r.expired++
		return errs.E(errs.DeadlineExpired, op, "message TTL exhausted")
	}
	if r.queue.Len() >= r.relayCfg.QueueCapacity {
		return errs.Quantitative(errs.RateLimited, op,
			uint64(r.relayCfg.QueueCapacity), uint64(r.queue.Len()))
	}

	r.recent.Add(msg.ID, struct{}{})
	r.queue.PushBack(&queuedRelay{msg: msg})
	return nil
}

// NextHops resolves the peers a message goes to under the configured
// strategy. Flooding fans out to every connected peer except the
// sender; the metric strategies pick the lowest-latency connected peer.
func (r *Relay) NextHops(msg model.NetworkMessage) []model.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextHopsLocked(msg)
}

func (r *Relay) nextHopsLocked(msg model.NetworkMessage) []model.Hash {
	candidates := make([]*Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		if !peer.Connected || peer.ID == msg.Sender {
			continue
		}
		if msg.Recipient != nil && peer.ID == *msg.Recipient {
			return []model.Hash{peer.ID}
		}
		candidates = append(candidates, peer)
	}
	if len(candidates) == 0 {
		return nil
	}

	if r.relayCfg.Strategy == RoutingFlooding && msg.IsBroadcast() {
		hops := make([]model.Hash, 0, len(candidates))
		for _, peer := range candidates {
			hops = append(hops, peer.ID)
		}
		sort.Slice(hops, func(i, j int) bool { return hops[i].Hex() < hops[j].Hex() })
		return hops
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Latency != candidates[j].Latency {
			return candidates[i].Latency < candidates[j].Latency
		}
		return candidates[i].ID.Hex() < candidates[j].ID.Hex()
	})
	return []model.Hash{candidates[0].ID}
}

// Flush forwards the queued messages. Failed deliveries retry up to the
// configured bound, then the message is dropped.
func (r *Relay) Flush(ctx context.Context, deliver DeliverFunc) (forwarded, dropped int) {
	const op = "node.Relay.Flush"
	if err := r.requireRunning(op); err != nil {
		return 0, 0
	}

	r.mu.Lock()
	pending := make([]*queuedRelay, 0, r.queue.Len())
	for r.queue.Len() > 0 {
		pending = append(pending, r.queue.PopFront())
	}
	r.mu.Unlock()

	var requeue []*queuedRelay
	for _, item := range pending {
		hops := r.NextHops(item.msg)
		if len(hops) == 0 {
			dropped++
			continue
		}
		failed := false
		for _, hop := range hops {
			if err := deliver(ctx, hop, item.msg); err != nil {
				failed = true
				r.logger.Debug("delivery failed",
					zap.String("peer", hop.Short()),
					zap.String("message", item.msg.ID),
					zap.Error(err))
			}
		}
		if !failed {
			forwarded++
			continue
		}
		item.attempts++
		if item.attempts >= r.relayCfg.MaxRetries {
			dropped++
			continue
		}
		requeue = append(requeue, item)
	}

	r.mu.Lock()
	for _, item := range requeue {
		r.queue.PushBack(item)
	}
	r.forwarded += uint64(forwarded)
	r.dropped += uint64(dropped)
	r.mu.Unlock()
	return forwarded, dropped
}

// CacheMetadata remembers content metadata passing through the relay.
func (r *Relay) CacheMetadata(meta model.ContentMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata.Add(meta.ContentHash, meta)
}

// CachedMetadata returns a remembered record.
func (r *Relay) CachedMetadata(hash model.Hash) (model.ContentMetadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metadata.Get(hash)
}

// StatsSnapshot returns the forwarding counters.
func (r *Relay) StatsSnapshot() RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RelayStats{
		Forwarded:  r.forwarded,
		Dropped:    r.dropped,
		Duplicates: r.duplicates,
		Expired:    r.expired,
		QueueDepth: r.queue.Len(),
	}
}

// Metrics returns the operational snapshot. Relays hold no content.
func (r *Relay) Metrics() GeneralMetrics {
	return r.snapshot(0)
}

// HealthCheck grades the node: too few connected peers degrades routing
// and is flagged as a warning.
func (r *Relay) HealthCheck(ctx context.Context) (health.Report, error) {
	rep := r.report(r.Metrics())
	if r.ConnectedPeers() < r.relayCfg.MinConnectedPeers {
		rep.Status = health.StatusWarning
	}
	return rep, nil
}

// HandleMessage answers pings directly and queues everything else for
// forwarding.
func (r *Relay) HandleMessage(ctx context.Context, msg model.NetworkMessage) (*model.NetworkMessage, error) {
	const op = "node.Relay.HandleMessage"
	if err := r.checkEnvelope(op, msg); err != nil {
		r.recordError()
		return nil, err
	}
	started := r.clock.Now()

	if msg.Kind == model.MsgPing {
		reply := r.pong(msg)
		r.recordMessage(started, len(msg.Payload), len(reply.Payload))
		return reply, nil
	}

	if err := r.Enqueue(msg); err != nil {
		r.recordError()
		return nil, err
	}
	r.recordMessage(started, len(msg.Payload), 0)
	return nil, nil
}

// SyncWithNetwork drops route entries for peers gone too long. The
// transport re-adds peers as it rediscovers them.
func (r *Relay) SyncWithNetwork(ctx context.Context) error {
	const op = "node.Relay.Sync"
	if err := r.requireRunning(op); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, peer := range r.peers {
		if !peer.Connected {
			delete(r.peers, id)
		}
	}
	return nil
}

// Recover applies the monitor's mitigation.
func (r *Relay) Recover(ctx context.Context, action health.RecoveryAction) error {
	switch action {
	case health.ActionClearCache:
		r.mu.Lock()
		r.metadata.Purge()
		r.recent.Purge()
		r.mu.Unlock()
		return nil
	case health.ActionResetConnections:
		r.mu.Lock()
		for _, peer := range r.peers {
			peer.Connected = false
		}
		r.conns = 0
		r.mu.Unlock()
		return nil
	case health.ActionRestartNode:
		if err := r.Stop(ctx); err != nil {
			return err
		}
		return r.Start(ctx)
	case health.ActionResynchronize:
		return r.SyncWithNetwork(ctx)
	default:
		return nil
	}
}
