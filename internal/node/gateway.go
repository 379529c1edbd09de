package node

import (
	"context"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/archivechain/archivechain/internal/crypto"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/health"
	"github.com/archivechain/archivechain/internal/model"
)

// LoadBalancingPolicy picks the backend for a request.
type LoadBalancingPolicy string

const (
	PolicyRoundRobin         LoadBalancingPolicy = "round_robin"
	PolicyLeastConnections   LoadBalancingPolicy = "least_connections"
	PolicyLeastResponseTime  LoadBalancingPolicy = "least_response_time"
	PolicyWeightedRoundRobin LoadBalancingPolicy = "weighted_round_robin"
	PolicyRandom             LoadBalancingPolicy = "random"
	PolicyIPHash             LoadBalancingPolicy = "ip_hash"
)

// Valid reports whether the policy is a known kind.
func (p LoadBalancingPolicy) Valid() bool {
	switch p {
	case PolicyRoundRobin, PolicyLeastConnections, PolicyLeastResponseTime,
		PolicyWeightedRoundRobin, PolicyRandom, PolicyIPHash:
		return true
	default:
		return false
	}
}

// CacheEviction picks the response-cache victim selection.
type CacheEviction string

const (
	EvictLRU  CacheEviction = "lru"
	EvictLFU  CacheEviction = "lfu"
	EvictTTL  CacheEviction = "ttl"
	EvictFIFO CacheEviction = "fifo"
)

// Valid reports whether the eviction policy is a known kind.
func (e CacheEviction) Valid() bool {
	switch e {
	case EvictLRU, EvictLFU, EvictTTL, EvictFIFO:
		return true
	default:
		return false
	}
}

// WAFAction is what a matched firewall rule does to the request.
type WAFAction string

const (
	WAFBlock     WAFAction = "block"
	WAFLog       WAFAction = "log"
	WAFChallenge WAFAction = "challenge"
)

// WAFRule is one pattern rule of the request firewall. Patterns match
// as lowercase substrings of the path and body.
type WAFRule struct {
	Name    string
	Pattern string
	Action  WAFAction
}

// DefaultWAFRules blocks the classic injection probes.
func DefaultWAFRules() []WAFRule {
	return []WAFRule{
		{Name: "script_injection", Pattern: "<script", Action: WAFBlock},
		{Name: "sql_injection", Pattern: "union select", Action: WAFBlock},
		{Name: "path_traversal", Pattern: "../", Action: WAFBlock},
	}
}

// GatewayConfig tunes a gateway node.
type GatewayConfig struct {
	Config
	ExposedAPIs    []string
	Policy         LoadBalancingPolicy
	CacheCapacity  uint64
	CacheTTL       time.Duration
	CacheEviction  CacheEviction
	RequestsPerSec float64
	Burst          int
	DDoSWindow     time.Duration
	DDoSThreshold  int
	WAF            []WAFRule
}

// DefaultGatewayConfig mirrors the deployed defaults: 100 requests per
// second with a burst of 50, a 1 GiB response cache and a one-minute
// DDoS window.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Config:         DefaultConfig(),
		ExposedAPIs:    []string{"rest"},
		Policy:         PolicyRoundRobin,
		CacheCapacity:  1 << 30,
		CacheTTL:       time.Hour,
		CacheEviction:  EvictLRU,
		RequestsPerSec: 100,
		Burst:          50,
		DDoSWindow:     time.Minute,
		DDoSThreshold:  1000,
		WAF:            DefaultWAFRules(),
	}
}

// Validate checks bounds.
func (c GatewayConfig) Validate() error {
	const op = "node.GatewayConfig"
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if len(c.ExposedAPIs) == 0 {
		return errs.E(errs.InvalidInput, op, "gateway must expose at least one API")
	}
	if !c.Policy.Valid() {
		return errs.Ef(errs.InvalidInput, op, "unknown load balancing policy %q", c.Policy)
	}
	if !c.CacheEviction.Valid() {
		return errs.Ef(errs.InvalidInput, op, "unknown cache eviction policy %q", c.CacheEviction)
	}
	if c.CacheCapacity == 0 || c.CacheTTL <= 0 {
		return errs.E(errs.InvalidInput, op, "cache bounds must be positive")
	}
	if c.RequestsPerSec <= 0 || c.Burst <= 0 {
		return errs.E(errs.InvalidInput, op, "rate limit bounds must be positive")
	}
	if c.DDoSWindow <= 0 || c.DDoSThreshold <= 0 {
		return errs.E(errs.InvalidInput, op, "DDoS bounds must be positive")
	}
	for _, rule := range c.WAF {
		if rule.Pattern == "" {
			return errs.Ef(errs.InvalidInput, op, "firewall rule %q has no pattern", rule.Name)
		}
	}
	return nil
}

// Backend is one upstream the gateway balances over.
type Backend struct {
	ID          model.Hash
	Address     string
	Weight      int
	Healthy     bool
	ActiveConns int
	AvgResponse time.Duration
}

// Request is the gateway's view of one client call.
type Request struct {
	ClientIP string
	APIKey   string
	Method   string
	Path     string
	Body     []byte
}

// Response is what the gateway hands back.
type Response struct {
	StatusCode int
	Body       []byte
	Backend    model.Hash
	Cached     bool
}

// ForwardFunc carries a request to a backend. The HTTP transport owns
// the wire.
type ForwardFunc func(ctx context.Context, backend Backend, req Request) (Response, error)

// cachedResponse is one response-cache slot.
type cachedResponse struct {
	resp     Response
	size     uint64
	hits     uint64
	addedAt  time.Time
	lastUsed time.Time
	seq      uint64
}

// responseCache holds responses under a byte budget with a pluggable
// victim selection.
type responseCache struct {
	mu       sync.Mutex
	entries  map[string]*cachedResponse
	capacity uint64
	bytes    uint64
	ttl      time.Duration
	policy   CacheEviction
	seq      uint64
	clock    clock.Clock
}

func newResponseCache(capacity uint64, ttl time.Duration, policy CacheEviction, c clock.Clock) *responseCache {
	return &responseCache{
		entries:  make(map[string]*cachedResponse),
		capacity: capacity,
		ttl:      ttl,
		policy:   policy,
		clock:    c,
	}
}

func (rc *responseCache) get(key string) (Response, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	entry, ok := rc.entries[key]
	if !ok {
		return Response{}, false
	}
	now := rc.clock.Now()
	if now.Sub(entry.addedAt) > rc.ttl {
		rc.removeLocked(key)
		return Response{}, false
	}
	entry.hits++
	entry.lastUsed = now
	resp := entry.resp
	resp.Cached = true
	return resp, true
}

func (rc *responseCache) put(key string, resp Response) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	size := uint64(len(resp.Body))
	if size > rc.capacity {
		return
	}
	if _, ok := rc.entries[key]; ok {
		rc.removeLocked(key)
	}
	now := rc.clock.Now()
	rc.seq++
	rc.entries[key] = &cachedResponse{
		resp:     resp,
		size:     size,
		addedAt:  now,
		lastUsed: now,
		seq:      rc.seq,
	}
	rc.bytes += size
	for rc.bytes > rc.capacity && len(rc.entries) > 1 {
		rc.removeLocked(rc.victimLocked(key))
	}
}

// victimLocked picks the entry to evict, never the one just inserted.
func (rc *responseCache) victimLocked(exempt string) string {
	var victim string
	better := func(candidate, current *cachedResponse) bool {
		switch rc.policy {
		case EvictLFU:
			return candidate.hits < current.hits
		case EvictTTL:
			return candidate.addedAt.Before(current.addedAt)
		case EvictFIFO:
			return candidate.seq < current.seq
		default:
			return candidate.lastUsed.Before(current.lastUsed)
		}
	}
	for key, entry := range rc.entries {
		if key == exempt {
			continue
		}
		if victim == "" || better(entry, rc.entries[victim]) {
			victim = key
		}
	}
	return victim
}

func (rc *responseCache) removeLocked(key string) {
	if entry, ok := rc.entries[key]; ok {
		rc.bytes -= entry.size
		delete(rc.entries, key)
	}
}

func (rc *responseCache) purge() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.entries = make(map[string]*cachedResponse)
	rc.bytes = 0
}

func (rc *responseCache) stats() (entries int, bytes uint64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.entries), rc.bytes
}

// GatewayStats are the gateway's request counters.
type GatewayStats struct {
	Requests    uint64
	CacheHits   uint64
	RateLimited uint64
	Blocked     uint64
}

// Gateway terminates client traffic: firewall, rate limits, DDoS
// detection, response caching and load balancing over its backends.
type Gateway struct {
	baseNode
	gwCfg     GatewayConfig
	backends  []*Backend
	rrCounter uint64
	limiters  map[string]*rate.Limiter
	keyLims   map[string]*rate.Limiter
	whitelist map[string]struct{}
	blacklist map[string]struct{}
	ddos      map[string][]time.Time
	cache     *responseCache
	forward   ForwardFunc
	stats     GatewayStats
}

// NewGateway builds a gateway node over the given forwarder.
func NewGateway(logger *zap.Logger, id model.Hash, operator model.PublicKey, cfg GatewayConfig, forward ForwardFunc) (*Gateway, error) {
	const op = "node.NewGateway"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if forward == nil {
		return nil, errs.E(errs.InvalidInput, op, "forwarder is required")
	}
	g := &Gateway{
		baseNode:  newBaseNode(logger, id, operator, model.RoleGateway, cfg.Config),
		gwCfg:     cfg,
		limiters:  make(map[string]*rate.Limiter),
		keyLims:   make(map[string]*rate.Limiter),
		whitelist: make(map[string]struct{}),
		blacklist: make(map[string]struct{}),
		ddos:      make(map[string][]time.Time),
		forward:   forward,
	}
	g.cache = newResponseCache(cfg.CacheCapacity, cfg.CacheTTL, cfg.CacheEviction, g.clock)
	return g, nil
}

// WithClock replaces the time source, for tests.
func (g *Gateway) WithClock(c clock.Clock) *Gateway {
	g.clock = c
	g.cache.clock = c
	return g
}

// Start brings the node online.
func (g *Gateway) Start(ctx context.Context) error {
	return g.start("node.Gateway.Start")
}

// Stop takes the node offline.
func (g *Gateway) Stop(ctx context.Context) error {
	return g.stop("node.Gateway.Stop")
}

// AddBackend registers an upstream. New backends start healthy.
func (g *Gateway) AddBackend(backend Backend) {
	g.mu.Lock()
	defer g.mu.Unlock()
	backend.Healthy = true
	if backend.Weight <= 0 {
		backend.Weight = 1
	}
	g.backends = append(g.backends, &backend)
}

// RemoveBackend drops an upstream.
func (g *Gateway) RemoveBackend(id model.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, backend := range g.backends {
		if backend.ID == id {
			g.backends = append(g.backends[:i], g.backends[i+1:]...)
			return
		}
	}
}

// SetBackendHealth flips an upstream in or out of rotation.
func (g *Gateway) SetBackendHealth(id model.Hash, healthy bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, backend := range g.backends {
		if backend.ID == id {
			backend.Healthy = healthy
			return
		}
	}
}

// AllowIP exempts a client from rate limiting and DDoS detection.
func (g *Gateway) AllowIP(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.whitelist[ip] = struct{}{}
	delete(g.blacklist, ip)
}

// BlockIP bans a client outright.
func (g *Gateway) BlockIP(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blacklist[ip] = struct{}{}
}

// UnblockIP lifts a ban.
func (g *Gateway) UnblockIP(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blacklist, ip)
}

// HandleHTTPRequest runs the full pipeline: security checks, rate
// limits, cache, backend selection and forwarding.
func (g *Gateway) HandleHTTPRequest(ctx context.Context, req Request) (Response, error) {
	const op = "node.Gateway.HandleHTTPRequest"
	if err := g.requireRunning(op); err != nil {
		return Response{}, err
	}
	started := g.clock.Now()
	g.mu.Lock()
	g.stats.Requests++
	g.mu.Unlock()

	if err := g.screen(op, req); err != nil {
		g.recordError()
		return Response{}, err
	}
	if !g.admit(req) {
		g.mu.Lock()
		g.stats.RateLimited++
		g.mu.Unlock()
		g.recordError()
		return Response{}, errs.E(errs.RateLimited, op, "client over rate limit")
	}

	cacheKey := req.Method + " " + req.Path
	if req.Method == http.MethodGet {
		if resp, ok := g.cache.get(cacheKey); ok {
			g.mu.Lock()
			g.stats.CacheHits++
			g.mu.Unlock()
			g.recordMessage(started, len(req.Body), len(resp.Body))
			return resp, nil
		}
	}

	backend, ok := g.selectBackend(req)
	if !ok {
		g.recordError()
		return Response{}, errs.E(errs.ServiceUnavailable, op, "no healthy backend")
	}

	resp, err := g.forward(ctx, backend, req)
	elapsed := g.clock.Now().Sub(started)
	g.observeBackend(backend.ID, elapsed, err == nil)
	if err != nil {
		g.recordError()
		return Response{}, errs.Wrap(errs.ServiceUnavailable, op, err)
	}
	resp.Backend = backend.ID

	if req.Method == http.MethodGet && resp.StatusCode == http.StatusOK {
		g.cache.put(cacheKey, resp)
	}
	g.recordMessage(started, len(req.Body), len(resp.Body))
	return resp, nil
}

// screen applies the blacklist, the DDoS window and the firewall rules.
func (g *Gateway) screen(op string, req Request) error {
	g.mu.Lock()
	if _, banned := g.blacklist[req.ClientIP]; banned {
		g.stats.Blocked++
		g.mu.Unlock()
		return errs.E(errs.Unauthorized, op, "client is blacklisted")
	}
	_, trusted := g.whitelist[req.ClientIP]
	if !trusted && g.overDDoSLocked(req.ClientIP) {
		g.blacklist[req.ClientIP] = struct{}{}
		g.stats.Blocked++
		g.mu.Unlock()
		g.logger.Warn("request flood, client banned", zap.String("ip", req.ClientIP))
		return errs.E(errs.RateLimited, op, "request flood detected")
	}
	g.mu.Unlock()

	haystack := strings.ToLower(req.Path + " " + string(req.Body))
	for _, rule := range g.gwCfg.WAF {
		if !strings.Contains(haystack, rule.Pattern) {
			continue
		}
		switch rule.Action {
		case WAFBlock:
			g.mu.Lock()
			g.stats.Blocked++
			g.mu.Unlock()
			return errs.Ef(errs.Unauthorized, op, "request blocked by rule %q", rule.Name)
		case WAFChallenge:
			return errs.Ef(errs.RateLimited, op, "challenge required by rule %q", rule.Name)
		default:
			g.logger.Info("firewall rule matched",
				zap.String("rule", rule.Name),
				zap.String("ip", req.ClientIP))
		}
	}
	return nil
}

// overDDoSLocked slides the per-client window forward and reports
// whether it crossed the threshold.
func (g *Gateway) overDDoSLocked(ip string) bool {
	now := g.clock.Now()
	cutoff := now.Add(-g.gwCfg.DDoSWindow)
	window := g.ddos[ip]
	kept := window[:0]
	for _, at := range window {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	g.ddos[ip] = kept
	return len(kept) > g.gwCfg.DDoSThreshold
}

// admit applies the token buckets: always per client IP, additionally
// per API key when one is presented. Whitelisted clients bypass both.
func (g *Gateway) admit(req Request) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, trusted := g.whitelist[req.ClientIP]; trusted {
		return true
	}
	limiter, ok := g.limiters[req.ClientIP]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(g.gwCfg.RequestsPerSec), g.gwCfg.Burst)
		g.limiters[req.ClientIP] = limiter
	}
	if !limiter.Allow() {
		return false
	}
	if req.APIKey != "" {
		keyLimiter, ok := g.keyLims[req.APIKey]
		if !ok {
			keyLimiter = rate.NewLimiter(rate.Limit(g.gwCfg.RequestsPerSec), g.gwCfg.Burst)
			g.keyLims[req.APIKey] = keyLimiter
		}
		if !keyLimiter.Allow() {
			return false
		}
	}
	return true
}

// selectBackend picks among the healthy upstreams under the configured
// policy.
func (g *Gateway) selectBackend(req Request) (Backend, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	healthy := make([]*Backend, 0, len(g.backends))
	for _, backend := range g.backends {
		if backend.Healthy {
			healthy = append(healthy, backend)
		}
	}
	if len(healthy) == 0 {
		return Backend{}, false
	}

	var pick *Backend
	switch g.gwCfg.Policy {
	case PolicyLeastConnections:
		pick = healthy[0]
		for _, backend := range healthy[1:] {
			if backend.ActiveConns < pick.ActiveConns {
				pick = backend
			}
		}
	case PolicyLeastResponseTime:
		pick = healthy[0]
		for _, backend := range healthy[1:] {
			if backend.AvgResponse < pick.AvgResponse {
				pick = backend
			}
		}
	case PolicyWeightedRoundRobin:
		total := 0
		for _, backend := range healthy {
			total += backend.Weight
		}
		slot := int(g.rrCounter % uint64(total))
		g.rrCounter++
		for _, backend := range healthy {
			if slot < backend.Weight {
				pick = backend
				break
			}
			slot -= backend.Weight
		}
	case PolicyRandom:
		pick = healthy[rand.IntN(len(healthy))]
	case PolicyIPHash:
		sum := crypto.Checksum([]byte(req.ClientIP))
		pick = healthy[int(sum[0])%len(healthy)]
	default:
		pick = healthy[int(g.rrCounter%uint64(len(healthy)))]
		g.rrCounter++
	}

	pick.ActiveConns++
	return *pick, true
}

// observeBackend folds one response time into the backend's moving
// average and releases its connection slot.
func (g *Gateway) observeBackend(id model.Hash, elapsed time.Duration, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, backend := range g.backends {
		if backend.ID != id {
			continue
		}
		if backend.ActiveConns > 0 {
			backend.ActiveConns--
		}
		if ok {
			if backend.AvgResponse == 0 {
				backend.AvgResponse = elapsed
			} else {
				backend.AvgResponse = (backend.AvgResponse*4 + elapsed) / 5
			}
		}
		return
	}
}

// CacheStats returns the response cache occupancy.
func (g *Gateway) CacheStats() (entries int, bytes uint64) {
	return g.cache.stats()
}

// StatsSnapshot returns the request counters.
func (g *Gateway) StatsSnapshot() GatewayStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Metrics returns the operational snapshot. Gateways hold no content.
func (g *Gateway) Metrics() GeneralMetrics {
	return g.snapshot(0)
}

// HealthCheck grades the node: no healthy backend means the gateway
// cannot serve and is critical; a partially degraded pool is a warning.
func (g *Gateway) HealthCheck(ctx context.Context) (health.Report, error) {
	r := g.report(g.Metrics())

	g.mu.Lock()
	total, healthy := len(g.backends), 0
	for _, backend := range g.backends {
		if backend.Healthy {
			healthy++
		}
	}
	g.mu.Unlock()

	switch {
	case healthy == 0:
		r.Status = health.StatusCritical
	case healthy < total:
		r.Status = health.StatusWarning
	}
	return r, nil
}

// HandleMessage answers pings. Gateways speak HTTP to clients, not the
// fabric protocol.
func (g *Gateway) HandleMessage(ctx context.Context, msg model.NetworkMessage) (*model.NetworkMessage, error) {
	const op = "node.Gateway.HandleMessage"
	if err := g.checkEnvelope(op, msg); err != nil {
		g.recordError()
		return nil, err
	}
	started := g.clock.Now()
	if msg.Kind == model.MsgPing {
		reply := g.pong(msg)
		g.recordMessage(started, len(msg.Payload), len(reply.Payload))
		return reply, nil
	}
	g.recordMessage(started, len(msg.Payload), 0)
	return nil, nil
}

// SyncWithNetwork prunes expired DDoS windows.
func (g *Gateway) SyncWithNetwork(ctx context.Context) error {
	const op = "node.Gateway.Sync"
	if err := g.requireRunning(op); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.clock.Now().Add(-g.gwCfg.DDoSWindow)
	for ip, window := range g.ddos {
		kept := window[:0]
		for _, at := range window {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		if len(kept) == 0 {
			delete(g.ddos, ip)
			continue
		}
		g.ddos[ip] = kept
	}
	return nil
}

// Recover applies the monitor's mitigation.
func (g *Gateway) Recover(ctx context.Context, action health.RecoveryAction) error {
	switch action {
	case health.ActionClearCache:
		g.cache.purge()
		return nil
	case health.ActionResetConnections:
		g.mu.Lock()
		for _, backend := range g.backends {
			backend.ActiveConns = 0
		}
		g.mu.Unlock()
		return nil
	case health.ActionRestartNode:
		if err := g.stop("node.Gateway.Recover"); err != nil {
			return err
		}
		return g.start("node.Gateway.Recover")
	case health.ActionResynchronize:
		return g.SyncWithNetwork(ctx)
	default:
		return nil
	}
}
