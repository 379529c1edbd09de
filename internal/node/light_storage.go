package node

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	chelpers "github.com/archivechain/archivechain/internal/clock"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/health"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/internal/storage"
)

// Light storage capacity bounds.
const (
	MinLightCapacity = 1 << 40
	MaxLightCapacity = 10 << 40
)

// Specialization names what a light storage node concentrates on.
type Specialization string

const (
	SpecializationDomain      Specialization = "domain"
	SpecializationContentType Specialization = "content_type"
	SpecializationGeographic  Specialization = "geographic"
	SpecializationTemporal    Specialization = "temporal"
	SpecializationLanguage    Specialization = "language"
	SpecializationPopularity  Specialization = "popularity"
	SpecializationCustom      Specialization = "custom"
)

// Valid reports whether the specialization is a known kind.
func (s Specialization) Valid() bool {
	switch s {
	case SpecializationDomain, SpecializationContentType, SpecializationGeographic,
		SpecializationTemporal, SpecializationLanguage, SpecializationPopularity,
		SpecializationCustom:
		return true
	default:
		return false
	}
}

// ContentFilter selects which content a light storage node accepts.
// Zero-valued criteria are not evaluated.
type ContentFilter struct {
	MimeTypes     []string
	MinSize       uint64
	MaxSize       uint64
	MinPopularity uint64
	From          time.Time
	To            time.Time
}

// Score averages the defined criteria: each contributes 1 when the
// object matches and 0 when it does not. A filter with no criteria
// accepts everything.
func (f ContentFilter) Score(meta model.ContentMetadata) float64 {
	var sum float64
	criteria := 0

	if len(f.MimeTypes) > 0 {
		criteria++
		for _, mime := range f.MimeTypes {
			if mime == meta.ContentType {
				sum++
				break
			}
		}
	}
	if f.MinSize > 0 || f.MaxSize > 0 {
		criteria++
		if (f.MinSize == 0 || meta.Size >= f.MinSize) &&
			(f.MaxSize == 0 || meta.Size <= f.MaxSize) {
			sum++
		}
	}
	if f.MinPopularity > 0 {
		criteria++
		if meta.Popularity >= f.MinPopularity {
			sum++
		}
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		criteria++
		if (f.From.IsZero() || !meta.CreatedAt.Before(f.From)) &&
			(f.To.IsZero() || !meta.CreatedAt.After(f.To)) {
			sum++
		}
	}

	if criteria == 0 {
		return 1.0
	}
	return sum / float64(criteria)
}

// LightStorageConfig tunes a light storage node.
type LightStorageConfig struct {
	Config
	StorageCapacity  uint64
	MinReplication   int
	MaxReplication   int
	Specialization   Specialization
	Filter           ContentFilter
	PopularCacheSize uint64
	CacheEntryLimit  int
	CacheMaxAge      time.Duration
}

// DefaultLightStorageConfig mirrors the deployed defaults. Light nodes
// sync selectively every five minutes.
func DefaultLightStorageConfig() LightStorageConfig {
	cfg := DefaultConfig()
	cfg.SyncInterval = 5 * time.Minute
	return LightStorageConfig{
		Config:           cfg,
		StorageCapacity:  MinLightCapacity,
		MinReplication:   3,
		MaxReplication:   8,
		Specialization:   SpecializationContentType,
		PopularCacheSize: 100 << 30,
		CacheEntryLimit:  10_000,
		CacheMaxAge:      7 * 24 * time.Hour,
	}
}

// Validate checks bounds.
func (c LightStorageConfig) Validate() error {
	const op = "node.LightStorageConfig"
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.StorageCapacity < MinLightCapacity || c.StorageCapacity > MaxLightCapacity {
		return errs.E(errs.InvalidInput, op, "capacity must be between 1 TiB and 10 TiB")
	}
	if c.MinReplication < 3 || c.MaxReplication > 8 || c.MinReplication > c.MaxReplication {
		return errs.E(errs.InvalidInput, op, "replication range must sit inside 3 to 8")
	}
	if !c.Specialization.Valid() {
		return errs.Ef(errs.InvalidInput, op, "unknown specialization %q", c.Specialization)
	}
	if c.PopularCacheSize == 0 || c.CacheEntryLimit <= 0 || c.CacheMaxAge <= 0 {
		return errs.E(errs.InvalidInput, op, "cache bounds must be positive")
	}
	if c.Filter.MinSize > 0 && c.Filter.MaxSize > 0 && c.Filter.MinSize > c.Filter.MaxSize {
		return errs.E(errs.InvalidInput, op, "filter size bounds are inverted")
	}
	if !c.Filter.From.IsZero() && !c.Filter.To.IsZero() && c.Filter.From.After(c.Filter.To) {
		return errs.E(errs.InvalidInput, op, "filter time bounds are inverted")
	}
	return nil
}

// popularEntry is one cached object.
type popularEntry struct {
	data    []byte
	hits    uint64
	addedAt time.Time
}

// popularCache holds frequently requested objects under a byte budget
// with LRU eviction.
type popularCache struct {
	mu      sync.Mutex
	entries *lru.Cache[model.Hash, *popularEntry]
	budget  uint64
	bytes   uint64
	maxAge  time.Duration
	clock   clock.Clock
}

func newPopularCache(limit int, budget uint64, maxAge time.Duration, c clock.Clock) (*popularCache, error) {
	pc := &popularCache{budget: budget, maxAge: maxAge, clock: c}
	entries, err := lru.NewWithEvict[model.Hash, *popularEntry](limit, func(_ model.Hash, e *popularEntry) {
		pc.bytes -= uint64(len(e.data))
	})
	if err != nil {
		return nil, err
	}
	pc.entries = entries
	return pc, nil
}

func (pc *popularCache) get(hash model.Hash) ([]byte, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	entry, ok := pc.entries.Get(hash)
	if !ok {
		return nil, false
	}
	entry.hits++
	return entry.data, true
}

func (pc *popularCache) add(hash model.Hash, data []byte) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if uint64(len(data)) > pc.budget {
		return
	}
	pc.entries.Remove(hash)
	pc.entries.Add(hash, &popularEntry{
		data:    append([]byte(nil), data...),
		addedAt: pc.clock.Now(),
	})
	pc.bytes += uint64(len(data))
	for pc.bytes > pc.budget && pc.entries.Len() > 0 {
		pc.entries.RemoveOldest()
	}
}

// cleanup drops entries past the age bound and entries never hit since
// insertion. Returns how many were dropped.
func (pc *popularCache) cleanup() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	now := pc.clock.Now()
	dropped := 0
	for _, hash := range pc.entries.Keys() {
		entry, ok := pc.entries.Peek(hash)
		if !ok {
			continue
		}
		if entry.hits == 0 || now.Sub(entry.addedAt) > pc.maxAge {
			pc.entries.Remove(hash)
			dropped++
		}
	}
	return dropped
}

func (pc *popularCache) purge() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.entries.Purge()
}

func (pc *popularCache) stats() (entries int, bytes uint64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.entries.Len(), pc.bytes
}

// LightStorage keeps a specialized slice of the archive selected by a
// content filter, with a popular-object cache in front of the store.
type LightStorage struct {
	baseNode
	lightCfg LightStorageConfig
	store    *storage.Manager
	cache    *popularCache
	accepted uint64
	rejected uint64
}

// NewLightStorage builds a light storage node over the shared storage
// coordinator.
func NewLightStorage(logger *zap.Logger, id model.Hash, operator model.PublicKey, cfg LightStorageConfig, store *storage.Manager) (*LightStorage, error) {
	const op = "node.NewLightStorage"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errs.E(errs.InvalidInput, op, "storage coordinator is required")
	}
	ls := &LightStorage{
		baseNode: newBaseNode(logger, id, operator, model.RoleLightStorage, cfg.Config),
		lightCfg: cfg,
		store:    store,
	}
	cache, err := newPopularCache(cfg.CacheEntryLimit, cfg.PopularCacheSize, cfg.CacheMaxAge, ls.clock)
	if err != nil {
		return nil, err
	}
	ls.cache = cache
	return ls, nil
}

// WithClock replaces the time source, for tests.
func (ls *LightStorage) WithClock(c clock.Clock) *LightStorage {
	ls.clock = c
	ls.cache.clock = c
	return ls
}

// Start brings the node online.
func (ls *LightStorage) Start(ctx context.Context) error {
	return ls.start("node.LightStorage.Start")
}

// Stop takes the node offline.
func (ls *LightStorage) Stop(ctx context.Context) error {
	return ls.stop("node.LightStorage.Stop")
}

// ShouldStore scores the object against the content filter. Objects
// scoring below 0.5 are rejected.
func (ls *LightStorage) ShouldStore(meta model.ContentMetadata) (float64, bool) {
	score := ls.lightCfg.Filter.Score(meta)
	ok := score >= 0.5
	ls.mu.Lock()
	if ok {
		ls.accepted++
	} else {
		ls.rejected++
	}
	ls.mu.Unlock()
	return score, ok
}

// MatchRate is the fraction of offered objects the filter accepted.
func (ls *LightStorage) MatchRate() float64 {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	total := ls.accepted + ls.rejected
	if total == 0 {
		return 1.0
	}
	return float64(ls.accepted) / float64(total)
}

// StoreContent stores an object after the filter admits it.
func (ls *LightStorage) StoreContent(data []byte, meta model.ContentMetadata) (storage.StoreReport, error) {
	const op = "node.LightStorage.StoreContent"
	if err := ls.requireRunning(op); err != nil {
		return storage.StoreReport{}, err
	}
	score, ok := ls.ShouldStore(meta)
	if !ok {
		return storage.StoreReport{}, errs.Ef(errs.InvalidInput, op,
			"content scores %.2f against the filter, below 0.5", score)
	}
	meta.DesiredRedundancy = ls.lightCfg.MinReplication
	return ls.store.Store(data, meta, ls.cfg.Region)
}

// RetrieveContent serves from the popular cache first, falling back to
// the store and caching the result.
func (ls *LightStorage) RetrieveContent(hash model.Hash, requester model.Hash) ([]byte, error) {
	const op = "node.LightStorage.RetrieveContent"
	if err := ls.requireRunning(op); err != nil {
		return nil, err
	}
	if data, ok := ls.cache.get(hash); ok {
		return data, nil
	}
	data, err := ls.store.Retrieve(hash, requester)
	if err != nil {
		return nil, err
	}
	ls.cache.add(hash, data)
	return data, nil
}

// CacheStats returns the popular cache occupancy.
func (ls *LightStorage) CacheStats() (entries int, bytes uint64) {
	return ls.cache.stats()
}

// storageUsage is the committed fraction of the node's capacity.
func (ls *LightStorage) storageUsage() float64 {
	used := float64(ls.store.StatsSnapshot().BytesStored) / float64(ls.lightCfg.StorageCapacity)
	if used > 1 {
		used = 1
	}
	return used
}

// Metrics returns the operational snapshot.
func (ls *LightStorage) Metrics() GeneralMetrics {
	return ls.snapshot(ls.storageUsage())
}

// HealthCheck grades the node: a filter match rate below 0.3 means the
// specialization no longer fits the traffic and is flagged as a
// warning.
func (ls *LightStorage) HealthCheck(ctx context.Context) (health.Report, error) {
	r := ls.report(ls.Metrics())
	if ls.MatchRate() < 0.3 {
		r.Status = health.StatusWarning
	}
	return r, nil
}

// HandleMessage answers pings and retrievals. Store offers are filtered
// before they touch the store.
func (ls *LightStorage) HandleMessage(ctx context.Context, msg model.NetworkMessage) (*model.NetworkMessage, error) {
	const op = "node.LightStorage.HandleMessage"
	if err := ls.checkEnvelope(op, msg); err != nil {
		ls.recordError()
		return nil, err
	}
	started := ls.clock.Now()

	switch msg.Kind {
	case model.MsgPing:
		reply := ls.pong(msg)
		ls.recordMessage(started, len(msg.Payload), len(reply.Payload))
		return reply, nil

	case model.MsgContentStore:
		meta := model.ContentMetadata{
			ContentType: "application/octet-stream",
			Owner:       ls.operator,
			Criticality: model.CriticalityStandard,
			Size:        uint64(len(msg.Payload)),
		}
		if _, err := ls.StoreContent(msg.Payload, meta); err != nil {
			ls.recordError()
			return nil, err
		}
		ls.recordMessage(started, len(msg.Payload), 0)
		return nil, nil

	case model.MsgContentRetrieve:
		hash, err := payloadHash(op, msg.Payload)
		if err != nil {
			ls.recordError()
			return nil, err
		}
		data, err := ls.RetrieveContent(hash, msg.Sender)
		if err != nil {
			ls.recordError()
			return nil, err
		}
		sender := msg.Sender
		reply := &model.NetworkMessage{
			ID:        pongID(msg.ID),
			Sender:    ls.id,
			Recipient: &sender,
			Kind:      model.MsgContentRetrieve,
			Payload:   data,
			Timestamp: ls.clock.Now(),
			TTL:       ls.cfg.MessageTTL,
		}
		ls.recordMessage(started, len(msg.Payload), len(data))
		return reply, nil

	default:
		ls.recordMessage(started, len(msg.Payload), 0)
		return nil, nil
	}
}

// SyncWithNetwork runs one selective sync round: stale and never-hit
// cache entries are dropped.
func (ls *LightStorage) SyncWithNetwork(ctx context.Context) error {
	const op = "node.LightStorage.Sync"
	if err := ls.requireRunning(op); err != nil {
		return err
	}
	if dropped := ls.cache.cleanup(); dropped > 0 {
		ls.logger.Debug("cache cleanup", zap.Int("dropped", dropped))
	}
	return nil
}

// Recover applies the monitor's mitigation.
func (ls *LightStorage) Recover(ctx context.Context, action health.RecoveryAction) error {
	switch action {
	case health.ActionClearCache:
		ls.cache.purge()
		return nil
	case health.ActionRestartNode:
		if err := ls.stop("node.LightStorage.Recover"); err != nil {
			return err
		}
		return ls.start("node.LightStorage.Recover")
	case health.ActionResynchronize:
		return ls.SyncWithNetwork(ctx)
	case health.ActionResetConnections:
		ls.resetConnections()
		return nil
	default:
		return nil
	}
}

// Run drives periodic selective syncs until the context ends.
func (ls *LightStorage) Run(ctx context.Context, sleep chelpers.SleepFunc) error {
	for {
		if err := sleep(ctx, ls.cfg.SyncInterval); err != nil {
			return err
		}
		if err := ls.SyncWithNetwork(ctx); err != nil {
			ls.logger.Warn("sync round failed", zap.Error(err))
		}
	}
}
