package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/archive"
	"github.com/archivechain/archivechain/internal/bandwidth"
	"github.com/archivechain/archivechain/internal/crypto"
	"github.com/archivechain/archivechain/internal/discovery"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/health"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/internal/replication"
	"github.com/archivechain/archivechain/internal/storage"
)

type directory struct {
	mu    sync.Mutex
	nodes map[model.Hash]model.NodeInfo
}

func (d *directory) ActiveNodes() []model.NodeInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	var active []model.NodeInfo
	for _, node := range d.nodes {
		if node.Status == model.NodeActive {
			active = append(active, node)
		}
	}
	return active
}

func (d *directory) NodeOf(id model.Hash) (model.NodeInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, ok := d.nodes[id]
	if !ok {
		return model.NodeInfo{}, errs.E(errs.NotFound, "directory.NodeOf", "unknown node")
	}
	return node, nil
}

// testStore wires a storage coordinator over real collaborators with a
// three-node directory, everything on one mock clock.
func testStore(t *testing.T) (*storage.Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	logger := zap.NewNop()

	arch, err := archive.NewStore(logger, archive.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	arch.WithClock(mock)

	geo := replication.NewGeoIndex()
	planner, err := replication.NewPlanner(logger, geo, replication.DefaultConfig())
	require.NoError(t, err)
	planner.WithClock(mock)

	disc, err := discovery.New(logger, discovery.DefaultConfig())
	require.NoError(t, err)
	disc.WithClock(mock)

	sched, err := bandwidth.NewScheduler(logger, bandwidth.DefaultConfig(), bandwidth.DefaultQoSPolicy())
	require.NoError(t, err)
	sched.WithClock(mock)

	dir := &directory{nodes: make(map[model.Hash]model.NodeInfo)}
	for i := byte(1); i <= 3; i++ {
		info := model.NodeInfo{
			NodeID: model.Hash{0: i},
			Role:   model.RoleFullArchive,
			Region: "eu-west",
			Status: model.NodeActive,
			Capabilities: model.NodeCapabilities{
				StorageCapacity:   10 << 40,
				BandwidthCapacity: 100 << 20,
			},
			Metrics: model.PerformanceMetrics{
				StorageUsage:   0.3,
				NetworkLatency: 50 * time.Millisecond,
			},
		}
		dir.nodes[info.NodeID] = info
		geo.AddNode(info)
	}

	m, err := storage.NewManager(logger, storage.DefaultConfig(), storage.Dependencies{
		Archive:   arch,
		Planner:   planner,
		Geo:       geo,
		Discovery: disc,
		Bandwidth: sched,
		Directory: dir,
		LocalNode: model.Hash{0: 0xAA},
	})
	require.NoError(t, err)
	m.WithClock(mock)
	return m, mock
}

func testFullArchive(t *testing.T) (*FullArchive, *clock.Mock) {
	t.Helper()
	store, mock := testStore(t)
	fa, err := NewFullArchive(zap.NewNop(), model.Hash{0: 0x10}, model.PublicKey{}, DefaultFullArchiveConfig(), store)
	require.NoError(t, err)
	return fa.WithClock(mock), mock
}

func testLightStorage(t *testing.T, cfg LightStorageConfig) (*LightStorage, *clock.Mock) {
	t.Helper()
	store, mock := testStore(t)
	ls, err := NewLightStorage(zap.NewNop(), model.Hash{0: 0x20}, model.PublicKey{}, cfg, store)
	require.NoError(t, err)
	return ls.WithClock(mock), mock
}

func envelope(id string, kind model.MessageKind, payload []byte) model.NetworkMessage {
	return model.NetworkMessage{
		ID:      id,
		Sender:  model.Hash{0: 0x99},
		Kind:    kind,
		Payload: payload,
		TTL:     5,
	}
}

func TestFullArchive_Lifecycle(t *testing.T) {
	t.Parallel()
	fa, _ := testFullArchive(t)
	ctx := context.Background()

	require.Equal(t, StateStopped, fa.State())
	require.NoError(t, fa.Start(ctx))
	require.Equal(t, StateRunning, fa.State())

	err := fa.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidState, errs.KindOf(err))

	require.NoError(t, fa.Stop(ctx))
	err = fa.Stop(ctx)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidState, errs.KindOf(err))
}

func TestFullArchive_PingPong(t *testing.T) {
	t.Parallel()
	fa, _ := testFullArchive(t)
	require.NoError(t, fa.Start(context.Background()))

	ping := envelope("ping-1", model.MsgPing, []byte("hello"))
	reply, err := fa.HandleMessage(context.Background(), ping)
	require.NoError(t, err)
	require.NotNil(t, reply)

	assert.Equal(t, model.MsgPong, reply.Kind)
	assert.Equal(t, crypto.Checksum([]byte("ping-1")).Hex(), reply.ID)
	assert.Equal(t, []byte("hello"), reply.Payload)
	require.NotNil(t, reply.Recipient)
	assert.Equal(t, ping.Sender, *reply.Recipient)
}

func TestFullArchive_ExpiredEnvelope(t *testing.T) {
	t.Parallel()
	fa, _ := testFullArchive(t)
	require.NoError(t, fa.Start(context.Background()))

	msg := envelope("stale", model.MsgPing, nil)
	msg.TTL = 0
	_, err := fa.HandleMessage(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, errs.DeadlineExpired, errs.KindOf(err))
}

func TestFullArchive_StoreRetrieveLocate(t *testing.T) {
	t.Parallel()
	fa, _ := testFullArchive(t)
	require.NoError(t, fa.Start(context.Background()))

	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	reply, err := fa.HandleMessage(context.Background(), envelope("store-1", model.MsgContentStore, data))
	require.NoError(t, err)
	assert.Nil(t, reply)

	hash := crypto.Checksum(data)
	reply, err = fa.HandleMessage(context.Background(), envelope("get-1", model.MsgContentRetrieve, hash[:]))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, data, reply.Payload)

	reply, err = fa.HandleMessage(context.Background(), envelope("find-1", model.MsgContentLocate, hash[:]))
	require.NoError(t, err)
	require.NotNil(t, reply)
	replicas, err := DecodeReplicaCount(reply.Payload)
	require.NoError(t, err)
	assert.Greater(t, replicas, 0)
}

func TestFullArchive_RetrieveRejectsBadPayload(t *testing.T) {
	t.Parallel()
	fa, _ := testFullArchive(t)
	require.NoError(t, fa.Start(context.Background()))

	_, err := fa.HandleMessage(context.Background(), envelope("get-bad", model.MsgContentRetrieve, []byte("short")))
	require.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
}

func TestFullArchive_IntegrityScanCadence(t *testing.T) {
	t.Parallel()
	fa, mock := testFullArchive(t)
	ctx := context.Background()
	require.NoError(t, fa.Start(ctx))

	require.NoError(t, fa.SyncWithNetwork(ctx))
	assert.Equal(t, uint64(1), fa.IntegrityScans())

	require.NoError(t, fa.SyncWithNetwork(ctx))
	assert.Equal(t, uint64(1), fa.IntegrityScans())

	mock.Add(time.Hour)
	require.NoError(t, fa.SyncWithNetwork(ctx))
	assert.Equal(t, uint64(2), fa.IntegrityScans())
}

func TestFullArchive_HealthGrading(t *testing.T) {
	t.Parallel()
	fa, _ := testFullArchive(t)
	require.NoError(t, fa.Start(context.Background()))

	r, err := fa.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, r.Status)
	assert.True(t, fa.AcceptingContent())
}

func TestFullArchiveConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*FullArchiveConfig)
	}{
		{"capacity below minimum", func(c *FullArchiveConfig) { c.StorageCapacity = 1 << 40 }},
		{"replication too low", func(c *FullArchiveConfig) { c.ReplicationFactor = 4 }},
		{"replication too high", func(c *FullArchiveConfig) { c.ReplicationFactor = 16 }},
		{"threshold out of range", func(c *FullArchiveConfig) { c.CriticalStorageThreshold = 0.99 }},
		{"scan interval zero", func(c *FullArchiveConfig) { c.IntegrityScanInterval = 0 }},
		{"sync interval zero", func(c *FullArchiveConfig) { c.SyncInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultFullArchiveConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
		})
	}
	require.NoError(t, DefaultFullArchiveConfig().Validate())
}

func TestContentFilter_Score(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		filter ContentFilter
		meta   model.ContentMetadata
		want   float64
	}{
		{
			name: "no criteria accepts everything",
			meta: model.ContentMetadata{ContentType: "text/html"},
			want: 1.0,
		},
		{
			name:   "mime match",
			filter: ContentFilter{MimeTypes: []string{"text/html", "text/plain"}},
			meta:   model.ContentMetadata{ContentType: "text/html"},
			want:   1.0,
		},
		{
			name:   "mime miss",
			filter: ContentFilter{MimeTypes: []string{"text/html"}},
			meta:   model.ContentMetadata{ContentType: "application/pdf"},
			want:   0.0,
		},
		{
			name:   "half match on mime and size",
			filter: ContentFilter{MimeTypes: []string{"text/html"}, MaxSize: 100},
			meta:   model.ContentMetadata{ContentType: "application/pdf", Size: 50},
			want:   0.5,
		},
		{
			name:   "popularity and window",
			filter: ContentFilter{MinPopularity: 10, From: created.Add(-time.Hour), To: created.Add(time.Hour)},
			meta:   model.ContentMetadata{Popularity: 25, CreatedAt: created},
			want:   1.0,
		},
		{
			name:   "outside time window",
			filter: ContentFilter{From: created.Add(time.Hour)},
			meta:   model.ContentMetadata{CreatedAt: created},
			want:   0.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, tt.filter.Score(tt.meta), 1e-9)
		})
	}
}

func TestLightStorage_FilterGate(t *testing.T) {
	t.Parallel()
	cfg := DefaultLightStorageConfig()
	cfg.Filter = ContentFilter{MimeTypes: []string{"text/html"}}
	ls, _ := testLightStorage(t, cfg)
	require.NoError(t, ls.Start(context.Background()))

	_, err := ls.StoreContent([]byte("<html></html>"), model.ContentMetadata{ContentType: "application/pdf"})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))

	report, err := ls.StoreContent([]byte("<html></html>"), model.ContentMetadata{ContentType: "text/html"})
	require.NoError(t, err)
	assert.NotEqual(t, storage.StoreFailed, report.Status)
	assert.InDelta(t, 0.5, ls.MatchRate(), 1e-9)
}

func TestLightStorage_MatchRateWarning(t *testing.T) {
	t.Parallel()
	cfg := DefaultLightStorageConfig()
	cfg.Filter = ContentFilter{MimeTypes: []string{"text/html"}}
	ls, _ := testLightStorage(t, cfg)
	require.NoError(t, ls.Start(context.Background()))

	for i := 0; i < 4; i++ {
		_, ok := ls.ShouldStore(model.ContentMetadata{ContentType: "application/pdf"})
		assert.False(t, ok)
	}
	r, err := ls.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.StatusWarning, r.Status)
}

func TestLightStorage_PopularCache(t *testing.T) {
	t.Parallel()
	ls, _ := testLightStorage(t, DefaultLightStorageConfig())
	ctx := context.Background()
	require.NoError(t, ls.Start(ctx))

	data := []byte("popular object")
	report, err := ls.StoreContent(data, model.ContentMetadata{ContentType: "text/plain"})
	require.NoError(t, err)

	got, err := ls.RetrieveContent(report.ContentHash, model.Hash{0: 1})
	require.NoError(t, err)
	assert.Equal(t, data, got)
	entries, bytes := ls.CacheStats()
	assert.Equal(t, 1, entries)
	assert.Equal(t, uint64(len(data)), bytes)

	// Never-hit entries are dropped by the selective sync.
	require.NoError(t, ls.SyncWithNetwork(ctx))
	entries, _ = ls.CacheStats()
	assert.Zero(t, entries)

	// A cache hit marks the entry as worth keeping.
	_, err = ls.RetrieveContent(report.ContentHash, model.Hash{0: 1})
	require.NoError(t, err)
	_, err = ls.RetrieveContent(report.ContentHash, model.Hash{0: 1})
	require.NoError(t, err)
	require.NoError(t, ls.SyncWithNetwork(ctx))
	entries, _ = ls.CacheStats()
	assert.Equal(t, 1, entries)
}

func TestLightStorage_CacheAgeLimit(t *testing.T) {
	t.Parallel()
	ls, mock := testLightStorage(t, DefaultLightStorageConfig())
	ctx := context.Background()
	require.NoError(t, ls.Start(ctx))

	data := []byte("stale object")
	report, err := ls.StoreContent(data, model.ContentMetadata{ContentType: "text/plain"})
	require.NoError(t, err)
	_, err = ls.RetrieveContent(report.ContentHash, model.Hash{0: 1})
	require.NoError(t, err)
	_, err = ls.RetrieveContent(report.ContentHash, model.Hash{0: 1})
	require.NoError(t, err)

	mock.Add(8 * 24 * time.Hour)
	require.NoError(t, ls.SyncWithNetwork(ctx))
	entries, _ := ls.CacheStats()
	assert.Zero(t, entries)
}

func TestLightStorage_RecoverClearsCache(t *testing.T) {
	t.Parallel()
	ls, _ := testLightStorage(t, DefaultLightStorageConfig())
	ctx := context.Background()
	require.NoError(t, ls.Start(ctx))

	report, err := ls.StoreContent([]byte("cached"), model.ContentMetadata{ContentType: "text/plain"})
	require.NoError(t, err)
	_, err = ls.RetrieveContent(report.ContentHash, model.Hash{0: 1})
	require.NoError(t, err)

	require.NoError(t, ls.Recover(ctx, health.ActionClearCache))
	entries, bytes := ls.CacheStats()
	assert.Zero(t, entries)
	assert.Zero(t, bytes)
}

func TestLightStorageConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*LightStorageConfig)
	}{
		{"capacity too small", func(c *LightStorageConfig) { c.StorageCapacity = 1 << 30 }},
		{"capacity too large", func(c *LightStorageConfig) { c.StorageCapacity = 20 << 40 }},
		{"replication below floor", func(c *LightStorageConfig) { c.MinReplication = 2 }},
		{"replication above ceiling", func(c *LightStorageConfig) { c.MaxReplication = 9 }},
		{"inverted replication range", func(c *LightStorageConfig) { c.MinReplication = 7; c.MaxReplication = 5 }},
		{"unknown specialization", func(c *LightStorageConfig) { c.Specialization = "bogus" }},
		{"inverted filter sizes", func(c *LightStorageConfig) { c.Filter.MinSize = 10; c.Filter.MaxSize = 5 }},
		{"cache budget zero", func(c *LightStorageConfig) { c.PopularCacheSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultLightStorageConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
		})
	}
	require.NoError(t, DefaultLightStorageConfig().Validate())
}
