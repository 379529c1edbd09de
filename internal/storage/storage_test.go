package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/archive"
	"github.com/archivechain/archivechain/internal/bandwidth"
	"github.com/archivechain/archivechain/internal/discovery"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/internal/replication"
)

type fleet struct {
	mu    sync.Mutex
	nodes map[model.Hash]model.NodeInfo
}

func newFleet() *fleet {
	return &fleet{nodes: make(map[model.Hash]model.NodeInfo)}
}

func (f *fleet) ActiveNodes() []model.NodeInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []model.NodeInfo
	for _, node := range f.nodes {
		if node.Status == model.NodeActive {
			active = append(active, node)
		}
	}
	return active
}

func (f *fleet) NodeOf(id model.Hash) (model.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[id]
	if !ok {
		return model.NodeInfo{}, errs.E(errs.NotFound, "fleet.NodeOf", "unknown node")
	}
	return node, nil
}

func (f *fleet) setStatus(id model.Hash, status model.NodeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node := f.nodes[id]
	node.Status = status
	f.nodes[id] = node
}

func storageNode(id byte, region string) model.NodeInfo {
	return model.NodeInfo{
		NodeID: model.Hash{0: id},
		Role:   model.RoleFullArchive,
		Region: region,
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
}

type env struct {
	manager *Manager
	fleet   *fleet
	geo     *replication.GeoIndex
	planner *replication.Planner
	sched   *bandwidth.Scheduler
	archive *archive.Store
	disc    *discovery.Discovery
	mock    *clock.Mock
	local   model.Hash
}

func testManager(t *testing.T, cfg Config, bwCfg bandwidth.Config) *env {
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

	sched, err := bandwidth.NewScheduler(logger, bwCfg, bandwidth.DefaultQoSPolicy())
	require.NoError(t, err)
	sched.WithClock(mock)

	nodes := newFleet()
	local := model.Hash{0: 0xFF}
	m, err := NewManager(logger, cfg, Dependencies{
		Archive:   arch,
		Planner:   planner,
		Geo:       geo,
		Discovery: disc,
		Bandwidth: sched,
		Directory: nodes,
		LocalNode: local,
	})
	require.NoError(t, err)
	m.WithClock(mock)

	return &env{
		manager: m,
		fleet:   nodes,
		geo:     geo,
		planner: planner,
		sched:   sched,
		archive: arch,
		disc:    disc,
		mock:    mock,
		local:   local,
	}
}

func (e *env) addNodes(nodes ...model.NodeInfo) {
	for _, node := range nodes {
		e.fleet.nodes[node.NodeID] = node
		e.geo.AddNode(node)
	}
}

func (e *env) addFleet() {
	e.addNodes(
		storageNode(1, "eu-west"),
		storageNode(2, "eu-west"),
		storageNode(3, "us-east"),
		storageNode(4, "us-east"),
	)
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func sampleMeta(contentType string) model.ContentMetadata {
	return model.ContentMetadata{
		ContentType: contentType,
		Title:       "city archive",
		Criticality: model.CriticalityStandard,
		Tags:        []string{"history"},
	}
}

func TestManager_StoreSuccess(t *testing.T) {
	t.Parallel()

	e := testManager(t, DefaultConfig(), bandwidth.DefaultConfig())
	e.addFleet()

	report, err := e.manager.Store(payload(1024), sampleMeta("text/html"), "eu-west")
	require.NoError(t, err)
	assert.Equal(t, StoreSuccess, report.Status)
	assert.Equal(t, 3, report.ReplicaTarget)
	assert.Equal(t, 3, report.ReplicaCount)
	require.Len(t, report.Nodes, 3)
	assert.True(t, e.archive.Has(report.ContentHash))

	entry, ok := e.disc.LookupContent(report.ContentHash)
	require.True(t, ok)
	assert.Len(t, entry.StorageNodes, 3)

	stats := e.manager.StatsSnapshot()
	assert.Equal(t, uint64(1), stats.ObjectsStored)
	assert.Equal(t, uint64(1024), stats.BytesStored)
	assert.Equal(t, 1, stats.TrackedObjects)
}

func TestManager_StorePartialUnderBackpressure(t *testing.T) {
	t.Parallel()

	bwCfg := bandwidth.DefaultConfig()
	bwCfg.MaxQueueSize = 1
	e := testManager(t, DefaultConfig(), bwCfg)
	e.addFleet()

	report, err := e.manager.Store(payload(1024), sampleMeta("text/html"), "eu-west")
	require.NoError(t, err)
	assert.Equal(t, StorePartial, report.Status)
	assert.Equal(t, 1, report.ReplicaCount)
	assert.Equal(t, 3, report.ReplicaTarget)
}

func TestManager_StoreRejections(t *testing.T) {
	t.Parallel()

	e := testManager(t, DefaultConfig(), bandwidth.DefaultConfig())

	_, err := e.manager.Store(nil, sampleMeta("text/html"), "")
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))

	_, err = e.manager.Store(payload(64), sampleMeta("text/html"), "")
	assert.Equal(t, errs.ServiceUnavailable, errs.KindOf(err))

	stats := e.manager.StatsSnapshot()
	assert.Equal(t, uint64(1), stats.StoreFailures)
}

func TestManager_RetrieveRoundTrip(t *testing.T) {
	t.Parallel()

	e := testManager(t, DefaultConfig(), bandwidth.DefaultConfig())
	e.addFleet()

	data := payload(2048)
	report, err := e.manager.Store(data, sampleMeta("text/html"), "eu-west")
	require.NoError(t, err)

	got, err := e.manager.Retrieve(report.ContentHash, model.Hash{0: 0xAA})
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, uint64(1), e.disc.RecentPopularity(report.ContentHash))

	_, err = e.manager.Retrieve(model.Hash{0: 9}, model.Hash{0: 0xAA})
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	stats := e.manager.StatsSnapshot()
	assert.Equal(t, uint64(1), stats.ObjectsRetrieved)
	assert.Equal(t, uint64(1), stats.RetrieveFailures)
}

func TestManager_RetrieveBackpressure(t *testing.T) {
	t.Parallel()

	bwCfg := bandwidth.DefaultConfig()
	bwCfg.MaxQueueSize = 1
	e := testManager(t, DefaultConfig(), bwCfg)
	e.addFleet()

	report, err := e.manager.Store(payload(1024), sampleMeta("text/html"), "eu-west")
	require.NoError(t, err)
	require.Equal(t, StorePartial, report.Status)

	// The replication transfer still occupies the only queue slot.
	_, err = e.manager.Retrieve(report.ContentHash, model.Hash{0: 0xAA})
	assert.Equal(t, errs.ServiceUnavailable, errs.KindOf(err))
}

func TestManager_CheckAvailability(t *testing.T) {
	t.Parallel()

	e := testManager(t, DefaultConfig(), bandwidth.DefaultConfig())
	e.addFleet()

	report, err := e.manager.Store(payload(1024), sampleMeta("text/html"), "eu-west")
	require.NoError(t, err)

	avail, err := e.manager.CheckAvailability(report.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, 3, avail.ReplicaCount)
	assert.Equal(t, 3, avail.ActiveReplicas)
	assert.True(t, avail.LocalCopy)
	assert.True(t, avail.Available)
	assert.Len(t, avail.Regions, 2)

	for _, id := range report.Nodes {
		e.fleet.setStatus(id, model.NodeOffline)
	}
	avail, err = e.manager.CheckAvailability(report.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, 0, avail.ActiveReplicas)
	assert.True(t, avail.Available)

	_, err = e.manager.CheckAvailability(model.Hash{0: 9})
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestManager_UpdateStrategy(t *testing.T) {
	t.Parallel()

	e := testManager(t, DefaultConfig(), bandwidth.DefaultConfig())
	e.addFleet()

	report, err := e.manager.Store(payload(1024), sampleMeta("text/html"), "eu-west")
	require.NoError(t, err)

	target, err := e.manager.UpdateStrategy(report.ContentHash, replication.Fixed(5))
	require.NoError(t, err)
	assert.Equal(t, 5, target)

	_, err = e.manager.UpdateStrategy(model.Hash{0: 9}, replication.Fixed(5))
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestManager_Search(t *testing.T) {
	t.Parallel()

	e := testManager(t, DefaultConfig(), bandwidth.DefaultConfig())
	e.addFleet()

	report, err := e.manager.Store(payload(1024), sampleMeta("text/html"), "eu-west")
	require.NoError(t, err)

	results := e.manager.Search(discovery.SearchQuery{ContentType: "text/html"})
	require.Len(t, results.Results, 1)
	assert.Equal(t, report.ContentHash, results.Results[0].ContentHash)

	assert.Empty(t, e.manager.Search(discovery.SearchQuery{ContentType: "video/mp4"}).Results)
}

func TestManager_RetentionDelete(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Retention = []RetentionPolicy{{MaxAge: 24 * time.Hour, Action: ActionDelete}}
	e := testManager(t, cfg, bandwidth.DefaultConfig())
	e.addFleet()

	report, err := e.manager.Store(payload(1024), sampleMeta("text/html"), "eu-west")
	require.NoError(t, err)

	e.mock.Add(25 * time.Hour)
	opt := e.manager.Optimize()
	assert.Equal(t, 1, opt.Deleted)
	assert.False(t, e.archive.Has(report.ContentHash))
	_, ok := e.disc.LookupContent(report.ContentHash)
	assert.False(t, ok)
	assert.Equal(t, 0, e.manager.StatsSnapshot().TrackedObjects)
}

func TestManager_RetentionReduceAndCold(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Retention = []RetentionPolicy{
		{ContentType: "text/html", MaxAge: time.Hour, Action: ActionReduceReplicas, ReduceTo: 2},
		{ContentType: "video/mp4", MaxAge: 2 * time.Hour, Action: ActionMoveToColdStorage},
		{ContentType: "application/pdf", MaxAge: time.Hour, Action: ActionRequestConfirmation},
	}
	e := testManager(t, cfg, bandwidth.DefaultConfig())
	e.addFleet()

	html, err := e.manager.Store(payload(1024), sampleMeta("text/html"), "eu-west")
	require.NoError(t, err)
	video, err := e.manager.Store(payload(4096), sampleMeta("video/mp4"), "eu-west")
	require.NoError(t, err)
	pdf, err := e.manager.Store(payload(512), sampleMeta("application/pdf"), "eu-west")
	require.NoError(t, err)

	e.mock.Add(3 * time.Hour)
	opt := e.manager.Optimize()
	assert.Equal(t, 1, opt.ReplicasLowered)
	assert.Equal(t, 1, opt.MovedToCold)
	assert.Equal(t, []model.Hash{pdf.ContentHash}, opt.PendingConfirmation)

	_, target, ok := e.planner.StrategyOf(html.ContentHash)
	require.True(t, ok)
	assert.Equal(t, 2, target)

	stats := e.manager.StatsSnapshot()
	assert.Equal(t, 1, stats.ColdObjects)
	assert.Equal(t, 3, stats.TrackedObjects)

	// A cold object is not matched again.
	opt = e.manager.Optimize()
	assert.Equal(t, 0, opt.MovedToCold)
	assert.True(t, e.archive.Has(video.ContentHash))
}

func TestManager_CheckAlerts(t *testing.T) {
	t.Parallel()

	e := testManager(t, DefaultConfig(), bandwidth.DefaultConfig())

	full := storageNode(5, "ap-south")
	full.Metrics.StorageUsage = 0.95
	slow := storageNode(6, "ap-south")
	slow.Metrics.NetworkLatency = 2 * time.Second
	e.addNodes(full, slow)

	alerts := e.manager.CheckAlerts()
	require.Len(t, alerts, 2)
	kinds := map[AlertKind]bool{}
	for _, alert := range alerts {
		kinds[alert.Kind] = true
	}
	assert.True(t, kinds[AlertNodeCapacity])
	assert.True(t, kinds[AlertNodeLatency])
}

func TestManager_AlertsOnLostReplicas(t *testing.T) {
	t.Parallel()

	e := testManager(t, DefaultConfig(), bandwidth.DefaultConfig())
	e.addFleet()

	report, err := e.manager.Store(payload(1024), sampleMeta("text/html"), "eu-west")
	require.NoError(t, err)
	for _, id := range report.Nodes {
		e.fleet.setStatus(id, model.NodeOffline)
	}

	kinds := map[AlertKind]int{}
	for _, alert := range e.manager.CheckAlerts() {
		kinds[alert.Kind]++
	}
	assert.Equal(t, 1, kinds[AlertLowRedundancy])
	assert.Equal(t, 1, kinds[AlertAvailability])
}

func TestManager_NodeRestarting(t *testing.T) {
	t.Parallel()

	e := testManager(t, DefaultConfig(), bandwidth.DefaultConfig())
	e.addFleet()

	_, err := e.manager.Store(payload(1024), sampleMeta("text/html"), "eu-west")
	require.NoError(t, err)

	assert.Equal(t, 3, e.manager.NodeRestarting(e.local))
	assert.Equal(t, 0, e.manager.NodeRestarting(e.local))
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.OptimizationInterval = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Retention = []RetentionPolicy{{MaxAge: time.Hour, Action: "archive"}}
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Retention = []RetentionPolicy{{MaxAge: time.Hour, Action: ActionReduceReplicas}}
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Thresholds.CapacityCritical = 1.5
	assert.Error(t, bad.Validate())
}
