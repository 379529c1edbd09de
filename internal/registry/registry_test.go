package registry

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/internal/replication"
)

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Publish(e Event) { s.events = append(s.events, e) }

func fleetNode(id byte, role model.NodeRole, region string) model.NodeInfo {
	return model.NodeInfo{
		NodeID: model.Hash{0: id},
		Role:   role,
		Region: region,
		Capabilities: model.NodeCapabilities{
			StorageCapacity:   10 << 40,
			BandwidthCapacity: 100 << 20,
			ConsensusWeight:   role.ConsensusWeight(),
		},
	}
}

func healthySample() model.PerformanceMetrics {
	return model.PerformanceMetrics{
		CPUUsage:       0.5,
		MemoryUsage:    0.4,
		StorageUsage:   0.3,
		NetworkLatency: 50 * time.Millisecond,
		UptimeDays:     2.0,
	}
}

func testRegistry(t *testing.T, cfg Config, opts ...Option) (*Registry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	r, err := New(zap.NewNop(), cfg, append(opts, WithClock(mock))...)
	require.NoError(t, err)
	return r, mock
}

func TestRegistry_RegisterAndHeartbeat(t *testing.T) {
	t.Parallel()

	r, _ := testRegistry(t, DefaultConfig())
	node := fleetNode(1, model.RoleFullArchive, "eu-west")
	require.NoError(t, r.Register(node))

	err := r.Register(node)
	assert.Equal(t, errs.InvalidState, errs.KindOf(err))

	info, err := r.NodeOf(node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeRegistered, info.Status)

	rep, err := r.ReputationOf(node.NodeID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rep.Overall, 1e-9)
	assert.InDelta(t, 1.0, rep.Availability, 1e-9)

	require.NoError(t, r.Heartbeat(node.NodeID, healthySample()))
	info, err = r.NodeOf(node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeActive, info.Status)

	// performance sample 0.660476, smoothed with alpha 0.1 from 0.5.
	rep, err = r.ReputationOf(node.NodeID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5160476, rep.Performance, 1e-6)
	assert.InDelta(t, 0.55, rep.Reliability, 1e-9)
	assert.InDelta(t, 0.6714190, rep.Overall, 1e-6)
	assert.Equal(t, uint64(1), rep.InteractionCount)

	err = r.Heartbeat(model.Hash{0: 9}, healthySample())
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestRegistry_Recommend(t *testing.T) {
	t.Parallel()

	r, _ := testRegistry(t, DefaultConfig())
	good := fleetNode(1, model.RoleFullArchive, "eu-west")
	poor := fleetNode(2, model.RoleFullArchive, "eu-west")
	relay := fleetNode(3, model.RoleRelay, "eu-west")
	idle := fleetNode(4, model.RoleFullArchive, "us-east")
	for _, node := range []model.NodeInfo{good, poor, relay, idle} {
		require.NoError(t, r.Register(node))
	}

	require.NoError(t, r.Heartbeat(good.NodeID, model.PerformanceMetrics{UptimeDays: 5}))
	require.NoError(t, r.Heartbeat(poor.NodeID, model.PerformanceMetrics{
		CPUUsage:       1.0,
		MemoryUsage:    1.0,
		StorageUsage:   1.0,
		NetworkLatency: 10 * time.Second,
	}))
	require.NoError(t, r.Heartbeat(relay.NodeID, model.PerformanceMetrics{UptimeDays: 5}))

	recommended := r.Recommend(Criteria{Role: model.RoleFullArchive})
	require.Len(t, recommended, 2)
	assert.Equal(t, good.NodeID, recommended[0].NodeID)
	assert.Equal(t, poor.NodeID, recommended[1].NodeID)

	recommended = r.Recommend(Criteria{Role: model.RoleFullArchive, MinReputation: 0.65})
	require.Len(t, recommended, 1)
	assert.Equal(t, good.NodeID, recommended[0].NodeID)

	recommended = r.Recommend(Criteria{MaxNodes: 1})
	require.Len(t, recommended, 1)
	assert.Equal(t, good.NodeID, recommended[0].NodeID)

	assert.Empty(t, r.Recommend(Criteria{Region: "us-east"}))
}

func TestRegistry_CleanupInactive(t *testing.T) {
	t.Parallel()

	geo := replication.NewGeoIndex()
	r, mock := testRegistry(t, DefaultConfig(), WithGeoIndex(geo))
	node := fleetNode(1, model.RoleFullArchive, "eu-west")
	require.NoError(t, r.Register(node))
	require.NoError(t, r.Heartbeat(node.NodeID, healthySample()))
	require.Len(t, geo.NodesIn("eu-west"), 1)

	mock.Add(6 * time.Minute)
	offlined, evicted := r.CleanupInactive()
	assert.Equal(t, 1, offlined)
	assert.Equal(t, 0, evicted)

	info, err := r.NodeOf(node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeOffline, info.Status)
	rep, err := r.ReputationOf(node.NodeID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, rep.Availability, 1e-9)

	// A heartbeat revives an offline node.
	require.NoError(t, r.Heartbeat(node.NodeID, healthySample()))
	info, err = r.NodeOf(node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeActive, info.Status)

	mock.Add(11 * time.Minute)
	offlined, evicted = r.CleanupInactive()
	assert.Equal(t, 0, offlined)
	assert.Equal(t, 1, evicted)

	_, err = r.NodeOf(node.NodeID)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
	assert.Empty(t, geo.NodesIn("eu-west"))
}

func TestRegistry_UpdateNodeMovesRegions(t *testing.T) {
	t.Parallel()

	geo := replication.NewGeoIndex()
	r, _ := testRegistry(t, DefaultConfig(), WithGeoIndex(geo))
	node := fleetNode(1, model.RoleLightStorage, "eu-west")
	require.NoError(t, r.Register(node))

	moved := node
	moved.Region = "us-east"
	require.NoError(t, r.UpdateNode(moved))

	assert.Empty(t, geo.NodesIn("eu-west"))
	require.Len(t, geo.NodesIn("us-east"), 1)

	info, err := r.NodeOf(node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, "us-east", info.Region)
}

func TestRegistry_EventsAndSink(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.MaxEvents = 3
	r, _ := testRegistry(t, cfg, WithEventSink(sink))

	node := fleetNode(1, model.RoleGateway, "ap-south")
	require.NoError(t, r.Register(node))
	require.NoError(t, r.Heartbeat(node.NodeID, healthySample()))
	require.NoError(t, r.Heartbeat(node.NodeID, healthySample()))
	require.NoError(t, r.Unregister(node.NodeID))

	// History is bounded; the sink sees everything.
	events := r.RecentEvents(0)
	require.Len(t, events, 3)
	assert.Equal(t, EventNodeLost, events[2].Kind)
	require.Len(t, sink.events, 4)
	assert.Equal(t, EventNodeDiscovered, sink.events[0].Kind)

	last := r.RecentEvents(1)
	require.Len(t, last, 1)
	assert.Equal(t, EventNodeLost, last[0].Kind)
}

func TestRegistry_Stats(t *testing.T) {
	t.Parallel()

	r, _ := testRegistry(t, DefaultConfig())
	require.NoError(t, r.Register(fleetNode(1, model.RoleFullArchive, "eu-west")))
	require.NoError(t, r.Register(fleetNode(2, model.RoleRelay, "us-east")))
	require.NoError(t, r.Heartbeat(model.Hash{0: 1}, healthySample()))

	stats := r.StatsSnapshot()
	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 1, stats.ActiveNodes)
	assert.Equal(t, 1, stats.NodesByRole[model.RoleFullArchive])
	assert.Equal(t, 1, stats.NodesByRegion["us-east"])
	assert.Greater(t, stats.AverageReputation, 0.5)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.NodeTimeout = bad.HeartbeatInterval
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.EvictionTimeout = bad.NodeTimeout
	assert.Error(t, bad.Validate())
}
