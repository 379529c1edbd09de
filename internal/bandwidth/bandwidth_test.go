package bandwidth

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

func testScheduler(t *testing.T, cfg Config, qos QoSPolicy) (*Scheduler, *clock.Mock) {
	t.Helper()
	s, err := NewScheduler(zap.NewNop(), cfg, qos)
	require.NoError(t, err)
	mock := clock.NewMock()
	return s.WithClock(mock), mock
}

func transfer(id byte, transferType TransferType, priority Priority, size uint64) TransferRequest {
	return TransferRequest{
		ID:          model.Hash{0: id},
		Source:      model.Hash{0: 0xA0},
		Destination: model.Hash{0: 0xB0},
		Type:        transferType,
		Priority:    priority,
		DataSize:    size,
		ContentHash: model.Hash{0: id, 1: 1},
	}
}

func TestRequestQueue_Ordering(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	q := newRequestQueue()

	fifoLate := transfer(1, TransferUpload, PriorityNormal, 100)
	fifoLate.QueuedAt = base.Add(time.Second)
	fifoEarly := transfer(2, TransferUpload, PriorityNormal, 100)
	fifoEarly.QueuedAt = base
	deadlined := transfer(3, TransferUpload, PriorityNormal, 100)
	deadlined.QueuedAt = base.Add(2 * time.Second)
	deadlined.Deadline = base.Add(time.Minute)
	urgent := transfer(4, TransferUpload, PriorityCritical, 100)
	urgent.QueuedAt = base.Add(3 * time.Second)

	for _, req := range []TransferRequest{fifoLate, fifoEarly, deadlined, urgent} {
		q.enqueue(req)
	}

	var order []byte
	for {
		req, ok := q.dequeue()
		if !ok {
			break
		}
		order = append(order, req.ID[0])
	}
	assert.Equal(t, []byte{4, 3, 2, 1}, order)
}

func TestScheduler_AdmissionAndRelease(t *testing.T) {
	t.Parallel()

	s, _ := testScheduler(t, DefaultConfig(), DefaultQoSPolicy())
	source := model.Hash{0: 0xA0}
	destination := model.Hash{0: 0xB0}
	// Per-transfer caps widened to the full budget: this test exercises
	// the budget admission.
	limits := NewLimits(10<<20, 10<<20)
	limits.PerTransferUpload = 10 << 20
	limits.PerTransferDownload = 10 << 20
	s.SetNodeLimits(source, limits)
	s.SetNodeLimits(destination, limits)

	first := transfer(1, TransferUpload, PriorityNormal, 8<<20)
	_, err := s.Schedule(first)
	require.NoError(t, err)

	started, ok := s.StartNext()
	require.True(t, ok)
	assert.Equal(t, StatusActive, started.Status)

	// 8 MiB reserved out of 10 MiB: a second 8 MiB transfer must wait.
	second := transfer(2, TransferUpload, PriorityNormal, 8<<20)
	_, err = s.Schedule(second)
	require.NoError(t, err)
	_, ok = s.StartNext()
	assert.False(t, ok)

	done, err := s.Complete(started.Request.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	_, ok = s.StartNext()
	assert.True(t, ok)

	stats := s.StatsSnapshot()
	assert.Equal(t, uint64(1), stats.Metrics.CompletedTransfers)
	assert.Equal(t, uint64(8<<20), stats.Metrics.TotalUploaded)
	assert.Equal(t, 1, stats.ActiveTransfers)
}

func TestScheduler_PerTransferCap(t *testing.T) {
	t.Parallel()

	s, _ := testScheduler(t, DefaultConfig(), DefaultQoSPolicy())
	source := model.Hash{0: 0xA0}
	s.SetNodeLimits(source, NewLimits(1000, 1000))

	// A transfer at the 250-byte cap starts; one byte over never does.
	atCap, err := s.Schedule(transfer(1, TransferUpload, PriorityNormal, 250))
	require.NoError(t, err)
	started, ok := s.StartNext()
	require.True(t, ok)
	assert.Equal(t, atCap, started.Request.ID)
	_, err = s.Complete(started.Request.ID, StatusCompleted)
	require.NoError(t, err)

	_, err = s.Schedule(transfer(2, TransferUpload, PriorityNormal, 251))
	require.NoError(t, err)
	_, ok = s.StartNext()
	assert.False(t, ok)
	assert.Equal(t, 1, s.StatsSnapshot().UploadQueued)
}

func TestScheduler_QueueAlternation(t *testing.T) {
	t.Parallel()

	s, _ := testScheduler(t, DefaultConfig(), DefaultQoSPolicy())

	_, err := s.Schedule(transfer(1, TransferUpload, PriorityNormal, 1024))
	require.NoError(t, err)
	_, err = s.Schedule(transfer(2, TransferDownload, PriorityNormal, 1024))
	require.NoError(t, err)
	_, err = s.Schedule(transfer(3, TransferUpload, PriorityNormal, 1024))
	require.NoError(t, err)

	var order []byte
	for {
		started, ok := s.StartNext()
		if !ok {
			break
		}
		order = append(order, started.Request.ID[0])
	}
	assert.Equal(t, []byte{1, 2, 3}, order)
}

func TestScheduler_HigherPriorityHeadWins(t *testing.T) {
	t.Parallel()

	s, _ := testScheduler(t, DefaultConfig(), DefaultQoSPolicy())

	_, err := s.Schedule(transfer(1, TransferUpload, PriorityLow, 1024))
	require.NoError(t, err)
	_, err = s.Schedule(transfer(2, TransferDownload, PriorityHigh, 1024))
	require.NoError(t, err)

	started, ok := s.StartNext()
	require.True(t, ok)
	assert.Equal(t, byte(2), started.Request.ID[0])
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxConcurrentTransfers = 1
	s, _ := testScheduler(t, cfg, DefaultQoSPolicy())

	_, err := s.Schedule(transfer(1, TransferUpload, PriorityNormal, 1024))
	require.NoError(t, err)
	_, err = s.Schedule(transfer(2, TransferUpload, PriorityNormal, 1024))
	require.NoError(t, err)

	_, ok := s.StartNext()
	require.True(t, ok)
	_, ok = s.StartNext()
	assert.False(t, ok)
}

func TestScheduler_QueueBackpressure(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxQueueSize = 1
	s, _ := testScheduler(t, cfg, DefaultQoSPolicy())

	_, err := s.Schedule(transfer(1, TransferUpload, PriorityNormal, 1024))
	require.NoError(t, err)
	_, err = s.Schedule(transfer(2, TransferUpload, PriorityNormal, 1024))
	require.Error(t, err)
	assert.Equal(t, errs.ServiceUnavailable, errs.KindOf(err))
}

func TestScheduler_CancelQueuedAndActive(t *testing.T) {
	t.Parallel()

	s, _ := testScheduler(t, DefaultConfig(), DefaultQoSPolicy())
	source := model.Hash{0: 0xA0}
	s.RegisterNode(source)

	queuedID, err := s.Schedule(transfer(1, TransferUpload, PriorityNormal, 1<<20))
	require.NoError(t, err)
	started, ok := s.StartNext()
	require.True(t, ok)
	assert.Equal(t, queuedID, started.Request.ID)

	waitingID, err := s.Schedule(transfer(2, TransferUpload, PriorityNormal, 1<<20))
	require.NoError(t, err)

	require.NoError(t, s.Cancel(waitingID))
	assert.Equal(t, 0, s.StatsSnapshot().UploadQueued)

	require.NoError(t, s.Cancel(queuedID))
	stats := s.StatsSnapshot()
	assert.Equal(t, 0, stats.ActiveTransfers)
	assert.Equal(t, uint64(1), stats.Metrics.FailedTransfers)

	err = s.Cancel(model.Hash{0: 0xFF})
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestScheduler_CancelNode(t *testing.T) {
	t.Parallel()

	s, _ := testScheduler(t, DefaultConfig(), DefaultQoSPolicy())
	source := model.Hash{0: 0xA0}
	s.RegisterNode(source)

	_, err := s.Schedule(transfer(1, TransferUpload, PriorityNormal, 1<<20))
	require.NoError(t, err)
	_, ok := s.StartNext()
	require.True(t, ok)
	_, err = s.Schedule(transfer(2, TransferUpload, PriorityNormal, 1<<20))
	require.NoError(t, err)

	other := transfer(3, TransferUpload, PriorityNormal, 1<<20)
	other.Source = model.Hash{0: 0xC0}
	_, err = s.Schedule(other)
	require.NoError(t, err)

	assert.Equal(t, 2, s.CancelNode(source))
	stats := s.StatsSnapshot()
	assert.Equal(t, 0, stats.ActiveTransfers)
	assert.Equal(t, 1, stats.UploadQueued)
}

func TestScheduler_ExpireQueued(t *testing.T) {
	t.Parallel()

	s, mock := testScheduler(t, DefaultConfig(), DefaultQoSPolicy())

	// Critical latency budget is 10s; the deadline comes from the QoS map.
	_, err := s.Schedule(transfer(1, TransferUpload, PriorityCritical, 1024))
	require.NoError(t, err)
	_, err = s.Schedule(transfer(2, TransferUpload, PriorityVeryLow, 1024))
	require.NoError(t, err)

	assert.Equal(t, 0, s.ExpireQueued())
	mock.Add(11 * time.Second)
	assert.Equal(t, 1, s.ExpireQueued())

	stats := s.StatsSnapshot()
	assert.Equal(t, 1, stats.UploadQueued)
	assert.Equal(t, uint64(1), stats.Metrics.ExpiredTransfers)
}

// congest reserves 9 of the node's 10 MiB upload budget with four
// cap-sized transfers and returns the last one started.
func congest(t *testing.T, s *Scheduler) ActiveTransfer {
	t.Helper()
	var started ActiveTransfer
	for id := byte(100); id < 104; id++ {
		_, err := s.Schedule(transfer(id, TransferUpload, PriorityCritical, 2304<<10))
		require.NoError(t, err)
		var ok bool
		started, ok = s.StartNext()
		require.True(t, ok)
	}
	return started
}

func TestScheduler_ReduceLowPriority(t *testing.T) {
	t.Parallel()

	s, _ := testScheduler(t, DefaultConfig(), DefaultQoSPolicy())
	s.RegisterNode(model.Hash{0: 0xA0})

	active := congest(t, s)
	_, err := s.Schedule(transfer(1, TransferUpload, PriorityLow, 1024))
	require.NoError(t, err)
	_, err = s.Schedule(transfer(2, TransferDownload, PriorityNormal, 1024))
	require.NoError(t, err)

	s.EnforceQoS()
	stats := s.StatsSnapshot()
	assert.Equal(t, 1, stats.PausedTransfers)
	assert.Equal(t, 0, stats.UploadQueued)
	assert.Equal(t, 1, stats.DownloadQueued)
	assert.Equal(t, 1, stats.CongestedNodes)

	_, err = s.Complete(active.Request.ID, StatusCompleted)
	require.NoError(t, err)
	s.EnforceQoS()
	stats = s.StatsSnapshot()
	assert.Equal(t, 0, stats.PausedTransfers)
	assert.Equal(t, 1, stats.UploadQueued)
}

func TestScheduler_ProportionalReduction(t *testing.T) {
	t.Parallel()

	qos := DefaultQoSPolicy()
	qos.Strategy = ProportionalReduction
	s, _ := testScheduler(t, DefaultConfig(), qos)
	s.RegisterNode(model.Hash{0: 0xA0})

	normalShare := s.AllocatedBandwidth(PriorityNormal, DirectionUpload)
	assert.Equal(t, uint64(float64(100<<20)*0.40), normalShare)

	active := congest(t, s)
	s.EnforceQoS()
	reduced := s.AllocatedBandwidth(PriorityNormal, DirectionUpload)
	assert.Less(t, reduced, normalShare)

	_, err := s.Complete(active.Request.ID, StatusCompleted)
	require.NoError(t, err)
	s.EnforceQoS()
	assert.Equal(t, normalShare, s.AllocatedBandwidth(PriorityNormal, DirectionUpload))
}

func TestScheduler_DeferNewTransfers(t *testing.T) {
	t.Parallel()

	qos := DefaultQoSPolicy()
	qos.Strategy = DeferNewTransfers
	s, _ := testScheduler(t, DefaultConfig(), qos)
	s.RegisterNode(model.Hash{0: 0xA0})

	active := congest(t, s)
	s.EnforceQoS()

	_, err := s.Schedule(transfer(1, TransferUpload, PriorityNormal, 1024))
	require.Error(t, err)
	assert.Equal(t, errs.ServiceUnavailable, errs.KindOf(err))

	_, err = s.Complete(active.Request.ID, StatusCompleted)
	require.NoError(t, err)
	s.EnforceQoS()
	_, err = s.Schedule(transfer(2, TransferUpload, PriorityNormal, 1024))
	assert.NoError(t, err)
}

func TestScheduler_TemporaryBoost(t *testing.T) {
	t.Parallel()

	qos := DefaultQoSPolicy()
	qos.Strategy = TemporaryBoost
	s, _ := testScheduler(t, DefaultConfig(), qos)
	s.RegisterNode(model.Hash{0: 0xA0})

	congest(t, s)

	// 9 + 2 MiB exceeds the 10 MiB budget without the boost.
	_, err := s.Schedule(transfer(1, TransferUpload, PriorityHigh, 2<<20))
	require.NoError(t, err)
	_, ok := s.StartNext()
	assert.False(t, ok)

	// Boost lifts the budget to 15 MiB.
	s.EnforceQoS()
	_, ok = s.StartNext()
	assert.True(t, ok)
}

func TestScheduler_SelectTransferNode(t *testing.T) {
	t.Parallel()

	s, _ := testScheduler(t, DefaultConfig(), DefaultQoSPolicy())
	fast := model.Hash{0: 1}
	slow := model.Hash{0: 2}
	busy := model.Hash{0: 3}
	s.RegisterNode(fast)
	s.RegisterNode(slow)
	s.SetNodeLimits(busy, NewLimits(512<<10, 512<<10))
	s.UpdateNodeLatency(fast, 100*time.Millisecond)
	s.UpdateNodeLatency(slow, 2*time.Second)

	unknown := model.Hash{0: 9}
	selected, ok := s.SelectTransferNode([]model.Hash{unknown, busy, slow, fast}, TransferUpload, 1<<20)
	require.True(t, ok)
	assert.Equal(t, fast, selected)

	selected, ok = s.SelectTransferNode([]model.Hash{busy, slow}, TransferUpload, 1<<20)
	require.True(t, ok)
	assert.Equal(t, slow, selected)

	_, ok = s.SelectTransferNode([]model.Hash{unknown}, TransferUpload, 1<<20)
	assert.False(t, ok)
}

func TestScheduler_SelectWithoutLoadBalancing(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.LoadBalancing = false
	s, _ := testScheduler(t, cfg, DefaultQoSPolicy())
	slow := model.Hash{0: 2}
	fast := model.Hash{0: 1}
	s.RegisterNode(slow)
	s.RegisterNode(fast)
	s.UpdateNodeLatency(slow, 2*time.Second)

	selected, ok := s.SelectTransferNode([]model.Hash{{0: 9}, slow, fast}, TransferDownload, 1024)
	require.True(t, ok)
	assert.Equal(t, slow, selected)
}

func TestLimits(t *testing.T) {
	t.Parallel()

	limits := NewLimits(1000, 2000)
	assert.Equal(t, uint64(250), limits.PerTransferUpload)
	assert.True(t, limits.Admits(DirectionUpload, 250, 1.0))
	assert.False(t, limits.Admits(DirectionUpload, 251, 1.0))
	// Boost widens the budget, never the per-transfer cap.
	assert.False(t, limits.Admits(DirectionUpload, 251, 1.6))
	assert.True(t, limits.Admits(DirectionDownload, 500, 1.0))

	limits.CurrentUpload = 900
	assert.False(t, limits.Admits(DirectionUpload, 200, 1.0))
	assert.True(t, limits.Admits(DirectionUpload, 200, 1.5))
	assert.InDelta(t, 0.9, limits.Utilization(), 1e-9)
	assert.Equal(t, uint64(100), limits.Available(DirectionUpload))
	assert.Equal(t, uint64(2000), limits.Available(DirectionDownload))
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, DefaultQoSPolicy().Validate())

	bad := DefaultConfig()
	bad.CongestionThreshold = 1.5
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.BoostFactor = 3.0
	assert.Error(t, bad.Validate())

	qos := DefaultQoSPolicy()
	delete(qos.Shares, PriorityNormal)
	assert.Error(t, qos.Validate())

	qos = DefaultQoSPolicy()
	qos.Shares[PriorityNormal] = 0.9
	assert.Error(t, qos.Validate())
}
