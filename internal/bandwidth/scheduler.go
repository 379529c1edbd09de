package bandwidth

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	chelpers "github.com/archivechain/archivechain/internal/clock"
	"github.com/archivechain/archivechain/internal/crypto"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

// Metrics accumulates transfer counters since start.
type Metrics struct {
	TotalUploaded      uint64
	TotalDownloaded    uint64
	CompletedTransfers uint64
	FailedTransfers    uint64
	ExpiredTransfers   uint64
}

// Stats is a point-in-time scheduler snapshot.
type Stats struct {
	UploadQueued    int
	DownloadQueued  int
	PausedTransfers int
	ActiveTransfers int
	CongestedNodes  int
	Deferring       bool
	Metrics         Metrics
}

// Scheduler admits, queues and tracks transfers under per-node limits
// and the QoS policy.
type Scheduler struct {
	mu         sync.Mutex
	cfg        Config
	qos        QoSPolicy
	upload     *requestQueue
	download   *requestQueue
	active     map[model.Hash]*ActiveTransfer
	paused     map[model.Hash]TransferRequest
	nodes      map[model.Hash]*nodeState
	lastPicked Direction
	deferring  bool
	shareScale float64
	boostUntil time.Time
	metrics    Metrics
	clock      clock.Clock
	logger     *zap.Logger
}

// NewScheduler builds a scheduler with the given config and QoS policy.
func NewScheduler(logger *zap.Logger, cfg Config, qos QoSPolicy) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := qos.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:        cfg,
		qos:        qos,
		upload:     newRequestQueue(),
		download:   newRequestQueue(),
		active:     make(map[model.Hash]*ActiveTransfer),
		paused:     make(map[model.Hash]TransferRequest),
		nodes:      make(map[model.Hash]*nodeState),
		lastPicked: DirectionDownload,
		shareScale: 1.0,
		clock:      clock.New(),
		logger:     logger.Named("bandwidth"),
	}, nil
}

// WithClock replaces the time source, for tests.
func (s *Scheduler) WithClock(c clock.Clock) *Scheduler {
	s.clock = c
	return s
}

// RegisterNode installs the default per-node limits for a node.
func (s *Scheduler) RegisterNode(id model.Hash) {
	s.SetNodeLimits(id, NewLimits(s.cfg.PerNodeUploadLimit, s.cfg.PerNodeDownloadLimit))
}

// SetNodeLimits installs explicit limits for a node, preserving current
// reservations.
func (s *Scheduler) SetNodeLimits(id model.Hash, limits Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.nodes[id]
	if !ok {
		state = &nodeState{}
		s.nodes[id] = state
	}
	limits.CurrentUpload = state.limits.CurrentUpload
	limits.CurrentDownload = state.limits.CurrentDownload
	state.limits = limits
	state.lastUpdated = s.clock.Now()
}

// UpdateNodeLatency records a fresh latency measurement for load
// balancing.
func (s *Scheduler) UpdateNodeLatency(id model.Hash, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.nodes[id]; ok {
		state.latency = latency
		state.lastUpdated = s.clock.Now()
	}
}

// Schedule queues a transfer. A zero ID is filled in, a zero priority
// budget deadline is derived from the QoS latency map, and backpressure
// rejects the request when the queue is full or new transfers are being
// deferred.
func (s *Scheduler) Schedule(req TransferRequest) (model.Hash, error) {
	const op = "bandwidth.Schedule"
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.DataSize == 0 {
		return model.Hash{}, errs.E(errs.InvalidInput, op, "transfer size must be positive")
	}
	if !req.Priority.Valid() {
		req.Priority = s.cfg.DefaultPriority
	}
	if s.deferring {
		return model.Hash{}, errs.E(errs.ServiceUnavailable, op, "new transfers deferred under congestion")
	}
	if s.upload.Len()+s.download.Len() >= s.cfg.MaxQueueSize {
		return model.Hash{}, errs.Quantitative(errs.ServiceUnavailable, op,
			uint64(s.cfg.MaxQueueSize), uint64(s.upload.Len()+s.download.Len()))
	}

	now := s.clock.Now()
	req.QueuedAt = now
	if req.EstimatedBandwidth == 0 {
		req.EstimatedBandwidth = req.DataSize
	}
	if req.Deadline.IsZero() {
		req.Deadline = now.Add(s.qos.MaxLatency[req.Priority])
	}
	if req.ID == (model.Hash{}) {
		var nonce [8]byte
		binary.LittleEndian.PutUint64(nonce[:], uint64(now.UnixNano()))
		req.ID = crypto.ChecksumParts(req.Source[:], req.Destination[:], req.ContentHash[:], nonce[:])
	}

	s.queueFor(req.Type).enqueue(req)
	s.logger.Debug("transfer queued",
		zap.String("transfer", req.ID.Hex()),
		zap.String("type", string(req.Type)),
		zap.String("priority", req.Priority.String()),
		zap.Uint64("size", req.DataSize))
	return req.ID, nil
}

func (s *Scheduler) queueFor(t TransferType) *requestQueue {
	if t.Direction() == DirectionDownload {
		return s.download
	}
	return s.upload
}

// StartNext dequeues and starts the highest-priority admissible
// transfer. The two queues alternate when their heads tie on priority.
// Returns false when nothing can start: queues empty, concurrency limit
// reached, or the winning head's nodes cannot admit the reservation.
func (s *Scheduler) StartNext() (ActiveTransfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) >= s.cfg.MaxConcurrentTransfers {
		return ActiveTransfer{}, false
	}

	queue := s.pickQueue()
	if queue == nil {
		return ActiveTransfer{}, false
	}
	head, _ := queue.peek()
	if !s.admissible(head) {
		return ActiveTransfer{}, false
	}
	req, _ := queue.dequeue()
	if queue == s.upload {
		s.lastPicked = DirectionUpload
	} else {
		s.lastPicked = DirectionDownload
	}

	s.reserve(req)
	transfer := &ActiveTransfer{
		Request:   req,
		StartedAt: s.clock.Now(),
		Status:    StatusActive,
	}
	s.active[req.ID] = transfer
	return *transfer, true
}

// pickQueue chooses between the queue heads: strictly higher priority
// wins, ties alternate directions.
func (s *Scheduler) pickQueue() *requestQueue {
	up, upOK := s.upload.peek()
	down, downOK := s.download.peek()
	switch {
	case upOK && downOK:
		if up.Priority > down.Priority {
			return s.upload
		}
		if down.Priority > up.Priority {
			return s.download
		}
		if s.lastPicked == DirectionUpload {
			return s.download
		}
		return s.upload
	case upOK:
		return s.upload
	case downOK:
		return s.download
	default:
		return nil
	}
}

// admissible checks the reservation against both endpoints. Unknown
// nodes are admitted; their budgets are tracked from first sight.
func (s *Scheduler) admissible(req TransferRequest) bool {
	boost := 1.0
	if s.clock.Now().Before(s.boostUntil) {
		boost = s.cfg.BoostFactor
	}
	direction := req.Type.Direction()
	if src, ok := s.nodes[req.Source]; ok {
		if !src.limits.Admits(direction, req.EstimatedBandwidth, boost) {
			return false
		}
	}
	if dst, ok := s.nodes[req.Destination]; ok {
		opposite := DirectionDownload
		if direction == DirectionDownload {
			opposite = DirectionUpload
		}
		if !dst.limits.Admits(opposite, req.EstimatedBandwidth, boost) {
			return false
		}
	}
	return true
}

func (s *Scheduler) reserve(req TransferRequest) {
	direction := req.Type.Direction()
	if src, ok := s.nodes[req.Source]; ok {
		src.reserve(direction, req.EstimatedBandwidth)
	}
	if dst, ok := s.nodes[req.Destination]; ok {
		opposite := DirectionDownload
		if direction == DirectionDownload {
			opposite = DirectionUpload
		}
		dst.reserve(opposite, req.EstimatedBandwidth)
	}
}

func (s *Scheduler) releaseLocked(req TransferRequest) {
	direction := req.Type.Direction()
	if src, ok := s.nodes[req.Source]; ok {
		src.release(direction, req.EstimatedBandwidth)
	}
	if dst, ok := s.nodes[req.Destination]; ok {
		opposite := DirectionDownload
		if direction == DirectionDownload {
			opposite = DirectionUpload
		}
		dst.release(opposite, req.EstimatedBandwidth)
	}
}

// Progress updates an active transfer's counters.
func (s *Scheduler) Progress(id model.Hash, bytesTransferred, currentBandwidth uint64) error {
	const op = "bandwidth.Progress"
	s.mu.Lock()
	defer s.mu.Unlock()
	transfer, ok := s.active[id]
	if !ok {
		return errs.E(errs.NotFound, op, "no active transfer with that id")
	}
	transfer.BytesTransferred = bytesTransferred
	transfer.CurrentBandwidth = currentBandwidth
	return nil
}

// Complete finishes an active transfer, releasing its reservation and
// folding the outcome into the metrics.
func (s *Scheduler) Complete(id model.Hash, status TransferStatus) (ActiveTransfer, error) {
	const op = "bandwidth.Complete"
	s.mu.Lock()
	defer s.mu.Unlock()
	transfer, ok := s.completeLocked(id, status)
	if !ok {
		return ActiveTransfer{}, errs.E(errs.NotFound, op, "no active transfer with that id")
	}
	return transfer, nil
}

func (s *Scheduler) completeLocked(id model.Hash, status TransferStatus) (ActiveTransfer, bool) {
	transfer, ok := s.active[id]
	if !ok {
		return ActiveTransfer{}, false
	}
	delete(s.active, id)
	s.releaseLocked(transfer.Request)
	transfer.Status = status

	switch status {
	case StatusCompleted:
		s.metrics.CompletedTransfers++
		if transfer.Request.Type.Direction() == DirectionUpload {
			s.metrics.TotalUploaded += transfer.Request.DataSize
		} else {
			s.metrics.TotalDownloaded += transfer.Request.DataSize
		}
	default:
		s.metrics.FailedTransfers++
	}
	return *transfer, true
}

// Cancel removes a queued transfer or marks an active one cancelled.
func (s *Scheduler) Cancel(id model.Hash) error {
	const op = "bandwidth.Cancel"
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.upload.remove(id); ok {
		return nil
	}
	if _, ok := s.download.remove(id); ok {
		return nil
	}
	if _, ok := s.paused[id]; ok {
		delete(s.paused, id)
		return nil
	}
	if _, ok := s.completeLocked(id, StatusCancelled); ok {
		return nil
	}
	return errs.E(errs.NotFound, op, "no transfer with that id")
}

// CancelNode cancels every transfer originating from the node and
// returns the reserved bandwidth. Used when a node goes down for
// restart.
func (s *Scheduler) CancelNode(source model.Hash) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := 0
	match := func(req TransferRequest) bool { return req.Source == source }
	cancelled += len(s.upload.removeIf(match))
	cancelled += len(s.download.removeIf(match))
	for id, req := range s.paused {
		if req.Source == source {
			delete(s.paused, id)
			cancelled++
		}
	}
	var activeIDs []model.Hash
	for id, transfer := range s.active {
		if transfer.Request.Source == source {
			activeIDs = append(activeIDs, id)
		}
	}
	for _, id := range activeIDs {
		if _, ok := s.completeLocked(id, StatusCancelled); ok {
			cancelled++
		}
	}
	if cancelled > 0 {
		s.logger.Info("cancelled transfers for node",
			zap.String("node", source.Hex()), zap.Int("count", cancelled))
	}
	return cancelled
}

// ExpireQueued drops queued transfers past their deadline.
func (s *Scheduler) ExpireQueued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	expired := func(req TransferRequest) bool { return req.Expired(now) }
	dropped := len(s.upload.removeIf(expired)) + len(s.download.removeIf(expired))
	for id, req := range s.paused {
		if req.Expired(now) {
			delete(s.paused, id)
			dropped++
		}
	}
	s.metrics.ExpiredTransfers += uint64(dropped)
	return dropped
}

// CongestedNodes lists nodes whose utilization crosses the threshold.
func (s *Scheduler) CongestedNodes() []model.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.congestedLocked()
}

func (s *Scheduler) congestedLocked() []model.Hash {
	var congested []model.Hash
	for id, state := range s.nodes {
		if state.limits.Utilization() > s.cfg.CongestionThreshold {
			congested = append(congested, id)
		}
	}
	return congested
}

// EnforceQoS applies the configured congestion strategy when any node is
// congested, and unwinds it once congestion clears.
func (s *Scheduler) EnforceQoS() {
	s.mu.Lock()
	defer s.mu.Unlock()

	congested := s.congestedLocked()
	if len(congested) == 0 {
		s.relaxLocked()
		return
	}
	s.logger.Warn("congestion detected",
		zap.Int("nodes", len(congested)),
		zap.String("strategy", string(s.qos.Strategy)))

	switch s.qos.Strategy {
	case ReduceLowPriority:
		low := func(req TransferRequest) bool { return req.Priority <= PriorityLow }
		for _, req := range s.upload.removeIf(low) {
			s.paused[req.ID] = req
		}
		for _, req := range s.download.removeIf(low) {
			s.paused[req.ID] = req
		}
	case ProportionalReduction:
		s.shareScale = s.cfg.CongestionThreshold
	case DeferNewTransfers:
		s.deferring = true
	case TemporaryBoost:
		if !s.clock.Now().Before(s.boostUntil) {
			s.boostUntil = s.clock.Now().Add(s.cfg.BoostDuration)
		}
	}
}

// relaxLocked unwinds congestion measures: resumes paused transfers,
// restores shares and lifts deferral.
func (s *Scheduler) relaxLocked() {
	for id, req := range s.paused {
		delete(s.paused, id)
		s.queueFor(req.Type).enqueue(req)
	}
	s.shareScale = 1.0
	s.deferring = false
}

// AllocatedBandwidth is the priority's QoS share of the global limit for
// a direction, scaled down under proportional reduction.
func (s *Scheduler) AllocatedBandwidth(p Priority, direction Direction) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.cfg.GlobalUploadLimit
	if direction == DirectionDownload {
		limit = s.cfg.GlobalDownloadLimit
	}
	return uint64(float64(limit) * s.qos.Shares[p] * s.shareScale)
}

// StatsSnapshot returns current scheduler statistics.
func (s *Scheduler) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		UploadQueued:    s.upload.Len(),
		DownloadQueued:  s.download.Len(),
		PausedTransfers: len(s.paused),
		ActiveTransfers: len(s.active),
		CongestedNodes:  len(s.congestedLocked()),
		Deferring:       s.deferring,
		Metrics:         s.metrics,
	}
}

// ActiveTransfers returns copies of the in-flight transfers.
func (s *Scheduler) ActiveTransfers() []ActiveTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActiveTransfer, 0, len(s.active))
	for _, transfer := range s.active {
		out = append(out, *transfer)
	}
	return out
}

// Run sweeps expired transfers and enforces QoS at the measurement
// window until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, sleep chelpers.SleepFunc) error {
	for {
		if err := sleep(ctx, s.cfg.MeasurementWindow); err != nil {
			return err
		}
		if dropped := s.ExpireQueued(); dropped > 0 {
			s.logger.Info("expired queued transfers", zap.Int("count", dropped))
		}
		s.EnforceQoS()
	}
}
