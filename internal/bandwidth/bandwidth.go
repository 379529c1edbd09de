// Package bandwidth schedules content transfers between nodes: per-node
// admission limits, two priority queues with deadline ordering, QoS
// shares with congestion strategies and a composite load balancer.
package bandwidth

import (
	"time"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

// Priority ranks a transfer. Higher values dequeue first.
type Priority int

const (
	PriorityVeryLow Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityVeryLow:
		return "very_low"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether the priority is a known tier.
func (p Priority) Valid() bool {
	return p >= PriorityVeryLow && p <= PriorityCritical
}

// TransferType distinguishes the four transfer flavors.
type TransferType string

const (
	TransferUpload      TransferType = "upload"
	TransferDownload    TransferType = "download"
	TransferSync        TransferType = "sync"
	TransferReplication TransferType = "replication"
)

// Direction groups transfer types into the two scheduled queues.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Direction maps the transfer type onto its queue. Replication consumes
// upload capacity, sync consumes download capacity.
func (t TransferType) Direction() Direction {
	switch t {
	case TransferDownload, TransferSync:
		return DirectionDownload
	default:
		return DirectionUpload
	}
}

// TransferStatus is the lifecycle of a scheduled transfer.
type TransferStatus string

const (
	StatusQueued    TransferStatus = "queued"
	StatusActive    TransferStatus = "active"
	StatusPaused    TransferStatus = "paused"
	StatusCompleted TransferStatus = "completed"
	StatusFailed    TransferStatus = "failed"
	StatusCancelled TransferStatus = "cancelled"
)

// TransferRequest describes one transfer to schedule. A zero Deadline
// means none; the QoS policy assigns one from the priority's latency
// budget at enqueue time.
type TransferRequest struct {
	ID                 model.Hash
	Source             model.Hash
	Destination        model.Hash
	Type               TransferType
	Priority           Priority
	DataSize           uint64
	EstimatedBandwidth uint64
	QueuedAt           time.Time
	Deadline           time.Time
	ContentHash        model.Hash
}

// Expired reports whether the request's deadline has passed.
func (r TransferRequest) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// ActiveTransfer is the bookkeeping record of a started transfer.
type ActiveTransfer struct {
	Request          TransferRequest
	StartedAt        time.Time
	BytesTransferred uint64
	CurrentBandwidth uint64
	Status           TransferStatus
}

// CongestionStrategy picks the mitigation applied when a node's usage
// crosses the congestion threshold.
type CongestionStrategy string

const (
	ReduceLowPriority     CongestionStrategy = "reduce_low_priority"
	ProportionalReduction CongestionStrategy = "proportional_reduction"
	DeferNewTransfers     CongestionStrategy = "defer_new_transfers"
	TemporaryBoost        CongestionStrategy = "temporary_boost"
)

// Config tunes the scheduler.
type Config struct {
	GlobalUploadLimit      uint64
	GlobalDownloadLimit    uint64
	PerNodeUploadLimit     uint64
	PerNodeDownloadLimit   uint64
	MeasurementWindow      time.Duration
	CongestionThreshold    float64
	DefaultPriority        Priority
	LoadBalancing          bool
	MaxConcurrentTransfers int
	MaxQueueSize           int
	BoostFactor            float64
	BoostDuration          time.Duration
}

// DefaultConfig mirrors the deployed limits: 100 MB/s global, 10 MB/s
// per node.
func DefaultConfig() Config {
	return Config{
		GlobalUploadLimit:      100 << 20,
		GlobalDownloadLimit:    100 << 20,
		PerNodeUploadLimit:     10 << 20,
		PerNodeDownloadLimit:   10 << 20,
		MeasurementWindow:      time.Minute,
		CongestionThreshold:    0.8,
		DefaultPriority:        PriorityNormal,
		LoadBalancing:          true,
		MaxConcurrentTransfers: 10,
		MaxQueueSize:           1000,
		BoostFactor:            1.5,
		BoostDuration:          time.Minute,
	}
}

// Validate checks bounds.
func (c Config) Validate() error {
	const op = "bandwidth.Config"
	if c.GlobalUploadLimit == 0 || c.GlobalDownloadLimit == 0 {
		return errs.E(errs.InvalidInput, op, "global limits must be positive")
	}
	if c.PerNodeUploadLimit > c.GlobalUploadLimit || c.PerNodeDownloadLimit > c.GlobalDownloadLimit {
		return errs.E(errs.InvalidInput, op, "per-node limits cannot exceed global limits")
	}
	if c.CongestionThreshold <= 0 || c.CongestionThreshold > 1 {
		return errs.E(errs.InvalidInput, op, "congestion threshold must be in (0, 1]")
	}
	if !c.DefaultPriority.Valid() {
		return errs.E(errs.InvalidInput, op, "unknown default priority")
	}
	if c.MaxConcurrentTransfers <= 0 || c.MaxQueueSize <= 0 {
		return errs.E(errs.InvalidInput, op, "transfer and queue bounds must be positive")
	}
	if c.BoostFactor <= 1 || c.BoostFactor > 2 {
		return errs.E(errs.InvalidInput, op, "boost factor must be in (1, 2]")
	}
	if c.MeasurementWindow <= 0 || c.BoostDuration <= 0 || c.BoostDuration > 5*time.Minute {
		return errs.E(errs.InvalidInput, op, "measurement window and boost duration must be positive, boost at most 5m")
	}
	return nil
}

// QoSPolicy allocates bandwidth shares and latency budgets per priority.
type QoSPolicy struct {
	Shares     map[Priority]float64
	MaxLatency map[Priority]time.Duration
	Strategy   CongestionStrategy
	Preemption bool
}

// DefaultQoSPolicy returns the standard share and latency maps.
func DefaultQoSPolicy() QoSPolicy {
	return QoSPolicy{
		Shares: map[Priority]float64{
			PriorityVeryLow:  0.05,
			PriorityLow:      0.15,
			PriorityNormal:   0.40,
			PriorityHigh:     0.25,
			PriorityCritical: 0.15,
		},
		MaxLatency: map[Priority]time.Duration{
			PriorityVeryLow:  time.Hour,
			PriorityLow:      30 * time.Minute,
			PriorityNormal:   5 * time.Minute,
			PriorityHigh:     time.Minute,
			PriorityCritical: 10 * time.Second,
		},
		Strategy:   ReduceLowPriority,
		Preemption: true,
	}
}

// Validate checks that every priority has a share and a latency budget.
func (q QoSPolicy) Validate() error {
	const op = "bandwidth.QoSPolicy"
	var total float64
	for p := PriorityVeryLow; p <= PriorityCritical; p++ {
		share, ok := q.Shares[p]
		if !ok || share <= 0 {
			return errs.Ef(errs.InvalidInput, op, "missing bandwidth share for priority %s", p)
		}
		total += share
		if latency, ok := q.MaxLatency[p]; !ok || latency <= 0 {
			return errs.Ef(errs.InvalidInput, op, "missing latency budget for priority %s", p)
		}
	}
	if total > 1.0+1e-9 {
		return errs.E(errs.InvalidInput, op, "bandwidth shares exceed 1.0")
	}
	switch q.Strategy {
	case ReduceLowPriority, ProportionalReduction, DeferNewTransfers, TemporaryBoost:
	default:
		return errs.E(errs.InvalidInput, op, "unknown congestion strategy")
	}
	return nil
}
