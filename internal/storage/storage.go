// Package storage coordinates the full content lifecycle: placement over
// the archive store, replication planning, discovery registration,
// transfer scheduling and a periodic optimization pass with retention
// policies and capacity alerts.
package storage

import (
	"time"

	"github.com/archivechain/archivechain/internal/archive"
	"github.com/archivechain/archivechain/internal/bandwidth"
	"github.com/archivechain/archivechain/internal/discovery"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/internal/replication"
)

// AlertThresholds are the boundaries checked during each optimization
// pass. Usage values are fractions, latency is absolute.
type AlertThresholds struct {
	CapacityCritical float64
	LatencyHigh      time.Duration
	AvailabilityLow  float64
	ReplicasCritical int
}

// DefaultAlertThresholds mirrors the deployed boundaries.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		CapacityCritical: 0.90,
		LatencyHigh:      time.Second,
		AvailabilityLow:  0.95,
		ReplicasCritical: 2,
	}
}

// ExpirationAction is what happens to content matched by a retention
// policy.
type ExpirationAction string

const (
	ActionMoveToColdStorage   ExpirationAction = "move_to_cold_storage"
	ActionReduceReplicas      ExpirationAction = "reduce_replicas"
	ActionDelete              ExpirationAction = "delete"
	ActionRequestConfirmation ExpirationAction = "request_confirmation"
)

// Valid reports whether the action is a known kind.
func (a ExpirationAction) Valid() bool {
	switch a {
	case ActionMoveToColdStorage, ActionReduceReplicas, ActionDelete, ActionRequestConfirmation:
		return true
	default:
		return false
	}
}

// RetentionPolicy matches content by type and age. An empty ContentType
// matches everything; ReduceTo is the replica floor applied by
// ActionReduceReplicas.
type RetentionPolicy struct {
	ContentType string
	MaxAge      time.Duration
	Action      ExpirationAction
	ReduceTo    int
}

// Config tunes the manager.
type Config struct {
	OptimizationInterval time.Duration
	TransferPriority     bandwidth.Priority
	Thresholds           AlertThresholds
	Retention            []RetentionPolicy
}

// DefaultConfig mirrors the deployed intervals.
func DefaultConfig() Config {
	return Config{
		OptimizationInterval: time.Hour,
		TransferPriority:     bandwidth.PriorityNormal,
		Thresholds:           DefaultAlertThresholds(),
	}
}

// Validate checks bounds.
func (c Config) Validate() error {
	const op = "storage.Config"
	if c.OptimizationInterval <= 0 {
		return errs.E(errs.InvalidInput, op, "optimization interval must be positive")
	}
	if !c.TransferPriority.Valid() {
		return errs.E(errs.InvalidInput, op, "unknown transfer priority")
	}
	t := c.Thresholds
	if t.CapacityCritical <= 0 || t.CapacityCritical > 1 ||
		t.AvailabilityLow <= 0 || t.AvailabilityLow > 1 {
		return errs.E(errs.InvalidInput, op, "capacity and availability thresholds must be fractions")
	}
	if t.LatencyHigh <= 0 || t.ReplicasCritical < 1 {
		return errs.E(errs.InvalidInput, op, "latency and replica thresholds must be positive")
	}
	for _, policy := range c.Retention {
		if policy.MaxAge <= 0 {
			return errs.E(errs.InvalidInput, op, "retention age must be positive")
		}
		if !policy.Action.Valid() {
			return errs.Ef(errs.InvalidInput, op, "unknown retention action %q", policy.Action)
		}
		if policy.Action == ActionReduceReplicas && policy.ReduceTo < 1 {
			return errs.E(errs.InvalidInput, op, "replica reduction floor must be positive")
		}
	}
	return nil
}

// NodeDirectory is the read-only fleet view the manager plans against.
// The node registry satisfies it.
type NodeDirectory interface {
	ActiveNodes() []model.NodeInfo
	NodeOf(id model.Hash) (model.NodeInfo, error)
}

// Dependencies are the collaborators the manager orchestrates.
type Dependencies struct {
	Archive   *archive.Store
	Planner   *replication.Planner
	Geo       *replication.GeoIndex
	Discovery *discovery.Discovery
	Bandwidth *bandwidth.Scheduler
	Directory NodeDirectory
	LocalNode model.Hash
}

func (d Dependencies) validate() error {
	const op = "storage.Dependencies"
	if d.Archive == nil || d.Planner == nil || d.Geo == nil ||
		d.Discovery == nil || d.Bandwidth == nil || d.Directory == nil {
		return errs.E(errs.InvalidInput, op, "all collaborators must be set")
	}
	return nil
}

// StoreStatus grades a store outcome against its replica target.
type StoreStatus string

const (
	StoreSuccess StoreStatus = "success"
	StorePartial StoreStatus = "partial"
	StoreFailed  StoreStatus = "failed"
)

// StoreReport is the outcome of one store call.
type StoreReport struct {
	ContentHash   model.Hash
	Nodes         []model.Hash
	ReplicaTarget int
	ReplicaCount  int
	StoredSize    uint64
	Deduplicated  bool
	Elapsed       time.Duration
	Status        StoreStatus
}

// AvailabilityReport summarizes where a content object currently lives.
type AvailabilityReport struct {
	ContentHash    model.Hash
	ReplicaCount   int
	ActiveReplicas int
	Regions        []string
	LocalCopy      bool
	Available      bool
}

// AlertKind classifies an optimization-pass finding.
type AlertKind string

const (
	AlertNodeCapacity  AlertKind = "node_capacity"
	AlertNodeLatency   AlertKind = "node_latency"
	AlertAvailability  AlertKind = "content_availability"
	AlertLowRedundancy AlertKind = "low_redundancy"
)

// Alert is one threshold finding. NodeID is set for node alerts,
// ContentHash for content alerts.
type Alert struct {
	Kind        AlertKind
	NodeID      model.Hash
	ContentHash model.Hash
	Message     string
}

// OptimizationReport is the outcome of one optimization pass.
type OptimizationReport struct {
	ReplicasRaised      int
	ReplicasLowered     int
	Deleted             int
	MovedToCold         int
	PendingConfirmation []model.Hash
	Alerts              []Alert
	Elapsed             time.Duration
}

// Stats are the manager's lifetime counters.
type Stats struct {
	ObjectsStored    uint64
	ObjectsRetrieved uint64
	BytesStored      uint64
	StoreFailures    uint64
	RetrieveFailures uint64
	OptimizationRuns uint64
	AlertsRaised     uint64
	TrackedObjects   int
	ColdObjects      int
}
