package node

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	chelpers "github.com/archivechain/archivechain/internal/clock"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/health"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/internal/storage"
)

// MinArchiveCapacity is the smallest storage commitment a full archive
// node may register with.
const MinArchiveCapacity = 10 << 40

// FullArchiveConfig tunes a full archive node.
type FullArchiveConfig struct {
	Config
	StorageCapacity          uint64
	ReplicationFactor        int
	CriticalStorageThreshold float64
	IntegrityScanInterval    time.Duration
}

// DefaultFullArchiveConfig mirrors the deployed defaults.
func DefaultFullArchiveConfig() FullArchiveConfig {
	return FullArchiveConfig{
		Config:                   DefaultConfig(),
		StorageCapacity:          MinArchiveCapacity,
		ReplicationFactor:        10,
		CriticalStorageThreshold: 0.85,
		IntegrityScanInterval:    time.Hour,
	}
}

// Validate checks bounds.
func (c FullArchiveConfig) Validate() error {
	const op = "node.FullArchiveConfig"
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.StorageCapacity < MinArchiveCapacity {
		return errs.Quantitative(errs.InvalidInput, op, MinArchiveCapacity, c.StorageCapacity)
	}
	if c.ReplicationFactor < 5 || c.ReplicationFactor > 15 {
		return errs.E(errs.InvalidInput, op, "replication factor must be between 5 and 15")
	}
	if c.CriticalStorageThreshold < 0.50 || c.CriticalStorageThreshold > 0.95 {
		return errs.E(errs.InvalidInput, op, "critical storage threshold must be between 0.50 and 0.95")
	}
	if c.IntegrityScanInterval <= 0 {
		return errs.E(errs.InvalidInput, op, "integrity scan interval must be positive")
	}
	return nil
}

// FullArchive stores complete copies of everything the network accepts
// and runs periodic integrity scans over its holdings.
type FullArchive struct {
	baseNode
	archiveCfg FullArchiveConfig
	store      *storage.Manager
	lastScan   time.Time
	scans      uint64
}

// NewFullArchive builds a full archive node over the shared storage
// coordinator.
func NewFullArchive(logger *zap.Logger, id model.Hash, operator model.PublicKey, cfg FullArchiveConfig, store *storage.Manager) (*FullArchive, error) {
	const op = "node.NewFullArchive"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errs.E(errs.InvalidInput, op, "storage coordinator is required")
	}
	return &FullArchive{
		baseNode:   newBaseNode(logger, id, operator, model.RoleFullArchive, cfg.Config),
		archiveCfg: cfg,
		store:      store,
	}, nil
}

// WithClock replaces the time source, for tests.
func (fa *FullArchive) WithClock(c clock.Clock) *FullArchive {
	fa.clock = c
	return fa
}

// Start brings the node online.
func (fa *FullArchive) Start(ctx context.Context) error {
	return fa.start("node.FullArchive.Start")
}

// Stop takes the node offline.
func (fa *FullArchive) Stop(ctx context.Context) error {
	return fa.stop("node.FullArchive.Stop")
}

// storageUsage is the committed fraction of the node's capacity.
func (fa *FullArchive) storageUsage() float64 {
	used := float64(fa.store.StatsSnapshot().BytesStored) / float64(fa.archiveCfg.StorageCapacity)
	if used > 1 {
		used = 1
	}
	return used
}

// AcceptingContent reports whether the node is below its critical
// storage threshold.
func (fa *FullArchive) AcceptingContent() bool {
	return fa.storageUsage() < fa.archiveCfg.CriticalStorageThreshold
}

// Metrics returns the operational snapshot.
func (fa *FullArchive) Metrics() GeneralMetrics {
	return fa.snapshot(fa.storageUsage())
}

// HealthCheck grades the node: storage above 95% is critical, above 90%
// a warning.
func (fa *FullArchive) HealthCheck(ctx context.Context) (health.Report, error) {
	r := fa.report(fa.Metrics())
	switch {
	case r.StorageUsage >= 0.95:
		r.Status = health.StatusCritical
	case r.StorageUsage >= 0.90:
		r.Status = health.StatusWarning
	}
	return r, nil
}

// HandleMessage answers pings, stores, retrievals and locate requests.
// Unknown kinds are ignored.
func (fa *FullArchive) HandleMessage(ctx context.Context, msg model.NetworkMessage) (*model.NetworkMessage, error) {
	const op = "node.FullArchive.HandleMessage"
	if err := fa.checkEnvelope(op, msg); err != nil {
		fa.recordError()
		return nil, err
	}
	started := fa.clock.Now()

	switch msg.Kind {
	case model.MsgPing:
		reply := fa.pong(msg)
		fa.recordMessage(started, len(msg.Payload), len(reply.Payload))
		return reply, nil

	case model.MsgContentStore:
		if err := fa.requireRunning(op); err != nil {
			return nil, err
		}
		if !fa.AcceptingContent() {
			fa.recordError()
			return nil, errs.E(errs.ServiceUnavailable, op, "storage above critical threshold")
		}
		meta := model.ContentMetadata{
			ContentType: "application/octet-stream",
			Owner:       fa.operator,
			Criticality: model.CriticalityStandard,
		}
		if _, err := fa.store.Store(msg.Payload, meta, fa.cfg.Region); err != nil {
			fa.recordError()
			return nil, err
		}
		fa.recordMessage(started, len(msg.Payload), 0)
		return nil, nil

	case model.MsgContentRetrieve:
		if err := fa.requireRunning(op); err != nil {
			return nil, err
		}
		hash, err := payloadHash(op, msg.Payload)
		if err != nil {
			fa.recordError()
			return nil, err
		}
		data, err := fa.store.Retrieve(hash, msg.Sender)
		if err != nil {
			fa.recordError()
			return nil, err
		}
		sender := msg.Sender
		reply := &model.NetworkMessage{
			ID:        pongID(msg.ID),
			Sender:    fa.id,
			Recipient: &sender,
			Kind:      model.MsgContentRetrieve,
			Payload:   data,
			Timestamp: fa.clock.Now(),
			TTL:       fa.cfg.MessageTTL,
		}
		fa.recordMessage(started, len(msg.Payload), len(data))
		return reply, nil

	case model.MsgContentLocate:
		hash, err := payloadHash(op, msg.Payload)
		if err != nil {
			fa.recordError()
			return nil, err
		}
		avail, err := fa.store.CheckAvailability(hash)
		if err != nil {
			fa.recordError()
			return nil, err
		}
		sender := msg.Sender
		reply := &model.NetworkMessage{
			ID:        pongID(msg.ID),
			Sender:    fa.id,
			Recipient: &sender,
			Kind:      model.MsgContentLocate,
			Payload:   encodeReplicaCount(avail.ActiveReplicas),
			Timestamp: fa.clock.Now(),
			TTL:       fa.cfg.MessageTTL,
		}
		fa.recordMessage(started, len(msg.Payload), len(reply.Payload))
		return reply, nil

	default:
		fa.recordMessage(started, len(msg.Payload), 0)
		return nil, nil
	}
}

// SyncWithNetwork runs one maintenance round and, when the scan interval
// elapsed, an integrity sweep over the local holdings.
func (fa *FullArchive) SyncWithNetwork(ctx context.Context) error {
	const op = "node.FullArchive.Sync"
	if err := fa.requireRunning(op); err != nil {
		return err
	}

	fa.mu.Lock()
	now := fa.clock.Now()
	scanDue := fa.lastScan.IsZero() || now.Sub(fa.lastScan) >= fa.archiveCfg.IntegrityScanInterval
	if scanDue {
		fa.lastScan = now
		fa.scans++
	}
	fa.mu.Unlock()

	if scanDue {
		report := fa.store.VerifyIntegrity()
		if len(report.Failed) > 0 {
			fa.logger.Warn("integrity scan found corrupt objects",
				zap.Int("checked", report.Checked),
				zap.Int("failed", len(report.Failed)))
			return errs.Ef(errs.IntegrityViolation, op, "%d objects failed verification", len(report.Failed))
		}
		fa.logger.Debug("integrity scan clean", zap.Int("checked", report.Checked))
	}
	return nil
}

// IntegrityScans returns how many sweeps the node has run.
func (fa *FullArchive) IntegrityScans() uint64 {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.scans
}

// Recover applies the monitor's mitigation.
func (fa *FullArchive) Recover(ctx context.Context, action health.RecoveryAction) error {
	switch action {
	case health.ActionRestartNode:
		if err := fa.stop("node.FullArchive.Recover"); err != nil {
			return err
		}
		return fa.start("node.FullArchive.Recover")
	case health.ActionResynchronize:
		return fa.SyncWithNetwork(ctx)
	case health.ActionResetConnections:
		fa.resetConnections()
		return nil
	default:
		// Nothing cached at this tier.
		return nil
	}
}

// Run drives periodic syncs until the context ends.
func (fa *FullArchive) Run(ctx context.Context, sleep chelpers.SleepFunc) error {
	for {
		if err := sleep(ctx, fa.cfg.SyncInterval); err != nil {
			return err
		}
		if err := fa.SyncWithNetwork(ctx); err != nil {
			fa.logger.Warn("sync round failed", zap.Error(err))
		}
	}
}
