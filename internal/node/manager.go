package node

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	chelpers "github.com/archivechain/archivechain/internal/clock"
	"github.com/archivechain/archivechain/internal/crypto"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/health"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/internal/registry"
	"github.com/archivechain/archivechain/internal/storage"
)

// FailoverStrategy decides what happens when a node is declared failed.
type FailoverStrategy string

const (
	FailoverAutomatic FailoverStrategy = "automatic"
	FailoverManual    FailoverStrategy = "manual"
	FailoverGradual   FailoverStrategy = "gradual"
	FailoverNone      FailoverStrategy = "none"
)

// Valid reports whether the strategy is a known kind.
func (s FailoverStrategy) Valid() bool {
	switch s {
	case FailoverAutomatic, FailoverManual, FailoverGradual, FailoverNone:
		return true
	default:
		return false
	}
}

// Factory builds a node of the requested role. The composition root
// owns the role-specific wiring.
type Factory interface {
	Build(role model.NodeRole, id model.Hash, operator model.PublicKey, region string) (Node, error)
}

// ManagerConfig tunes the cluster manager.
type ManagerConfig struct {
	ClusterName    string
	DefaultRegion  string
	Failover       FailoverStrategy
	AutoScaling    bool
	MaxNodes       int
	CheckInterval  time.Duration
	ScaleThreshold float64
}

// DefaultManagerConfig mirrors the deployed defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ClusterName:    "archive",
		Failover:       FailoverAutomatic,
		MaxNodes:       100,
		CheckInterval:  30 * time.Second,
		ScaleThreshold: 0.85,
	}
}

// Validate checks bounds.
func (c ManagerConfig) Validate() error {
	const op = "node.ManagerConfig"
	if c.ClusterName == "" {
		return errs.E(errs.InvalidInput, op, "cluster name must be set")
	}
	if !c.Failover.Valid() {
		return errs.Ef(errs.InvalidInput, op, "unknown failover strategy %q", c.Failover)
	}
	if c.MaxNodes <= 0 {
		return errs.E(errs.InvalidInput, op, "node limit must be positive")
	}
	if c.CheckInterval <= 0 {
		return errs.E(errs.InvalidInput, op, "check interval must be positive")
	}
	if c.ScaleThreshold <= 0 || c.ScaleThreshold >= 1 {
		return errs.E(errs.InvalidInput, op, "scale threshold must be a fraction")
	}
	return nil
}

// MaintenanceTask is one recorded piece of operator work.
type MaintenanceTask struct {
	ID        string
	NodeID    model.Hash
	Kind      string
	CreatedAt time.Time
	Done      bool
}

// ClusterStats is an aggregate view over the managed fleet.
type ClusterStats struct {
	Total      int
	ByRole     map[model.NodeRole]int
	ByStatus   map[model.NodeStatus]int
	AvgCPU     float64
	AvgMemory  float64
	AvgStorage float64
}

// Manager owns the managed node set: creation, lifecycle, failover and
// maintenance bookkeeping. Health watching is delegated to the monitor,
// fleet membership to the registry.
type Manager struct {
	mu       sync.Mutex
	cfg      ManagerConfig
	factory  Factory
	registry *registry.Registry
	monitor  *health.Monitor
	store    *storage.Manager
	nodes    map[model.Hash]Node
	keys     map[model.Hash]*crypto.KeyPair
	tasks    []MaintenanceTask
	clock    clock.Clock
	logger   *zap.Logger
}

// NewManager builds a cluster manager over the shared fabric services.
func NewManager(logger *zap.Logger, cfg ManagerConfig, factory Factory, reg *registry.Registry, monitor *health.Monitor, store *storage.Manager) (*Manager, error) {
	const op = "node.NewManager"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil || reg == nil || monitor == nil || store == nil {
		return nil, errs.E(errs.InvalidInput, op, "all collaborators are required")
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		registry: reg,
		monitor:  monitor,
		store:    store,
		nodes:    make(map[model.Hash]Node),
		keys:     make(map[model.Hash]*crypto.KeyPair),
		clock:    clock.New(),
		logger:   logger.Named("cluster").With(zap.String("cluster", cfg.ClusterName)),
	}, nil
}

// WithClock replaces the time source, for tests.
func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	return m
}

// CreateNode generates an identity, builds a node of the role, registers
// it with the fleet and puts it under health watch. The node starts
// stopped.
func (m *Manager) CreateNode(role model.NodeRole, region string) (Node, error) {
	const op = "node.Manager.CreateNode"
	if region == "" {
		region = m.cfg.DefaultRegion
	}

	m.mu.Lock()
	if len(m.nodes) >= m.cfg.MaxNodes {
		m.mu.Unlock()
		return nil, errs.Quantitative(errs.InvalidState, op,
			uint64(m.cfg.MaxNodes), uint64(len(m.nodes)))
	}
	m.mu.Unlock()

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}
	id := crypto.NodeID(kp.Public())

	n, err := m.factory.Build(role, id, kp.Public(), region)
	if err != nil {
		return nil, err
	}
	if err := m.registry.Register(model.NodeInfo{
		NodeID:   id,
		Operator: kp.Public(),
		Role:     role,
		Region:   region,
		Status:   model.NodeRegistered,
		Capabilities: model.NodeCapabilities{
			ConsensusWeight: role.ConsensusWeight(),
		},
	}); err != nil {
		return nil, err
	}
	m.monitor.Watch(id, n)

	m.mu.Lock()
	m.nodes[id] = n
	m.keys[id] = kp
	m.mu.Unlock()

	m.logger.Info("node created",
		zap.String("node", id.Short()),
		zap.String("role", string(role)),
		zap.String("region", region))
	return n, nil
}

// NodeByID returns a managed node.
func (m *Manager) NodeByID(id model.Hash) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, errs.E(errs.NotFound, "node.Manager.NodeByID", "node not managed")
	}
	return n, nil
}

// StartNode brings a managed node online and marks it active.
func (m *Manager) StartNode(ctx context.Context, id model.Hash) error {
	n, err := m.NodeByID(id)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	return m.setStatus(id, model.NodeActive)
}

// StopNode takes a managed node offline.
func (m *Manager) StopNode(ctx context.Context, id model.Hash) error {
	n, err := m.NodeByID(id)
	if err != nil {
		return err
	}
	if err := n.Stop(ctx); err != nil {
		return err
	}
	return m.setStatus(id, model.NodeOffline)
}

// RestartNode bounces a managed node. In-flight transfers involving the
// node are cancelled first so the scheduler does not account them
// against a dead endpoint.
func (m *Manager) RestartNode(ctx context.Context, id model.Hash) error {
	n, err := m.NodeByID(id)
	if err != nil {
		return err
	}
	m.store.NodeRestarting(id)
	if err := n.Stop(ctx); err != nil && errs.KindOf(err) != errs.InvalidState {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	return m.setStatus(id, model.NodeActive)
}

// RemoveNode retires a managed node: it is stopped, unwatched and
// dropped from the fleet.
func (m *Manager) RemoveNode(ctx context.Context, id model.Hash) error {
	n, err := m.NodeByID(id)
	if err != nil {
		return err
	}
	if err := n.Stop(ctx); err != nil && errs.KindOf(err) != errs.InvalidState {
		return err
	}
	m.monitor.Unwatch(id)
	if err := m.registry.Unregister(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.nodes, id)
	delete(m.keys, id)
	m.mu.Unlock()
	m.logger.Info("node removed", zap.String("node", id.Short()))
	return nil
}

func (m *Manager) setStatus(id model.Hash, status model.NodeStatus) error {
	info, err := m.registry.NodeOf(id)
	if err != nil {
		return err
	}
	info.Status = status
	return m.registry.UpdateNode(info)
}

// HealthCheckAll sweeps every watched node through the monitor.
func (m *Manager) HealthCheckAll(ctx context.Context) error {
	return m.monitor.CheckAll(ctx)
}

// HandleNodeFailure applies the configured failover strategy to a node
// declared failed.
func (m *Manager) HandleNodeFailure(ctx context.Context, id model.Hash) error {
	const op = "node.Manager.HandleNodeFailure"
	if _, err := m.NodeByID(id); err != nil {
		return err
	}

	switch m.cfg.Failover {
	case FailoverNone:
		m.logger.Warn("node failed, failover disabled", zap.String("node", id.Short()))
		return nil

	case FailoverManual:
		m.recordTask(id, "manual failover required")
		return nil

	case FailoverGradual:
		m.recordTask(id, "gradual drain started")
		return m.setStatus(id, model.NodeMaintenance)

	default:
		if err := m.RestartNode(ctx, id); err == nil {
			m.logger.Info("failed node restarted", zap.String("node", id.Short()))
			return nil
		}
		info, err := m.registry.NodeOf(id)
		if err != nil {
			return err
		}
		replacement, err := m.CreateNode(info.Role, info.Region)
		if err != nil {
			return errs.Wrap(errs.Internal, op, err)
		}
		if err := m.StartNode(ctx, replacement.ID()); err != nil {
			return err
		}
		if err := m.setStatus(id, model.NodeOffline); err != nil {
			return err
		}
		m.recordTask(id, "node replaced after failed restart")
		m.logger.Warn("failed node replaced",
			zap.String("node", id.Short()),
			zap.String("replacement", replacement.ID().Short()))
		return nil
	}
}

// ScheduleMaintenance records a piece of operator work against a node.
func (m *Manager) ScheduleMaintenance(id model.Hash, kind string) MaintenanceTask {
	return m.recordTask(id, kind)
}

func (m *Manager) recordTask(id model.Hash, kind string) MaintenanceTask {
	task := MaintenanceTask{
		ID:        uuid.NewString(),
		NodeID:    id,
		Kind:      kind,
		CreatedAt: m.clock.Now(),
	}
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
	return task
}

// CompleteMaintenance marks a recorded task done.
func (m *Manager) CompleteMaintenance(taskID string) error {
	const op = "node.Manager.CompleteMaintenance"
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == taskID {
			m.tasks[i].Done = true
			return nil
		}
	}
	return errs.E(errs.NotFound, op, "unknown maintenance task")
}

// MaintenanceTasks returns the recorded tasks, oldest first.
func (m *Manager) MaintenanceTasks() []MaintenanceTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MaintenanceTask(nil), m.tasks...)
}

// Stats aggregates the managed fleet by role and status with resource
// averages.
func (m *Manager) Stats() ClusterStats {
	m.mu.Lock()
	nodes := make(map[model.Hash]Node, len(m.nodes))
	for id, n := range m.nodes {
		nodes[id] = n
	}
	m.mu.Unlock()

	stats := ClusterStats{
		Total:    len(nodes),
		ByRole:   make(map[model.NodeRole]int),
		ByStatus: make(map[model.NodeStatus]int),
	}
	for id, n := range nodes {
		stats.ByRole[n.Role()]++
		if info, err := m.registry.NodeOf(id); err == nil {
			stats.ByStatus[info.Status]++
		}
		metrics := n.Metrics()
		stats.AvgCPU += metrics.CPUUsage
		stats.AvgMemory += metrics.MemoryUsage
		stats.AvgStorage += metrics.StorageUsage
	}
	if stats.Total > 0 {
		stats.AvgCPU /= float64(stats.Total)
		stats.AvgMemory /= float64(stats.Total)
		stats.AvgStorage /= float64(stats.Total)
	}
	return stats
}

// maybeScale adds a light storage node when the storage-bearing fleet
// runs hot.
func (m *Manager) maybeScale(ctx context.Context) {
	m.mu.Lock()
	var usage float64
	storing := 0
	for _, n := range m.nodes {
		if !n.Role().StoresContent() {
			continue
		}
		storing++
		usage += n.Metrics().StorageUsage
	}
	m.mu.Unlock()
	if storing == 0 || usage/float64(storing) < m.cfg.ScaleThreshold {
		return
	}

	n, err := m.CreateNode(model.RoleLightStorage, m.cfg.DefaultRegion)
	if err != nil {
		m.logger.Warn("scale-up failed", zap.Error(err))
		return
	}
	if err := m.StartNode(ctx, n.ID()); err != nil {
		m.logger.Warn("scale-up node did not start", zap.Error(err))
		return
	}
	m.logger.Info("scaled up", zap.String("node", n.ID().Short()))
}

// Run drives periodic health sweeps, failover for unresponsive nodes
// and auto-scaling until the context ends.
func (m *Manager) Run(ctx context.Context, sleep chelpers.SleepFunc) error {
	for {
		if err := sleep(ctx, m.cfg.CheckInterval); err != nil {
			return err
		}
		if err := m.HealthCheckAll(ctx); err != nil {
			m.logger.Warn("health sweep failed", zap.Error(err))
		}

		m.mu.Lock()
		ids := make([]model.Hash, 0, len(m.nodes))
		for id := range m.nodes {
			ids = append(ids, id)
		}
		m.mu.Unlock()
		for _, id := range ids {
			report, ok := m.monitor.ReportOf(id)
			if !ok {
				continue
			}
			if report.Status == health.StatusUnresponsive || report.Status == health.StatusCritical {
				if err := m.HandleNodeFailure(ctx, id); err != nil {
					m.logger.Warn("failover failed",
						zap.String("node", id.Short()),
						zap.Error(err))
				}
			}
		}

		if m.cfg.AutoScaling {
			m.maybeScale(ctx)
		}
	}
}
