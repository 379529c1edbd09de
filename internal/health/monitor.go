package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	chelpers "github.com/archivechain/archivechain/internal/clock"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

// Target is a node the monitor can probe.
type Target interface {
	HealthCheck(ctx context.Context) (Report, error)
}

// Recoverer is a node that can execute recovery actions. Targets that
// do not implement it are alerted on but never auto-recovered.
type Recoverer interface {
	Recover(ctx context.Context, action RecoveryAction) error
}

// RecoveryRecord is one completed recovery run.
type RecoveryRecord struct {
	NodeID    model.Hash
	Action    RecoveryAction
	Attempts  int
	StartedAt time.Time
	EndedAt   time.Time
	Succeeded bool
}

// Stats accumulates monitor counters since start.
type Stats struct {
	TotalChecks         uint64
	SuccessfulChecks    uint64
	FailedChecks        uint64
	AlertsGenerated     uint64
	RecoveriesAttempted uint64
	RecoveriesSucceeded uint64
}

type alertKey struct {
	node model.Hash
	kind AlertType
}

// Monitor probes watched nodes, raises alerts and drives recovery.
type Monitor struct {
	mu         sync.Mutex
	cfg        Config
	targets    map[model.Hash]Target
	reports    map[model.Hash]Report
	failures   map[model.Hash]int
	alerts     map[string]*Alert
	alertIndex map[alertKey]string
	history    *deque.Deque[Alert]
	recovering map[model.Hash]struct{}
	recoveries []RecoveryRecord
	channels   []Channel
	sleep      chelpers.SleepFunc
	stats      Stats
	clock      clock.Clock
	logger     *zap.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithChannel adds a notification channel besides the logging one.
func WithChannel(ch Channel) Option {
	return func(m *Monitor) { m.channels = append(m.channels, ch) }
}

// WithClock replaces the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithSleep replaces the recovery backoff sleeper, for tests.
func WithSleep(sleep chelpers.SleepFunc) Option {
	return func(m *Monitor) { m.sleep = sleep }
}

// NewMonitor builds a monitor. The logging channel is always present.
func NewMonitor(logger *zap.Logger, cfg Config, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		cfg:        cfg,
		targets:    make(map[model.Hash]Target),
		reports:    make(map[model.Hash]Report),
		failures:   make(map[model.Hash]int),
		alerts:     make(map[string]*Alert),
		alertIndex: make(map[alertKey]string),
		history:    &deque.Deque[Alert]{},
		recovering: make(map[model.Hash]struct{}),
		channels:   []Channel{NewLogChannel(logger)},
		sleep:      chelpers.SleepWithContext,
		clock:      clock.New(),
		logger:     logger.Named("health"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Watch adds a node to the check rotation.
func (m *Monitor) Watch(id model.Hash, target Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[id] = target
}

// Unwatch drops a node from the rotation, keeping its alert history.
func (m *Monitor) Unwatch(id model.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, id)
	delete(m.reports, id)
	delete(m.failures, id)
}

// CheckNode probes one node with the configured timeout, records the
// report, evaluates thresholds and triggers recovery when warranted.
func (m *Monitor) CheckNode(ctx context.Context, id model.Hash) (Report, error) {
	const op = "health.CheckNode"
	m.mu.Lock()
	target, ok := m.targets[id]
	m.mu.Unlock()
	if !ok {
		return Report{}, errs.E(errs.NotFound, op, "node not watched")
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	report, err := target.HealthCheck(checkCtx)
	cancel()

	m.mu.Lock()
	m.stats.TotalChecks++
	if err != nil {
		m.stats.FailedChecks++
		m.failures[id]++
		var job *recoveryJob
		if m.failures[id] >= m.cfg.FailureThreshold {
			m.reports[id] = Report{Status: StatusUnresponsive, LastCheck: m.clock.Now()}
			job = m.openAlertLocked(id, AlertUnresponsive, SeverityCritical,
				fmt.Sprintf("%d consecutive failed health checks", m.failures[id]))
		}
		m.mu.Unlock()
		if job != nil {
			m.runRecovery(ctx, *job)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Report{}, errs.Wrap(errs.Timeout, op, err)
		}
		return Report{}, errs.Wrap(errs.ServiceUnavailable, op, err)
	}

	m.stats.SuccessfulChecks++
	m.failures[id] = 0
	report.LastCheck = m.clock.Now()
	report.Status = m.gradeLocked(report)
	m.reports[id] = report
	jobs := m.evaluateLocked(id, report)
	m.mu.Unlock()

	for _, job := range jobs {
		m.runRecovery(ctx, job)
	}
	return report, nil
}

// gradeLocked derives the overall status from the thresholds.
func (m *Monitor) gradeLocked(r Report) Status {
	t := m.cfg.Thresholds
	switch {
	case r.CPUUsage > t.CPUCritical || r.MemoryUsage > t.MemoryCritical ||
		r.StorageUsage > t.StorageCritical || r.NetworkLatency > t.LatencyCritical ||
		r.ErrorRate > t.ErrorRateCritical:
		return StatusCritical
	case r.CPUUsage > t.CPUWarning || r.MemoryUsage > t.MemoryWarning ||
		r.StorageUsage > t.StorageWarning || r.NetworkLatency > t.LatencyWarning ||
		r.ErrorRate > t.ErrorRateWarning:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

type recoveryJob struct {
	node   model.Hash
	action RecoveryAction
}

// evaluateLocked opens or refreshes one alert per crossed threshold.
func (m *Monitor) evaluateLocked(id model.Hash, r Report) []recoveryJob {
	t := m.cfg.Thresholds
	var jobs []recoveryJob
	add := func(job *recoveryJob) {
		if job != nil {
			jobs = append(jobs, *job)
		}
	}

	switch {
	case r.CPUUsage > t.CPUCritical:
		add(m.openAlertLocked(id, AlertHighResourceUsage, SeverityCritical,
			fmt.Sprintf("cpu usage %.0f%%", r.CPUUsage*100)))
	case r.CPUUsage > t.CPUWarning:
		add(m.openAlertLocked(id, AlertHighResourceUsage, SeverityWarning,
			fmt.Sprintf("cpu usage %.0f%%", r.CPUUsage*100)))
	}
	switch {
	case r.MemoryUsage > t.MemoryCritical:
		add(m.openAlertLocked(id, AlertHighResourceUsage, SeverityCritical,
			fmt.Sprintf("memory usage %.0f%%", r.MemoryUsage*100)))
	case r.MemoryUsage > t.MemoryWarning:
		add(m.openAlertLocked(id, AlertHighResourceUsage, SeverityWarning,
			fmt.Sprintf("memory usage %.0f%%", r.MemoryUsage*100)))
	}
	switch {
	case r.StorageUsage > t.StorageCritical:
		add(m.openAlertLocked(id, AlertLowDiskSpace, SeverityCritical,
			fmt.Sprintf("storage usage %.0f%%", r.StorageUsage*100)))
	case r.StorageUsage > t.StorageWarning:
		add(m.openAlertLocked(id, AlertLowDiskSpace, SeverityWarning,
			fmt.Sprintf("storage usage %.0f%%", r.StorageUsage*100)))
	}
	switch {
	case r.NetworkLatency > t.LatencyCritical:
		add(m.openAlertLocked(id, AlertHighLatency, SeverityCritical,
			fmt.Sprintf("latency %s", r.NetworkLatency)))
	case r.NetworkLatency > t.LatencyWarning:
		add(m.openAlertLocked(id, AlertHighLatency, SeverityWarning,
			fmt.Sprintf("latency %s", r.NetworkLatency)))
	}
	switch {
	case r.ErrorRate > t.ErrorRateCritical:
		add(m.openAlertLocked(id, AlertHighErrorRate, SeverityCritical,
			fmt.Sprintf("error rate %.1f%%", r.ErrorRate*100)))
	case r.ErrorRate > t.ErrorRateWarning:
		add(m.openAlertLocked(id, AlertHighErrorRate, SeverityWarning,
			fmt.Sprintf("error rate %.1f%%", r.ErrorRate*100)))
	}
	return jobs
}

// openAlertLocked creates a new alert or refreshes the active one for
// the same node and type. It returns a recovery job when auto-recovery
// should run.
func (m *Monitor) openAlertLocked(id model.Hash, kind AlertType, severity Severity, message string) *recoveryJob {
	now := m.clock.Now()
	key := alertKey{node: id, kind: kind}
	if alertID, ok := m.alertIndex[key]; ok {
		alert := m.alerts[alertID]
		alert.Severity = severity
		alert.Message = message
		alert.UpdatedAt = now
	} else {
		alert := &Alert{
			ID:          uuid.NewString(),
			NodeID:      id,
			Type:        kind,
			Severity:    severity,
			Message:     message,
			CreatedAt:   now,
			UpdatedAt:   now,
			Status:      AlertActive,
			Recommended: recommendedAction(kind),
		}
		m.alerts[alert.ID] = alert
		m.alertIndex[key] = alert.ID
		m.stats.AlertsGenerated++
		for _, ch := range m.channels {
			ch.Notify(*alert)
		}
	}

	if !m.cfg.AutoRecovery || severity < SeverityError {
		return nil
	}
	return &recoveryJob{node: id, action: recommendedAction(kind)}
}

// runRecovery executes one recovery with retries and exponential
// backoff. Only one recovery runs per node at a time.
func (m *Monitor) runRecovery(ctx context.Context, job recoveryJob) {
	m.mu.Lock()
	if _, busy := m.recovering[job.node]; busy {
		m.mu.Unlock()
		return
	}
	recoverer, ok := m.targets[job.node].(Recoverer)
	if !ok {
		m.mu.Unlock()
		return
	}
	m.recovering[job.node] = struct{}{}
	m.stats.RecoveriesAttempted++
	started := m.clock.Now()
	m.mu.Unlock()

	retry := &backoff.Backoff{
		Min:    m.cfg.RetryDelay,
		Max:    m.cfg.MaxRetryDelay,
		Factor: 2,
	}
	var succeeded bool
	attempts := 0
	for attempts < m.cfg.MaxRecoveryAttempts {
		attempts++
		err := recoverer.Recover(ctx, job.action)
		if err == nil {
			succeeded = true
			break
		}
		m.logger.Warn("recovery attempt failed",
			zap.String("node", job.node.Hex()),
			zap.String("action", string(job.action)),
			zap.Int("attempt", attempts),
			zap.Error(err))
		if attempts == m.cfg.MaxRecoveryAttempts {
			break
		}
		if err := m.sleep(ctx, retry.Duration()); err != nil {
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recovering, job.node)
	if succeeded {
		m.stats.RecoveriesSucceeded++
	}
	m.recoveries = append(m.recoveries, RecoveryRecord{
		NodeID:    job.node,
		Action:    job.action,
		Attempts:  attempts,
		StartedAt: started,
		EndedAt:   m.clock.Now(),
		Succeeded: succeeded,
	})
	if len(m.recoveries) > m.cfg.MaxAlertHistory {
		m.recoveries = m.recoveries[len(m.recoveries)-m.cfg.MaxAlertHistory:]
	}
}

// CheckAll probes every watched node concurrently and aggregates the
// failures.
func (m *Monitor) CheckAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]model.Hash, 0, len(m.targets))
	for id := range m.targets {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var (
		group, groupCtx = errgroup.WithContext(ctx)
		errMu           sync.Mutex
		merr            *multierror.Error
	)
	group.SetLimit(m.cfg.MaxConcurrentChecks)
	for _, id := range ids {
		id := id
		group.Go(func() error {
			if _, err := m.CheckNode(groupCtx, id); err != nil {
				errMu.Lock()
				merr = multierror.Append(merr, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return merr.ErrorOrNil()
}

// ResolveAlert explicitly closes an active alert, moving it to history.
func (m *Monitor) ResolveAlert(id string) error {
	const op = "health.ResolveAlert"
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok {
		return errs.E(errs.NotFound, op, "no active alert with that id")
	}
	alert.Status = AlertResolved
	alert.UpdatedAt = m.clock.Now()
	delete(m.alerts, id)
	delete(m.alertIndex, alertKey{node: alert.NodeID, kind: alert.Type})
	m.history.PushBack(*alert)
	for m.history.Len() > m.cfg.MaxAlertHistory {
		m.history.PopFront()
	}
	return nil
}

// ReportOf returns the latest report for a node.
func (m *Monitor) ReportOf(id model.Hash) (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.reports[id]
	return report, ok
}

// ActiveAlerts lists open alerts, oldest first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		out = append(out, *alert)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AlertHistory returns up to n resolved alerts, newest last.
func (m *Monitor) AlertHistory(n int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > m.history.Len() {
		n = m.history.Len()
	}
	out := make([]Alert, 0, n)
	for i := m.history.Len() - n; i < m.history.Len(); i++ {
		out = append(out, m.history.At(i))
	}
	return out
}

// RecoveryHistory returns completed recovery runs, oldest first.
func (m *Monitor) RecoveryHistory() []RecoveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecoveryRecord, len(m.recoveries))
	copy(out, m.recoveries)
	return out
}

// StatsSnapshot returns current monitor counters.
func (m *Monitor) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Run probes the fleet at the check interval until the context is
// cancelled.
func (m *Monitor) Run(ctx context.Context, sleep chelpers.SleepFunc) error {
	for {
		if err := sleep(ctx, m.cfg.CheckInterval); err != nil {
			return err
		}
		if err := m.CheckAll(ctx); err != nil {
			m.logger.Warn("health sweep finished with failures", zap.Error(err))
		}
	}
}
