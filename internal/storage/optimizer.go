package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	chelpers "github.com/archivechain/archivechain/internal/clock"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/internal/replication"
)

// Optimize runs one maintenance pass: re-evaluate replication targets
// from fresh popularity, apply retention policies by content type and
// age, and sweep the alert thresholds.
func (m *Manager) Optimize() OptimizationReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	started := m.clock.Now()
	health := m.networkHealth()

	var report OptimizationReport
	for _, change := range m.deps.Planner.Reevaluate(m.deps.Discovery.RecentPopularity, health) {
		if change.NewTarget > change.OldTarget {
			report.ReplicasRaised++
		} else {
			report.ReplicasLowered++
		}
	}

	m.applyRetentionLocked(health, &report)

	report.Alerts = m.checkAlertsLocked()
	m.stats.AlertsRaised += uint64(len(report.Alerts))
	m.stats.OptimizationRuns++

	report.Elapsed = m.clock.Now().Sub(started)
	m.logger.Info("optimization pass complete",
		zap.Int("raised", report.ReplicasRaised),
		zap.Int("lowered", report.ReplicasLowered),
		zap.Int("deleted", report.Deleted),
		zap.Int("cold", report.MovedToCold),
		zap.Int("alerts", len(report.Alerts)))
	return report
}

// applyRetentionLocked walks the tracked objects and applies the first
// policy matching each object's type and age.
func (m *Manager) applyRetentionLocked(health float64, report *OptimizationReport) {
	now := m.clock.Now()
	for hash, record := range m.contents {
		policy, ok := m.matchPolicy(record, now)
		if !ok {
			continue
		}
		switch policy.Action {
		case ActionDelete:
			if err := m.deleteLocked(hash); err != nil {
				m.logger.Warn("retention delete failed",
					zap.String("content", hash.Short()), zap.Error(err))
				continue
			}
			report.Deleted++
		case ActionReduceReplicas:
			if _, err := m.deps.Planner.UpdateStrategy(hash, replication.Fixed(policy.ReduceTo), health); err != nil {
				m.logger.Warn("retention reduction failed",
					zap.String("content", hash.Short()), zap.Error(err))
				continue
			}
			report.ReplicasLowered++
		case ActionMoveToColdStorage:
			floor := record.meta.Criticality.MinReplicas()
			if _, err := m.deps.Planner.UpdateStrategy(hash, replication.Fixed(floor), health); err != nil {
				m.logger.Warn("cold move failed",
					zap.String("content", hash.Short()), zap.Error(err))
				continue
			}
			record.cold = true
			report.MovedToCold++
		case ActionRequestConfirmation:
			report.PendingConfirmation = append(report.PendingConfirmation, hash)
		}
	}
}

// matchPolicy returns the first retention policy the object has aged
// into. Cold objects are not matched again.
func (m *Manager) matchPolicy(record *contentRecord, now time.Time) (RetentionPolicy, bool) {
	if record.cold {
		return RetentionPolicy{}, false
	}
	age := now.Sub(record.storedAt)
	for _, policy := range m.cfg.Retention {
		if policy.ContentType != "" && policy.ContentType != record.meta.ContentType {
			continue
		}
		if age > policy.MaxAge {
			return policy, true
		}
	}
	return RetentionPolicy{}, false
}

// CheckAlerts sweeps the alert thresholds without the rest of the
// optimization pass.
func (m *Manager) CheckAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkAlertsLocked()
}

func (m *Manager) checkAlertsLocked() []Alert {
	var alerts []Alert
	for _, node := range m.deps.Directory.ActiveNodes() {
		if node.Metrics.StorageUsage >= m.cfg.Thresholds.CapacityCritical {
			alerts = append(alerts, Alert{
				Kind:    AlertNodeCapacity,
				NodeID:  node.NodeID,
				Message: "node storage above critical capacity",
			})
		}
		if node.Metrics.NetworkLatency >= m.cfg.Thresholds.LatencyHigh {
			alerts = append(alerts, Alert{
				Kind:    AlertNodeLatency,
				NodeID:  node.NodeID,
				Message: "node latency above threshold",
			})
		}
	}

	if len(m.contents) == 0 {
		return alerts
	}
	reachable := 0
	for hash, record := range m.contents {
		active := m.activeReplicasLocked(record.replicas)
		if active > 0 {
			reachable++
		}
		if active < m.cfg.Thresholds.ReplicasCritical {
			alerts = append(alerts, Alert{
				Kind:        AlertLowRedundancy,
				ContentHash: hash,
				Message:     "active replicas below critical floor",
			})
		}
	}
	if float64(reachable)/float64(len(m.contents)) < m.cfg.Thresholds.AvailabilityLow {
		alerts = append(alerts, Alert{
			Kind:    AlertAvailability,
			Message: "content availability below threshold",
		})
	}
	return alerts
}

func (m *Manager) activeReplicasLocked(replicas []model.Hash) int {
	active := 0
	for _, id := range replicas {
		node, err := m.deps.Directory.NodeOf(id)
		if err != nil {
			continue
		}
		if node.Status == model.NodeActive {
			active++
		}
	}
	return active
}

// Run drives periodic optimization until the context ends.
func (m *Manager) Run(ctx context.Context, sleep chelpers.SleepFunc) error {
	for {
		if err := sleep(ctx, m.cfg.OptimizationInterval); err != nil {
			return err
		}
		m.Optimize()
	}
}
