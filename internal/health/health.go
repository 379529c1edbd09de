// Package health watches the node fleet: periodic checks with timeouts,
// threshold alerts, pluggable notification channels and automatic
// recovery with backoff.
package health

import (
	"time"

	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

// Status grades a node's condition.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusWarning      Status = "warning"
	StatusCritical     Status = "critical"
	StatusUnresponsive Status = "unresponsive"
	StatusRecovering   Status = "recovering"
)

// Report is one health sample from a node.
type Report struct {
	Status         Status
	Uptime         time.Duration
	CPUUsage       float64
	MemoryUsage    float64
	StorageUsage   float64
	NetworkLatency time.Duration
	ErrorRate      float64
	LastCheck      time.Time
}

// Thresholds are the warning and critical boundaries evaluated against
// each report. Usage values are fractions, latency is absolute.
type Thresholds struct {
	CPUWarning        float64
	CPUCritical       float64
	MemoryWarning     float64
	MemoryCritical    float64
	StorageWarning    float64
	StorageCritical   float64
	LatencyWarning    time.Duration
	LatencyCritical   time.Duration
	ErrorRateWarning  float64
	ErrorRateCritical float64
}

// DefaultThresholds mirrors the deployed boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning:        0.75,
		CPUCritical:       0.90,
		MemoryWarning:     0.75,
		MemoryCritical:    0.90,
		StorageWarning:    0.85,
		StorageCritical:   0.95,
		LatencyWarning:    500 * time.Millisecond,
		LatencyCritical:   time.Second,
		ErrorRateWarning:  0.05,
		ErrorRateCritical: 0.10,
	}
}

// Config tunes the monitor.
type Config struct {
	CheckInterval       time.Duration
	CheckTimeout        time.Duration
	FailureThreshold    int
	AutoRecovery        bool
	MaxRecoveryAttempts int
	RetryDelay          time.Duration
	MaxRetryDelay       time.Duration
	MaxAlertHistory     int
	MaxConcurrentChecks int
	Thresholds          Thresholds
}

// DefaultConfig mirrors the deployed intervals.
func DefaultConfig() Config {
	return Config{
		CheckInterval:       30 * time.Second,
		CheckTimeout:        10 * time.Second,
		FailureThreshold:    3,
		AutoRecovery:        true,
		MaxRecoveryAttempts: 3,
		RetryDelay:          time.Minute,
		MaxRetryDelay:       10 * time.Minute,
		MaxAlertHistory:     1000,
		MaxConcurrentChecks: 16,
		Thresholds:          DefaultThresholds(),
	}
}

// Validate checks bounds.
func (c Config) Validate() error {
	const op = "health.Config"
	if c.CheckInterval <= 0 || c.CheckTimeout <= 0 {
		return errs.E(errs.InvalidInput, op, "check interval and timeout must be positive")
	}
	if c.CheckTimeout >= c.CheckInterval {
		return errs.E(errs.InvalidInput, op, "check timeout must be below the interval")
	}
	if c.FailureThreshold <= 0 || c.MaxRecoveryAttempts <= 0 {
		return errs.E(errs.InvalidInput, op, "failure and recovery bounds must be positive")
	}
	if c.RetryDelay <= 0 || c.MaxRetryDelay < c.RetryDelay {
		return errs.E(errs.InvalidInput, op, "retry delays must be positive and ordered")
	}
	if c.MaxAlertHistory <= 0 || c.MaxConcurrentChecks <= 0 {
		return errs.E(errs.InvalidInput, op, "history and concurrency bounds must be positive")
	}
	t := c.Thresholds
	if t.CPUWarning >= t.CPUCritical || t.MemoryWarning >= t.MemoryCritical ||
		t.StorageWarning >= t.StorageCritical || t.LatencyWarning >= t.LatencyCritical ||
		t.ErrorRateWarning >= t.ErrorRateCritical {
		return errs.E(errs.InvalidInput, op, "warning thresholds must sit below critical ones")
	}
	return nil
}

// AlertType classifies what a report violated.
type AlertType string

const (
	AlertHighResourceUsage AlertType = "high_resource_usage"
	AlertHighLatency       AlertType = "high_latency"
	AlertHighErrorRate     AlertType = "high_error_rate"
	AlertUnresponsive      AlertType = "unresponsive"
	AlertConnectivityIssue AlertType = "connectivity_issue"
	AlertLowDiskSpace      AlertType = "low_disk_space"
	AlertSyncIssue         AlertType = "sync_issue"
)

// Severity orders alert levels.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// AlertStatus is an alert's lifecycle state.
type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// Alert is one threshold violation or responsiveness failure.
type Alert struct {
	ID          string
	NodeID      model.Hash
	Type        AlertType
	Severity    Severity
	Message     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Status      AlertStatus
	Recommended RecoveryAction
}

// RecoveryAction is the mitigation applied to an ailing node.
type RecoveryAction string

const (
	ActionClearCache       RecoveryAction = "clear_cache"
	ActionResetConnections RecoveryAction = "reset_connections"
	ActionRestartNode      RecoveryAction = "restart_node"
	ActionResynchronize    RecoveryAction = "resynchronize"
)

// recommendedAction maps an alert type to its mitigation.
func recommendedAction(t AlertType) RecoveryAction {
	switch t {
	case AlertHighResourceUsage, AlertLowDiskSpace:
		return ActionClearCache
	case AlertHighLatency, AlertConnectivityIssue:
		return ActionResetConnections
	case AlertSyncIssue:
		return ActionResynchronize
	default:
		return ActionRestartNode
	}
}

// Channel delivers alerts to an external destination.
type Channel interface {
	Notify(Alert)
}

// LogChannel writes alerts to the logger. It is the minimum channel
// every monitor carries.
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel builds the logging channel.
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("healthAlerts")}
}

// Notify logs the alert at a level matching its severity.
func (c *LogChannel) Notify(alert Alert) {
	fields := []zap.Field{
		zap.String("alert", alert.ID),
		zap.String("node", alert.NodeID.Hex()),
		zap.String("type", string(alert.Type)),
		zap.String("severity", alert.Severity.String()),
		zap.String("message", alert.Message),
	}
	if alert.Severity >= SeverityError {
		c.logger.Error("health alert", fields...)
		return
	}
	c.logger.Warn("health alert", fields...)
}
