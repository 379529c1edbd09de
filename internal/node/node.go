// Package node implements the four specialized node types of the
// fabric: full archive, light storage, relay and gateway. Every node
// shares one lifecycle, message envelope handling and metrics surface;
// the types differ in what they do with content and traffic.
package node

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/crypto"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/health"
	"github.com/archivechain/archivechain/internal/model"
)

// State is a node's lifecycle position.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Config is the shared per-node configuration. Role-specific configs
// embed it.
type Config struct {
	Region       string
	Address      string
	SyncInterval time.Duration
	MessageTTL   int
}

// DefaultConfig mirrors the deployed defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval: 30 * time.Second,
		MessageTTL:   60,
	}
}

// Validate checks bounds.
func (c Config) Validate() error {
	const op = "node.Config"
	if c.SyncInterval <= 0 {
		return errs.E(errs.InvalidInput, op, "sync interval must be positive")
	}
	if c.MessageTTL <= 0 {
		return errs.E(errs.InvalidInput, op, "message TTL must be positive")
	}
	return nil
}

// GeneralMetrics is the operational snapshot every node type reports.
type GeneralMetrics struct {
	Uptime            time.Duration
	CPUUsage          float64
	MemoryUsage       float64
	StorageUsage      float64
	BandwidthIn       uint64
	BandwidthOut      uint64
	ActiveConnections int
	MessagesProcessed uint64
	ErrorCount        uint64
	AverageLatency    time.Duration
}

// Node is the common surface of all four node types. Every node is also
// a health target and recoverer, so the monitor can watch and mend it.
type Node interface {
	ID() model.Hash
	Role() model.NodeRole
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) (health.Report, error)
	Metrics() GeneralMetrics
	HandleMessage(ctx context.Context, msg model.NetworkMessage) (*model.NetworkMessage, error)
	SyncWithNetwork(ctx context.Context) error
	UpdateConfig(cfg Config) error
	Recover(ctx context.Context, action health.RecoveryAction) error
}

// baseNode carries the lifecycle, counters and envelope plumbing shared
// by all node types.
type baseNode struct {
	mu         sync.Mutex
	id         model.Hash
	operator   model.PublicKey
	role       model.NodeRole
	cfg        Config
	state      State
	startedAt  time.Time
	msgCount   uint64
	errCount   uint64
	latencySum time.Duration
	bytesIn    uint64
	bytesOut   uint64
	conns      int
	cpuUsage   float64
	memUsage   float64
	clock      clock.Clock
	logger     *zap.Logger
}

func newBaseNode(logger *zap.Logger, id model.Hash, operator model.PublicKey, role model.NodeRole, cfg Config) baseNode {
	return baseNode{
		id:       id,
		operator: operator,
		role:     role,
		cfg:      cfg,
		state:    StateStopped,
		clock:    clock.New(),
		logger:   logger.Named(string(role)).With(zap.String("node", id.Short())),
	}
}

func (b *baseNode) ID() model.Hash { return b.id }

func (b *baseNode) Role() model.NodeRole { return b.role }

// State returns the current lifecycle position.
func (b *baseNode) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *baseNode) start(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateRunning {
		return errs.E(errs.InvalidState, op, "node already running")
	}
	b.state = StateRunning
	b.startedAt = b.clock.Now()
	b.logger.Info("node started")
	return nil
}

func (b *baseNode) stop(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRunning {
		return errs.E(errs.InvalidState, op, "node not running")
	}
	b.state = StateStopped
	b.conns = 0
	b.logger.Info("node stopped")
	return nil
}

func (b *baseNode) requireRunning(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRunning {
		return errs.E(errs.InvalidState, op, "node not running")
	}
	return nil
}

// UpdateConfig swaps the shared tunables after validation.
func (b *baseNode) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	return nil
}

// SetResourceUsage records the latest host sample. Sampling itself is
// owned by the runtime wrapper, not the node.
func (b *baseNode) SetResourceUsage(cpu, memory float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cpuUsage = cpu
	b.memUsage = memory
}

func (b *baseNode) recordMessage(started time.Time, inBytes, outBytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgCount++
	b.latencySum += b.clock.Now().Sub(started)
	b.bytesIn += uint64(inBytes)
	b.bytesOut += uint64(outBytes)
}

func (b *baseNode) recordError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errCount++
}

func (b *baseNode) uptimeLocked() time.Duration {
	if b.state != StateRunning {
		return 0
	}
	return b.clock.Now().Sub(b.startedAt)
}

// snapshot builds the shared metrics view. storageUsage comes from the
// caller because only storage-bearing nodes have one.
func (b *baseNode) snapshot(storageUsage float64) GeneralMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := GeneralMetrics{
		Uptime:            b.uptimeLocked(),
		CPUUsage:          b.cpuUsage,
		MemoryUsage:       b.memUsage,
		StorageUsage:      storageUsage,
		BandwidthIn:       b.bytesIn,
		BandwidthOut:      b.bytesOut,
		ActiveConnections: b.conns,
		MessagesProcessed: b.msgCount,
		ErrorCount:        b.errCount,
	}
	if b.msgCount > 0 {
		m.AverageLatency = b.latencySum / time.Duration(b.msgCount)
	}
	return m
}

// report translates a metrics snapshot into a health sample. Status
// grading on top of it is role-specific.
func (b *baseNode) report(m GeneralMetrics) health.Report {
	r := health.Report{
		Status:         health.StatusHealthy,
		Uptime:         m.Uptime,
		CPUUsage:       m.CPUUsage,
		MemoryUsage:    m.MemoryUsage,
		StorageUsage:   m.StorageUsage,
		NetworkLatency: m.AverageLatency,
		LastCheck:      b.clock.Now(),
	}
	if m.MessagesProcessed > 0 {
		r.ErrorRate = float64(m.ErrorCount) / float64(m.MessagesProcessed)
	}
	return r
}

// pongID derives a reply id from the request id.
func pongID(id string) string {
	return crypto.Checksum([]byte(id)).Hex()
}

// payloadHash interprets a payload as a content hash.
func payloadHash(op string, payload []byte) (model.Hash, error) {
	if len(payload) != model.HashSize {
		return model.Hash{}, errs.Ef(errs.InvalidInput, op, "payload must be a %d-byte hash", model.HashSize)
	}
	var h model.Hash
	copy(h[:], payload)
	return h, nil
}

// encodeReplicaCount packs a locate answer.
func encodeReplicaCount(n int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(n))
	return buf
}

// DecodeReplicaCount unpacks a locate answer.
func DecodeReplicaCount(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, errs.E(errs.InvalidInput, "node.DecodeReplicaCount", "payload must be 4 bytes")
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// pong answers a ping: the reply's id is the hash of the ping's id, the
// payload is echoed back.
func (b *baseNode) pong(msg model.NetworkMessage) *model.NetworkMessage {
	sender := msg.Sender
	return &model.NetworkMessage{
		ID:        pongID(msg.ID),
		Sender:    b.id,
		Recipient: &sender,
		Kind:      model.MsgPong,
		Payload:   append([]byte(nil), msg.Payload...),
		Timestamp: b.clock.Now(),
		TTL:       b.cfg.MessageTTL,
	}
}

// checkEnvelope rejects messages every node type refuses.
func (b *baseNode) checkEnvelope(op string, msg model.NetworkMessage) error {
	if msg.Expired() {
		return errs.E(errs.DeadlineExpired, op, "message TTL exhausted")
	}
	return nil
}

// resetConnections drops connection bookkeeping; the transport redials
// on demand.
func (b *baseNode) resetConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns = 0
}

func (b *baseNode) addConnections(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns += n
	if b.conns < 0 {
		b.conns = 0
	}
}
