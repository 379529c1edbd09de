package model

import "time"

// NodeRole distinguishes the four specialized node types of the fabric.
type NodeRole string

const (
	RoleFullArchive  NodeRole = "full_archive"
	RoleLightStorage NodeRole = "light_storage"
	RoleRelay        NodeRole = "relay"
	RoleGateway      NodeRole = "gateway"
)

// ConsensusWeight returns the default consensus participation weight of the
// role.
func (r NodeRole) ConsensusWeight() float64 {
	switch r {
	case RoleFullArchive:
		return 1.0
	case RoleLightStorage:
		return 0.5
	case RoleRelay:
		return 0.3
	default:
		return 0.0
	}
}

// StoresContent reports whether the role keeps archive content on disk.
func (r NodeRole) StoresContent() bool {
	return r == RoleFullArchive || r == RoleLightStorage
}

// NodeStatus is the lifecycle state of a registered node.
type NodeStatus string

const (
	NodeRegistered  NodeStatus = "registered"
	NodeActive      NodeStatus = "active"
	NodeInactive    NodeStatus = "inactive"
	NodeOverloaded  NodeStatus = "overloaded"
	NodeMaintenance NodeStatus = "maintenance"
	NodeOffline     NodeStatus = "offline"
)

// NodeCapabilities describes what a node can contribute to the network.
type NodeCapabilities struct {
	StorageCapacity   uint64
	BandwidthCapacity uint64
	ConsensusWeight   float64
	APIs              []string
}

// PerformanceMetrics is the sample a node reports with each heartbeat.
type PerformanceMetrics struct {
	CPUUsage        float64
	MemoryUsage     float64
	StorageUsage    float64
	NetworkLatency  time.Duration
	UptimeDays      float64
	ActiveTransfers int
}

// NodeInfo is the registry record for one node.
type NodeInfo struct {
	NodeID        Hash
	Operator      PublicKey
	Role          NodeRole
	Region        string
	Address       string
	Capabilities  NodeCapabilities
	Status        NodeStatus
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Metrics       PerformanceMetrics
}

// ReputationScore aggregates a node's behavior history, smoothed
// exponentially on each heartbeat.
type ReputationScore struct {
	Overall          float64
	Reliability      float64
	Performance      float64
	Availability     float64
	InteractionCount uint64
	UpdatedAt        time.Time
}
