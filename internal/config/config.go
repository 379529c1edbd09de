// Package config aggregates the typed configuration of every subsystem
// into the single record the daemon is built from.
package config

import (
	"github.com/archivechain/archivechain/internal/archive"
	"github.com/archivechain/archivechain/internal/bandwidth"
	"github.com/archivechain/archivechain/internal/deflation"
	"github.com/archivechain/archivechain/internal/discovery"
	"github.com/archivechain/archivechain/internal/health"
	"github.com/archivechain/archivechain/internal/node"
	"github.com/archivechain/archivechain/internal/registry"
	"github.com/archivechain/archivechain/internal/replication"
	"github.com/archivechain/archivechain/internal/rewards"
	"github.com/archivechain/archivechain/internal/staking"
	"github.com/archivechain/archivechain/internal/storage"
	"github.com/archivechain/archivechain/internal/treasury"
)

// Config is the full configuration record. Section types live next to
// the subsystems they tune; this record only composes them.
type Config struct {
	Archive     archive.Config
	Replication replication.Config
	Bandwidth   bandwidth.Config
	QoS         bandwidth.QoSPolicy
	Rewards     rewards.Config
	Staking     staking.Config
	Treasury    treasury.Config
	Deflation   deflation.Config
	Discovery   discovery.Config
	Health      health.Config
	Registry    registry.Config
	Storage     storage.Config
	Cluster     node.ManagerConfig
	Gateway     node.GatewayConfig
}

// Default returns the deployed defaults with the object store rooted at
// baseDir.
func Default(baseDir string) Config {
	return Config{
		Archive:     archive.DefaultConfig(baseDir),
		Replication: replication.DefaultConfig(),
		Bandwidth:   bandwidth.DefaultConfig(),
		QoS:         bandwidth.DefaultQoSPolicy(),
		Rewards:     rewards.DefaultConfig(),
		Staking:     staking.DefaultConfig(),
		Treasury:    treasury.DefaultConfig(),
		Deflation:   deflation.DefaultConfig(),
		Discovery:   discovery.DefaultConfig(),
		Health:      health.DefaultConfig(),
		Registry:    registry.DefaultConfig(),
		Storage:     storage.DefaultConfig(),
		Cluster:     node.DefaultManagerConfig(),
		Gateway:     node.DefaultGatewayConfig(),
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Archive.Validate(); err != nil {
		return err
	}
	if err := c.Replication.Validate(); err != nil {
		return err
	}
	if err := c.Bandwidth.Validate(); err != nil {
		return err
	}
	if err := c.QoS.Validate(); err != nil {
		return err
	}
	if err := c.Rewards.Validate(); err != nil {
		return err
	}
	if err := c.Staking.Validate(); err != nil {
		return err
	}
	if err := c.Treasury.Validate(); err != nil {
		return err
	}
	if err := c.Deflation.Validate(); err != nil {
		return err
	}
	if err := c.Discovery.Validate(); err != nil {
		return err
	}
	if err := c.Health.Validate(); err != nil {
		return err
	}
	if err := c.Registry.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Cluster.Validate(); err != nil {
		return err
	}
	return c.Gateway.Validate()
}
