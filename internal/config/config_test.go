package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archivechain/archivechain/internal/errs"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()

	require.NoError(t, Default(t.TempDir()).Validate())
}

func TestValidateSurfacesSectionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"archive", func(c *Config) { c.Archive.BaseDir = "" }},
		{"replication", func(c *Config) { c.Replication.MinReplicas = 0 }},
		{"bandwidth", func(c *Config) { c.Bandwidth.CongestionThreshold = 2 }},
		{"staking", func(c *Config) { c.Staking.QuorumFraction = 0 }},
		{"treasury", func(c *Config) { c.Treasury.ApprovalThreshold = 0 }},
		{"rewards", func(c *Config) { c.Rewards.MinRecipients = 0 }},
		{"cluster", func(c *Config) { c.Cluster.MaxNodes = 0 }},
		{"gateway", func(c *Config) { c.Gateway.ExposedAPIs = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default(t.TempDir())
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Equal(t, errs.InvalidInput, errs.KindOf(err))
		})
	}
}
