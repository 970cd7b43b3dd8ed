package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl-core/internal/config"
	"github.com/sibylhq/sibyl-core/internal/rollout"
)

func TestRolloutConfigsFromConvertsAllowlist(t *testing.T) {
	cfgs := rolloutConfigsFrom(config.RolloutConfig{
		Features: map[string]config.RolloutFeature{
			"adaptive_routing": {
				GlobalMode: "enforced",
				Percent:    50,
				Allowlist:  []string{"org-1"},
				Canary:     true,
			},
		},
	})

	cfg, ok := cfgs["adaptive_routing"]
	require.True(t, ok)
	assert.Equal(t, rollout.Enforced, cfg.GlobalMode)
	assert.Equal(t, 50, cfg.Percent)
	assert.True(t, cfg.Canary)
	_, allowed := cfg.Allowlist["org-1"]
	assert.True(t, allowed)
}
