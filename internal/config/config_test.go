package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "settld", cfg.Store.Schema)
	assert.NotZero(t, cfg.Autotick.IntervalMs)
	assert.NotZero(t, cfg.Delivery.HTTPTimeoutMs)
}

func TestStoreEnvAnswersToPrefixedAndBareNames(t *testing.T) {
	t.Setenv("STORE", "mem")
	t.Setenv("DATABASE_URL", "postgres://bare/db")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "mem", cfg.Store.Driver)
	assert.Equal(t, "postgres://bare/db", cfg.Store.DatabaseURL)

	// prefixed forms win over the bare names
	t.Setenv("SETTLD_STORE", "pg")
	t.Setenv("PROXY_DATABASE_URL", "postgres://proxy/db")
	cfg, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "pg", cfg.Store.Driver)
	assert.Equal(t, "postgres://proxy/db", cfg.Store.DatabaseURL)
}

func TestTenantOverridesMergeOnGlobal(t *testing.T) {
	mgr := NewManagerFromConfig(&Config{
		Ops:      OpsConfig{Tokens: []string{"global-tok"}},
		Autotick: AutotickConfig{Enabled: true, IntervalMs: 1000},
	})
	mgr.tenantConfigs["t-special"] = Config{
		Ops: OpsConfig{Tokens: []string{"tenant-tok"}},
	}

	assert.Equal(t, []string{"global-tok"}, mgr.Get("t-default").Ops.Tokens)
	got := mgr.Get("t-special")
	assert.Equal(t, []string{"tenant-tok"}, got.Ops.Tokens)
	assert.Equal(t, 1000, got.Autotick.IntervalMs, "unset override keeps the global value")
}
