package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds per-tenant overrides of the global config.
type TenantsConfig struct {
	Tenants map[string]Config `yaml:"tenants"`
}

// Manager resolves the effective config per tenant: tenant overrides merge
// on top of the global config.
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]Config
	mu            sync.RWMutex
}

// NewManager loads the global config and, when present, the tenants file.
func NewManager(globalPath, tenantsPath string) (*Manager, error) {
	global, err := LoadConfig(globalPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: global, tenantConfigs: map[string]Config{}}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}
	return &Manager{globalConfig: global, tenantConfigs: tc.Tenants}, nil
}

// NewManagerFromConfig wraps an already-built config with no tenant
// overrides; cmd wiring and tests use it.
func NewManagerFromConfig(cfg *Config) *Manager {
	return &Manager{globalConfig: cfg, tenantConfigs: map[string]Config{}}
}

// Get returns the effective config for a tenant.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig
	if override, ok := m.tenantConfigs[tenantID]; ok {
		if override.Autotick.IntervalMs != 0 {
			effective.Autotick = override.Autotick
		}
		if override.Delivery.HTTPTimeoutMs != 0 {
			effective.Delivery.HTTPTimeoutMs = override.Delivery.HTTPTimeoutMs
		}
		if len(override.Delivery.ExportDestinations) > 0 {
			effective.Delivery.ExportDestinations = override.Delivery.ExportDestinations
		}
		if len(override.Ops.Tokens) > 0 {
			effective.Ops = override.Ops
		}
	}
	return &effective
}
