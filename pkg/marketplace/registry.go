package marketplace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProviderConfig selects a provider and carries its raw configuration.
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// PluginConfig provides initialization parameters to marketplace providers.
type PluginConfig struct {
	Config json.RawMessage
	Logger *slog.Logger
	Now    func() time.Time
}

type PluginFactory func(config PluginConfig) (Service, error)

var (
	registry = make(map[string]PluginFactory)
	mu       sync.RWMutex
)

// RegisterProvider registers a marketplace factory for a provider type.
func RegisterProvider(providerType string, factory PluginFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[providerType] = factory
}

// NewService creates the marketplace binding named by providerConfig.
func NewService(providerConfig ProviderConfig, pluginConfig PluginConfig) (Service, error) {
	mu.RLock()
	factory, ok := registry[providerConfig.Type]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown marketplace provider type: %s", providerConfig.Type)
	}

	pluginConfig.Config = providerConfig.Config
	if pluginConfig.Logger == nil {
		pluginConfig.Logger = slog.Default()
	}
	if pluginConfig.Now == nil {
		pluginConfig.Now = time.Now
	}
	return factory(pluginConfig)
}

// ListProviders returns registered provider types in sorted order.
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}
