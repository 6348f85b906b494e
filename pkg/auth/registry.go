package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownProvider is returned for an adminAuth type nobody registered.
var ErrUnknownProvider = errors.New("unknown operator auth provider")

// ProviderConfig is the adminAuth block: a provider name and its raw config.
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// ValidatorFactory builds an operator token validator from its raw config.
type ValidatorFactory func(config json.RawMessage) (Validator, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]ValidatorFactory{}
)

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RegisterProvider makes a validator available under name, case-insensitively.
// Registering the same name again replaces the factory.
func RegisterProvider(name string, factory ValidatorFactory) {
	if factory == nil {
		panic("auth: nil factory for provider " + name)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[normalize(name)] = factory
}

// NewValidator builds the operator validator selected by cfg.Type.
func NewValidator(cfg ProviderConfig) (Validator, error) {
	name := normalize(cfg.Type)
	if name == "" {
		return nil, errors.New("operator auth: provider type is required")
	}
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownProvider, name, strings.Join(Names(), ", "))
	}
	v, err := factory(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("operator auth %s: %w", name, err)
	}
	return v, nil
}

// Names lists registered providers in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
