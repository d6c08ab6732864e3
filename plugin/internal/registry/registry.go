package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Gthulhu/eevdf/plugin/fair"
	"github.com/Gthulhu/eevdf/plugin/telemetry"
)

// ErrUnknownMode is returned when no plugin is registered for a mode.
var ErrUnknownMode = errors.New("unknown plugin mode")

// TelemetryProvider is implemented by policies that keep telemetry.
type TelemetryProvider interface {
	Telemetry() *telemetry.Recorder
}

// StateProvider is implemented by policies that expose their fairness clock.
type StateProvider interface {
	GlobalState() *fair.GlobalState
}

// PluginFactory is a function type that creates a Policy instance
type PluginFactory func(ctx context.Context, config *SchedConfig) (Policy, error)

var (
	// pluginRegistry stores registered plugin factories
	pluginRegistry = make(map[string]PluginFactory)
	registryMutex  sync.RWMutex
)

// RegisterNewPlugin registers a plugin factory for a specific mode
// This should be called in the init() function of each plugin implementation
func RegisterNewPlugin(mode string, factory PluginFactory) error {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if mode == "" {
		return fmt.Errorf("plugin mode cannot be empty")
	}

	if factory == nil {
		return fmt.Errorf("plugin factory cannot be nil")
	}

	if _, exists := pluginRegistry[mode]; exists {
		return fmt.Errorf("plugin mode '%s' is already registered", mode)
	}

	pluginRegistry[mode] = factory
	return nil
}

// NewSchedulerPlugin creates a new scheduling policy based on the configuration
func NewSchedulerPlugin(ctx context.Context, config *SchedConfig) (Policy, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	registryMutex.RLock()
	factory, exists := pluginRegistry[config.Mode]
	registryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, config.Mode)
	}

	return factory(ctx, config)
}

// GetRegisteredModes returns all registered plugin modes, sorted
func GetRegisteredModes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	modes := make([]string, 0, len(pluginRegistry))
	for mode := range pluginRegistry {
		modes = append(modes, mode)
	}
	sort.Strings(modes)
	return modes
}

// The following helpers are intended for tests only.
func ClearRegistryForTests() {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	pluginRegistry = make(map[string]PluginFactory)
}

func SnapshotRegistryForTests() map[string]PluginFactory {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	copyMap := make(map[string]PluginFactory, len(pluginRegistry))
	for k, v := range pluginRegistry {
		copyMap[k] = v
	}
	return copyMap
}

func RestoreRegistryForTests(m map[string]PluginFactory) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	pluginRegistry = m
}
