// Package plugin is the public entry point for building scheduling
// policies. Policy implementations register themselves by mode from their
// init functions; import them for side effects and create instances through
// NewSchedulerPlugin.
package plugin

import (
	"context"

	reg "github.com/Gthulhu/eevdf/plugin/internal/registry"
)

type (
	// Host is the dispatcher a policy calls back into.
	Host = reg.Host
	// Policy is a scheduling policy driven through nine hooks.
	Policy = reg.Policy

	PluginFactory     = reg.PluginFactory
	TelemetryProvider = reg.TelemetryProvider
	StateProvider     = reg.StateProvider

	SchedConfig     = reg.SchedConfig
	Scheduler       = reg.Scheduler
	CapacityConfig  = reg.CapacityConfig
	TelemetryConfig = reg.TelemetryConfig
	APIConfig       = reg.APIConfig
	MTLSConfig      = reg.MTLSConfig
	LogConfig       = reg.LogConfig
)

const (
	DefaultMode    = reg.DefaultMode
	DefaultSliceNs = reg.DefaultSliceNs
)

// ErrUnknownMode is returned by NewSchedulerPlugin for unregistered modes.
var ErrUnknownMode = reg.ErrUnknownMode

// RegisterNewPlugin registers a policy factory under mode.
func RegisterNewPlugin(mode string, factory PluginFactory) error {
	return reg.RegisterNewPlugin(mode, factory)
}

// NewSchedulerPlugin builds the policy selected by config.Mode.
func NewSchedulerPlugin(ctx context.Context, config *SchedConfig) (Policy, error) {
	return reg.NewSchedulerPlugin(ctx, config)
}

// GetRegisteredModes returns the registered modes in sorted order.
func GetRegisteredModes() []string {
	return reg.GetRegisteredModes()
}

func ParseConfig(data []byte) (*SchedConfig, error) {
	return reg.ParseConfig(data)
}

func LoadConfig(path string) (*SchedConfig, error) {
	return reg.LoadConfig(path)
}

// DecodeConfig decodes YAML into a struct that embeds a SchedConfig.
func DecodeConfig(data []byte, out any) error {
	return reg.DecodeConfig(data, out)
}
