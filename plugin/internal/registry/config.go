package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultMode is the policy used when the configuration names none.
	DefaultMode = "eevdf"
	// DefaultSliceNs is the default time slice (SCX_SLICE_DFL).
	DefaultSliceNs uint64 = 20 * 1000 * 1000
	// DefaultRefreshInterval is the capacity refresh period in seconds.
	DefaultRefreshInterval = 5
	// DefaultReportIntervalMs is the telemetry report period.
	DefaultReportIntervalMs = 1000
)

type Scheduler struct {
	SliceNsDefault uint64 `yaml:"slice_ns_default"`
	NrCPUs         int    `yaml:"nr_cpus"`
}

// CapacityConfig lists per-CPU capacities, indexed by CPU id. Missing or
// zero entries mean full scale.
type CapacityConfig struct {
	CPUs            []uint32 `yaml:"cpus"`
	RefreshInterval int      `yaml:"refresh_interval"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	IntervalMs  int    `yaml:"interval_ms"`
	CSV         bool   `yaml:"csv"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MTLSConfig holds the mutual TLS configuration used for plugin → API server communication.
// CertPem and KeyPem are the plugin's own certificate/key pair signed by the private CA.
// CAPem is the private CA certificate used to verify the API server's certificate.
type MTLSConfig struct {
	Enable  bool   `yaml:"enable"`
	CertPem string `yaml:"cert_pem"`
	KeyPem  string `yaml:"key_pem"`
	CAPem   string `yaml:"ca_pem"`
}

type APIConfig struct {
	PublicKeyPath string     `yaml:"public_key_path"`
	BaseURL       string     `yaml:"base_url"`
	Interval      int        `yaml:"interval"`
	Enabled       bool       `yaml:"enabled"`
	AuthEnabled   bool       `yaml:"auth_enabled"`
	MTLS          MTLSConfig `yaml:"mtls"`
}

// SchedConfig holds the configuration parameters for creating a scheduling policy
type SchedConfig struct {
	// Mode specifies which policy to use (e.g., "eevdf", "eevdf-simple")
	Mode string `yaml:"mode"`

	Scheduler Scheduler       `yaml:"scheduler"`
	Capacity  CapacityConfig  `yaml:"capacity"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	APIConfig APIConfig       `yaml:"api_config"`
	Log       LogConfig       `yaml:"log"`
}

// ApplyDefaults fills unset fields.
func (c *SchedConfig) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = DefaultMode
	}
	if c.Scheduler.SliceNsDefault == 0 {
		c.Scheduler.SliceNsDefault = DefaultSliceNs
	}
	if c.Scheduler.NrCPUs <= 0 {
		c.Scheduler.NrCPUs = len(c.Capacity.CPUs)
	}
	if c.Scheduler.NrCPUs <= 0 {
		c.Scheduler.NrCPUs = runtime.NumCPU()
	}
	if c.Capacity.RefreshInterval <= 0 {
		c.Capacity.RefreshInterval = DefaultRefreshInterval
	}
	if c.Telemetry.IntervalMs <= 0 {
		c.Telemetry.IntervalMs = DefaultReportIntervalMs
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks values ApplyDefaults cannot repair.
func (c *SchedConfig) Validate() error {
	if len(c.Capacity.CPUs) > c.Scheduler.NrCPUs {
		return fmt.Errorf("capacity lists %d cpus but nr_cpus is %d", len(c.Capacity.CPUs), c.Scheduler.NrCPUs)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// DecodeConfig decodes a YAML document into out, rejecting unknown keys.
// out is typically a *SchedConfig or a struct that inlines one.
func DecodeConfig(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// ParseConfig decodes, defaults and validates a YAML configuration.
func ParseConfig(data []byte) (*SchedConfig, error) {
	cfg := &SchedConfig{}
	if err := DecodeConfig(data, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*SchedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}
