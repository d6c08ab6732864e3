package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/Gthulhu/eevdf/plugin"
	"github.com/Gthulhu/eevdf/plugin/capacity"
	"github.com/Gthulhu/eevdf/sim"
)

// fileConfig is the on-disk configuration: the policy settings plus the
// workload to simulate.
type fileConfig struct {
	plugin.SchedConfig `yaml:",inline"`
	Workload           sim.Workload `yaml:"workload"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := plugin.DecodeConfig(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultWorkload keeps every CPU contended: two CPU hogs per CPU with
// alternating weights, plus one interactive task.
func defaultWorkload(nrCPUs int) sim.Workload {
	return sim.Workload{
		Tasks: []sim.TaskSpec{
			{Pid: 1000, Count: nrCPUs, Weight: 100},
			{Pid: 2000, Count: nrCPUs, Weight: 200},
			{Pid: 3000, Weight: 100, RunUs: 500, SleepUs: 4500},
		},
	}
}

// capacities returns one entry per CPU, full scale where unset.
func capacities(cfg *plugin.SchedConfig) []uint32 {
	caps := make([]uint32, cfg.Scheduler.NrCPUs)
	copy(caps, cfg.Capacity.CPUs)
	for i := range caps {
		if caps[i] == 0 {
			caps[i] = capacity.FullScale
		}
	}
	return caps
}

// fileCapacitySource re-reads capacity.cpus from the config file, so
// capacities can be changed while a run is in progress.
func fileCapacitySource(path string) capacity.Source {
	return capacity.SourceFunc(func(ctx context.Context) ([]uint32, error) {
		cfg, err := loadFileConfig(path)
		if err != nil {
			return nil, err
		}
		return cfg.Capacity.CPUs, nil
	})
}

func setupLogging(cfg plugin.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stderr)
	return nil
}
