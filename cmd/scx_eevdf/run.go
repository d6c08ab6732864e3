package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Gthulhu/eevdf/plugin"
	"github.com/Gthulhu/eevdf/plugin/apiclient"
	"github.com/Gthulhu/eevdf/plugin/eevdf"
	"github.com/Gthulhu/eevdf/plugin/fair"
	"github.com/Gthulhu/eevdf/plugin/telemetry"
	"github.com/Gthulhu/eevdf/sim"
)

type runOptions struct {
	configPath  string
	mode        string
	durationMs  uint64
	intervalMs  int
	csv         bool
	fairnessCSV string
	metricsAddr string
	logLevel    string
	concurrent  bool
	noTelemetry bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Simulate a workload under a scheduling policy",
		Long: `run attaches the selected policy to a simulated dispatcher, plays the
configured workload and prints telemetry every interval and once at exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.Context(), cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	f.StringVarP(&opts.mode, "mode", "m", "", "policy mode (see 'modes')")
	f.Uint64Var(&opts.durationMs, "duration", 0, "simulated duration in ms")
	f.IntVarP(&opts.intervalMs, "interval", "i", 0, "report interval in simulated ms")
	f.BoolVar(&opts.csv, "csv", false, "print reports as CSV")
	f.StringVar(&opts.fairnessCSV, "fairness-csv", "", "write per-task runtime CSV to this file ('-' for stdout)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.BoolVar(&opts.concurrent, "concurrent", false, "run CPUs on parallel goroutines")
	f.BoolVar(&opts.noTelemetry, "no-telemetry", false, "disable counters and latency sampling")
	return cmd
}

func (o *runOptions) apply(cfg *fileConfig) {
	if o.mode != "" {
		cfg.Mode = o.mode
	}
	if o.durationMs > 0 {
		cfg.Workload.DurationMs = o.durationMs
	}
	if o.intervalMs > 0 {
		cfg.Telemetry.IntervalMs = o.intervalMs
	}
	if o.csv {
		cfg.Telemetry.CSV = true
	}
	if o.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = o.metricsAddr
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	// Reports need samples, so telemetry is on unless switched off.
	cfg.Telemetry.Enabled = !o.noTelemetry
}

func runSimulation(ctx context.Context, cmd *cobra.Command, opts *runOptions) error {
	cfg, err := loadFileConfig(opts.configPath)
	if err != nil {
		return err
	}
	opts.apply(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}
	if len(cfg.Workload.Tasks) == 0 {
		duration := cfg.Workload.DurationMs
		cfg.Workload = defaultWorkload(cfg.Scheduler.NrCPUs)
		cfg.Workload.DurationMs = duration
	}
	log := logrus.WithField("mode", cfg.Mode)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	policy, err := plugin.NewSchedulerPlugin(ctx, &cfg.SchedConfig)
	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}

	if p, ok := policy.(*eevdf.EEVDFPlugin); ok && opts.configPath != "" && len(cfg.Capacity.CPUs) > 0 {
		p.SetLogger(log)
		interval := time.Duration(cfg.Capacity.RefreshInterval) * time.Second
		p.StartCapacityRefresher(ctx, fileCapacitySource(opts.configPath), interval)
	}

	var rec *telemetry.Recorder
	if tp, ok := policy.(plugin.TelemetryProvider); ok {
		rec = tp.Telemetry()
	}
	var state *fair.GlobalState
	if sp, ok := policy.(plugin.StateProvider); ok {
		state = sp.GlobalState()
	}

	if cfg.Telemetry.MetricsAddr != "" && rec != nil {
		stopMetrics := serveMetrics(cfg.Telemetry.MetricsAddr, rec, log)
		defer stopMetrics()
	}

	host := sim.NewHost(capacities(&cfg.SchedConfig))
	runner := sim.NewRunner(policy, host, cfg.Workload)
	runner.SetLogger(log)

	var metricsClient *apiclient.MetricsClient
	if cfg.APIConfig.Enabled {
		metricsClient, err = startAPIClients(ctx, cfg.APIConfig, runner, log)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	reporter := telemetry.NewReporter(out, cfg.Telemetry.CSV)
	var latency telemetry.Histogram
	if rec != nil {
		runner.ReportEveryNs = uint64(cfg.Telemetry.IntervalMs) * 1000 * 1000
		runner.OnReport = func(nowNs uint64) {
			snap := rec.Snapshot()
			latency.Merge(snap.Latency)
			rec.Reset()
			if err := reporter.WriteReport(snap); err != nil {
				log.WithError(err).Warn("failed to write report")
			}
			if metricsClient != nil && state != nil {
				payload := apiclient.NewMetricsPayload(cfg.Mode, snap, state.Snapshot(), time.Now())
				metricsClient.SendMetricsAsync(ctx, payload)
			}
		}
	}

	if metricsClient != nil {
		defer metricsClient.Wait()
	}

	var res *sim.Result
	if opts.concurrent {
		res, err = runner.RunConcurrent(ctx)
	} else {
		res, err = runner.Run(ctx)
	}
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	if rec != nil {
		final := rec.Snapshot()
		latency.Merge(final.Latency)
		final.Latency = latency
		if err := reporter.WriteFinal(final); err != nil {
			return err
		}
	}
	return writeFairness(out, opts.fairnessCSV, res)
}

func writeFairness(stdout io.Writer, path string, res *sim.Result) error {
	switch path {
	case "":
		return nil
	case "-":
		return res.WriteFairnessCSV(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create fairness csv: %w", err)
	}
	if err := res.WriteFairnessCSV(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write fairness csv: %w", err)
	}
	return f.Close()
}

// serveMetrics exposes rec on addr until the returned function is called.
func serveMetrics(addr string, rec *telemetry.Recorder, log logrus.FieldLogger) func() {
	registry := prometheus.NewRegistry()
	registry.MustRegister(telemetry.NewCollector(rec))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// startAPIClients connects to the API server: weight strategies feed the
// runner and the returned client pushes metrics.
func startAPIClients(ctx context.Context, cfg plugin.APIConfig, runner *sim.Runner, log logrus.FieldLogger) (*apiclient.MetricsClient, error) {
	jwt, err := apiclient.NewJWTClient(cfg.PublicKeyPath, cfg.BaseURL, cfg.AuthEnabled, cfg.MTLS)
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}
	interval := time.Duration(cfg.Interval) * time.Second
	if interval <= 0 {
		interval = apiclient.DefaultMetricsInterval
	}
	apiclient.NewStrategyClient(jwt).StartStrategyFetcher(ctx, interval, func(strategies []apiclient.WeightStrategy) {
		for _, s := range strategies {
			runner.RequestWeight(s.PID, s.Weight)
		}
	})
	log.WithField("base_url", cfg.BaseURL).Info("API integration enabled")
	return apiclient.NewMetricsClient(jwt), nil
}
