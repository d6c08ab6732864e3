package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Gthulhu/eevdf/plugin/fair"
	"github.com/Gthulhu/eevdf/plugin/telemetry"
)

// DefaultMetricsInterval is the minimum time between two pushes.
const DefaultMetricsInterval = 5 * time.Second

// MetricsPayload is the report pushed to the API server.
type MetricsPayload struct {
	Mode          string              `json:"mode"`
	NrCPUs        int                 `json:"nr_cpus"`
	IdleFastPath  uint64              `json:"idle_fastpath"`
	Enqueued      uint64              `json:"enqueued"`
	Dispatched    uint64              `json:"dispatched"`
	LatencyCount  uint64              `json:"latency_count"`
	LatencyAvgNs  uint64              `json:"latency_avg_ns"`
	LatencyP99Ns  uint64              `json:"latency_p99_ns"`
	Latency       telemetry.Histogram `json:"latency"`
	Fairness      fair.State          `json:"fairness"`
	CollectedUnix int64               `json:"collected_unix"`
}

// NewMetricsPayload summarizes a telemetry snapshot and the fairness clock.
func NewMetricsPayload(mode string, s telemetry.Snapshot, st fair.State, now time.Time) MetricsPayload {
	return MetricsPayload{
		Mode:          mode,
		NrCPUs:        s.NrCPUs,
		IdleFastPath:  s.Stats[telemetry.StatIdleFastPath],
		Enqueued:      s.Stats[telemetry.StatEnqueued],
		Dispatched:    s.Stats[telemetry.StatDispatched],
		LatencyCount:  s.Latency.Count,
		LatencyAvgNs:  s.Latency.Mean(),
		LatencyP99Ns:  s.Latency.Percentile(99),
		Latency:       s.Latency,
		Fairness:      st,
		CollectedUnix: now.Unix(),
	}
}

// MetricsResponse represents the response structure from the API server
type MetricsResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// MetricsClient handles sending metrics to the API server
type MetricsClient struct {
	jwtClient   *JWTClient
	metricsURL  string
	minInterval time.Duration
	log         logrus.FieldLogger

	mu           sync.Mutex
	lastSentTime time.Time

	inflight atomic.Bool
	wg       sync.WaitGroup
}

// NewMetricsClient creates a new metrics client
func NewMetricsClient(jwtClient *JWTClient) *MetricsClient {
	return &MetricsClient{
		jwtClient:   jwtClient,
		metricsURL:  jwtClient.BaseURL() + "/api/v1/metrics",
		minInterval: DefaultMetricsInterval,
		log:         logrus.WithField("component", "metrics-client"),
	}
}

// SendMetrics posts a payload. Calls closer together than the minimum
// interval are dropped and report false.
func (c *MetricsClient) SendMetrics(ctx context.Context, data MetricsPayload) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastSentTime.IsZero() && time.Since(c.lastSentTime) < c.minInterval {
		return false, nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("failed to marshal metrics data: %w", err)
	}

	resp, err := c.jwtClient.MakeAuthenticatedRequest(ctx, http.MethodPost, c.metricsURL, bytes.NewReader(jsonData))
	if err != nil {
		return false, fmt.Errorf("failed to send metrics request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.WithError(err).Warn("failed to close metrics response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("metrics request failed with status code: %d", resp.StatusCode)
	}

	c.lastSentTime = time.Now()
	c.log.WithField("enqueued", data.Enqueued).Debug("sent metrics to API server")
	return true, nil
}

// SendMetricsAsync posts data on a background goroutine bound to ctx and
// returns at once. Failures are only logged. It reports false, dropping
// data, while an earlier push is still in flight.
func (c *MetricsClient) SendMetricsAsync(ctx context.Context, data MetricsPayload) bool {
	if !c.inflight.CompareAndSwap(false, true) {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inflight.Store(false)
		if _, err := c.SendMetrics(ctx, data); err != nil {
			c.log.WithError(err).Warn("failed to send metrics")
		}
	}()
	return true
}

// Wait blocks until pushes started by SendMetricsAsync have finished.
func (c *MetricsClient) Wait() {
	c.wg.Wait()
}
