package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// WeightStrategy assigns a scheduling weight to a process.
type WeightStrategy struct {
	PID    int32  `json:"pid"`
	Weight uint32 `json:"weight"`
}

// SchedulingStrategiesResponse represents the response structure from the API
type SchedulingStrategiesResponse struct {
	Success    bool             `json:"success"`
	Message    string           `json:"message"`
	Timestamp  string           `json:"timestamp"`
	Scheduling []WeightStrategy `json:"scheduling"`
}

// StrategyClient pulls weight strategies from the API server.
type StrategyClient struct {
	jwtClient *JWTClient
	url       string
	log       logrus.FieldLogger
}

func NewStrategyClient(jwtClient *JWTClient) *StrategyClient {
	return &StrategyClient{
		jwtClient: jwtClient,
		url:       jwtClient.BaseURL() + "/api/v1/scheduling/strategies",
		log:       logrus.WithField("component", "strategy-client"),
	}
}

// FetchStrategies returns the current strategies. An unsuccessful response
// yields nil without error.
func (c *StrategyClient) FetchStrategies(ctx context.Context) ([]WeightStrategy, error) {
	resp, err := c.jwtClient.MakeAuthenticatedRequest(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("strategy request failed with status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy response: %w", err)
	}

	var response SchedulingStrategiesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal strategy response: %w", err)
	}
	if !response.Success {
		return nil, nil
	}
	return response.Scheduling, nil
}

// StartStrategyFetcher fetches strategies immediately and then once per
// interval until ctx is done, handing every successful result to apply.
func (c *StrategyClient) StartStrategyFetcher(ctx context.Context, interval time.Duration, apply func([]WeightStrategy)) {
	ticker := time.NewTicker(interval)
	fetch := func(initial bool) {
		strategies, err := c.FetchStrategies(ctx)
		if err != nil {
			c.log.WithError(err).WithField("initial", initial).Warn("failed to fetch scheduling strategies")
			return
		}
		if strategies == nil {
			return
		}
		c.log.WithField("count", len(strategies)).Info("scheduling strategies updated")
		apply(strategies)
	}

	go func() {
		defer ticker.Stop()
		fetch(true)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fetch(false)
			}
		}
	}()
}
