package hive

import (
	"context"

	"github.com/Strob0t/DataHandover/internal/port/jobrunner"
	"github.com/Strob0t/DataHandover/internal/resilience"
)

// HealthcheckClient talks to the healthcheck job service.
type HealthcheckClient struct {
	client
}

// NewHealthcheckClient creates a client for the healthcheck service at baseURL.
func NewHealthcheckClient(baseURL string) *HealthcheckClient {
	return &HealthcheckClient{client: newClient("healthcheck", baseURL)}
}

// SetBreaker configures a circuit breaker for all calls to the service.
func (c *HealthcheckClient) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Submit starts a validation job and returns its job id.
func (c *HealthcheckClient) Submit(ctx context.Context, params jobrunner.HealthcheckParams) (string, error) {
	return c.submit(ctx, params)
}

// Retrieve polls the state of a validation job.
func (c *HealthcheckClient) Retrieve(ctx context.Context, jobID string) (jobrunner.Result, error) {
	return c.retrieve(ctx, jobID)
}
