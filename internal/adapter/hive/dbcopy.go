package hive

import (
	"context"

	"github.com/Strob0t/DataHandover/internal/port/jobrunner"
	"github.com/Strob0t/DataHandover/internal/resilience"
)

// CopyClient talks to the database copy job service.
type CopyClient struct {
	client
}

// NewCopyClient creates a client for the copy service at baseURL.
func NewCopyClient(baseURL string) *CopyClient {
	return &CopyClient{client: newClient("dbcopy", baseURL)}
}

// SetBreaker configures a circuit breaker for all calls to the service.
func (c *CopyClient) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Submit starts a copy job and returns its job id.
func (c *CopyClient) Submit(ctx context.Context, params jobrunner.CopyParams) (string, error) {
	return c.submit(ctx, params)
}

// Retrieve polls the state of a copy job.
func (c *CopyClient) Retrieve(ctx context.Context, jobID string) (jobrunner.Result, error) {
	return c.retrieve(ctx, jobID)
}
