package hive

import (
	"context"

	"github.com/Strob0t/DataHandover/internal/port/jobrunner"
	"github.com/Strob0t/DataHandover/internal/resilience"
)

// MetadataClient talks to the metadata update job service.
type MetadataClient struct {
	client
}

// NewMetadataClient creates a client for the metadata service at baseURL.
func NewMetadataClient(baseURL string) *MetadataClient {
	return &MetadataClient{client: newClient("metadata", baseURL)}
}

// SetBreaker configures a circuit breaker for all calls to the service.
func (c *MetadataClient) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Submit starts a metadata update job and returns its job id.
func (c *MetadataClient) Submit(ctx context.Context, params jobrunner.MetadataParams) (string, error) {
	return c.submit(ctx, params)
}

// Retrieve polls the state of a metadata update job.
func (c *MetadataClient) Retrieve(ctx context.Context, jobID string) (jobrunner.Result, error) {
	return c.retrieve(ctx, jobID)
}
