// Package hive provides HTTP clients for the hive-backed job services: the
// healthcheck runner, the database copy service and the metadata updater.
// All three expose the same job API: POST /jobs submits work and returns a
// job id, GET /jobs/{id} reports the job's current state.
package hive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Strob0t/DataHandover/internal/port/jobrunner"
	"github.com/Strob0t/DataHandover/internal/resilience"
)

// client is the shared HTTP core of the job service clients.
type client struct {
	service    string
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

func newClient(service, baseURL string) client {
	return client{
		service: service,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// submit POSTs the job parameters and decodes the assigned job id.
// Failures are reported as *jobrunner.SubmitError; submissions are never
// retried here, the caller decides.
func (c *client) submit(ctx context.Context, params any) (string, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return "", &jobrunner.SubmitError{Service: c.service, Err: fmt.Errorf("marshal params: %w", err)}
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/jobs", body)
	if err != nil {
		return "", &jobrunner.SubmitError{Service: c.service, Err: err}
	}

	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", &jobrunner.SubmitError{Service: c.service, Err: fmt.Errorf("unmarshal job id: %w", err)}
	}
	if resp.JobID == "" {
		return "", &jobrunner.SubmitError{Service: c.service, Err: errors.New("service returned no job id")}
	}
	return resp.JobID, nil
}

// retrieve GETs the state of a job. A transport failure, non-2xx answer or
// unreadable body is a *jobrunner.QueryError, never an unfinished status.
func (c *client) retrieve(ctx context.Context, jobID string) (jobrunner.Result, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return jobrunner.Result{}, &jobrunner.QueryError{Service: c.service, JobID: jobID, Err: err}
	}

	var result jobrunner.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return jobrunner.Result{}, &jobrunner.QueryError{Service: c.service, JobID: jobID, Err: fmt.Errorf("unmarshal result: %w", err)}
	}
	if result.Status == "" {
		return jobrunner.Result{}, &jobrunner.QueryError{Service: c.service, JobID: jobID, Err: errors.New("service returned no status")}
	}
	if result.JobID == "" {
		result.JobID = jobID
	}
	return result, nil
}

func (c *client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("%s API error %d: %s", c.service, resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
