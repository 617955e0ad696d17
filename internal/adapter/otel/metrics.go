package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "datahandover"

// Metrics holds all handover metric instruments.
type Metrics struct {
	HandoversSubmitted metric.Int64Counter
	HandoversCompleted metric.Int64Counter
	HandoversFailed    metric.Int64Counter
	JobsSubmitted      metric.Int64Counter
	ChecksPolled       metric.Int64Counter
	HandoverDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.HandoversSubmitted, err = meter.Int64Counter("datahandover.handovers.submitted",
		metric.WithDescription("Number of handovers accepted at intake"))
	if err != nil {
		return nil, err
	}

	m.HandoversCompleted, err = meter.Int64Counter("datahandover.handovers.completed",
		metric.WithDescription("Number of handovers that reached done"))
	if err != nil {
		return nil, err
	}

	m.HandoversFailed, err = meter.Int64Counter("datahandover.handovers.failed",
		metric.WithDescription("Number of handovers that ended in a failed state"))
	if err != nil {
		return nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter("datahandover.jobs.submitted",
		metric.WithDescription("Number of jobs handed to the external services"))
	if err != nil {
		return nil, err
	}

	m.ChecksPolled, err = meter.Int64Counter("datahandover.checks.polled",
		metric.WithDescription("Number of job status polls"))
	if err != nil {
		return nil, err
	}

	m.HandoverDuration, err = meter.Float64Histogram("datahandover.handover.duration_seconds",
		metric.WithDescription("Time from intake to a terminal state in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
