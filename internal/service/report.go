package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/DataHandover/internal/port/jobrunner"
	"github.com/Strob0t/DataHandover/internal/port/messagequeue"
	"github.com/Strob0t/DataHandover/internal/port/notifier"
)

// ReportService watches an arbitrary report URL and mails its content to an
// address once the report declares itself finished. It runs on the same
// deferred execution substrate as the handover checks: the watch is a queue
// step that reschedules itself while the report is pending.
type ReportService struct {
	queue     messagequeue.Queue
	notifier  notifier.Notifier
	client    *http.Client
	pollDelay time.Duration
}

// report is the payload a watched URL must answer with.
type report struct {
	Status  jobrunner.Status `json:"status"`
	Subject string           `json:"subject"`
	Body    string           `json:"body"`
}

// NewReportService creates a report watcher polling at pollDelay.
func NewReportService(queue messagequeue.Queue, n notifier.Notifier, pollDelay time.Duration) *ReportService {
	return &ReportService{
		queue:     queue,
		notifier:  n,
		client:    &http.Client{Timeout: 10 * time.Second},
		pollDelay: pollDelay,
	}
}

// NotifyWhenComplete enqueues a watch on url that mails address once the
// report at url reaches a final status.
func (s *ReportService) NotifyWhenComplete(ctx context.Context, url, address string) error {
	data, err := json.Marshal(messagequeue.ReportCheckPayload{URL: url, Address: address})
	if err != nil {
		return fmt.Errorf("marshal report check payload: %w", err)
	}
	return s.queue.Publish(ctx, messagequeue.SubjectReportCheck, data)
}

// Start subscribes the report check handler on the queue.
func (s *ReportService) Start(ctx context.Context) (func(), error) {
	cancel, err := s.queue.Subscribe(ctx, messagequeue.SubjectReportCheck, s.handleReportCheck)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectReportCheck, err)
	}
	return cancel, nil
}

// handleReportCheck fetches the report once. A transport failure propagates
// so the substrate's retry policy applies; a body that is not a report can
// never become one and is rejected to the dead letter queue.
func (s *ReportService) handleReportCheck(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.ReportCheckPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return messagequeue.Reject(fmt.Errorf("unmarshal report check: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return messagequeue.Reject(fmt.Errorf("build report request: %w", err))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch report %s: %w", p.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read report %s: %w", p.URL, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("report %s answered %d", p.URL, resp.StatusCode)
	}

	var rep report
	if err := json.Unmarshal(body, &rep); err != nil {
		return messagequeue.Reject(fmt.Errorf("report %s is not parseable: %w", p.URL, err))
	}
	if rep.Status == "" {
		return messagequeue.Reject(fmt.Errorf("report %s carries no status", p.URL))
	}

	if !rep.Status.Finished() {
		return messagequeue.Retry(s.pollDelay)
	}

	// The mail is the point of this step, so a delivery failure is returned
	// for redelivery rather than merely logged.
	if err := s.notifier.Send(ctx, p.Address, rep.Subject, rep.Body); err != nil {
		return fmt.Errorf("mail report to %s: %w", p.Address, err)
	}
	return nil
}
