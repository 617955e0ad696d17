// Package service implements the handover business logic over the ports.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/DataHandover/internal/adapter/otel"
	"github.com/Strob0t/DataHandover/internal/adapter/ws"
	"github.com/Strob0t/DataHandover/internal/config"
	"github.com/Strob0t/DataHandover/internal/domain"
	"github.com/Strob0t/DataHandover/internal/domain/checks"
	"github.com/Strob0t/DataHandover/internal/domain/handover"
	"github.com/Strob0t/DataHandover/internal/logger"
	"github.com/Strob0t/DataHandover/internal/port/broadcast"
	"github.com/Strob0t/DataHandover/internal/port/database"
	"github.com/Strob0t/DataHandover/internal/port/dbcheck"
	"github.com/Strob0t/DataHandover/internal/port/jobrunner"
	"github.com/Strob0t/DataHandover/internal/port/messagequeue"
	"github.com/Strob0t/DataHandover/internal/port/notifier"
	"github.com/Strob0t/DataHandover/internal/port/translog"
)

// HandoverDeps bundles the collaborators of the handover coordinator.
type HandoverDeps struct {
	Store       database.Store
	Transitions translog.Log
	Queue       messagequeue.Queue
	Resolver    dbcheck.Resolver
	Healthcheck jobrunner.HealthcheckRunner
	Copy        jobrunner.CopyRunner
	Metadata    jobrunner.MetadataUpdater
	Notifier    notifier.Notifier
	Broadcaster broadcast.Broadcaster
	Metrics     *otel.Metrics
	Handover    config.Handover
	Services    config.Services
	Rules       []checks.Rule
}

// HandoverService coordinates a database handover from intake to a terminal
// state. Every stage after intake runs as a queue-delivered check step: the
// step polls its job, reschedules itself while the job runs and decides the
// next stage once the job finishes. A single handover therefore never has two
// stages in flight at once.
type HandoverService struct {
	deps HandoverDeps

	// MetadataHook, when set, runs after the metadata stage completes.
	// Downstream event dispatch (release bookkeeping, final notification)
	// attaches here.
	MetadataHook func(ctx context.Context, h handover.Handover)
}

// NewHandoverService creates the handover coordinator. A nil Metrics falls
// back to instruments on the global meter, which are no-ops until an SDK is
// installed.
func NewHandoverService(deps HandoverDeps) *HandoverService {
	if deps.Metrics == nil {
		deps.Metrics, _ = otel.NewMetrics()
	}
	return &HandoverService{deps: deps}
}

// Submit performs handover intake synchronously in the caller's context:
// field validation, target derivation, token assignment, source existence
// check and classification. Depending on the classification the first job
// (validation or copy) is submitted before Submit returns. Nothing is
// submitted when any intake check fails.
func (s *HandoverService) Submit(ctx context.Context, req handover.SubmitRequest) (*handover.Handover, error) {
	if err := handover.ValidateSubmitRequest(req); err != nil {
		return nil, err
	}

	tgtURI := req.TgtURI
	if tgtURI == "" {
		derived, err := handover.DeriveTarget(s.deps.Handover.StagingURI, req.SrcURI)
		if err != nil {
			return nil, err
		}
		tgtURI = derived
	}

	dbName, err := handover.DatabaseName(req.SrcURI)
	if err != nil {
		return nil, err
	}

	exists, err := s.deps.Resolver.Exists(ctx, req.SrcURI)
	if err != nil {
		return nil, fmt.Errorf("resolve source database %s: %w", dbName, err)
	}
	if !exists {
		return nil, fmt.Errorf("source database %s does not exist: %w", dbName, domain.ErrNotFound)
	}

	h := handover.Handover{
		Token:      uuid.NewString(),
		SrcURI:     req.SrcURI,
		TgtURI:     tgtURI,
		Contact:    req.Contact,
		ChangeType: req.ChangeType,
		Comment:    req.Comment,
	}

	ctx, span := otel.StartSubmitSpan(ctx, h.Token, dbName)
	defer span.End()

	group, needsValidation := checks.Classify(req.SrcURI, s.deps.Rules)
	if needsValidation {
		h.Group = group
		h.State = handover.StateAwaitingValidation
	} else {
		h.State = handover.StateAwaitingCopy
	}

	created, err := s.deps.Store.CreateHandover(ctx, h)
	if err != nil {
		return nil, err
	}
	s.record(ctx, created.Token, "", created.State, "handover accepted for "+dbName)
	s.count(ctx, s.deps.Metrics.HandoversSubmitted)
	s.broadcastState(ctx, *created, "accepted")

	if !needsValidation {
		if err := s.submitCopy(ctx, *created); err != nil {
			return created, err
		}
		return created, nil
	}

	jobID, err := s.deps.Healthcheck.Submit(ctx, jobrunner.HealthcheckParams{
		DBURI:         created.SrcURI,
		ProductionURI: s.deps.Handover.ProductionURI,
		ComparaURI:    s.deps.Handover.ComparaURI,
		StagingURI:    s.deps.Handover.StagingURI,
		LiveURI:       s.deps.Handover.LiveURI,
		HCGroups:      []string{group},
		DataFilesPath: s.deps.Handover.DataFilesPath,
	})
	if err != nil {
		return created, err
	}
	if err := s.deps.Store.SetValidationJobID(ctx, created.Token, jobID); err != nil {
		return created, err
	}
	created.ValidationJobID = jobID
	s.count(ctx, s.deps.Metrics.JobsSubmitted)
	s.broadcastJob(ctx, created.Token, "validation", jobID)

	if err := s.enqueueCheck(ctx, messagequeue.SubjectValidationCheck, jobID, *created); err != nil {
		return created, err
	}

	s.notify(ctx, created.Contact, fmt.Sprintf("Validation submitted for %s", dbName),
		fmt.Sprintf("Your handover %s has been submitted for validation (group %s).\nJob: %s\n%s",
			created.Token, group, jobID, s.jobLink(s.deps.Services.Healthcheck, jobID)))

	return created, nil
}

// Get returns one handover by token.
func (s *HandoverService) Get(ctx context.Context, token string) (*handover.Handover, error) {
	return s.deps.Store.GetHandover(ctx, token)
}

// List returns all handovers, newest first.
func (s *HandoverService) List(ctx context.Context) ([]handover.Handover, error) {
	return s.deps.Store.ListHandovers(ctx)
}

// Events returns the recorded transitions of a handover, oldest first.
func (s *HandoverService) Events(ctx context.Context, token string) ([]translog.Transition, error) {
	if _, err := s.deps.Store.GetHandover(ctx, token); err != nil {
		return nil, err
	}
	return s.deps.Transitions.ListByToken(ctx, token)
}

// Start subscribes the check-step handlers on the queue. The returned
// function cancels all subscriptions.
func (s *HandoverService) Start(ctx context.Context) (func(), error) {
	subs := map[string]messagequeue.Handler{
		messagequeue.SubjectValidationCheck: s.handleValidationCheck,
		messagequeue.SubjectCopyCheck:       s.handleCopyCheck,
		messagequeue.SubjectMetadataCheck:   s.handleMetadataCheck,
	}

	var cancels []func()
	cancelAll := func() {
		for _, c := range cancels {
			c()
		}
	}
	for subject, h := range subs {
		cancel, err := s.deps.Queue.Subscribe(ctx, subject, h)
		if err != nil {
			cancelAll()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		cancels = append(cancels, cancel)
	}
	return cancelAll, nil
}

// handleValidationCheck polls one validation job. While the job runs, the
// step is rescheduled after the poll delay; a query failure propagates to
// the substrate instead, the job may well have finished.
func (s *HandoverService) handleValidationCheck(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.CheckPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return messagequeue.Reject(fmt.Errorf("unmarshal validation check: %w", err))
	}
	h := p.Handover

	ctx, span := otel.StartCheckSpan(ctx, "validation", h.Token, p.JobID)
	defer span.End()

	stored, err := s.stageState(ctx, h.Token, "validation")
	if err != nil {
		return err
	}
	if stored.Terminal() || stored == handover.StateAwaitingMetadata {
		// Stale redelivery: the handover already moved past this stage.
		return nil
	}

	res, err := s.deps.Healthcheck.Retrieve(ctx, p.JobID)
	if err != nil {
		return err
	}
	s.count(ctx, s.deps.Metrics.ChecksPolled)

	if !res.Status.Finished() {
		return messagequeue.Retry(s.deps.Handover.PollDelay)
	}

	dbName := s.databaseLabel(h)
	switch {
	case res.Status == jobrunner.StatusFailed:
		if err := s.terminate(ctx, h, handover.StateValidationFailed, "validation job failed to run"); err != nil {
			return err
		}
		s.notify(ctx, h.Contact, fmt.Sprintf("Validation failed to run for %s", dbName),
			fmt.Sprintf("The validation job for handover %s could not be executed.\n%s",
				h.Token, s.jobLink(s.deps.Services.Healthcheck, p.JobID)))
		return nil

	case res.Output != nil && res.Output.Status == jobrunner.StatusFailed:
		if err := s.terminate(ctx, h, handover.StateValidationRejected, "validation reported failures"); err != nil {
			return err
		}
		s.notify(ctx, h.Contact, fmt.Sprintf("Validation found problems in %s", dbName),
			fmt.Sprintf("The validation of handover %s ran but reported failures.\n%s\n%s",
				h.Token, res.Output.Message, s.jobLink(s.deps.Services.Healthcheck, p.JobID)))
		return nil
	}

	return s.submitCopy(ctx, h)
}

// handleCopyCheck polls one copy job and submits the metadata update once
// the copy succeeded.
func (s *HandoverService) handleCopyCheck(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.CheckPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return messagequeue.Reject(fmt.Errorf("unmarshal copy check: %w", err))
	}
	h := p.Handover

	ctx, span := otel.StartCheckSpan(ctx, "copy", h.Token, p.JobID)
	defer span.End()

	stored, err := s.stageState(ctx, h.Token, "copy")
	if err != nil {
		return err
	}
	if stored.Terminal() {
		return nil
	}

	res, err := s.deps.Copy.Retrieve(ctx, p.JobID)
	if err != nil {
		return err
	}
	s.count(ctx, s.deps.Metrics.ChecksPolled)

	if !res.Status.Finished() {
		return messagequeue.Retry(s.deps.Handover.PollDelay)
	}

	if res.Status == jobrunner.StatusFailed {
		if err := s.terminate(ctx, h, handover.StateCopyFailed, "copy job failed"); err != nil {
			return err
		}
		s.notify(ctx, h.Contact, fmt.Sprintf("Copy failed for %s", s.databaseLabel(h)),
			fmt.Sprintf("The copy job for handover %s failed.\n%s",
				h.Token, s.jobLink(s.deps.Services.Copy, p.JobID)))
		return nil
	}

	return s.submitMetadata(ctx, h)
}

// handleMetadataCheck finishes a handover once its metadata update has been
// submitted. Completion polling of the metadata service is not wired up;
// MetadataHook is the extension point where it attaches.
func (s *HandoverService) handleMetadataCheck(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.CheckPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return messagequeue.Reject(fmt.Errorf("unmarshal metadata check: %w", err))
	}
	h := p.Handover

	ctx, span := otel.StartCheckSpan(ctx, "metadata", h.Token, p.JobID)
	defer span.End()

	stored, err := s.stageState(ctx, h.Token, "metadata")
	if err != nil {
		return err
	}
	if stored.Terminal() {
		return nil
	}

	if err := s.terminate(ctx, h, handover.StateDone, "metadata update submitted"); err != nil {
		return err
	}
	if s.MetadataHook != nil {
		h.State = handover.StateDone
		s.MetadataHook(ctx, h)
	}
	return nil
}

// submitCopy submits the copy job for a handover and enqueues its check
// step. Submission is idempotent: a handover that already carries a copy
// job id is not resubmitted, the check step is merely enqueued again.
func (s *HandoverService) submitCopy(ctx context.Context, h handover.Handover) error {
	stored, err := s.deps.Store.GetHandover(ctx, h.Token)
	if err != nil {
		return err
	}
	if stored.State.Terminal() || stored.State == handover.StateAwaitingMetadata {
		// A later stage already owns this handover; never move it back.
		return nil
	}

	jobID := stored.CopyJobID
	if jobID == "" {
		jobID, err = s.deps.Copy.Submit(ctx, jobrunner.CopyParams{
			SourceDBURI:  h.SrcURI,
			TargetDBURI:  h.TgtURI,
			DropExisting: true,
		})
		if err != nil {
			return err
		}
		if err := s.deps.Store.SetCopyJobID(ctx, h.Token, jobID); err != nil {
			return err
		}
		s.count(ctx, s.deps.Metrics.JobsSubmitted)
		s.broadcastJob(ctx, h.Token, "copy", jobID)
	}
	h.CopyJobID = jobID

	advanced := stored.State != handover.StateAwaitingCopy
	if advanced {
		if err := s.deps.Store.UpdateState(ctx, h.Token, handover.StateAwaitingCopy); err != nil {
			return err
		}
		s.record(ctx, h.Token, stored.State, handover.StateAwaitingCopy, "validation passed")
	}
	h.State = handover.StateAwaitingCopy
	if advanced {
		s.broadcastState(ctx, h, "validation passed")
	}

	return s.enqueueCheck(ctx, messagequeue.SubjectCopyCheck, jobID, h)
}

// submitMetadata submits the metadata update job, guarded the same way as
// submitCopy.
func (s *HandoverService) submitMetadata(ctx context.Context, h handover.Handover) error {
	stored, err := s.deps.Store.GetHandover(ctx, h.Token)
	if err != nil {
		return err
	}
	if stored.State.Terminal() {
		return nil
	}

	jobID := stored.MetadataJobID
	if jobID == "" {
		jobID, err = s.deps.Metadata.Submit(ctx, jobrunner.MetadataParams{
			DatabaseURI: h.TgtURI,
			UpdateType:  h.ChangeType,
			Comment:     h.Comment,
			Email:       h.Contact,
		})
		if err != nil {
			return err
		}
		if err := s.deps.Store.SetMetadataJobID(ctx, h.Token, jobID); err != nil {
			return err
		}
		s.count(ctx, s.deps.Metrics.JobsSubmitted)
		s.broadcastJob(ctx, h.Token, "metadata", jobID)
	}
	h.MetadataJobID = jobID

	advanced := stored.State != handover.StateAwaitingMetadata
	if advanced {
		if err := s.deps.Store.UpdateState(ctx, h.Token, handover.StateAwaitingMetadata); err != nil {
			return err
		}
		s.record(ctx, h.Token, stored.State, handover.StateAwaitingMetadata, "copy finished")
	}
	h.State = handover.StateAwaitingMetadata
	if advanced {
		s.broadcastState(ctx, h, "copy finished")
	}

	return s.enqueueCheck(ctx, messagequeue.SubjectMetadataCheck, jobID, h)
}

// enqueueCheck publishes a check step carrying the handover snapshot.
func (s *HandoverService) enqueueCheck(ctx context.Context, subject, jobID string, h handover.Handover) error {
	data, err := json.Marshal(messagequeue.CheckPayload{JobID: jobID, Handover: h})
	if err != nil {
		return fmt.Errorf("marshal check payload: %w", err)
	}
	return s.deps.Queue.Publish(ctx, subject, data)
}

// terminate moves a handover into a terminal state, records the transition
// and updates the terminal metrics. The terminal write must land before the
// step counts as done: a failure is returned so the substrate redelivers,
// otherwise the row would stay in awaiting_* with no further queue traffic.
// Terminal states publish no further queue steps; the row remains for the
// history endpoints.
func (s *HandoverService) terminate(ctx context.Context, h handover.Handover, to handover.State, msg string) error {
	if err := s.deps.Store.UpdateState(ctx, h.Token, to); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return messagequeue.Reject(fmt.Errorf("terminal state %s for unknown handover %s", to, h.Token))
		}
		return fmt.Errorf("update terminal state %s for %s: %w", to, h.Token, err)
	}
	s.record(ctx, h.Token, h.State, to, msg)

	if to == handover.StateDone {
		s.count(ctx, s.deps.Metrics.HandoversCompleted)
	} else {
		s.count(ctx, s.deps.Metrics.HandoversFailed)
	}
	if s.deps.Metrics.HandoverDuration != nil && !h.CreatedAt.IsZero() {
		s.deps.Metrics.HandoverDuration.Record(ctx, time.Since(h.CreatedAt).Seconds())
	}

	h.State = to
	s.broadcastState(ctx, h, msg)
	return nil
}

// stageState reads the current state of a handover at the start of a check
// step. An unknown token is dead-lettered: its check steps can never settle.
func (s *HandoverService) stageState(ctx context.Context, token, stage string) (handover.State, error) {
	stored, err := s.deps.Store.GetHandover(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", messagequeue.Reject(fmt.Errorf("%s check for unknown handover %s", stage, token))
		}
		return "", err
	}
	return stored.State, nil
}

// record appends a transition to the log. The log is best-effort and never
// blocks handover progress.
func (s *HandoverService) record(ctx context.Context, token string, from, to handover.State, msg string) {
	err := s.deps.Transitions.Append(ctx, translog.Transition{
		Token:     token,
		From:      from,
		To:        to,
		Message:   msg,
		RequestID: logger.RequestID(ctx),
	})
	if err != nil {
		slog.Error("append transition", "token", token, "to", to, "error", err)
	}
}

// notify mails the submitter. Delivery is best-effort: a failure is logged
// and the pipeline carries on.
func (s *HandoverService) notify(ctx context.Context, to, subject, body string) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Send(ctx, to, subject, body); err != nil {
		slog.Error("send notification", "to", to, "subject", subject, "error", err)
	}
}

func (s *HandoverService) broadcastState(ctx context.Context, h handover.Handover, msg string) {
	if s.deps.Broadcaster == nil {
		return
	}
	s.deps.Broadcaster.BroadcastEvent(ctx, ws.EventHandoverState, ws.HandoverStateEvent{
		Token:   h.Token,
		State:   string(h.State),
		Message: msg,
	})
}

func (s *HandoverService) broadcastJob(ctx context.Context, token, stage, jobID string) {
	if s.deps.Broadcaster == nil {
		return
	}
	s.deps.Broadcaster.BroadcastEvent(ctx, ws.EventHandoverJob, ws.HandoverJobEvent{
		Token: token,
		Stage: stage,
		JobID: jobID,
	})
}

func (s *HandoverService) count(ctx context.Context, c metric.Int64Counter) {
	if c == nil {
		return
	}
	c.Add(ctx, 1)
}

// jobLink builds the human-facing link to a job for notification bodies.
func (s *HandoverService) jobLink(svc config.Service, jobID string) string {
	if svc.WebURL == "" {
		return ""
	}
	return svc.WebURL + jobID
}

// databaseLabel names the database in notifications without leaking the
// credentialed URI.
func (s *HandoverService) databaseLabel(h handover.Handover) string {
	name, err := handover.DatabaseName(h.SrcURI)
	if err != nil {
		return h.Token
	}
	return name
}
