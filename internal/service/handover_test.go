package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/DataHandover/internal/config"
	"github.com/Strob0t/DataHandover/internal/domain"
	"github.com/Strob0t/DataHandover/internal/domain/checks"
	"github.com/Strob0t/DataHandover/internal/domain/handover"
	"github.com/Strob0t/DataHandover/internal/logger"
	"github.com/Strob0t/DataHandover/internal/port/jobrunner"
	"github.com/Strob0t/DataHandover/internal/port/messagequeue"
	"github.com/Strob0t/DataHandover/internal/port/translog"
)

// ---------------------------------------------------------------------------
// Port mocks
// ---------------------------------------------------------------------------

type mockStore struct {
	handovers      map[string]*handover.Handover
	updateStateErr error
}

func newMockStore() *mockStore {
	return &mockStore{handovers: make(map[string]*handover.Handover)}
}

func (s *mockStore) CreateHandover(_ context.Context, h handover.Handover) (*handover.Handover, error) {
	h.Version = 1
	h.CreatedAt = time.Now()
	h.UpdatedAt = h.CreatedAt
	s.handovers[h.Token] = &h
	cp := h
	return &cp, nil
}

func (s *mockStore) GetHandover(_ context.Context, token string) (*handover.Handover, error) {
	h, ok := s.handovers[token]
	if !ok {
		return nil, fmt.Errorf("handover %s: %w", token, domain.ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (s *mockStore) ListHandovers(_ context.Context) ([]handover.Handover, error) {
	var out []handover.Handover
	for _, h := range s.handovers {
		out = append(out, *h)
	}
	return out, nil
}

func (s *mockStore) UpdateState(_ context.Context, token string, state handover.State) error {
	if s.updateStateErr != nil {
		return s.updateStateErr
	}
	h, ok := s.handovers[token]
	if !ok {
		return domain.ErrNotFound
	}
	h.State = state
	h.Version++
	return nil
}

func (s *mockStore) setJobID(token string, field *string, jobID string) error {
	if *field == jobID {
		return nil
	}
	if *field != "" {
		return domain.ErrConflict
	}
	*field = jobID
	return nil
}

func (s *mockStore) SetValidationJobID(_ context.Context, token, jobID string) error {
	h, ok := s.handovers[token]
	if !ok {
		return domain.ErrNotFound
	}
	return s.setJobID(token, &h.ValidationJobID, jobID)
}

func (s *mockStore) SetCopyJobID(_ context.Context, token, jobID string) error {
	h, ok := s.handovers[token]
	if !ok {
		return domain.ErrNotFound
	}
	return s.setJobID(token, &h.CopyJobID, jobID)
}

func (s *mockStore) SetMetadataJobID(_ context.Context, token, jobID string) error {
	h, ok := s.handovers[token]
	if !ok {
		return domain.ErrNotFound
	}
	return s.setJobID(token, &h.MetadataJobID, jobID)
}

type mockLog struct {
	transitions []translog.Transition
}

func (l *mockLog) Append(_ context.Context, tr translog.Transition) error {
	l.transitions = append(l.transitions, tr)
	return nil
}

func (l *mockLog) ListByToken(_ context.Context, token string) ([]translog.Transition, error) {
	var out []translog.Transition
	for _, tr := range l.transitions {
		if tr.Token == token {
			out = append(out, tr)
		}
	}
	return out, nil
}

type published struct {
	subject string
	data    []byte
}

type mockQueue struct {
	published  []published
	publishErr error
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, published{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) onSubject(subject string) []published {
	var out []published
	for _, p := range q.published {
		if p.subject == subject {
			out = append(out, p)
		}
	}
	return out
}

type mockResolver struct {
	exists bool
	err    error
}

func (r *mockResolver) Exists(_ context.Context, _ string) (bool, error) {
	return r.exists, r.err
}

// mockJobs serves one job service: Submit records parameters, Retrieve
// returns the scripted results in order, repeating the last one.
type mockJobs struct {
	service     string
	submitted   []any
	submitErr   error
	results     []jobrunner.Result
	retrieveErr error
	polls       int
}

func (j *mockJobs) submit(params any) (string, error) {
	if j.submitErr != nil {
		return "", j.submitErr
	}
	j.submitted = append(j.submitted, params)
	return fmt.Sprintf("%s-job-%d", j.service, len(j.submitted)), nil
}

func (j *mockJobs) retrieve(jobID string) (jobrunner.Result, error) {
	if j.retrieveErr != nil {
		return jobrunner.Result{}, j.retrieveErr
	}
	idx := j.polls
	if idx >= len(j.results) {
		idx = len(j.results) - 1
	}
	j.polls++
	res := j.results[idx]
	res.JobID = jobID
	return res, nil
}

type mockHealthcheck struct{ mockJobs }

func (m *mockHealthcheck) Submit(_ context.Context, p jobrunner.HealthcheckParams) (string, error) {
	return m.submit(p)
}

func (m *mockHealthcheck) Retrieve(_ context.Context, jobID string) (jobrunner.Result, error) {
	return m.retrieve(jobID)
}

type mockCopy struct{ mockJobs }

func (m *mockCopy) Submit(_ context.Context, p jobrunner.CopyParams) (string, error) {
	return m.submit(p)
}

func (m *mockCopy) Retrieve(_ context.Context, jobID string) (jobrunner.Result, error) {
	return m.retrieve(jobID)
}

type mockMetadata struct{ mockJobs }

func (m *mockMetadata) Submit(_ context.Context, p jobrunner.MetadataParams) (string, error) {
	return m.submit(p)
}

func (m *mockMetadata) Retrieve(_ context.Context, jobID string) (jobrunner.Result, error) {
	return m.retrieve(jobID)
}

type sentMail struct {
	to      string
	subject string
	body    string
}

type mockNotifier struct {
	sent    []sentMail
	sendErr error
}

func (n *mockNotifier) Send(_ context.Context, to, subject, body string) error {
	if n.sendErr != nil {
		return n.sendErr
	}
	n.sent = append(n.sent, sentMail{to, subject, body})
	return nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	svc      *HandoverService
	store    *mockStore
	log      *mockLog
	queue    *mockQueue
	resolver *mockResolver
	hc       *mockHealthcheck
	cp       *mockCopy
	md       *mockMetadata
	mail     *mockNotifier
}

func newFixture() *fixture {
	f := &fixture{
		store:    newMockStore(),
		log:      &mockLog{},
		queue:    &mockQueue{},
		resolver: &mockResolver{exists: true},
		hc:       &mockHealthcheck{mockJobs{service: "healthcheck"}},
		cp:       &mockCopy{mockJobs{service: "copy"}},
		md:       &mockMetadata{mockJobs{service: "metadata"}},
		mail:     &mockNotifier{},
	}
	f.svc = NewHandoverService(HandoverDeps{
		Store:       f.store,
		Transitions: f.log,
		Queue:       f.queue,
		Resolver:    f.resolver,
		Healthcheck: f.hc,
		Copy:        f.cp,
		Metadata:    f.md,
		Notifier:    f.mail,
		Handover: config.Handover{
			StagingURI: "postgres://staging@staging:5432/",
			PollDelay:  time.Minute,
		},
		Services: config.Services{
			Healthcheck: config.Service{WebURL: "http://hc/#!/jobs/"},
			Copy:        config.Service{WebURL: "http://copy/#!/jobs/"},
		},
		Rules: checks.DefaultRules("CoreHandover", "VariationHandover", "FuncgenHandover", "ComparaHandover"),
	})
	return f
}

func coreRequest() handover.SubmitRequest {
	return handover.SubmitRequest{
		SrcURI:     "postgres://user@source:5432/homo_sapiens_core_104_38",
		Contact:    "submitter@example.org",
		ChangeType: "new_assembly",
	}
}

func unclassifiedRequest() handover.SubmitRequest {
	return handover.SubmitRequest{
		SrcURI:     "postgres://user@source:5432/ancillary_marts_104",
		Contact:    "submitter@example.org",
		ChangeType: "other",
	}
}

func (f *fixture) checkPayload(t *testing.T, subject string) messagequeue.CheckPayload {
	t.Helper()
	msgs := f.queue.onSubject(subject)
	if len(msgs) == 0 {
		t.Fatalf("no message published on %s", subject)
	}
	var p messagequeue.CheckPayload
	if err := json.Unmarshal(msgs[len(msgs)-1].data, &p); err != nil {
		t.Fatalf("unmarshal %s payload: %v", subject, err)
	}
	return p
}

// ---------------------------------------------------------------------------
// Intake
// ---------------------------------------------------------------------------

func TestSubmitClassifiedGoesToValidation(t *testing.T) {
	f := newFixture()

	h, err := f.svc.Submit(context.Background(), coreRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h.Token == "" {
		t.Fatal("expected a handover token")
	}
	if h.State != handover.StateAwaitingValidation {
		t.Fatalf("expected awaiting_validation, got %s", h.State)
	}
	if h.Group != "CoreHandover" {
		t.Fatalf("expected group CoreHandover, got %q", h.Group)
	}
	if h.TgtURI != "postgres://staging@staging:5432/homo_sapiens_core_104_38" {
		t.Fatalf("unexpected target uri %q", h.TgtURI)
	}
	if len(f.hc.submitted) != 1 {
		t.Fatalf("expected 1 validation submission, got %d", len(f.hc.submitted))
	}
	params := f.hc.submitted[0].(jobrunner.HealthcheckParams)
	if len(params.HCGroups) != 1 || params.HCGroups[0] != "CoreHandover" {
		t.Fatalf("expected HCGroups [CoreHandover], got %v", params.HCGroups)
	}
	if len(f.cp.submitted) != 0 {
		t.Fatal("copy must not be submitted while validation is pending")
	}
	if got := len(f.queue.onSubject(messagequeue.SubjectValidationCheck)); got != 1 {
		t.Fatalf("expected 1 validation check enqueued, got %d", got)
	}
	if len(f.mail.sent) != 1 {
		t.Fatalf("expected 1 submission notification, got %d", len(f.mail.sent))
	}
	if !strings.Contains(f.mail.sent[0].subject, "Validation submitted") {
		t.Fatalf("unexpected notification subject %q", f.mail.sent[0].subject)
	}
}

func TestSubmitUnclassifiedSkipsValidation(t *testing.T) {
	f := newFixture()

	h, err := f.svc.Submit(context.Background(), unclassifiedRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h.State != handover.StateAwaitingCopy {
		t.Fatalf("expected awaiting_copy, got %s", h.State)
	}
	if len(f.hc.submitted) != 0 {
		t.Fatal("validation runner must never be invoked for unclassified databases")
	}
	if len(f.cp.submitted) != 1 {
		t.Fatalf("expected 1 copy submission, got %d", len(f.cp.submitted))
	}
	if got := len(f.queue.onSubject(messagequeue.SubjectCopyCheck)); got != 1 {
		t.Fatalf("expected 1 copy check enqueued, got %d", got)
	}

	stored, _ := f.store.GetHandover(context.Background(), h.Token)
	if stored.CopyJobID == "" {
		t.Fatal("expected copy job id recorded")
	}
}

func TestSubmitKeepsProvidedTarget(t *testing.T) {
	f := newFixture()
	req := unclassifiedRequest()
	req.TgtURI = "postgres://other@elsewhere:5432/ancillary_marts_104"

	h, err := f.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.TgtURI != req.TgtURI {
		t.Fatalf("target uri was recomputed: %q", h.TgtURI)
	}
}

func TestSubmitUnknownSource(t *testing.T) {
	f := newFixture()
	f.resolver.exists = false

	_, err := f.svc.Submit(context.Background(), coreRequest())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(f.hc.submitted) != 0 || len(f.cp.submitted) != 0 {
		t.Fatal("no job may be submitted for an unknown source")
	}
	if len(f.queue.published) != 0 {
		t.Fatal("no step may be enqueued for an unknown source")
	}
}

func TestSubmitInvalidRequest(t *testing.T) {
	f := newFixture()

	req := coreRequest()
	req.Contact = ""
	if _, err := f.svc.Submit(context.Background(), req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSubmitTokensAreUnique(t *testing.T) {
	f := newFixture()

	seen := make(map[string]bool)
	for range 5 {
		h, err := f.svc.Submit(context.Background(), coreRequest())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seen[h.Token] {
			t.Fatalf("token %s issued twice", h.Token)
		}
		seen[h.Token] = true
	}
}

// ---------------------------------------------------------------------------
// Validation stage
// ---------------------------------------------------------------------------

func TestValidationPollsUntilCleanSuccess(t *testing.T) {
	f := newFixture()
	f.hc.results = []jobrunner.Result{
		{Status: jobrunner.StatusSubmitted},
		{Status: jobrunner.StatusRunning},
		{Status: jobrunner.StatusIncomplete},
		{Status: jobrunner.StatusSucceeded, Output: &jobrunner.Output{Status: jobrunner.StatusSucceeded}},
	}

	h, err := f.svc.Submit(context.Background(), coreRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := f.checkPayload(t, messagequeue.SubjectValidationCheck)
	data, _ := json.Marshal(payload)

	reschedules := 0
	for {
		err := f.svc.handleValidationCheck(context.Background(), messagequeue.SubjectValidationCheck, data)
		if err == nil {
			break
		}
		r, ok := messagequeue.AsRetry(err)
		if !ok {
			t.Fatalf("unexpected handler error: %v", err)
		}
		if r.Delay != time.Minute {
			t.Fatalf("expected poll delay 1m, got %v", r.Delay)
		}
		reschedules++
	}

	if reschedules != 3 {
		t.Fatalf("expected exactly 3 reschedules, got %d", reschedules)
	}
	if len(f.cp.submitted) != 1 {
		t.Fatalf("expected copy submitted exactly once, got %d", len(f.cp.submitted))
	}
	if len(f.mail.sent) != 1 {
		t.Fatalf("expected only the submission notification, got %d mails", len(f.mail.sent))
	}

	stored, _ := f.store.GetHandover(context.Background(), h.Token)
	if stored.State != handover.StateAwaitingCopy {
		t.Fatalf("expected awaiting_copy, got %s", stored.State)
	}
}

func TestValidationRunFailure(t *testing.T) {
	f := newFixture()
	f.hc.results = []jobrunner.Result{{Status: jobrunner.StatusFailed}}

	h, err := f.svc.Submit(context.Background(), coreRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := json.Marshal(f.checkPayload(t, messagequeue.SubjectValidationCheck))

	if err := f.svc.handleValidationCheck(context.Background(), messagequeue.SubjectValidationCheck, data); err != nil {
		t.Fatalf("terminal business failure must ack, got %v", err)
	}

	stored, _ := f.store.GetHandover(context.Background(), h.Token)
	if stored.State != handover.StateValidationFailed {
		t.Fatalf("expected validation_failed, got %s", stored.State)
	}
	if len(f.cp.submitted) != 0 {
		t.Fatal("copy must not be submitted after a validation failure")
	}
	// Submission mail plus exactly one failure mail, carrying the job link.
	if len(f.mail.sent) != 2 {
		t.Fatalf("expected 2 mails, got %d", len(f.mail.sent))
	}
	if !strings.Contains(f.mail.sent[1].body, "http://hc/#!/jobs/") {
		t.Fatalf("failure mail lacks job link: %q", f.mail.sent[1].body)
	}
}

func TestValidationRejected(t *testing.T) {
	f := newFixture()
	f.hc.results = []jobrunner.Result{{
		Status: jobrunner.StatusSucceeded,
		Output: &jobrunner.Output{Status: jobrunner.StatusFailed, Message: "3 checks failed"},
	}}

	h, err := f.svc.Submit(context.Background(), coreRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := json.Marshal(f.checkPayload(t, messagequeue.SubjectValidationCheck))

	if err := f.svc.handleValidationCheck(context.Background(), messagequeue.SubjectValidationCheck, data); err != nil {
		t.Fatalf("terminal business failure must ack, got %v", err)
	}

	stored, _ := f.store.GetHandover(context.Background(), h.Token)
	if stored.State != handover.StateValidationRejected {
		t.Fatalf("expected validation_rejected, got %s", stored.State)
	}
	if len(f.cp.submitted) != 0 {
		t.Fatal("copy must not be submitted after a rejected validation")
	}
	if len(f.mail.sent) != 2 {
		t.Fatalf("expected 2 mails, got %d", len(f.mail.sent))
	}
	if !strings.Contains(f.mail.sent[1].body, "3 checks failed") {
		t.Fatalf("rejection mail lacks the verdict: %q", f.mail.sent[1].body)
	}
}

func TestValidationQueryErrorPropagates(t *testing.T) {
	f := newFixture()
	f.hc.retrieveErr = &jobrunner.QueryError{Service: "healthcheck", JobID: "hc-1", Err: errors.New("bad gateway")}

	if _, err := f.svc.Submit(context.Background(), coreRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := json.Marshal(f.checkPayload(t, messagequeue.SubjectValidationCheck))

	err := f.svc.handleValidationCheck(context.Background(), messagequeue.SubjectValidationCheck, data)
	var qe *jobrunner.QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QueryError to propagate, got %v", err)
	}
	if _, ok := messagequeue.AsRetry(err); ok {
		t.Fatal("a query failure must not be treated as an unfinished job")
	}
}

func TestValidationSuccessIsIdempotent(t *testing.T) {
	f := newFixture()
	f.hc.results = []jobrunner.Result{{
		Status: jobrunner.StatusSucceeded,
		Output: &jobrunner.Output{Status: jobrunner.StatusSucceeded},
	}}

	if _, err := f.svc.Submit(context.Background(), coreRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := json.Marshal(f.checkPayload(t, messagequeue.SubjectValidationCheck))

	// The substrate guarantees at-least-once delivery; a redelivered success
	// must not submit a second copy job.
	for range 2 {
		if err := f.svc.handleValidationCheck(context.Background(), messagequeue.SubjectValidationCheck, data); err != nil {
			t.Fatalf("unexpected handler error: %v", err)
		}
	}
	if len(f.cp.submitted) != 1 {
		t.Fatalf("expected exactly 1 copy submission, got %d", len(f.cp.submitted))
	}
}

func TestValidationMalformedPayloadRejected(t *testing.T) {
	f := newFixture()

	err := f.svc.handleValidationCheck(context.Background(), messagequeue.SubjectValidationCheck, []byte("{not json"))
	if _, ok := messagequeue.AsReject(err); !ok {
		t.Fatalf("expected Reject for malformed payload, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Copy stage
// ---------------------------------------------------------------------------

func runToCopyCheck(t *testing.T, f *fixture) (handover.Handover, []byte) {
	t.Helper()
	h, err := f.svc.Submit(context.Background(), unclassifiedRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := f.checkPayload(t, messagequeue.SubjectCopyCheck)
	data, _ := json.Marshal(payload)
	return *h, data
}

func TestCopyFailure(t *testing.T) {
	f := newFixture()
	f.cp.results = []jobrunner.Result{{Status: jobrunner.StatusFailed}}

	h, data := runToCopyCheck(t, f)
	if err := f.svc.handleCopyCheck(context.Background(), messagequeue.SubjectCopyCheck, data); err != nil {
		t.Fatalf("terminal business failure must ack, got %v", err)
	}

	stored, _ := f.store.GetHandover(context.Background(), h.Token)
	if stored.State != handover.StateCopyFailed {
		t.Fatalf("expected copy_failed, got %s", stored.State)
	}
	if len(f.md.submitted) != 0 {
		t.Fatal("metadata must not be submitted after a copy failure")
	}
	if len(f.mail.sent) != 1 {
		t.Fatalf("expected exactly 1 copy failure mail, got %d", len(f.mail.sent))
	}
	if !strings.Contains(f.mail.sent[0].subject, "Copy failed") {
		t.Fatalf("unexpected mail subject %q", f.mail.sent[0].subject)
	}
}

func TestCopySuccessSubmitsMetadata(t *testing.T) {
	f := newFixture()
	f.cp.results = []jobrunner.Result{{Status: jobrunner.StatusSucceeded}}

	h, data := runToCopyCheck(t, f)
	if err := f.svc.handleCopyCheck(context.Background(), messagequeue.SubjectCopyCheck, data); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	stored, _ := f.store.GetHandover(context.Background(), h.Token)
	if stored.State != handover.StateAwaitingMetadata {
		t.Fatalf("expected awaiting_metadata, got %s", stored.State)
	}
	if len(f.md.submitted) != 1 {
		t.Fatalf("expected 1 metadata submission, got %d", len(f.md.submitted))
	}
	params := f.md.submitted[0].(jobrunner.MetadataParams)
	if params.DatabaseURI != stored.TgtURI {
		t.Fatalf("metadata update must target %q, got %q", stored.TgtURI, params.DatabaseURI)
	}
	if got := len(f.queue.onSubject(messagequeue.SubjectMetadataCheck)); got != 1 {
		t.Fatalf("expected 1 metadata check enqueued, got %d", got)
	}
}

func TestCopyStillRunningReschedules(t *testing.T) {
	f := newFixture()
	f.cp.results = []jobrunner.Result{{Status: jobrunner.StatusRunning}}

	_, data := runToCopyCheck(t, f)
	err := f.svc.handleCopyCheck(context.Background(), messagequeue.SubjectCopyCheck, data)
	if _, ok := messagequeue.AsRetry(err); !ok {
		t.Fatalf("expected Retry while the copy runs, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Metadata stage
// ---------------------------------------------------------------------------

func TestMetadataCheckFinishesHandover(t *testing.T) {
	f := newFixture()
	f.cp.results = []jobrunner.Result{{Status: jobrunner.StatusSucceeded}}

	var hooked []handover.Handover
	f.svc.MetadataHook = func(_ context.Context, h handover.Handover) {
		hooked = append(hooked, h)
	}

	h, data := runToCopyCheck(t, f)
	if err := f.svc.handleCopyCheck(context.Background(), messagequeue.SubjectCopyCheck, data); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	mdData, _ := json.Marshal(f.checkPayload(t, messagequeue.SubjectMetadataCheck))
	if err := f.svc.handleMetadataCheck(context.Background(), messagequeue.SubjectMetadataCheck, mdData); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	stored, _ := f.store.GetHandover(context.Background(), h.Token)
	if stored.State != handover.StateDone {
		t.Fatalf("expected done, got %s", stored.State)
	}
	if len(hooked) != 1 {
		t.Fatalf("expected MetadataHook invoked once, got %d", len(hooked))
	}
	if hooked[0].State != handover.StateDone {
		t.Fatalf("hook must see the final state, got %s", hooked[0].State)
	}
	// No completion mail: the hook is the extension point for it.
	if len(f.mail.sent) != 0 {
		t.Fatalf("expected no completion mail, got %d", len(f.mail.sent))
	}
}

// ---------------------------------------------------------------------------
// Redelivery after terminal states
// ---------------------------------------------------------------------------

func TestStaleValidationCheckAfterCopyFailure(t *testing.T) {
	f := newFixture()
	f.hc.results = []jobrunner.Result{{
		Status: jobrunner.StatusSucceeded,
		Output: &jobrunner.Output{Status: jobrunner.StatusSucceeded},
	}}
	f.cp.results = []jobrunner.Result{{Status: jobrunner.StatusFailed}}

	h, err := f.svc.Submit(context.Background(), coreRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vData, _ := json.Marshal(f.checkPayload(t, messagequeue.SubjectValidationCheck))
	if err := f.svc.handleValidationCheck(context.Background(), messagequeue.SubjectValidationCheck, vData); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	cData, _ := json.Marshal(f.checkPayload(t, messagequeue.SubjectCopyCheck))
	if err := f.svc.handleCopyCheck(context.Background(), messagequeue.SubjectCopyCheck, cData); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	stored, _ := f.store.GetHandover(context.Background(), h.Token)
	if stored.State != handover.StateCopyFailed {
		t.Fatalf("expected copy_failed, got %s", stored.State)
	}
	copyChecks := len(f.queue.onSubject(messagequeue.SubjectCopyCheck))
	mails := len(f.mail.sent)

	// The substrate may deliver the validation check again long after the
	// copy stage settled; the handover must stay where it ended up.
	if err := f.svc.handleValidationCheck(context.Background(), messagequeue.SubjectValidationCheck, vData); err != nil {
		t.Fatalf("stale redelivery must ack, got %v", err)
	}

	stored, _ = f.store.GetHandover(context.Background(), h.Token)
	if stored.State != handover.StateCopyFailed {
		t.Fatalf("stale redelivery moved a terminal handover to %s", stored.State)
	}
	if got := len(f.queue.onSubject(messagequeue.SubjectCopyCheck)); got != copyChecks {
		t.Fatalf("stale redelivery enqueued a copy check: %d -> %d", copyChecks, got)
	}
	if got := len(f.mail.sent); got != mails {
		t.Fatalf("stale redelivery sent mail: %d -> %d", mails, got)
	}
}

func TestStaleCopyCheckAfterDone(t *testing.T) {
	f := newFixture()
	f.cp.results = []jobrunner.Result{{Status: jobrunner.StatusSucceeded}}

	h, cData := runToCopyCheck(t, f)
	if err := f.svc.handleCopyCheck(context.Background(), messagequeue.SubjectCopyCheck, cData); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	mData, _ := json.Marshal(f.checkPayload(t, messagequeue.SubjectMetadataCheck))
	if err := f.svc.handleMetadataCheck(context.Background(), messagequeue.SubjectMetadataCheck, mData); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	if err := f.svc.handleCopyCheck(context.Background(), messagequeue.SubjectCopyCheck, cData); err != nil {
		t.Fatalf("stale copy check must ack, got %v", err)
	}
	if err := f.svc.handleMetadataCheck(context.Background(), messagequeue.SubjectMetadataCheck, mData); err != nil {
		t.Fatalf("stale metadata check must ack, got %v", err)
	}

	stored, _ := f.store.GetHandover(context.Background(), h.Token)
	if stored.State != handover.StateDone {
		t.Fatalf("expected done after replays, got %s", stored.State)
	}
	if len(f.md.submitted) != 1 {
		t.Fatalf("expected 1 metadata submission, got %d", len(f.md.submitted))
	}
	if got := len(f.queue.onSubject(messagequeue.SubjectMetadataCheck)); got != 1 {
		t.Fatalf("stale copy check re-enqueued metadata: got %d", got)
	}
}

func TestTerminalWriteFailureRedelivers(t *testing.T) {
	f := newFixture()
	f.cp.results = []jobrunner.Result{{Status: jobrunner.StatusFailed}}

	h, data := runToCopyCheck(t, f)

	f.store.updateStateErr = errors.New("connection reset")
	err := f.svc.handleCopyCheck(context.Background(), messagequeue.SubjectCopyCheck, data)
	if err == nil {
		t.Fatal("a failed terminal write must not ack the step")
	}
	if _, ok := messagequeue.AsRetry(err); ok {
		t.Fatalf("expected a plain error for the substrate, got Retry: %v", err)
	}
	if _, ok := messagequeue.AsReject(err); ok {
		t.Fatalf("expected a plain error for the substrate, got Reject: %v", err)
	}
	// The state never landed, so the failure mail must not have gone out.
	if len(f.mail.sent) != 0 {
		t.Fatalf("mail sent before the terminal state persisted: %d", len(f.mail.sent))
	}
	stored, _ := f.store.GetHandover(context.Background(), h.Token)
	if stored.State != handover.StateAwaitingCopy {
		t.Fatalf("expected awaiting_copy until the write lands, got %s", stored.State)
	}

	// Redelivery with the store back settles the handover exactly once.
	f.store.updateStateErr = nil
	if err := f.svc.handleCopyCheck(context.Background(), messagequeue.SubjectCopyCheck, data); err != nil {
		t.Fatalf("unexpected handler error on redelivery: %v", err)
	}
	stored, _ = f.store.GetHandover(context.Background(), h.Token)
	if stored.State != handover.StateCopyFailed {
		t.Fatalf("expected copy_failed, got %s", stored.State)
	}
	if len(f.mail.sent) != 1 {
		t.Fatalf("expected exactly 1 failure mail, got %d", len(f.mail.sent))
	}
}

// ---------------------------------------------------------------------------
// Reads and transitions
// ---------------------------------------------------------------------------

func TestEventsListTransitions(t *testing.T) {
	f := newFixture()
	f.hc.results = []jobrunner.Result{{Status: jobrunner.StatusFailed}}

	h, err := f.svc.Submit(context.Background(), coreRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := json.Marshal(f.checkPayload(t, messagequeue.SubjectValidationCheck))
	if err := f.svc.handleValidationCheck(context.Background(), messagequeue.SubjectValidationCheck, data); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	events, err := f.svc.Events(context.Background(), h.Token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected intake + terminal transition, got %d", len(events))
	}
	if events[0].From != "" || events[0].To != handover.StateAwaitingValidation {
		t.Fatalf("unexpected intake transition %+v", events[0])
	}
	if events[1].To != handover.StateValidationFailed {
		t.Fatalf("unexpected terminal transition %+v", events[1])
	}
}

func TestTransitionsCarryRequestID(t *testing.T) {
	f := newFixture()
	ctx := logger.WithRequestID(context.Background(), "req-42")

	if _, err := f.svc.Submit(ctx, unclassifiedRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.log.transitions) == 0 {
		t.Fatal("expected recorded transitions")
	}
	for _, tr := range f.log.transitions {
		if tr.RequestID != "req-42" {
			t.Fatalf("transition %s -> %s lost the request id: %q", tr.From, tr.To, tr.RequestID)
		}
	}
}

func TestEventsUnknownToken(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Events(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNotificationFailureDoesNotAbort(t *testing.T) {
	f := newFixture()
	f.mail.sendErr = errors.New("smtp down")

	h, err := f.svc.Submit(context.Background(), coreRequest())
	if err != nil {
		t.Fatalf("a lost mail must not fail intake: %v", err)
	}
	if h.ValidationJobID == "" {
		t.Fatal("validation job must be submitted despite the mail failure")
	}
}
