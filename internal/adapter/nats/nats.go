// Package nats implements the message queue port using NATS JetStream.
//
// JetStream is the deferred execution substrate of the handover pipeline:
// every pipeline step is a message, and a step that must wait for a job is
// negatively acknowledged with a delay instead of blocking a worker. The
// handler's returned error picks the outcome:
//
//   - nil: the step is done, the message is acked.
//   - messagequeue.Retry(d): redeliver after d. Unbounded, not counted.
//   - messagequeue.Reject(err): dead-letter immediately, no redelivery.
//   - anything else: republish with an incremented Retry-Count header;
//     after maxRetries the message is dead-lettered.
//
// Dead letters land on "<subject>.dlq", which stays inside the stream's
// subject space so operators can replay them.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/DataHandover/internal/logger"
	"github.com/Strob0t/DataHandover/internal/port/messagequeue"
)

const (
	streamName = "DATAHANDOVER"

	headerRequestID  = "Request-Id"
	headerRetryCount = "Retry-Count"

	// maxRetries bounds redelivery of messages whose handler failed with an
	// infrastructure error. Poll reschedules are not counted; a handover
	// waits for its job as long as the job takes.
	maxRetries = 3
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Ensure the stream exists with subjects matching our topic patterns.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"handover.>", "report.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// Publish sends a message to the given subject. A request ID present in the
// context travels in the message headers and is restored on the consumer side.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject. The
// consumer is durable so in-flight steps survive a restart with their ack
// state intact. The returned function cancels the subscription.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.dispatch(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// dispatch validates and handles one message, then settles it according to
// the handler's verdict.
func (q *Queue) dispatch(msg jetstream.Msg, handler messagequeue.Handler) {
	subject := msg.Subject()

	ctx := context.Background()
	if id := msg.Headers().Get(headerRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}

	if err := messagequeue.Validate(subject, msg.Data()); err != nil {
		slog.Error("message failed validation", "subject", subject, "error", err)
		q.moveToDLQ(ctx, msg)
		return
	}

	err := handler(ctx, subject, msg.Data())
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "subject", subject, "error", ackErr)
		}
	default:
		if r, ok := messagequeue.AsRetry(err); ok {
			if nakErr := msg.NakWithDelay(r.Delay); nakErr != nil {
				slog.Error("nats nak failed", "subject", subject, "error", nakErr)
			}
			return
		}
		if _, ok := messagequeue.AsReject(err); ok {
			slog.Error("message rejected", "subject", subject, "error", err)
			q.moveToDLQ(ctx, msg)
			return
		}
		slog.Error("message handler failed", "subject", subject, "error", err)
		q.retryOrDLQ(ctx, msg)
	}
}

// retryOrDLQ republishes the message with an incremented retry count, or
// dead-letters it once the count reaches maxRetries.
func (q *Queue) retryOrDLQ(ctx context.Context, msg jetstream.Msg) {
	count := retryCount(msg.Headers())
	if count >= maxRetries {
		q.moveToDLQ(ctx, msg)
		return
	}

	retry := &nats.Msg{
		Subject: msg.Subject(),
		Data:    msg.Data(),
		Header:  cloneHeader(msg.Headers()),
	}
	retry.Header.Set(headerRetryCount, strconv.Itoa(count+1))

	if _, err := q.js.PublishMsg(ctx, retry); err != nil {
		slog.Error("nats retry publish failed", "subject", msg.Subject(), "error", err)
		// Leave redelivery to the server.
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "subject", msg.Subject(), "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		slog.Error("nats ack failed", "subject", msg.Subject(), "error", err)
	}
}

// moveToDLQ copies the message onto its dead letter subject and terminates
// the original so it is never redelivered.
func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg) {
	dlq := &nats.Msg{
		Subject: msg.Subject() + ".dlq",
		Data:    msg.Data(),
		Header:  cloneHeader(msg.Headers()),
	}

	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.Error("nats dlq publish failed", "subject", dlq.Subject, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "subject", msg.Subject(), "error", nakErr)
		}
		return
	}
	if err := msg.Term(); err != nil {
		slog.Error("nats term failed", "subject", msg.Subject(), "error", err)
	}
}

// KeyValue returns the named KV bucket, creating it with the given TTL when
// missing. The TTL applies at bucket level.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats keyvalue %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain gracefully drains all subscriptions before closing the connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is currently up.
func (q *Queue) IsConnected() bool {
	return q.nc != nil && q.nc.IsConnected()
}

// retryCount reads the Retry-Count header; an unparseable value counts as
// exhausted rather than granting a fresh budget.
func retryCount(h nats.Header) int {
	v := h.Get(headerRetryCount)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return maxRetries
	}
	return n
}

func cloneHeader(h nats.Header) nats.Header {
	out := nats.Header{}
	for k, vals := range h {
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}

// durableName derives a valid consumer name from a subject.
// Consumer names cannot contain dots.
func durableName(subject string) string {
	return "datahandover-" + strings.ReplaceAll(subject, ".", "-")
}
