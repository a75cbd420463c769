package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueuePaymentEvents holds webhook events whose reconciliation hit a transient error.
	QueuePaymentEvents = "worker:payment_events"
	// QueueTranscripts holds chat transcript archive jobs.
	QueueTranscripts = "worker:transcripts"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// pollTimeout bounds BLPOP so shutdown is noticed between polls.
	pollTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypePaymentEvent      JobType = "payment_event"
	JobTypeTranscriptArchive JobType = "transcript_archive"
)

// PaymentEventPayload is a verified processor event awaiting reconciliation.
type PaymentEventPayload struct {
	EventID   string `json:"event_id"`
	Reference string `json:"reference"`
	Kind      string `json:"kind"`
	Namespace string `json:"namespace"`
}

// TranscriptArchivePayload names the ended session whose chat is archived.
type TranscriptArchivePayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ErrUnknownJobType is returned for jobs no queue accepts.
var ErrUnknownJobType = errors.New("unknown job type")

func keyFor(t JobType) (string, error) {
	switch t {
	case JobTypePaymentEvent:
		return QueuePaymentEvents, nil
	case JobTypeTranscriptArchive:
		return QueueTranscripts, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownJobType, t)
}

// NewJob wraps payload in a fresh job envelope.
func NewJob(t JobType, payload interface{}) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Queue enqueues and dequeues jobs via Redis lists.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// Enqueue pushes a job to the list for its type.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	key, err := keyFor(job.Type)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	return nil
}

// EnqueuePaymentEvent schedules a reconciliation retry for a verified event.
func (q *Queue) EnqueuePaymentEvent(ctx context.Context, p PaymentEventPayload) error {
	job, err := NewJob(JobTypePaymentEvent, p)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, job)
}

// EnqueueTranscript schedules the transcript archive of an ended session.
func (q *Queue) EnqueueTranscript(ctx context.Context, sessionID uuid.UUID) error {
	job, err := NewJob(JobTypeTranscriptArchive, TranscriptArchivePayload{SessionID: sessionID})
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, job)
}

// Dequeue blocks until a job is available on any queue. A nil job with nil
// error means the poll timed out or the entry was unreadable.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, pollTimeout, QueuePaymentEvents, QueueTranscripts).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("queue", result[0]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) error {
	job.Attempt++
	if cause != nil {
		job.LastError = cause.Error()
	}
	if job.Attempt < MaxRetries {
		if err := q.Enqueue(ctx, job); err != nil {
			return err
		}
		q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
		q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
		return err
	}
	q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.String("last_error", job.LastError))
	return nil
}
