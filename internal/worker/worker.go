// Package worker drains the background job queues.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/internal/payments"
	"github.com/soundstage/backend/pkg/queue"
)

// Jobs is the queue the processor drains.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job, cause error) error
}

// Transcripts loads a session's full chat in order.
type Transcripts interface {
	Transcript(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error)
}

// Uploader stores an archived transcript.
type Uploader interface {
	UploadTranscript(ctx context.Context, sessionID string, body io.Reader, contentLength int64) (string, error)
}

// Transcript is the archived document for an ended session.
type Transcript struct {
	SessionID  uuid.UUID            `json:"session_id"`
	ArchivedAt time.Time            `json:"archived_at"`
	Messages   []models.ChatMessage `json:"messages"`
}

// Processor executes payment_event and transcript_archive jobs.
type Processor struct {
	jobs        Jobs
	engine      payments.Reconciler
	transcripts Transcripts
	uploader    Uploader
	logger      *zap.Logger
	backoff     time.Duration
}

// NewProcessor creates a job processor.
func NewProcessor(jobs Jobs, engine payments.Reconciler, transcripts Transcripts, uploader Uploader, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		jobs:        jobs,
		engine:      engine,
		transcripts: transcripts,
		uploader:    uploader,
		logger:      logger,
		backoff:     queue.RetryBackoff,
	}
}

// Process executes one job. A returned error means the job should be retried.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypePaymentEvent:
		var payload queue.PaymentEventPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			p.logger.Error("drop malformed payment event job", zap.String("job_id", job.ID), zap.Error(err))
			return nil
		}
		return p.reconcile(ctx, payload)
	case queue.JobTypeTranscriptArchive:
		var payload queue.TranscriptArchivePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			p.logger.Error("drop malformed transcript job", zap.String("job_id", job.ID), zap.Error(err))
			return nil
		}
		return p.archive(ctx, payload.SessionID)
	default:
		p.logger.Warn("drop job of unknown type", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		return nil
	}
}

func (p *Processor) reconcile(ctx context.Context, payload queue.PaymentEventPayload) error {
	ev := payments.Event{
		ID:        payload.EventID,
		Reference: payload.Reference,
		Kind:      models.PaymentStatus(payload.Kind),
		Namespace: payload.Namespace,
	}
	err := p.engine.Reconcile(ctx, ev)
	if err != nil && !payments.Retryable(err) {
		p.logger.Info("deferred payment event settled",
			zap.String("external_ref", ev.Reference), zap.String("event_id", ev.ID), zap.Error(err))
		return nil
	}
	return err
}

func (p *Processor) archive(ctx context.Context, sessionID uuid.UUID) error {
	msgs, err := p.transcripts.Transcript(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	body, err := json.Marshal(Transcript{SessionID: sessionID, ArchivedAt: time.Now().UTC(), Messages: msgs})
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	key, err := p.uploader.UploadTranscript(ctx, sessionID.String(), bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("upload transcript: %w", err)
	}
	p.logger.Info("transcript archived",
		zap.String("session_id", sessionID.String()), zap.String("s3_key", key), zap.Int("messages", len(msgs)))
	return nil
}

// Run dequeues and processes jobs until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			p.logger.Info("worker stopping")
			return
		}
		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("attempt", job.Attempt))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Error(err))
			if reErr := p.jobs.Retry(ctx, job, err); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
