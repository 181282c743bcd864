package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/iago/painel-back/internal/domain"
	"github.com/iago/painel-back/internal/policy"
	"github.com/iago/painel-back/internal/queue"
	"github.com/iago/painel-back/internal/repository"
	"github.com/iago/painel-back/internal/service"
)

// Refresher recomputes a report and overwrites its cache entry.
type Refresher interface {
	Refresh(ctx context.Context, params domain.ReportParams, cacheKey string) (json.RawMessage, service.CacheStatus, error)
}

// Processor consumes refresh jobs and persists status transitions and the
// resulting report snapshot.
type Processor struct {
	consumer  queue.Consumer
	repo      repository.JobsRepository
	refresher Refresher
	logger    *log.Logger
}

func NewProcessor(
	consumer queue.Consumer,
	repo repository.JobsRepository,
	refresher Refresher,
	logger *log.Logger,
) *Processor {
	return &Processor{
		consumer:  consumer,
		repo:      repo,
		refresher: refresher,
		logger:    logger,
	}
}

func (p *Processor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logf("worker consume loop error: %v", err)

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// processMessage returns an error only for failures worth retrying. Invalid
// parameters and missing configuration fail the job for good.
func (p *Processor) processMessage(ctx context.Context, message domain.QueueMessage) error {
	job, err := p.repo.GetJob(ctx, message.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", message.JobID, err)
	}

	job.Status = domain.JobStatusProcessing
	job.Attempts = message.Attempt + 1
	job.UpdatedAt = time.Now().UTC()
	if err := p.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	var params domain.ReportParams
	if err := json.Unmarshal(message.Params, &params); err != nil {
		p.fail(ctx, job, fmt.Errorf("decode params: %w", err))
		return nil
	}
	params.Kind = message.Kind

	started := time.Now()
	result, status, refreshErr := p.refresher.Refresh(ctx, params, message.CacheKey)
	if refreshErr != nil {
		p.fail(ctx, job, refreshErr)
		if domain.IsValidation(refreshErr) || domain.IsConfig(refreshErr) {
			return nil
		}
		return refreshErr
	}

	job.Status = domain.JobStatusDone
	job.ErrorMessage = ""
	job.Result = result
	job.UpdatedAt = time.Now().UTC()
	if err := p.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}

	p.logf(
		"refresh job processed kind=%s job_id=%s attempt=%d cached_until=%s duration_ms=%d",
		job.Kind,
		job.ID,
		job.Attempts,
		status.ExpiresAt.Format(time.RFC3339),
		time.Since(started).Milliseconds(),
	)
	return nil
}

func (p *Processor) fail(ctx context.Context, job *domain.Job, cause error) {
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = policy.RedactSecrets(cause.Error())
	job.UpdatedAt = time.Now().UTC()
	if err := p.repo.UpdateJob(ctx, job); err != nil {
		p.logf("mark failed job_id=%s err=%v", job.ID, err)
	}
	p.logf("refresh job failed kind=%s job_id=%s attempt=%d err=%s", job.Kind, job.ID, job.Attempts, job.ErrorMessage)
}

func (p *Processor) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
