package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iago/painel-back/internal/domain"
	"github.com/iago/painel-back/internal/queue"
	"github.com/iago/painel-back/internal/repository"
)

// ErrIdempotencyConflict is returned when an idempotency key is reused with
// different report parameters.
var ErrIdempotencyConflict = errors.New("idempotency key already used with different parameters")

type JobsService struct {
	repo     repository.JobsRepository
	producer queue.Producer
}

func NewJobsService(repo repository.JobsRepository, producer queue.Producer) *JobsService {
	return &JobsService{repo: repo, producer: producer}
}

// EnqueueRefresh records a refresh job and hands it to the queue. A repeated
// idempotency key with the same parameters returns the existing job and
// created=false, unless that job failed.
func (s *JobsService) EnqueueRefresh(
	ctx context.Context,
	params domain.ReportParams,
	cacheKey string,
	idempotencyKey string,
) (job *domain.Job, created bool, err error) {
	params, err = NormalizeParams(params)
	if err != nil {
		return nil, false, err
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, false, fmt.Errorf("encode params: %w", err)
	}

	if existing, err := s.replay(ctx, idempotencyKey, rawParams); existing != nil || err != nil {
		return existing, false, err
	}

	now := time.Now().UTC()
	job = &domain.Job{
		ID:             uuid.NewString(),
		Kind:           params.Kind,
		IdempotencyKey: idempotencyKey,
		CacheKey:       CacheKey(params, cacheKey),
		Params:         rawParams,
		Status:         domain.JobStatusPending,
		Attempts:       0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		if errors.Is(err, repository.ErrIdempotencyKeyTaken) {
			// A concurrent request with the same key won the insert.
			existing, replayErr := s.replay(ctx, idempotencyKey, rawParams)
			if existing != nil || replayErr != nil {
				return existing, false, replayErr
			}
		}
		return nil, false, fmt.Errorf("create job: %w", err)
	}

	message := domain.QueueMessage{
		JobID:       job.ID,
		Kind:        job.Kind,
		CacheKey:    job.CacheKey,
		Params:      rawParams,
		Attempt:     0,
		RequestedAt: now,
	}

	if err := s.producer.Enqueue(ctx, message); err != nil {
		var superseded *queue.SupersededError
		if errors.As(err, &superseded) {
			job.Status = domain.JobStatusSuperseded
			job.SupersededBy = superseded.By
			job.UpdatedAt = time.Now().UTC()
			if err := s.repo.UpdateJob(ctx, job); err != nil {
				return nil, false, fmt.Errorf("mark superseded: %w", err)
			}
			return job, true, nil
		}
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = err.Error()
		job.UpdatedAt = time.Now().UTC()
		_ = s.repo.UpdateJob(ctx, job)
		return nil, false, fmt.Errorf("enqueue job: %w", err)
	}

	return job, true, nil
}

// replay returns the live job already holding key. It returns nil, nil when
// the key is unused or its last job failed.
func (s *JobsService) replay(ctx context.Context, key string, rawParams json.RawMessage) (*domain.Job, error) {
	if key == "" {
		return nil, nil
	}
	existing, err := s.repo.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if !bytes.Equal(existing.Params, rawParams) {
		return nil, ErrIdempotencyConflict
	}
	if existing.Status == domain.JobStatusFailed {
		return nil, nil
	}
	return existing, nil
}

func (s *JobsService) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

func (s *JobsService) ListReports(
	ctx context.Context,
	filter domain.ReportListFilter,
) ([]domain.ReportListItem, int, error) {
	return s.repo.ListReports(ctx, filter)
}
