package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/iago/painel-back/internal/domain"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrIdempotencyKeyTaken is returned by CreateJob when a job that has not
	// failed already holds the idempotency key.
	ErrIdempotencyKeyTaken = errors.New("idempotency key held by a live job")
)

const defaultPageSize = 20

// JobsRepository abstracts refresh job persistence and snapshot listing.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	UpdateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error)
	ListReports(ctx context.Context, filter domain.ReportListFilter) ([]domain.ReportListItem, int, error)
}

// MemoryJobsRepository stores jobs in memory for local development.
type MemoryJobsRepository struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

func NewMemoryJobsRepository() *MemoryJobsRepository {
	return &MemoryJobsRepository{
		jobs: make(map[string]*domain.Job),
	}
}

func (r *MemoryJobsRepository) CreateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("insert job: duplicate id %s", job.ID)
	}
	if job.IdempotencyKey != "" {
		for _, other := range r.jobs {
			if other.IdempotencyKey == job.IdempotencyKey && other.Status != domain.JobStatusFailed {
				return ErrIdempotencyKeyTaken
			}
		}
	}
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *MemoryJobsRepository) UpdateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *MemoryJobsRepository) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// FindByIdempotencyKey returns the most recent job created with key.
func (r *MemoryJobsRepository) FindByIdempotencyKey(_ context.Context, key string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *domain.Job
	for _, job := range r.jobs {
		if key == "" || job.IdempotencyKey != key {
			continue
		}
		if found == nil || job.CreatedAt.After(found.CreatedAt) {
			found = job
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneJob(found), nil
}

func (r *MemoryJobsRepository) ListReports(
	_ context.Context,
	filter domain.ReportListFilter,
) ([]domain.ReportListItem, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filter = normalizeFilter(filter)

	items := make([]domain.ReportListItem, 0)
	for _, job := range r.jobs {
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		if filter.From != nil && job.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && job.CreatedAt.After(*filter.To) {
			continue
		}

		params := decodeParams(job.Params)
		items = append(items, domain.ReportListItem{
			ReportID:  job.ID,
			Kind:      job.Kind,
			Status:    job.Status,
			Start:     params.Start,
			End:       params.End,
			CreatedAt: job.CreatedAt,
			Title:     reportTitle(job.Kind, job.Status, params),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ReportID < items[j].ReportID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	total := len(items)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []domain.ReportListItem{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}

	return items[start:end], total, nil
}

func normalizeFilter(filter domain.ReportListFilter) domain.ReportListFilter {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = defaultPageSize
	}
	return filter
}

func cloneJob(job *domain.Job) *domain.Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Params = append([]byte(nil), job.Params...)
	clone.Result = append([]byte(nil), job.Result...)
	return &clone
}

func decodeParams(raw json.RawMessage) domain.ReportParams {
	var params domain.ReportParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}
	return params
}

func reportTitle(kind domain.ReportKind, status domain.JobStatus, params domain.ReportParams) string {
	title := "Relatorio"
	switch kind {
	case domain.ReportKindSales:
		title = "Relatorio de vendas"
	case domain.ReportKindMessaging:
		title = "Relatorio de atendimento"
	}
	if params.Start != "" && params.End != "" {
		title += fmt.Sprintf(" %s a %s", params.Start, params.End)
	}
	switch status {
	case domain.JobStatusDone:
	case domain.JobStatusFailed:
		title += " (falhou)"
	case domain.JobStatusSuperseded:
		title += " (substituido)"
	default:
		title += " (em processamento)"
	}
	return title
}
