package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/painel-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const reportJobsSchema = `
CREATE TABLE IF NOT EXISTS report_jobs (
  id text PRIMARY KEY,
  kind text NOT NULL,
  idempotency_key text NOT NULL DEFAULT '',
  cache_key text NOT NULL DEFAULT '',
  params jsonb NOT NULL DEFAULT '{}'::jsonb,
  status text NOT NULL,
  result jsonb,
  error_message text NOT NULL DEFAULT '',
  superseded_by text NOT NULL DEFAULT '',
  attempts int NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL
);

ALTER TABLE report_jobs ADD COLUMN IF NOT EXISTS superseded_by text NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS report_jobs_kind_created_idx
  ON report_jobs (kind, created_at DESC);

DROP INDEX IF EXISTS report_jobs_idempotency_idx;

CREATE UNIQUE INDEX IF NOT EXISTS report_jobs_idempotency_live_uidx
  ON report_jobs (idempotency_key)
  WHERE idempotency_key <> '' AND status <> 'failed';
`

const uniqueViolation = "23505"

type PostgresJobsRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresJobsRepository connects, pings and creates the report_jobs
// table when missing.
func NewPostgresJobsRepository(ctx context.Context, databaseURL string) (*PostgresJobsRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, reportJobsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure report_jobs schema: %w", err)
	}
	return &PostgresJobsRepository{pool: pool}, nil
}

func (r *PostgresJobsRepository) Close() {
	r.pool.Close()
}

func (r *PostgresJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO report_jobs (
			id,
			kind,
			idempotency_key,
			cache_key,
			params,
			status,
			result,
			error_message,
			superseded_by,
			attempts,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		job.ID,
		string(job.Kind),
		job.IdempotencyKey,
		job.CacheKey,
		nullableJSON(job.Params, "{}"),
		string(job.Status),
		nullableJSON(job.Result, ""),
		job.ErrorMessage,
		job.SupersededBy,
		job.Attempts,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "report_jobs_idempotency_live_uidx" {
			return ErrIdempotencyKeyTaken
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresJobsRepository) UpdateJob(ctx context.Context, job *domain.Job) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE report_jobs
		SET status = $2,
			result = $3,
			error_message = $4,
			superseded_by = $5,
			attempts = $6,
			updated_at = $7
		WHERE id = $1
	`, job.ID, string(job.Status), nullableJSON(job.Result, ""), job.ErrorMessage, job.SupersededBy, job.Attempts, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const selectJobColumns = `
	SELECT id, kind, idempotency_key, cache_key, params, status, result, error_message, superseded_by, attempts, created_at, updated_at
	FROM report_jobs
`

func (r *PostgresJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, selectJobColumns+"WHERE id = $1", jobID))
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *PostgresJobsRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	row := r.pool.QueryRow(ctx, selectJobColumns+"WHERE idempotency_key = $1 ORDER BY created_at DESC LIMIT 1", key)
	return scanJob(row)
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job       domain.Job
		kind      string
		status    string
		params    []byte
		result    []byte
		createdAt time.Time
		updatedAt time.Time
	)

	err := row.Scan(
		&job.ID,
		&kind,
		&job.IdempotencyKey,
		&job.CacheKey,
		&params,
		&status,
		&result,
		&job.ErrorMessage,
		&job.SupersededBy,
		&job.Attempts,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}

	job.Kind = domain.ReportKind(kind)
	job.Status = domain.JobStatus(status)
	job.Params = json.RawMessage(params)
	job.Result = json.RawMessage(result)
	job.CreatedAt = createdAt
	job.UpdatedAt = updatedAt
	return &job, nil
}

func (r *PostgresJobsRepository) ListReports(
	ctx context.Context,
	filter domain.ReportListFilter,
) ([]domain.ReportListItem, int, error) {
	filter = normalizeFilter(filter)

	baseQuery, args := buildReportFilters(filter)

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}

	listQuery := fmt.Sprintf(
		`SELECT id, kind, status, params, created_at
		%s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d`,
		baseQuery,
		len(args)+1,
		len(args)+2,
	)
	listArgs := append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := r.pool.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	items := make([]domain.ReportListItem, 0)
	for rows.Next() {
		var (
			item      domain.ReportListItem
			kind      string
			status    string
			rawParams []byte
			createdAt time.Time
		)
		if err := rows.Scan(&item.ReportID, &kind, &status, &rawParams, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan report item: %w", err)
		}
		params := decodeParams(rawParams)
		item.Kind = domain.ReportKind(kind)
		item.Status = domain.JobStatus(status)
		item.Start = params.Start
		item.End = params.End
		item.CreatedAt = createdAt
		item.Title = reportTitle(item.Kind, item.Status, params)
		items = append(items, item)
	}

	if rows.Err() != nil {
		return nil, 0, fmt.Errorf("iterate report items: %w", rows.Err())
	}

	return items, total, nil
}

func buildReportFilters(filter domain.ReportListFilter) (string, []any) {
	query := strings.Builder{}
	query.WriteString("FROM report_jobs WHERE 1=1")

	args := make([]any, 0, 3)
	argIndex := 1

	if filter.Kind != "" {
		query.WriteString(fmt.Sprintf(" AND kind = $%d", argIndex))
		args = append(args, string(filter.Kind))
		argIndex++
	}

	if filter.From != nil {
		query.WriteString(fmt.Sprintf(" AND created_at >= $%d", argIndex))
		args = append(args, *filter.From)
		argIndex++
	}

	if filter.To != nil {
		query.WriteString(fmt.Sprintf(" AND created_at <= $%d", argIndex))
		args = append(args, *filter.To)
	}

	return query.String(), args
}

// nullableJSON maps an empty document to fallback, or to SQL NULL when
// fallback is empty.
func nullableJSON(value json.RawMessage, fallback string) any {
	if len(value) == 0 {
		if fallback == "" {
			return nil
		}
		return fallback
	}
	return string(value)
}
