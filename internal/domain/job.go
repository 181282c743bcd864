package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
	// JobStatusSuperseded marks a refresh dropped for a newer refresh of the
	// same report; SupersededBy names the job that ran instead.
	JobStatusSuperseded JobStatus = "superseded"
)

// ReportParams identifies one report computation. Dates are YYYY-MM-DD.
type ReportParams struct {
	Kind     ReportKind `json:"kind"`
	Start    string     `json:"start"`
	End      string     `json:"end"`
	Clusters []string   `json:"clusters,omitempty"`
}

// Job is an async report refresh. A done job holds the report snapshot in
// Result.
type Job struct {
	ID             string
	Kind           ReportKind
	IdempotencyKey string
	CacheKey       string
	Params         json.RawMessage
	Status         JobStatus
	Result         json.RawMessage
	ErrorMessage   string
	SupersededBy   string
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QueueMessage is the transport format sent to queue backends.
type QueueMessage struct {
	JobID       string          `json:"job_id"`
	Kind        ReportKind      `json:"kind"`
	CacheKey    string          `json:"cache_key"`
	Params      json.RawMessage `json:"params"`
	Attempt     int             `json:"attempt"`
	RequestedAt time.Time       `json:"requested_at"`
}

type ReportListItem struct {
	ReportID  string     `json:"report_id"`
	Kind      ReportKind `json:"kind"`
	Status    JobStatus  `json:"status"`
	Start     string     `json:"start"`
	End       string     `json:"end"`
	CreatedAt time.Time  `json:"created_at"`
	Title     string     `json:"title"`
}

type ReportListFilter struct {
	Kind     ReportKind
	Page     int
	PageSize int
	From     *time.Time
	To       *time.Time
}
