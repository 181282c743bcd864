package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/iago/painel-back/internal/domain"
	"github.com/iago/painel-back/internal/http/middleware"
	"github.com/iago/painel-back/internal/parse"
	"github.com/iago/painel-back/internal/policy"
	"github.com/iago/painel-back/internal/queue"
	"github.com/iago/painel-back/internal/service"
)

var errInvalidPayload = errors.New("invalid payload")

type API struct {
	reportsService *service.ReportsService
	jobsService    *service.JobsService
	logger         *log.Logger
}

func NewAPI(reportsService *service.ReportsService, jobsService *service.JobsService, logger *log.Logger) *API {
	return &API{
		reportsService: reportsService,
		jobsService:    jobsService,
		logger:         logger,
	}
}

type refreshRequest struct {
	Kind     string   `json:"kind"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Clusters []string `json:"clusters,omitempty"`
	CacheKey string   `json:"cache_key,omitempty"`
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps service and aggregation errors to HTTP responses.
// A fatal aggregation never carries partial data.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	message := policy.RedactSecrets(err.Error())
	switch {
	case domain.IsValidation(err):
		writeError(w, r, http.StatusBadRequest, "invalid_request", message)
	case domain.IsConfig(err):
		writeError(w, r, http.StatusServiceUnavailable, "not_configured", message)
	case domain.IsUpstreamUnavailable(err):
		writeError(w, r, http.StatusBadGateway, "upstream_unavailable", message)
	case errors.Is(err, service.ErrIdempotencyConflict):
		writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
	case errors.Is(err, queue.ErrQueueBackpressure), errors.Is(err, queue.ErrBatchingClosed):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, "queue_unavailable", "refresh queue is busy, retry later")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "timeout", "request canceled before the report finished")
	default:
		api.logf("request failed request_id=%s path=%s err=%s", middleware.GetRequestID(r.Context()), r.URL.Path, message)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to process request")
	}
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

// parseOptionalDateTime accepts RFC3339 timestamps and the other layouts
// understood by parse.Date.
func parseOptionalDateTime(value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	parsed, err := parse.Date(value)
	if err != nil {
		return nil, errInvalidPayload
	}
	return &parsed, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func (api *API) logf(format string, args ...any) {
	if api.logger != nil {
		api.logger.Printf(format, args...)
	}
}
