package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iago/painel-back/internal/domain"
	"github.com/iago/painel-back/internal/service"
)

func (api *API) SalesReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	query := r.URL.Query()
	params := domain.ReportParams{
		Kind:     domain.ReportKindSales,
		Start:    query.Get("start"),
		End:      query.Get("end"),
		Clusters: splitCSV(query.Get("clusters")),
	}
	report, status, err := api.reportsService.SalesReport(r.Context(), params, query.Get("cache_key"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeReport(w, report, status)
}

func (api *API) MessagingReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	query := r.URL.Query()
	params := domain.ReportParams{
		Kind:  domain.ReportKindMessaging,
		Start: query.Get("start"),
		End:   query.Get("end"),
	}
	report, status, err := api.reportsService.MessagingReport(r.Context(), params, query.Get("cache_key"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeReport(w, report, status)
}

// writeReport answers 200 for complete and partial reports alike; partial
// ones carry a non-empty notice.
func writeReport(w http.ResponseWriter, report any, status service.CacheStatus) {
	if status.Hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report": report,
		"cache":  status,
	})
}

func (api *API) RefreshReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(idempotencyKey) < 16 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "Idempotency-Key header is required")
		return
	}

	var request refreshRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	job, created, err := api.jobsService.EnqueueRefresh(r.Context(), domain.ReportParams{
		Kind:     domain.ReportKind(request.Kind),
		Start:    request.Start,
		End:      request.End,
		Clusters: request.Clusters,
	}, request.CacheKey, idempotencyKey)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	response := map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"status_url":  "/v1/jobs/" + job.ID,
		"accepted_at": job.CreatedAt.Format(time.RFC3339Nano),
		"cache_key":   job.CacheKey,
		"replayed":    !created,
	}
	if job.SupersededBy != "" {
		response["superseded_by"] = job.SupersededBy
		response["status_url"] = "/v1/jobs/" + job.SupersededBy
	}
	w.Header().Set("Retry-After", "2")
	writeJSON(w, http.StatusAccepted, response)
}

func (api *API) Reports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("page_size"))
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	kind := domain.ReportKind(strings.ToLower(strings.TrimSpace(query.Get("kind"))))
	if kind != "" && !kind.Valid() {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "kind must be sales or messaging")
		return
	}
	from, err := parseOptionalDateTime(query.Get("from"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid from date")
		return
	}
	to, err := parseOptionalDateTime(query.Get("to"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid to date")
		return
	}

	filter := domain.ReportListFilter{
		Kind:     kind,
		Page:     page,
		PageSize: pageSize,
		From:     from,
		To:       to,
	}

	items, total, err := api.jobsService.ListReports(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	response := map[string]any{
		"items":     items,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
		"has_next":  page*pageSize < total,
	}
	writeJSON(w, http.StatusOK, response)
}
