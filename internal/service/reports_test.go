package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iago/painel-back/internal/cache"
	"github.com/iago/painel-back/internal/domain"
	"github.com/iago/painel-back/internal/messaging"
	"github.com/iago/painel-back/internal/queue"
	"github.com/iago/painel-back/internal/repository"
	"github.com/iago/painel-back/internal/sales"
)

type fakeSales struct {
	calls   atomic.Int32
	release chan struct{}
	fail    func(call int32) error
	last    sales.Params
	mu      sync.Mutex
}

func (f *fakeSales) FetchSalesReport(_ context.Context, params sales.Params) (domain.SalesReport, error) {
	call := f.calls.Add(1)
	f.mu.Lock()
	f.last = params
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	if f.fail != nil {
		if err := f.fail(call); err != nil {
			return domain.SalesReport{Error: err.Error()}, err
		}
	}
	return domain.SalesReport{
		Start: params.Start.Format(time.DateOnly),
		End:   params.End.Format(time.DateOnly),
		Rows: []domain.SalesRow{{
			Label: "Plan A",
			Code:  "A",
			Total: decimal.NewFromInt(int64(call) * 100),
		}},
	}, nil
}

type fakeMessaging struct {
	calls atomic.Int32
}

func (f *fakeMessaging) FetchMessagingAnalysis(_ context.Context, params messaging.Params) (domain.MessagingReport, error) {
	f.calls.Add(1)
	return domain.MessagingReport{
		Start: params.Start.Format(time.DateOnly),
		Rows:  []domain.MessagingRow{{ChannelID: "C1", UserID: "U1", ThreadsAnswered: 2}},
	}, nil
}

func january() domain.ReportParams {
	return domain.ReportParams{Start: "2024-01-01", End: "2024-01-31", Clusters: []string{"South", "north", "north"}}
}

func TestSalesReportServesSecondCallFromCache(t *testing.T) {
	source := &fakeSales{}
	reports := NewReportsService(ReportsConfig{Sales: source})

	first, status, err := reports.SalesReport(context.Background(), january(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Hit {
		t.Fatalf("expected first call to compute")
	}
	if got := source.last.Clusters; len(got) != 2 || got[0] != "north" || got[1] != "south" {
		t.Fatalf("expected normalized clusters, got %v", got)
	}

	reordered := january()
	reordered.Clusters = []string{"NORTH", "south"}
	second, status, err := reports.SalesReport(context.Background(), reordered, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Hit || status.Key == "" {
		t.Fatalf("expected cache hit for equivalent params, got %+v", status)
	}
	if source.calls.Load() != 1 {
		t.Fatalf("expected one computation, got %d", source.calls.Load())
	}
	if !second.Rows[0].Total.Equal(first.Rows[0].Total) || second.Start != "2024-01-01" {
		t.Fatalf("expected cached report to match, got %+v", second)
	}
}

func TestSalesReportUsesExplicitCacheKey(t *testing.T) {
	source := &fakeSales{}
	reports := NewReportsService(ReportsConfig{Sales: source})

	_, status, err := reports.SalesReport(context.Background(), january(), "dashboard-jan")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Key != "sales:dashboard-jan" {
		t.Fatalf("expected namespaced explicit key, got %q", status.Key)
	}

	other := january()
	other.End = "2024-01-15"
	_, status, _ = reports.SalesReport(context.Background(), other, "dashboard-jan")
	if !status.Hit || source.calls.Load() != 1 {
		t.Fatalf("expected explicit key to be served from cache, calls=%d", source.calls.Load())
	}
}

func TestExplicitCacheKeyIsScopedByKind(t *testing.T) {
	salesSource := &fakeSales{}
	messagingSource := &fakeMessaging{}
	reports := NewReportsService(ReportsConfig{Sales: salesSource, Messaging: messagingSource})

	_, salesStatus, err := reports.SalesReport(context.Background(), january(), "shared")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report, status, err := reports.MessagingReport(context.Background(), domain.ReportParams{
		Start: "2024-01-01",
		End:   "2024-01-31",
	}, "shared")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Hit || messagingSource.calls.Load() != 1 {
		t.Fatalf("expected messaging to compute its own report, hit=%v calls=%d", status.Hit, messagingSource.calls.Load())
	}
	if status.Key == salesStatus.Key {
		t.Fatalf("expected distinct keys per kind, got %q", status.Key)
	}
	if len(report.Rows) != 1 || report.Rows[0].ChannelID != "C1" {
		t.Fatalf("expected messaging rows, got %+v", report.Rows)
	}

	_, status, _ = reports.SalesReport(context.Background(), january(), salesStatus.Key)
	if !status.Hit || status.Key != salesStatus.Key {
		t.Fatalf("expected returned key to be reusable, got %+v", status)
	}
}

func TestSharedComputationSurvivesFirstCallerLeaving(t *testing.T) {
	source := &fakeSales{release: make(chan struct{})}
	reports := NewReportsService(ReportsConfig{Sales: source})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := reports.SalesReport(firstCtx, january(), "")
		firstErr <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for source.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if source.calls.Load() != 1 {
		t.Fatalf("expected computation to start, got %d calls", source.calls.Load())
	}

	type outcome struct {
		report domain.SalesReport
		err    error
	}
	second := make(chan outcome, 1)
	go func() {
		report, _, err := reports.SalesReport(context.Background(), january(), "")
		second <- outcome{report: report, err: err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected first caller to see its cancellation, got %v", err)
	}

	close(source.release)
	got := <-second
	if got.err != nil {
		t.Fatalf("expected waiting caller to get the report, got %v", got.err)
	}
	if len(got.report.Rows) != 1 || source.calls.Load() != 1 {
		t.Fatalf("expected one shared computation, calls=%d report=%+v", source.calls.Load(), got.report)
	}

	_, status, err := reports.SalesReport(context.Background(), january(), "")
	if err != nil || !status.Hit {
		t.Fatalf("expected result cached after the first caller left, hit=%v err=%v", status.Hit, err)
	}
}

func TestSalesReportSharesConcurrentComputation(t *testing.T) {
	source := &fakeSales{release: make(chan struct{})}
	reports := NewReportsService(ReportsConfig{Sales: source})

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := reports.SalesReport(context.Background(), january(), "")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(source.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := source.calls.Load(); got != 1 {
		t.Fatalf("expected one shared computation, got %d", got)
	}
}

func TestSalesReportDoesNotCacheFatalErrors(t *testing.T) {
	source := &fakeSales{fail: func(call int32) error {
		if call == 1 {
			return &domain.UpstreamUnavailableError{Report: "sales", Cause: "all handshakes failed"}
		}
		return nil
	}}
	reports := NewReportsService(ReportsConfig{Sales: source})

	_, status, err := reports.SalesReport(context.Background(), january(), "")
	if !domain.IsUpstreamUnavailable(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if status.Hit {
		t.Fatalf("expected no cache hit on failure")
	}

	report, status, err := reports.SalesReport(context.Background(), january(), "")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if status.Hit || source.calls.Load() != 2 || len(report.Rows) != 1 {
		t.Fatalf("expected a fresh computation after failure, calls=%d status=%+v", source.calls.Load(), status)
	}
}

func TestSalesReportExpiresWithTTL(t *testing.T) {
	now := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	source := &fakeSales{}
	reports := NewReportsService(ReportsConfig{
		Sales: source,
		Cache: cache.NewMemoryCache(cache.MemoryConfig{Now: clock}),
		TTL:   time.Minute,
		Now:   clock,
	})

	_, _, _ = reports.SalesReport(context.Background(), january(), "")
	now = now.Add(59 * time.Second)
	_, status, _ := reports.SalesReport(context.Background(), january(), "")
	if !status.Hit {
		t.Fatalf("expected hit before expiry")
	}
	now = now.Add(time.Second)
	_, status, _ = reports.SalesReport(context.Background(), january(), "")
	if status.Hit || source.calls.Load() != 2 {
		t.Fatalf("expected recomputation at expiry, calls=%d", source.calls.Load())
	}
}

func TestSalesReportRejectsBadParamsWithoutComputing(t *testing.T) {
	source := &fakeSales{}
	reports := NewReportsService(ReportsConfig{Sales: source})

	cases := []domain.ReportParams{
		{Start: "", End: "2024-01-31"},
		{Start: "01/02/2024", End: "2024-01-31"},
		{Start: "2024-02-01", End: "2024-01-31"},
	}
	for _, params := range cases {
		if _, _, err := reports.SalesReport(context.Background(), params, ""); !domain.IsValidation(err) {
			t.Fatalf("expected validation error for %+v, got %v", params, err)
		}
	}
	if source.calls.Load() != 0 {
		t.Fatalf("expected no computation, got %d", source.calls.Load())
	}

	unconfigured := NewReportsService(ReportsConfig{})
	if _, _, err := unconfigured.MessagingReport(context.Background(), january(), ""); !domain.IsConfig(err) {
		t.Fatalf("expected config error without a messaging source, got %v", err)
	}
}

func TestRefreshOverwritesCache(t *testing.T) {
	source := &fakeSales{}
	reports := NewReportsService(ReportsConfig{Sales: source})

	first, _, _ := reports.SalesReport(context.Background(), january(), "")

	params := january()
	params.Kind = domain.ReportKindSales
	body, status, err := reports.Refresh(context.Background(), params, "")
	if err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}
	if status.Hit || status.ExpiresAt.IsZero() {
		t.Fatalf("expected stored fresh result, got %+v", status)
	}
	var refreshed domain.SalesReport
	if err := json.Unmarshal(body, &refreshed); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}

	served, status, _ := reports.SalesReport(context.Background(), january(), "")
	if !status.Hit {
		t.Fatalf("expected refreshed entry to be served from cache")
	}
	if served.Rows[0].Total.Equal(first.Rows[0].Total) || !served.Rows[0].Total.Equal(refreshed.Rows[0].Total) {
		t.Fatalf("expected refreshed totals, got %s (first %s)", served.Rows[0].Total, first.Rows[0].Total)
	}
}

func TestMessagingReportIsCachedSeparately(t *testing.T) {
	source := &fakeMessaging{}
	reports := NewReportsService(ReportsConfig{Sales: &fakeSales{}, Messaging: source})

	_, _, _ = reports.SalesReport(context.Background(), january(), "")
	_, status, err := reports.MessagingReport(context.Background(), january(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Hit {
		t.Fatalf("expected messaging key to differ from sales key")
	}
	report, status, _ := reports.MessagingReport(context.Background(), january(), "")
	if !status.Hit || source.calls.Load() != 1 || report.Rows[0].ThreadsAnswered != 2 {
		t.Fatalf("expected cached messaging report, calls=%d", source.calls.Load())
	}
}

type recordingProducer struct {
	mu       sync.Mutex
	messages []domain.QueueMessage
	err      error
}

func (p *recordingProducer) Enqueue(_ context.Context, message domain.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, message)
	return nil
}

var _ queue.Producer = (*recordingProducer)(nil)

func TestEnqueueRefreshConcurrentSameKeyCreatesOneJob(t *testing.T) {
	repo := repository.NewMemoryJobsRepository()
	producer := &recordingProducer{}
	jobs := NewJobsService(repo, producer)

	params := january()
	params.Kind = domain.ReportKindSales

	const callers = 8
	type outcome struct {
		id      string
		created bool
		err     error
	}
	results := make(chan outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, created, err := jobs.EnqueueRefresh(context.Background(), params, "", "refresh-race-000001")
			if err != nil {
				results <- outcome{err: err}
				return
			}
			results <- outcome{id: job.ID, created: created}
		}()
	}
	wg.Wait()
	close(results)

	ids := make(map[string]bool)
	created := 0
	for result := range results {
		if result.err != nil {
			t.Fatalf("unexpected error: %v", result.err)
		}
		ids[result.id] = true
		if result.created {
			created++
		}
	}
	if len(ids) != 1 || created != 1 {
		t.Fatalf("expected one job created once, got ids=%v created=%d", ids, created)
	}
	producer.mu.Lock()
	defer producer.mu.Unlock()
	if len(producer.messages) != 1 {
		t.Fatalf("expected one queued refresh, got %d", len(producer.messages))
	}
}

func TestEnqueueRefreshIsIdempotent(t *testing.T) {
	repo := repository.NewMemoryJobsRepository()
	producer := &recordingProducer{}
	jobs := NewJobsService(repo, producer)

	params := january()
	params.Kind = domain.ReportKindSales
	job, created, err := jobs.EnqueueRefresh(context.Background(), params, "", "refresh-key-000001")
	if err != nil || !created {
		t.Fatalf("expected created job, got created=%v err=%v", created, err)
	}
	if job.CacheKey != CacheKey(domain.ReportParams{
		Kind:     domain.ReportKindSales,
		Start:    "2024-01-01",
		End:      "2024-01-31",
		Clusters: []string{"north", "south"},
	}, "") {
		t.Fatalf("expected derived cache key, got %s", job.CacheKey)
	}

	again, created, err := jobs.EnqueueRefresh(context.Background(), params, "", "refresh-key-000001")
	if err != nil || created || again.ID != job.ID {
		t.Fatalf("expected existing job, got created=%v id=%v err=%v", created, again, err)
	}
	if len(producer.messages) != 1 {
		t.Fatalf("expected one queued message, got %d", len(producer.messages))
	}

	changed := params
	changed.End = "2024-01-20"
	if _, _, err := jobs.EnqueueRefresh(context.Background(), changed, "", "refresh-key-000001"); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
}

func TestEnqueueRefreshMarksJobFailedWhenQueueRejects(t *testing.T) {
	repo := repository.NewMemoryJobsRepository()
	jobs := NewJobsService(repo, &recordingProducer{err: queue.ErrQueueBackpressure})

	params := january()
	params.Kind = domain.ReportKindMessaging
	if _, _, err := jobs.EnqueueRefresh(context.Background(), params, "", "k"); !errors.Is(err, queue.ErrQueueBackpressure) {
		t.Fatalf("expected wrapped queue error, got %v", err)
	}

	items, total, _ := jobs.ListReports(context.Background(), domain.ReportListFilter{})
	if total != 1 || items[0].Status != domain.JobStatusFailed {
		t.Fatalf("expected one failed job, got %+v", items)
	}
}

func TestEnqueueRefreshRecordsSupersededJob(t *testing.T) {
	repo := repository.NewMemoryJobsRepository()
	jobs := NewJobsService(repo, &recordingProducer{err: &queue.SupersededError{By: "newer-job"}})

	params := january()
	params.Kind = domain.ReportKindSales
	job, created, err := jobs.EnqueueRefresh(context.Background(), params, "", "refresh-super-000001")
	if err != nil || !created {
		t.Fatalf("expected accepted job, got created=%v err=%v", created, err)
	}
	stored, err := jobs.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != domain.JobStatusSuperseded || stored.SupersededBy != "newer-job" {
		t.Fatalf("expected superseded job pointing at newer-job, got %+v", stored)
	}
}
