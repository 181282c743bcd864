package sales

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iago/painel-back/internal/deadline"
	"github.com/iago/painel-back/internal/domain"
	"github.com/iago/painel-back/internal/session"
	"github.com/iago/painel-back/internal/taskpool"
	"github.com/iago/painel-back/internal/upstream"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"

	DefaultMaxRangeDays = 366
	DefaultMaxDailyDays = 62
	DefaultConcurrency  = 6
	DefaultMaxRuntime   = 45 * time.Second
)

// Cluster is one partner sales deployment.
type Cluster struct {
	Name     string
	Endpoint string
	Username string
	Password string
}

type Config struct {
	Clusters    []Cluster
	Concurrency int
	// MaxRuntime is the soft deadline for one report; no new unit starts
	// after it passes.
	MaxRuntime   time.Duration
	MaxRangeDays int
	// MaxDailyDays omits the daily series for longer ranges.
	MaxDailyDays int
	ErrorSample  int
	Client       *upstream.Client
	Extractor    RowExtractor
	Logger       *log.Logger
	Now          func() time.Time
}

type Params struct {
	Start    time.Time
	End      time.Time
	Clusters []string
}

// Aggregator fans a sales report out over clusters × date ranges.
type Aggregator struct {
	clusters     []Cluster
	concurrency  int
	maxRuntime   time.Duration
	maxRangeDays int
	maxDailyDays int
	errorSample  int
	client       *upstream.Client
	extract      RowExtractor
	logger       *log.Logger
	now          func() time.Time
}

func NewAggregator(config Config) *Aggregator {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.MaxRuntime <= 0 {
		config.MaxRuntime = DefaultMaxRuntime
	}
	if config.MaxRangeDays <= 0 {
		config.MaxRangeDays = DefaultMaxRangeDays
	}
	if config.MaxDailyDays <= 0 {
		config.MaxDailyDays = DefaultMaxDailyDays
	}
	if config.ErrorSample <= 0 {
		config.ErrorSample = domain.DefaultErrorSample
	}
	if config.Client == nil {
		config.Client = upstream.NewClient(upstream.Config{Service: "sales", Logger: config.Logger})
	}
	if config.Extractor == nil {
		config.Extractor = DefaultRowExtractor
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	clusters := make([]Cluster, 0, len(config.Clusters))
	for _, cluster := range config.Clusters {
		cluster.Name = strings.TrimSpace(cluster.Name)
		cluster.Endpoint = strings.TrimRight(strings.TrimSpace(cluster.Endpoint), "/")
		clusters = append(clusters, cluster)
	}

	return &Aggregator{
		clusters:     clusters,
		concurrency:  config.Concurrency,
		maxRuntime:   config.MaxRuntime,
		maxRangeDays: config.MaxRangeDays,
		maxDailyDays: config.MaxDailyDays,
		errorSample:  config.ErrorSample,
		client:       config.Client,
		extract:      config.Extractor,
		logger:       config.Logger,
		now:          config.Now,
	}
}

// ClusterNames lists the configured clusters in configuration order.
func (a *Aggregator) ClusterNames() []string {
	names := make([]string, 0, len(a.clusters))
	for _, cluster := range a.clusters {
		names = append(names, cluster.Name)
	}
	return names
}

// FetchSalesReport builds the merged report. Partial failures are reported
// in the notice; an error is returned only for invalid input, missing
// configuration or when no cluster produced data.
func (a *Aggregator) FetchSalesReport(ctx context.Context, params Params) (domain.SalesReport, error) {
	started := a.now()
	report := domain.SalesReport{
		Start: params.Start.Format(dayLayout),
		End:   params.End.Format(dayLayout),
	}

	span, err := a.validate(params)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}
	clusters, err := a.selectClusters(params.Clusters)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}
	report.Clusters = clusterNames(clusters)
	report.Meta.ClustersTotal = len(clusters)

	ctx = deadline.WithSoft(ctx, deadline.After(a.maxRuntime, a.now))
	sessions := session.NewCache(a.handshake(clusters))

	if err := a.prewarm(ctx, sessions, clusters); err != nil {
		report.Meta.Handshakes = sessions.Calls()
		report.Error = err.Error()
		a.logf("sales report fatal start=%s end=%s err=%v", report.Start, report.End, err)
		return report, err
	}

	includeDaily := span.Days() <= a.maxDailyDays
	units := buildUnits(clusters, span, includeDaily)
	results := taskpool.Run(ctx, units, a.concurrency, func(ctx context.Context, _ int, u unit) ([]Row, error) {
		return a.fetchUnit(ctx, sessions, u)
	}, nil)

	notice := domain.NewNoticeBuilder(a.errorSample)
	merged := newMerger()
	usableClusters := 0
	failedClusters := make(map[string]bool)
	// Clusters whose total was never started are absent, not failed.
	skippedClusters := make(map[string]bool)
	for index, result := range results {
		u := units[index]
		switch {
		case result.Skipped:
			report.Meta.UnitsSkipped++
			if u.Granularity == granularityTotal {
				skippedClusters[u.Cluster.Name] = true
			}
		case result.Err != nil:
			report.Meta.UnitsFailed++
			if u.Granularity == granularityTotal {
				failedClusters[u.Cluster.Name] = true
			}
			notice.Error(fmt.Sprintf("%s: %v", u.describe(), result.Err))
		default:
			if u.Granularity == granularityTotal {
				usableClusters++
			}
			merged.add(u, result.Value)
		}
	}
	report.Meta.UnitsTotal = len(units)
	report.Meta.Handshakes = sessions.Calls()
	report.Meta.DeadlineHit = report.Meta.UnitsSkipped > 0
	report.Meta.ElapsedMS = a.now().Sub(started).Milliseconds()

	if usableClusters == 0 {
		fatal := &domain.UpstreamUnavailableError{
			Report: "sales",
			Cause:  fmt.Sprintf("%d/%d cluster(s) failed", len(failedClusters), len(clusters)),
		}
		if len(skippedClusters) > 0 {
			fatal.Cause += fmt.Sprintf(", %d skipped after the %s deadline", len(skippedClusters), a.maxRuntime)
		}
		sample := notice.Build().ErrorSample
		if len(sample) > 0 {
			fatal.Cause += ": " + strings.Join(sample, " | ")
		}
		report.Error = fatal.Error()
		a.logf("sales report fatal start=%s end=%s units=%d err=%v", report.Start, report.End, len(units), fatal)
		return report, fatal
	}

	report.Meta.ClustersFailed = len(failedClusters)
	if len(failedClusters) > 0 {
		notice.Warn("%d/%d cluster(s) failed", len(failedClusters), len(clusters))
	}
	if len(skippedClusters) > 0 {
		notice.Warn("%d/%d cluster(s) without totals", len(skippedClusters), len(clusters))
	}
	if report.Meta.UnitsSkipped > 0 {
		notice.Warn("%d unit(s) skipped after the %s deadline", report.Meta.UnitsSkipped, a.maxRuntime)
	}
	if !includeDaily {
		notice.Warn("daily series omitted for ranges over %d days", a.maxDailyDays)
	}

	report.Rows = merged.rows()
	report.Totals = merged.totals(clusters, failedClusters, skippedClusters)
	report.DailySeries = merged.series(granularityDaily)
	report.MonthlySeries = merged.series(granularityMonthly)
	report.Notice = notice.Build()

	a.logf(
		"sales report done start=%s end=%s clusters=%d units=%d failed=%d skipped=%d elapsed_ms=%d",
		report.Start,
		report.End,
		len(clusters),
		len(units),
		report.Meta.UnitsFailed,
		report.Meta.UnitsSkipped,
		report.Meta.ElapsedMS,
	)
	return report, nil
}

func (a *Aggregator) validate(params Params) (domain.DateRange, error) {
	if params.Start.IsZero() {
		return domain.DateRange{}, &domain.ValidationError{Field: "start", Message: "is required"}
	}
	if params.End.IsZero() {
		return domain.DateRange{}, &domain.ValidationError{Field: "end", Message: "is required"}
	}
	span := domain.DateRange{Start: truncateDay(params.Start), End: truncateDay(params.End)}
	if span.End.Before(span.Start) {
		return domain.DateRange{}, &domain.ValidationError{Field: "end", Message: "must not be before start"}
	}
	if span.Days() > a.maxRangeDays {
		return domain.DateRange{}, &domain.ValidationError{
			Field:   "end",
			Message: fmt.Sprintf("range exceeds %d days", a.maxRangeDays),
		}
	}
	return span, nil
}

func (a *Aggregator) selectClusters(requested []string) ([]Cluster, error) {
	if len(a.clusters) == 0 {
		return nil, &domain.ConfigError{Component: "sales", Message: "no clusters configured"}
	}
	for _, cluster := range a.clusters {
		if cluster.Endpoint == "" || cluster.Username == "" || cluster.Password == "" {
			return nil, &domain.ConfigError{
				Component: "sales",
				Message:   fmt.Sprintf("cluster %q is missing endpoint or credentials", cluster.Name),
			}
		}
	}

	wanted := make([]string, 0, len(requested))
	for _, name := range requested {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			wanted = append(wanted, trimmed)
		}
	}
	if len(wanted) == 0 {
		return append([]Cluster(nil), a.clusters...), nil
	}

	selected := make([]Cluster, 0, len(wanted))
	seen := make(map[string]bool, len(wanted))
	for _, name := range wanted {
		if seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		cluster, ok := a.findCluster(name)
		if !ok {
			return nil, &domain.ValidationError{Field: "clusters", Message: fmt.Sprintf("unknown cluster %q", name)}
		}
		selected = append(selected, cluster)
	}
	return selected, nil
}

func (a *Aggregator) findCluster(name string) (Cluster, bool) {
	for _, cluster := range a.clusters {
		if strings.EqualFold(cluster.Name, name) {
			return cluster, true
		}
	}
	return Cluster{}, false
}

// prewarm performs every distinct handshake once before the fetch stage.
// It is fatal only when no endpoint yielded a session.
func (a *Aggregator) prewarm(ctx context.Context, sessions *session.Cache, clusters []Cluster) error {
	endpoints := make([]string, 0, len(clusters))
	seen := make(map[string]bool, len(clusters))
	for _, cluster := range clusters {
		if !seen[cluster.Endpoint] {
			seen[cluster.Endpoint] = true
			endpoints = append(endpoints, cluster.Endpoint)
		}
	}

	results := taskpool.Run(ctx, endpoints, a.concurrency, func(ctx context.Context, _ int, endpoint string) (session.Credential, error) {
		credential := sessions.Get(ctx, endpoint)
		return credential, credential.Err
	}, nil)

	for _, result := range results {
		if result.OK() {
			return nil
		}
	}
	first := "no handshake completed"
	for _, result := range results {
		if result.Err != nil {
			first = result.Err.Error()
			break
		}
	}
	return &domain.UpstreamUnavailableError{
		Report: "sales",
		Cause:  fmt.Sprintf("all %d session handshake(s) failed: %s", len(endpoints), first),
	}
}

func (a *Aggregator) handshake(clusters []Cluster) session.HandshakeFunc {
	byEndpoint := make(map[string]Cluster, len(clusters))
	for _, cluster := range clusters {
		if _, exists := byEndpoint[cluster.Endpoint]; !exists {
			byEndpoint[cluster.Endpoint] = cluster
		}
	}

	return func(ctx context.Context, endpoint string) (session.Credential, error) {
		cluster := byEndpoint[endpoint]
		var payload struct {
			SessionID string `json:"session_id"`
			DeviceID  string `json:"device_id"`
		}
		err := a.client.CallJSON(ctx, upstream.Request{
			Method: http.MethodPost,
			URL:    endpoint + "/api/session",
			JSONBody: map[string]string{
				"username": cluster.Username,
				"password": cluster.Password,
			},
		}, &payload)
		if err != nil {
			return session.Credential{}, fmt.Errorf("handshake %s: %w", cluster.Name, err)
		}
		if payload.SessionID == "" {
			return session.Credential{}, fmt.Errorf("handshake %s: empty session id", cluster.Name)
		}
		return session.Credential{SessionID: payload.SessionID, DeviceID: payload.DeviceID}, nil
	}
}

func (a *Aggregator) fetchUnit(ctx context.Context, sessions *session.Cache, u unit) ([]Row, error) {
	credential := sessions.Get(ctx, u.Cluster.Endpoint)
	if !credential.OK() {
		return nil, credential.Err
	}

	header := http.Header{}
	header.Set("X-Session-Id", credential.SessionID)
	if credential.DeviceID != "" {
		header.Set("X-Device-Id", credential.DeviceID)
	}
	response, err := a.client.Call(ctx, upstream.Request{
		URL: u.Cluster.Endpoint + "/api/reports/sales",
		Query: url.Values{
			"from": {u.Range.Start.Format(dayLayout)},
			"to":   {u.Range.End.Format(dayLayout)},
		},
		Header: header,
	})
	if err != nil {
		return nil, err
	}

	rows, err := a.extract(response.Body)
	if err != nil {
		return nil, fmt.Errorf("extract rows: %w", err)
	}
	return rows, nil
}

func (a *Aggregator) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

func clusterNames(clusters []Cluster) []string {
	names := make([]string, 0, len(clusters))
	for _, cluster := range clusters {
		names = append(names, cluster.Name)
	}
	return names
}

func truncateDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
