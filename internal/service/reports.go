package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iago/painel-back/internal/cache"
	"github.com/iago/painel-back/internal/domain"
	"github.com/iago/painel-back/internal/messaging"
	"github.com/iago/painel-back/internal/sales"
)

type SalesSource interface {
	FetchSalesReport(ctx context.Context, params sales.Params) (domain.SalesReport, error)
}

type MessagingSource interface {
	FetchMessagingAnalysis(ctx context.Context, params messaging.Params) (domain.MessagingReport, error)
}

type ReportsConfig struct {
	Sales     SalesSource
	Messaging MessagingSource
	Cache     cache.ResultCache
	TTL       time.Duration
	Logger    *log.Logger
	Now       func() time.Time
}

// CacheStatus tells callers whether a report came from the result cache.
type CacheStatus struct {
	Key       string    `json:"cache_key"`
	Hit       bool      `json:"cached"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ReportsService serves finished reports from the result cache and computes
// them on a miss. Concurrent misses for one key share a single computation.
// Fatal outcomes are never cached.
type ReportsService struct {
	sales     SalesSource
	messaging MessagingSource
	cache     cache.ResultCache
	ttl       time.Duration
	logger    *log.Logger
	now       func() time.Time
	group     singleflight.Group
}

func NewReportsService(config ReportsConfig) *ReportsService {
	if config.Cache == nil {
		config.Cache = cache.NewMemoryCache(cache.MemoryConfig{})
	}
	if config.TTL <= 0 {
		config.TTL = cache.DefaultTTL
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &ReportsService{
		sales:     config.Sales,
		messaging: config.Messaging,
		cache:     config.Cache,
		ttl:       config.TTL,
		logger:    config.Logger,
		now:       config.Now,
	}
}

func (s *ReportsService) SalesReport(
	ctx context.Context,
	params domain.ReportParams,
	cacheKey string,
) (domain.SalesReport, CacheStatus, error) {
	params.Kind = domain.ReportKindSales
	compute, key, err := s.salesCompute(params, cacheKey)
	if err != nil {
		return domain.SalesReport{}, CacheStatus{}, err
	}
	return serve(ctx, s, params.Kind, key, compute)
}

func (s *ReportsService) MessagingReport(
	ctx context.Context,
	params domain.ReportParams,
	cacheKey string,
) (domain.MessagingReport, CacheStatus, error) {
	params.Kind = domain.ReportKindMessaging
	compute, key, err := s.messagingCompute(params, cacheKey)
	if err != nil {
		return domain.MessagingReport{}, CacheStatus{}, err
	}
	return serve(ctx, s, params.Kind, key, compute)
}

// Refresh recomputes a report ignoring any cached entry and overwrites the
// cache on success. It returns the encoded report.
func (s *ReportsService) Refresh(
	ctx context.Context,
	params domain.ReportParams,
	cacheKey string,
) (json.RawMessage, CacheStatus, error) {
	switch params.Kind {
	case domain.ReportKindSales:
		compute, key, err := s.salesCompute(params, cacheKey)
		if err != nil {
			return nil, CacheStatus{}, err
		}
		return refresh(ctx, s, params.Kind, key, compute)
	case domain.ReportKindMessaging:
		compute, key, err := s.messagingCompute(params, cacheKey)
		if err != nil {
			return nil, CacheStatus{}, err
		}
		return refresh(ctx, s, params.Kind, key, compute)
	default:
		return nil, CacheStatus{}, &domain.ValidationError{Field: "kind", Message: "must be sales or messaging"}
	}
}

func (s *ReportsService) salesCompute(
	params domain.ReportParams,
	cacheKey string,
) (func(context.Context) (domain.SalesReport, error), string, error) {
	params, err := NormalizeParams(params)
	if err != nil {
		return nil, "", err
	}
	if s.sales == nil {
		return nil, "", &domain.ConfigError{Component: "sales", Message: "no sales source configured"}
	}
	start, _ := time.Parse(time.DateOnly, params.Start)
	end, _ := time.Parse(time.DateOnly, params.End)
	request := sales.Params{Start: start, End: end, Clusters: params.Clusters}
	compute := func(ctx context.Context) (domain.SalesReport, error) {
		return s.sales.FetchSalesReport(ctx, request)
	}
	return compute, CacheKey(params, cacheKey), nil
}

func (s *ReportsService) messagingCompute(
	params domain.ReportParams,
	cacheKey string,
) (func(context.Context) (domain.MessagingReport, error), string, error) {
	params, err := NormalizeParams(params)
	if err != nil {
		return nil, "", err
	}
	if s.messaging == nil {
		return nil, "", &domain.ConfigError{Component: "messaging", Message: "no messaging source configured"}
	}
	start, _ := time.Parse(time.DateOnly, params.Start)
	end, _ := time.Parse(time.DateOnly, params.End)
	request := messaging.Params{Start: start, End: end}
	compute := func(ctx context.Context) (domain.MessagingReport, error) {
		return s.messaging.FetchMessagingAnalysis(ctx, request)
	}
	return compute, CacheKey(params, cacheKey), nil
}

type computed[R any] struct {
	report R
	status CacheStatus
}

func serve[R any](
	ctx context.Context,
	s *ReportsService,
	kind domain.ReportKind,
	key string,
	compute func(context.Context) (R, error),
) (R, CacheStatus, error) {
	if report, status, ok := readCached[R](ctx, s.cache, key); ok {
		s.logf("report cache hit kind=%s key=%s", kind, shortKey(key))
		return report, status, nil
	}

	// The shared computation outlives any single caller; each caller only
	// stops waiting when its own context ends.
	flight := s.group.DoChan(string(kind)+":"+key, func() (any, error) {
		detached := context.WithoutCancel(ctx)
		if report, status, ok := readCached[R](detached, s.cache, key); ok {
			return computed[R]{report: report, status: status}, nil
		}
		return store(detached, s, kind, key, compute)
	})

	var outcome singleflight.Result
	select {
	case <-ctx.Done():
		var zero R
		return zero, CacheStatus{Key: key}, ctx.Err()
	case outcome = <-flight:
	}
	if outcome.Shared {
		s.logf("report computation shared kind=%s key=%s", kind, shortKey(key))
	}
	result, _ := outcome.Val.(computed[R])
	if outcome.Err != nil {
		return result.report, CacheStatus{Key: key}, outcome.Err
	}
	return result.report, result.status, nil
}

func refresh[R any](
	ctx context.Context,
	s *ReportsService,
	kind domain.ReportKind,
	key string,
	compute func(context.Context) (R, error),
) (json.RawMessage, CacheStatus, error) {
	value, err, _ := s.group.Do(string(kind)+":"+key, func() (any, error) {
		return store(ctx, s, kind, key, compute)
	})
	if err != nil {
		return nil, CacheStatus{Key: key}, err
	}
	result, _ := value.(computed[R])
	body, err := json.Marshal(result.report)
	if err != nil {
		return nil, CacheStatus{Key: key}, fmt.Errorf("encode %s report: %w", kind, err)
	}
	return body, result.status, nil
}

func store[R any](
	ctx context.Context,
	s *ReportsService,
	kind domain.ReportKind,
	key string,
	compute func(context.Context) (R, error),
) (computed[R], error) {
	started := s.now()
	report, err := compute(ctx)
	if err != nil {
		s.logf("report computation failed kind=%s key=%s duration_ms=%d err=%v", kind, shortKey(key), s.now().Sub(started).Milliseconds(), err)
		return computed[R]{report: report}, err
	}

	status := CacheStatus{Key: key}
	body, err := json.Marshal(report)
	if err != nil {
		s.logf("report encode failed kind=%s key=%s err=%v", kind, shortKey(key), err)
		return computed[R]{report: report, status: status}, nil
	}
	if err := s.cache.Set(ctx, key, body, s.ttl); err != nil {
		s.logf("report cache write failed kind=%s key=%s err=%v", kind, shortKey(key), err)
		return computed[R]{report: report, status: status}, nil
	}

	now := s.now().UTC()
	status.CachedAt = now
	status.ExpiresAt = now.Add(s.ttl)
	s.logf("report computed kind=%s key=%s duration_ms=%d", kind, shortKey(key), now.Sub(started).Milliseconds())
	return computed[R]{report: report, status: status}, nil
}

func readCached[R any](ctx context.Context, results cache.ResultCache, key string) (R, CacheStatus, bool) {
	var report R
	entry, ok := results.Get(ctx, key)
	if !ok {
		return report, CacheStatus{}, false
	}
	if err := json.Unmarshal(entry.Value, &report); err != nil {
		return report, CacheStatus{}, false
	}
	return report, CacheStatus{Key: key, Hit: true, CachedAt: entry.CreatedAt, ExpiresAt: entry.ExpiresAt}, true
}

func (s *ReportsService) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
