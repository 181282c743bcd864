package service

import (
	"sort"
	"strings"
	"time"

	"github.com/iago/painel-back/internal/cache"
	"github.com/iago/painel-back/internal/domain"
	"github.com/iago/painel-back/internal/parse"
)

// NormalizeParams trims and checks caller supplied report parameters. Range
// limits are left to the aggregators, which know their own maximums.
func NormalizeParams(params domain.ReportParams) (domain.ReportParams, error) {
	params.Kind = domain.ReportKind(strings.ToLower(strings.TrimSpace(string(params.Kind))))
	if !params.Kind.Valid() {
		return domain.ReportParams{}, &domain.ValidationError{Field: "kind", Message: "must be sales or messaging"}
	}

	start, err := parseBound("start", params.Start)
	if err != nil {
		return domain.ReportParams{}, err
	}
	end, err := parseBound("end", params.End)
	if err != nil {
		return domain.ReportParams{}, err
	}
	if end.Before(start) {
		return domain.ReportParams{}, &domain.ValidationError{Field: "end", Message: "must not be before start"}
	}
	params.Start = start.Format(time.DateOnly)
	params.End = end.Format(time.DateOnly)

	if params.Kind == domain.ReportKindSales {
		params.Clusters = normalizeClusters(params.Clusters)
	} else {
		params.Clusters = nil
	}
	return params, nil
}

// CacheKey returns explicit when set, otherwise a key derived from the
// normalized parameters. Explicit keys are namespaced by report kind so one
// kind never reads another kind's entry; an already namespaced key is kept.
func CacheKey(params domain.ReportParams, explicit string) string {
	if key := strings.TrimSpace(explicit); key != "" {
		prefix := string(params.Kind) + ":"
		if strings.HasPrefix(key, prefix) {
			return key
		}
		return prefix + key
	}
	return cache.BuildKey(string(params.Kind), params.Start, params.End, strings.Join(params.Clusters, ","))
}

func parseBound(field, raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, &domain.ValidationError{Field: field, Message: "is required"}
	}
	day, err := parse.Day(raw)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: field, Message: "must be YYYY-MM-DD"}
	}
	return day, nil
}

func normalizeClusters(clusters []string) []string {
	seen := make(map[string]struct{}, len(clusters))
	normalized := make([]string, 0, len(clusters))
	for _, cluster := range clusters {
		name := strings.ToLower(strings.TrimSpace(cluster))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		normalized = append(normalized, name)
	}
	sort.Strings(normalized)
	if len(normalized) == 0 {
		return nil
	}
	return normalized
}
