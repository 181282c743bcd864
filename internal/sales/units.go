package sales

import (
	"time"

	"github.com/iago/painel-back/internal/domain"
)

type granularity int

const (
	granularityTotal granularity = iota
	granularityMonthly
	granularityDaily
)

func (g granularity) String() string {
	switch g {
	case granularityMonthly:
		return "monthly"
	case granularityDaily:
		return "daily"
	default:
		return "total"
	}
}

// unit is one cluster × sub-range fetch.
type unit struct {
	Cluster     Cluster
	Range       domain.DateRange
	Granularity granularity
	Bucket      string
}

func (u unit) describe() string {
	if u.Granularity == granularityTotal {
		return u.Cluster.Name + " total"
	}
	return u.Cluster.Name + " " + u.Granularity.String() + " " + u.Bucket
}

// buildUnits orders totals first, then monthly, then daily buckets, so a
// deadline cutoff drops chart detail before per-cluster totals.
func buildUnits(clusters []Cluster, span domain.DateRange, includeDaily bool) []unit {
	months := monthlyRanges(span)
	var days []bucketRange
	if includeDaily {
		days = dailyRanges(span)
	}

	units := make([]unit, 0, len(clusters)*(1+len(months)+len(days)))
	for _, cluster := range clusters {
		units = append(units, unit{Cluster: cluster, Range: span, Granularity: granularityTotal})
	}
	for _, month := range months {
		for _, cluster := range clusters {
			units = append(units, unit{Cluster: cluster, Range: month.Range, Granularity: granularityMonthly, Bucket: month.Bucket})
		}
	}
	for _, day := range days {
		for _, cluster := range clusters {
			units = append(units, unit{Cluster: cluster, Range: day.Range, Granularity: granularityDaily, Bucket: day.Bucket})
		}
	}
	return units
}

type bucketRange struct {
	Bucket string
	Range  domain.DateRange
}

func dailyRanges(span domain.DateRange) []bucketRange {
	ranges := make([]bucketRange, 0, span.Days())
	for day := span.Start; !day.After(span.End); day = day.AddDate(0, 0, 1) {
		ranges = append(ranges, bucketRange{
			Bucket: day.Format(dayLayout),
			Range:  domain.DateRange{Start: day, End: day},
		})
	}
	return ranges
}

// monthlyRanges clips calendar months to span.
func monthlyRanges(span domain.DateRange) []bucketRange {
	ranges := make([]bucketRange, 0)
	month := time.Date(span.Start.Year(), span.Start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !month.After(span.End) {
		start := month
		if start.Before(span.Start) {
			start = span.Start
		}
		end := month.AddDate(0, 1, -1)
		if end.After(span.End) {
			end = span.End
		}
		ranges = append(ranges, bucketRange{
			Bucket: month.Format(monthLayout),
			Range:  domain.DateRange{Start: start, End: end},
		})
		month = month.AddDate(0, 1, 0)
	}
	return ranges
}
