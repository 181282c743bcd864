package sales

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/iago/painel-back/internal/domain"
)

type amounts struct {
	website decimal.Decimal
	partner decimal.Decimal
}

func (a *amounts) add(row Row) {
	a.website = a.website.Add(row.WebsiteAmount)
	a.partner = a.partner.Add(row.PartnerAmount)
}

type rowKey struct {
	label string
	code  string
}

type seriesKey struct {
	granularity granularity
	bucket      string
	cluster     string
}

// merger accumulates unit results after the pool has finished. Buckets with
// the same key always add; nothing is overwritten, so the outcome does not
// depend on completion order.
type merger struct {
	byRow     map[rowKey]*amounts
	byCluster map[string]*amounts
	bySeries  map[seriesKey]*amounts
}

func newMerger() *merger {
	return &merger{
		byRow:     make(map[rowKey]*amounts),
		byCluster: make(map[string]*amounts),
		bySeries:  make(map[seriesKey]*amounts),
	}
}

func (m *merger) add(u unit, rows []Row) {
	for _, row := range rows {
		switch u.Granularity {
		case granularityTotal:
			bucket(m.byRow, rowKey{label: row.Label, code: row.Code}).add(row)
			bucket(m.byCluster, u.Cluster.Name).add(row)
		default:
			bucket(m.bySeries, seriesKey{granularity: u.Granularity, bucket: u.Bucket, cluster: u.Cluster.Name}).add(row)
		}
	}
	if u.Granularity != granularityTotal {
		// Empty buckets still chart as zero.
		bucket(m.bySeries, seriesKey{granularity: u.Granularity, bucket: u.Bucket, cluster: u.Cluster.Name})
	}
}

func (m *merger) rows() []domain.SalesRow {
	rows := make([]domain.SalesRow, 0, len(m.byRow))
	for key, sum := range m.byRow {
		rows = append(rows, domain.SalesRow{
			Label:         key.label,
			Code:          key.code,
			WebsiteAmount: sum.website,
			PartnerAmount: sum.partner,
			Total:         sum.website.Add(sum.partner),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Label != rows[j].Label {
			return rows[i].Label < rows[j].Label
		}
		return rows[i].Code < rows[j].Code
	})
	return rows
}

func (m *merger) totals(clusters []Cluster, failed, skipped map[string]bool) []domain.ClusterTotal {
	totals := make([]domain.ClusterTotal, 0, len(clusters))
	for _, cluster := range clusters {
		total := domain.ClusterTotal{
			Cluster:       cluster.Name,
			WebsiteAmount: decimal.Zero,
			PartnerAmount: decimal.Zero,
			Total:         decimal.Zero,
			Failed:        failed[cluster.Name],
			Skipped:       skipped[cluster.Name],
		}
		if sum, ok := m.byCluster[cluster.Name]; ok {
			total.WebsiteAmount = sum.website
			total.PartnerAmount = sum.partner
			total.Total = sum.website.Add(sum.partner)
		}
		totals = append(totals, total)
	}
	return totals
}

func (m *merger) series(g granularity) []domain.SeriesPoint {
	points := make([]domain.SeriesPoint, 0)
	for key, sum := range m.bySeries {
		if key.granularity != g {
			continue
		}
		points = append(points, domain.SeriesPoint{
			Bucket:        key.bucket,
			Cluster:       key.cluster,
			WebsiteAmount: sum.website,
			PartnerAmount: sum.partner,
		})
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].Bucket != points[j].Bucket {
			return points[i].Bucket < points[j].Bucket
		}
		return points[i].Cluster < points[j].Cluster
	})
	return points
}

func bucket[K comparable](index map[K]*amounts, key K) *amounts {
	sum, ok := index[key]
	if !ok {
		sum = &amounts{website: decimal.Zero, partner: decimal.Zero}
		index[key] = sum
	}
	return sum
}
