package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReportKind string

const (
	ReportKindSales     ReportKind = "sales"
	ReportKindMessaging ReportKind = "messaging"
)

func (k ReportKind) Valid() bool {
	return k == ReportKindSales || k == ReportKindMessaging
}

// DateRange is an inclusive span of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// SalesRow is one (label, code) bucket summed across every cluster.
type SalesRow struct {
	Label         string          `json:"label"`
	Code          string          `json:"code"`
	WebsiteAmount decimal.Decimal `json:"website_amount"`
	PartnerAmount decimal.Decimal `json:"partner_amount"`
	Total         decimal.Decimal `json:"total"`
}

type ClusterTotal struct {
	Cluster       string          `json:"cluster"`
	WebsiteAmount decimal.Decimal `json:"website_amount"`
	PartnerAmount decimal.Decimal `json:"partner_amount"`
	Total         decimal.Decimal `json:"total"`
	Failed        bool            `json:"failed,omitempty"`
	Skipped       bool            `json:"skipped,omitempty"`
}

// SeriesPoint is one cluster's sales within one time bucket. Bucket is
// "2006-01-02" for daily series and "2006-01" for monthly series.
type SeriesPoint struct {
	Bucket        string          `json:"bucket"`
	Cluster       string          `json:"cluster"`
	WebsiteAmount decimal.Decimal `json:"website_amount"`
	PartnerAmount decimal.Decimal `json:"partner_amount"`
}

type SalesMeta struct {
	ClustersTotal  int   `json:"clusters_total"`
	ClustersFailed int   `json:"clusters_failed"`
	UnitsTotal     int   `json:"units_total"`
	UnitsFailed    int   `json:"units_failed"`
	UnitsSkipped   int   `json:"units_skipped"`
	Handshakes     int   `json:"handshakes"`
	DeadlineHit    bool  `json:"deadline_hit"`
	ElapsedMS      int64 `json:"elapsed_ms"`
}

type SalesReport struct {
	Start         string         `json:"start"`
	End           string         `json:"end"`
	Clusters      []string       `json:"clusters"`
	Rows          []SalesRow     `json:"rows"`
	Totals        []ClusterTotal `json:"totals"`
	DailySeries   []SeriesPoint  `json:"daily_series"`
	MonthlySeries []SeriesPoint  `json:"monthly_series"`
	Notice        Notice         `json:"notice"`
	Error         string         `json:"error,omitempty"`
	Meta          SalesMeta      `json:"meta"`
}

// MessagingRow counts one user's participation in one channel.
type MessagingRow struct {
	ChannelID       string `json:"channel_id"`
	ChannelName     string `json:"channel_name"`
	UserID          string `json:"user_id"`
	ThreadsAnswered int    `json:"threads_answered"`
	FirstResponses  int    `json:"first_responses"`
}

type ChannelSummary struct {
	ChannelID      string `json:"channel_id"`
	ChannelName    string `json:"channel_name"`
	Messages       int    `json:"messages"`
	Threads        int    `json:"threads"`
	TaggedRequests int    `json:"tagged_requests"`
	FirstResponses int    `json:"first_responses"`
	Truncated      bool   `json:"truncated,omitempty"`
	ThreadLimited  bool   `json:"thread_limited,omitempty"`
}

type MessagingMeta struct {
	ChannelsTotal         int   `json:"channels_total"`
	ChannelsScanned       int   `json:"channels_scanned"`
	ChannelsSkipped       int   `json:"channels_skipped"`
	ChannelsFailed        int   `json:"channels_failed"`
	ThreadsScanned        int   `json:"threads_scanned"`
	ThreadsSkipped        int   `json:"threads_skipped"`
	ThreadsFailed         int   `json:"threads_failed"`
	TruncatedChannels     int   `json:"truncated_channels"`
	ThreadLimitedChannels int   `json:"thread_limited_channels"`
	DeadlineHit           bool  `json:"deadline_hit"`
	ElapsedMS             int64 `json:"elapsed_ms"`
}

type MessagingReport struct {
	Start    string           `json:"start"`
	End      string           `json:"end"`
	Rows     []MessagingRow   `json:"rows"`
	Channels []ChannelSummary `json:"channels"`
	Notice   Notice           `json:"notice"`
	Error    string           `json:"error,omitempty"`
	Meta     MessagingMeta    `json:"meta"`
}
