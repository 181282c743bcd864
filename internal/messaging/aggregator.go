package messaging

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/iago/painel-back/internal/crawl"
	"github.com/iago/painel-back/internal/deadline"
	"github.com/iago/painel-back/internal/domain"
	"github.com/iago/painel-back/internal/taskpool"
	"github.com/iago/painel-back/internal/upstream"
)

const (
	dayLayout = "2006-01-02"

	DefaultMaxChannels          = 150
	DefaultMaxThreadsPerChannel = 100
	DefaultMaxHistoryPages      = 10
	DefaultMaxReplyPages        = 3
	DefaultMaxChannelListPages  = 20
	DefaultChannelConcurrency   = 4
	DefaultThreadConcurrency    = 4
	DefaultMaxRuntime           = 50 * time.Second
	DefaultMaxRangeDays         = 366
)

type Config struct {
	BaseURL string
	Token   string
	// MustScanFilter lists channel name fragments scanned before any other
	// channel, so a deadline cutoff keeps their coverage.
	MustScanFilter []string
	TrackedUsers   []string
	RequestTags    []string

	MaxChannels          int
	MaxThreadsPerChannel int
	MaxHistoryPages      int
	MaxReplyPages        int
	MaxChannelListPages  int
	ChannelConcurrency   int
	ThreadConcurrency    int
	MaxRuntime           time.Duration
	MaxRangeDays         int
	ErrorSample          int

	Client *upstream.Client
	Logger *log.Logger
	Now    func() time.Time
}

type Params struct {
	Start time.Time
	End   time.Time
}

// Aggregator crawls channels × threads of the messaging platform and merges
// per-user participation counts.
type Aggregator struct {
	config  Config
	api     *crawl.ConversationsAPI
	matcher matcher
	logger  *log.Logger
	now     func() time.Time
}

func NewAggregator(config Config) *Aggregator {
	if config.MaxChannels <= 0 {
		config.MaxChannels = DefaultMaxChannels
	}
	if config.MaxThreadsPerChannel <= 0 {
		config.MaxThreadsPerChannel = DefaultMaxThreadsPerChannel
	}
	if config.MaxHistoryPages <= 0 {
		config.MaxHistoryPages = DefaultMaxHistoryPages
	}
	if config.MaxReplyPages <= 0 {
		config.MaxReplyPages = DefaultMaxReplyPages
	}
	if config.MaxChannelListPages <= 0 {
		config.MaxChannelListPages = DefaultMaxChannelListPages
	}
	if config.ChannelConcurrency <= 0 {
		config.ChannelConcurrency = DefaultChannelConcurrency
	}
	if config.ThreadConcurrency <= 0 {
		config.ThreadConcurrency = DefaultThreadConcurrency
	}
	if config.MaxRuntime <= 0 {
		config.MaxRuntime = DefaultMaxRuntime
	}
	if config.MaxRangeDays <= 0 {
		config.MaxRangeDays = DefaultMaxRangeDays
	}
	if config.ErrorSample <= 0 {
		config.ErrorSample = domain.DefaultErrorSample
	}
	if config.Client == nil {
		config.Client = upstream.NewClient(upstream.Config{Service: "messaging", Logger: config.Logger})
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Aggregator{
		config:  config,
		api:     crawl.NewConversationsAPI(config.Client, config.BaseURL, config.Token),
		matcher: newMatcher(config.TrackedUsers, config.RequestTags),
		logger:  config.Logger,
		now:     config.Now,
	}
}

// threadTally is the private accumulator of one thread worker. The channel
// reducer merges tallies after the inner pool has finished.
type threadTally struct {
	Responders []string
	Messages   []crawl.Message
	Truncated  bool
}

type channelOutcome struct {
	Summary        domain.ChannelSummary
	Rows           map[string]*domain.MessagingRow
	ThreadsScanned int
	ThreadsSkipped int
	ThreadsFailed  int
	Errors         []string
}

// FetchMessagingAnalysis crawls the configured workspace for [Start, End].
// A soft deadline of MaxRuntime bounds the call: once it passes no new
// channel or thread starts, and what finished is still reported.
func (a *Aggregator) FetchMessagingAnalysis(ctx context.Context, params Params) (domain.MessagingReport, error) {
	started := a.now()
	report := domain.MessagingReport{
		Start: params.Start.Format(dayLayout),
		End:   params.End.Format(dayLayout),
	}

	oldest, latest, err := a.validate(params)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}

	ctx = deadline.WithSoft(ctx, deadline.After(a.config.MaxRuntime, a.now))
	notice := domain.NewNoticeBuilder(a.config.ErrorSample)

	listing, err := crawl.Crawl(ctx, a.api.Channels, "", time.Time{}, time.Time{}, a.config.MaxChannelListPages)
	if err != nil && len(listing.Items) == 0 {
		fatal := &domain.UpstreamUnavailableError{Report: "messaging", Cause: "channel list: " + err.Error()}
		report.Error = fatal.Error()
		a.logf("messaging report fatal start=%s end=%s err=%v", report.Start, report.End, fatal)
		return report, fatal
	}
	if err != nil {
		notice.Error("channel list: " + err.Error())
		notice.Warn("channel list incomplete after %d page(s)", listing.Pages)
	} else if listing.Truncated {
		notice.Warn("channel list truncated at %d page(s)", listing.Pages)
	}

	channels := a.prioritize(listing.Items)
	report.Meta.ChannelsTotal = len(channels)
	if len(channels) > a.config.MaxChannels {
		notice.Warn("%d channel(s) beyond the limit of %d were not scanned", len(channels)-a.config.MaxChannels, a.config.MaxChannels)
		channels = channels[:a.config.MaxChannels]
	}

	results := taskpool.Run(ctx, channels, a.config.ChannelConcurrency, func(ctx context.Context, _ int, channel crawl.Channel) (channelOutcome, error) {
		return a.scanChannel(ctx, channel, oldest, latest)
	}, nil)

	rows := make([]domain.MessagingRow, 0)
	report.Channels = make([]domain.ChannelSummary, 0, len(channels))
	usable := 0
	for index, result := range results {
		channel := channels[index]
		switch {
		case result.Skipped:
			report.Meta.ChannelsSkipped++
		case result.Err != nil:
			report.Meta.ChannelsFailed++
			notice.Error(fmt.Sprintf("#%s: %v", channel.Name, result.Err))
		default:
			usable++
			outcome := result.Value
			report.Meta.ChannelsScanned++
			report.Meta.ThreadsScanned += outcome.ThreadsScanned
			report.Meta.ThreadsSkipped += outcome.ThreadsSkipped
			report.Meta.ThreadsFailed += outcome.ThreadsFailed
			if outcome.Summary.Truncated {
				report.Meta.TruncatedChannels++
			}
			if outcome.Summary.ThreadLimited {
				report.Meta.ThreadLimitedChannels++
			}
			for _, message := range outcome.Errors {
				notice.Error(fmt.Sprintf("#%s: %s", channel.Name, message))
			}
			report.Channels = append(report.Channels, outcome.Summary)
			for _, row := range outcome.Rows {
				rows = append(rows, *row)
			}
		}
	}

	report.Meta.DeadlineHit = report.Meta.ChannelsSkipped > 0 || report.Meta.ThreadsSkipped > 0
	report.Meta.ElapsedMS = a.now().Sub(started).Milliseconds()

	if len(channels) > 0 && usable == 0 {
		fatal := &domain.UpstreamUnavailableError{
			Report: "messaging",
			Cause:  fmt.Sprintf("no channel could be scanned (%d failed, %d skipped)", report.Meta.ChannelsFailed, report.Meta.ChannelsSkipped),
		}
		if sample := notice.Build().ErrorSample; len(sample) > 0 {
			fatal.Cause += ": " + strings.Join(sample, " | ")
		}
		report.Channels = nil
		report.Error = fatal.Error()
		a.logf("messaging report fatal start=%s end=%s err=%v", report.Start, report.End, fatal)
		return report, fatal
	}

	if len(channels) == 0 {
		notice.Warn("no channels available to scan")
	}
	if report.Meta.ChannelsFailed > 0 {
		notice.Warn("%d/%d channel(s) failed", report.Meta.ChannelsFailed, len(channels))
	}
	if report.Meta.ChannelsSkipped > 0 {
		notice.Warn("%d channel(s) skipped after the %s deadline", report.Meta.ChannelsSkipped, a.config.MaxRuntime)
	}
	if report.Meta.ThreadsSkipped > 0 {
		notice.Warn("%d thread(s) skipped after the %s deadline", report.Meta.ThreadsSkipped, a.config.MaxRuntime)
	}
	if report.Meta.TruncatedChannels > 0 {
		notice.Warn("%d channel(s) truncated by the page limit", report.Meta.TruncatedChannels)
	}
	if report.Meta.ThreadLimitedChannels > 0 {
		notice.Warn("%d channel(s) limited to %d thread(s)", report.Meta.ThreadLimitedChannels, a.config.MaxThreadsPerChannel)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ChannelName != rows[j].ChannelName {
			return rows[i].ChannelName < rows[j].ChannelName
		}
		return rows[i].UserID < rows[j].UserID
	})
	report.Rows = rows
	report.Notice = notice.Build()

	a.logf(
		"messaging report done start=%s end=%s channels=%d scanned=%d skipped=%d failed=%d threads=%d elapsed_ms=%d",
		report.Start,
		report.End,
		report.Meta.ChannelsTotal,
		report.Meta.ChannelsScanned,
		report.Meta.ChannelsSkipped,
		report.Meta.ChannelsFailed,
		report.Meta.ThreadsScanned,
		report.Meta.ElapsedMS,
	)
	return report, nil
}

func (a *Aggregator) validate(params Params) (time.Time, time.Time, error) {
	if strings.TrimSpace(a.config.BaseURL) == "" || strings.TrimSpace(a.config.Token) == "" {
		return time.Time{}, time.Time{}, &domain.ConfigError{Component: "messaging", Message: "base URL and token are required"}
	}
	if params.Start.IsZero() {
		return time.Time{}, time.Time{}, &domain.ValidationError{Field: "start", Message: "is required"}
	}
	if params.End.IsZero() {
		return time.Time{}, time.Time{}, &domain.ValidationError{Field: "end", Message: "is required"}
	}
	span := domain.DateRange{Start: truncateDay(params.Start), End: truncateDay(params.End)}
	if span.End.Before(span.Start) {
		return time.Time{}, time.Time{}, &domain.ValidationError{Field: "end", Message: "must not be before start"}
	}
	if span.Days() > a.config.MaxRangeDays {
		return time.Time{}, time.Time{}, &domain.ValidationError{
			Field:   "end",
			Message: fmt.Sprintf("range exceeds %d days", a.config.MaxRangeDays),
		}
	}
	// Both bounds are inclusive: the whole end day is covered.
	return span.Start, span.End.AddDate(0, 0, 1).Add(-time.Microsecond), nil
}

// prioritize drops archived channels and moves must-scan channels to the
// front, keeping the upstream order otherwise.
func (a *Aggregator) prioritize(channels []crawl.Channel) []crawl.Channel {
	ordered := make([]crawl.Channel, 0, len(channels))
	for _, channel := range channels {
		if !channel.IsArchived {
			ordered = append(ordered, channel)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return a.mustScan(ordered[i]) && !a.mustScan(ordered[j])
	})
	return ordered
}

func (a *Aggregator) mustScan(channel crawl.Channel) bool {
	name := strings.ToLower(channel.Name)
	for _, fragment := range a.config.MustScanFilter {
		if fragment = strings.ToLower(strings.TrimSpace(fragment)); fragment != "" && strings.Contains(name, fragment) {
			return true
		}
	}
	return false
}

func (a *Aggregator) scanChannel(ctx context.Context, channel crawl.Channel, oldest, latest time.Time) (channelOutcome, error) {
	outcome := channelOutcome{
		Summary: domain.ChannelSummary{ChannelID: channel.ID, ChannelName: channel.Name},
		Rows:    make(map[string]*domain.MessagingRow),
	}

	history, err := crawl.Crawl(ctx, a.api.History, channel.ID, oldest, latest, a.config.MaxHistoryPages)
	if err != nil {
		if len(history.Items) == 0 {
			return channelOutcome{}, err
		}
		outcome.Errors = append(outcome.Errors, err.Error())
		outcome.Summary.Truncated = true
	}
	if history.Truncated {
		outcome.Summary.Truncated = true
	}

	parents := make([]crawl.Message, 0)
	for _, message := range history.Items {
		if message.IsThreadParent() {
			parents = append(parents, message)
		}
	}
	if len(parents) > a.config.MaxThreadsPerChannel {
		parents = parents[:a.config.MaxThreadsPerChannel]
		outcome.Summary.ThreadLimited = true
	}

	tallies := taskpool.Run(ctx, parents, a.config.ThreadConcurrency, func(ctx context.Context, _ int, parent crawl.Message) (threadTally, error) {
		return a.scanThread(ctx, channel.ID, parent, oldest, latest)
	}, nil)

	timeline := append([]crawl.Message(nil), history.Items...)
	for index, result := range tallies {
		switch {
		case result.Skipped:
			outcome.ThreadsSkipped++
		case result.Err != nil:
			outcome.ThreadsFailed++
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("thread %s: %v", parents[index].TS, result.Err))
		default:
			outcome.ThreadsScanned++
			tally := result.Value
			if tally.Truncated {
				outcome.Summary.Truncated = true
			}
			for _, user := range tally.Responders {
				row(outcome.Rows, channel, user).ThreadsAnswered++
			}
			timeline = append(timeline, tally.Messages...)
		}
	}

	timeline = sortTimeline(timeline)
	requests, pairings := pairFirstResponses(timeline, a.matcher)
	for _, pairing := range pairings {
		row(outcome.Rows, channel, pairing.Response.User).FirstResponses++
	}

	outcome.Summary.Messages = len(timeline)
	outcome.Summary.Threads = len(parents)
	outcome.Summary.TaggedRequests = requests
	outcome.Summary.FirstResponses = len(pairings)
	return outcome, nil
}

// scanThread reads one thread's replies. Each responding user is listed once
// no matter how many replies they posted.
func (a *Aggregator) scanThread(ctx context.Context, channelID string, parent crawl.Message, oldest, latest time.Time) (threadTally, error) {
	replies, err := crawl.Crawl(ctx, a.api.Replies(parent.TS), channelID, oldest, latest, a.config.MaxReplyPages)
	if err != nil {
		return threadTally{}, err
	}

	seen := make(map[string]bool)
	tally := threadTally{Messages: replies.Items, Truncated: replies.Truncated}
	for _, reply := range replies.Items {
		if reply.TS == parent.TS || reply.User == parent.User {
			continue
		}
		if !a.matcher.countsResponder(reply) || seen[reply.User] {
			continue
		}
		seen[reply.User] = true
		tally.Responders = append(tally.Responders, reply.User)
	}
	return tally, nil
}

func (a *Aggregator) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

func row(rows map[string]*domain.MessagingRow, channel crawl.Channel, user string) *domain.MessagingRow {
	current, ok := rows[user]
	if !ok {
		current = &domain.MessagingRow{ChannelID: channel.ID, ChannelName: channel.Name, UserID: user}
		rows[user] = current
	}
	return current
}

func truncateDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
