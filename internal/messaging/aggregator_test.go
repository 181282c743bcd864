package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/painel-back/internal/crawl"
	"github.com/iago/painel-back/internal/domain"
	"github.com/iago/painel-back/internal/upstream"
)

type fakeWorkspace struct {
	channels []crawl.Channel
	// history pages per channel, served in order through numeric cursors.
	history      map[string][][]crawl.Message
	replies      map[string][]crawl.Message
	failHistory  map[string]string
	failList     bool
	onReplies    func(channel string)
	historyCalls atomic.Int32
	replyCalls   atomic.Int32
}

func (f *fakeWorkspace) serve(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer xoxb-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		query := r.URL.Query()
		channel := query.Get("channel")
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/conversations.list":
			if f.failList {
				writeJSON(w, map[string]any{"ok": false, "error": "invalid_auth"})
				return
			}
			writeJSON(w, map[string]any{"ok": true, "channels": f.channels})
		case "/conversations.history":
			f.historyCalls.Add(1)
			if code, failed := f.failHistory[channel]; failed {
				writeJSON(w, map[string]any{"ok": false, "error": code})
				return
			}
			if query.Get("oldest") == "" || query.Get("latest") == "" || query.Get("inclusive") != "true" {
				t.Errorf("history request without inclusive bounds: %s", r.URL.RawQuery)
			}
			pages := f.history[channel]
			index := 0
			if cursor := query.Get("cursor"); cursor != "" {
				index = int(cursor[0] - '0')
			}
			next := ""
			if index+1 < len(pages) {
				next = string(rune('0' + index + 1))
			}
			var messages []crawl.Message
			if index < len(pages) {
				messages = pages[index]
			}
			writeJSON(w, map[string]any{
				"ok":                true,
				"messages":          messages,
				"response_metadata": map[string]string{"next_cursor": next},
			})
		case "/conversations.replies":
			f.replyCalls.Add(1)
			if f.onReplies != nil {
				f.onReplies(channel)
			}
			writeJSON(w, map[string]any{"ok": true, "messages": f.replies[channel+"/"+query.Get("ts")]})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func writeJSON(w http.ResponseWriter, payload any) {
	_ = json.NewEncoder(w).Encode(payload)
}

func msg(ts, user, text string) crawl.Message {
	return crawl.Message{TS: ts, User: user, Text: text}
}

func parent(ts, user, text string, replies int) crawl.Message {
	message := msg(ts, user, text)
	message.ThreadTS = ts
	message.ReplyCount = replies
	return message
}

// supportWorkspace has a prioritized support channel whose timeline is
// [request@t1, tracked reply@t2, request@t3, tracked reply@t4] plus extra
// replies, and a general channel with two threads answered by U_AG1.
func supportWorkspace() *fakeWorkspace {
	t1 := parent("1700000100.000100", "U_CL1", "#ajuda preciso de acesso", 3)
	t3 := msg("1700000300.000000", "U_CL2", "oi <@U_AG1> pode ver?")
	t4 := msg("1700000400.000000", "U_AG1", "vendo")
	g1 := parent("1700000500.000000", "U_CL1", "pergunta 1", 1)
	g2 := parent("1700000600.000000", "U_CL2", "pergunta 2", 3)
	bot := msg("1700000630.000000", "", "automatic reply")
	bot.BotID = "B1"

	return &fakeWorkspace{
		channels: []crawl.Channel{
			{ID: "C1", Name: "general"},
			{ID: "C2", Name: "suporte-vip"},
			{ID: "C3", Name: "old", IsArchived: true},
		},
		history: map[string][][]crawl.Message{
			"C1": {{g2, g1}},
			"C2": {{t4, t3}, {t1}},
		},
		replies: map[string][]crawl.Message{
			"C2/1700000100.000100": {
				t1,
				msg("1700000200.000000", "U_AG2", "ok"),
				msg("1700000250.000000", "U_AG2", "feito"),
				msg("1700000260.000000", "U_AG1", "confirmado"),
			},
			"C1/1700000500.000000": {g1, msg("1700000510.000000", "U_AG1", "resposta")},
			"C1/1700000600.000000": {
				g2,
				msg("1700000610.000000", "U_AG1", "resposta"),
				msg("1700000620.000000", "U_AG1", "mais detalhes"),
				bot,
			},
		},
	}
}

func newTestAggregator(serverURL string, config Config) *Aggregator {
	config.BaseURL = serverURL
	config.Token = "xoxb-test"
	config.TrackedUsers = []string{"U_AG1", "U_AG2"}
	config.RequestTags = []string{"#ajuda"}
	config.Client = upstream.NewClient(upstream.Config{Service: "messaging", Timeout: 5 * time.Second})
	return NewAggregator(config)
}

var testParams = Params{
	Start: time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2023, 11, 30, 0, 0, 0, 0, time.UTC),
}

func findRow(rows []domain.MessagingRow, channel, user string) (domain.MessagingRow, bool) {
	for _, row := range rows {
		if row.ChannelName == channel && row.UserID == user {
			return row, true
		}
	}
	return domain.MessagingRow{}, false
}

func TestFetchMessagingAnalysisCountsAndPairs(t *testing.T) {
	workspace := supportWorkspace()
	server := workspace.serve(t)
	defer server.Close()

	aggregator := newTestAggregator(server.URL, Config{MustScanFilter: []string{"suporte"}})
	report, err := aggregator.FetchMessagingAnalysis(context.Background(), testParams)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Meta.ChannelsTotal != 2 || report.Meta.ChannelsScanned != 2 || report.Meta.ThreadsScanned != 3 {
		t.Fatalf("unexpected meta %+v", report.Meta)
	}
	if report.Channels[0].ChannelName != "suporte-vip" {
		t.Fatalf("expected must-scan channel first, got %+v", report.Channels)
	}
	support := report.Channels[0]
	if support.TaggedRequests != 2 || support.FirstResponses != 2 {
		t.Fatalf("expected 2 tagged requests and 2 first responses, got %+v", support)
	}

	agent1, _ := findRow(report.Rows, "suporte-vip", "U_AG1")
	agent2, _ := findRow(report.Rows, "suporte-vip", "U_AG2")
	if agent2.ThreadsAnswered != 1 || agent2.FirstResponses != 1 {
		t.Fatalf("expected U_AG2 counted once for the thread and paired with t1, got %+v", agent2)
	}
	if agent1.ThreadsAnswered != 1 || agent1.FirstResponses != 1 {
		t.Fatalf("expected U_AG1 paired with t3, got %+v", agent1)
	}
	general, ok := findRow(report.Rows, "general", "U_AG1")
	if !ok || general.ThreadsAnswered != 2 || general.FirstResponses != 0 {
		t.Fatalf("expected counts to add across threads, got %+v", general)
	}
	if _, ok := findRow(report.Rows, "general", ""); ok {
		t.Fatalf("expected bot replies ignored")
	}
	if !report.Notice.Empty() || report.Error != "" {
		t.Fatalf("expected clean report, got notice=%+v error=%q", report.Notice, report.Error)
	}
}

func TestPairFirstResponsesIsFIFO(t *testing.T) {
	m := newMatcher([]string{"U_AG"}, []string{"#help"})
	timeline := sortTimeline([]crawl.Message{
		msg("40.0", "U_AG", "second answer"),
		msg("10.0", "U_C1", "#help one"),
		msg("20.0", "U_C2", "#HELP two"),
		msg("30.0", "U_AG", "first answer"),
		msg("10.0", "U_C1", "#help one"),
	})
	requests, pairings := pairFirstResponses(timeline, m)
	if requests != 2 || len(pairings) != 2 {
		t.Fatalf("expected 2 requests and 2 pairings, got %d / %d", requests, len(pairings))
	}
	if pairings[0].Request.TS != "10.0" || pairings[0].Response.TS != "30.0" {
		t.Fatalf("expected oldest request resolved first, got %+v", pairings[0])
	}
	if pairings[1].Request.TS != "20.0" || pairings[1].Response.TS != "40.0" {
		t.Fatalf("expected second request paired with second answer, got %+v", pairings[1])
	}
}

func TestPairFirstResponsesNeverPairsAcrossAnswered(t *testing.T) {
	m := newMatcher([]string{"U_AG"}, []string{"#help"})
	timeline := sortTimeline([]crawl.Message{
		msg("1.0", "U_C", "#help"),
		msg("2.0", "U_AG", "a"),
		msg("3.0", "U_C", "#help"),
		msg("4.0", "U_AG", "b"),
	})
	_, pairings := pairFirstResponses(timeline, m)
	if len(pairings) != 2 || pairings[0].Response.TS != "2.0" || pairings[1].Request.TS != "3.0" || pairings[1].Response.TS != "4.0" {
		t.Fatalf("expected t1-t2 and t3-t4, got %+v", pairings)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFetchMessagingAnalysisSoftDeadline(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)}
	workspace := &fakeWorkspace{
		channels: []crawl.Channel{{ID: "A", Name: "a"}, {ID: "B", Name: "b"}, {ID: "C", Name: "c"}},
		history: map[string][][]crawl.Message{
			"A": {{parent("1700000000.000000", "U_CL1", "#ajuda", 1)}},
			"B": {{msg("1700000001.000000", "U_CL1", "x")}},
			"C": {{msg("1700000002.000000", "U_CL1", "y")}},
		},
		replies: map[string][]crawl.Message{
			"A/1700000000.000000": {msg("1700000010.000000", "U_AG1", "done")},
		},
	}
	workspace.onReplies = func(string) { clock.Advance(time.Minute) }
	server := workspace.serve(t)
	defer server.Close()

	aggregator := newTestAggregator(server.URL, Config{ChannelConcurrency: 1, MaxRuntime: 10 * time.Second, Now: clock.Now})
	report, err := aggregator.FetchMessagingAnalysis(context.Background(), testParams)
	if err != nil {
		t.Fatalf("expected soft stop without error, got %v", err)
	}
	if report.Meta.ChannelsScanned != 1 || report.Meta.ChannelsSkipped != 2 || report.Meta.ChannelsFailed != 0 {
		t.Fatalf("expected unit 0 scanned and 2 skipped, got %+v", report.Meta)
	}
	if got := workspace.historyCalls.Load(); got != 1 {
		t.Fatalf("expected no history calls after the deadline, got %d", got)
	}
	if row, ok := findRow(report.Rows, "a", "U_AG1"); !ok || row.ThreadsAnswered != 1 || row.FirstResponses != 1 {
		t.Fatalf("expected unit 0 data kept, got %+v", report.Rows)
	}
	if !strings.Contains(report.Notice.Summary, "skipped") || report.Notice.ErrorCount != 0 || !report.Meta.DeadlineHit {
		t.Fatalf("expected skipped notice without errors, got %+v", report.Notice)
	}
}

func TestFetchMessagingAnalysisReportsTruncationAndLimits(t *testing.T) {
	workspace := supportWorkspace()
	server := workspace.serve(t)
	defer server.Close()

	aggregator := newTestAggregator(server.URL, Config{MaxHistoryPages: 1, MaxThreadsPerChannel: 1})
	report, err := aggregator.FetchMessagingAnalysis(context.Background(), testParams)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Meta.TruncatedChannels != 1 || report.Meta.ThreadLimitedChannels != 1 {
		t.Fatalf("expected one truncated and one thread-limited channel, got %+v", report.Meta)
	}
	if !strings.Contains(report.Notice.Summary, "truncated") || !strings.Contains(report.Notice.Summary, "limited to 1 thread(s)") {
		t.Fatalf("expected fidelity warnings, got %q", report.Notice.Summary)
	}
	if got := workspace.replyCalls.Load(); got != 1 {
		t.Fatalf("expected thread cap to bound reply calls, got %d", got)
	}
}

func TestFetchMessagingAnalysisPartialAndFatalFailures(t *testing.T) {
	workspace := supportWorkspace()
	workspace.failHistory = map[string]string{"C1": "not_in_channel"}
	server := workspace.serve(t)
	defer server.Close()

	aggregator := newTestAggregator(server.URL, Config{})
	report, err := aggregator.FetchMessagingAnalysis(context.Background(), testParams)
	if err != nil {
		t.Fatalf("expected partial report, got %v", err)
	}
	if report.Meta.ChannelsFailed != 1 || !strings.Contains(report.Notice.Summary, "1/2 channel(s) failed") {
		t.Fatalf("expected one failed channel in notice, got %+v / %q", report.Meta, report.Notice.Summary)
	}
	if len(report.Notice.ErrorSample) != 1 || !strings.Contains(report.Notice.ErrorSample[0], "not_in_channel") {
		t.Fatalf("expected error sample, got %v", report.Notice.ErrorSample)
	}

	workspace.failHistory["C2"] = "not_in_channel"
	report, err = aggregator.FetchMessagingAnalysis(context.Background(), testParams)
	if !domain.IsUpstreamUnavailable(err) || report.Error == "" || len(report.Rows) != 0 {
		t.Fatalf("expected fatal error when no channel is usable, got err=%v report=%+v", err, report)
	}

	workspace.failList = true
	if _, err := aggregator.FetchMessagingAnalysis(context.Background(), testParams); !domain.IsUpstreamUnavailable(err) {
		t.Fatalf("expected fatal error for unreachable channel list, got %v", err)
	}
}

func TestFetchMessagingAnalysisValidatesBeforeNetwork(t *testing.T) {
	workspace := supportWorkspace()
	server := workspace.serve(t)
	defer server.Close()

	if _, err := NewAggregator(Config{BaseURL: server.URL}).FetchMessagingAnalysis(context.Background(), testParams); !domain.IsConfig(err) {
		t.Fatalf("expected config error without token, got %v", err)
	}
	aggregator := newTestAggregator(server.URL, Config{})
	reversed := Params{Start: testParams.End, End: testParams.Start}
	if _, err := aggregator.FetchMessagingAnalysis(context.Background(), reversed); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := workspace.historyCalls.Load(); got != 0 {
		t.Fatalf("expected no network calls, got %d", got)
	}
}
