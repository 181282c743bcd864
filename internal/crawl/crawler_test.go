package crawl

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/painel-back/internal/deadline"
	"github.com/iago/painel-back/internal/upstream"
)

func threePages(t *testing.T, requests *[]PageRequest) PageFunc[int] {
	t.Helper()
	pages := map[string]Page[int]{
		"":   {Items: []int{1, 2}, NextCursor: "c1"},
		"c1": {Items: []int{3, 4}, NextCursor: "c2"},
		"c2": {Items: []int{5}},
	}
	return func(_ context.Context, request PageRequest) (Page[int], error) {
		*requests = append(*requests, request)
		page, ok := pages[request.Cursor]
		if !ok {
			t.Fatalf("unexpected cursor %q", request.Cursor)
		}
		return page, nil
	}
}

func TestCrawlConcatenatesPagesInOrder(t *testing.T) {
	var requests []PageRequest
	oldest := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	latest := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)

	result, err := Crawl(context.Background(), threePages(t, &requests), "C1", oldest, latest, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(result.Items, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("expected items in page order, got %v", result.Items)
	}
	if result.Truncated || result.Pages != 3 {
		t.Fatalf("expected 3 pages untruncated, got pages=%d truncated=%v", result.Pages, result.Truncated)
	}
	for i, request := range requests {
		if request.ResourceID != "C1" || !request.Oldest.Equal(oldest) || !request.Latest.Equal(latest) {
			t.Fatalf("request %d lost resource or bounds: %+v", i, request)
		}
		if request.Limit != DefaultPageSize {
			t.Fatalf("request %d expected page size %d, got %d", i, DefaultPageSize, request.Limit)
		}
	}
}

func TestCrawlTruncatesAtMaxPages(t *testing.T) {
	var requests []PageRequest
	result, err := Crawl(context.Background(), threePages(t, &requests), "C1", time.Time{}, time.Time{}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(result.Items, []int{1, 2, 3, 4}) {
		t.Fatalf("expected first two pages, got %v", result.Items)
	}
	if !result.Truncated || result.StoppedByDeadline {
		t.Fatalf("expected page-limit truncation, got %+v", result)
	}
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}
}

func TestCrawlExactPageLimitIsNotTruncated(t *testing.T) {
	var requests []PageRequest
	result, err := Crawl(context.Background(), threePages(t, &requests), "C1", time.Time{}, time.Time{}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Truncated {
		t.Fatalf("expected no truncation when the cursor ran out at the limit")
	}
}

func TestCrawlStopsAtSoftDeadline(t *testing.T) {
	var requests []PageRequest
	ctx := deadline.WithSoft(context.Background(), deadline.New(time.Now().Add(-time.Second), nil))

	result, err := Crawl(ctx, threePages(t, &requests), "C1", time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(requests) != 1 || !result.StoppedByDeadline || !result.Truncated {
		t.Fatalf("expected first page then deadline stop, got requests=%d result=%+v", len(requests), result)
	}
}

func TestCrawlReturnsPartialItemsOnError(t *testing.T) {
	boom := errors.New("boom")
	var fetch PageFunc[int] = func(_ context.Context, request PageRequest) (Page[int], error) {
		if request.Cursor == "" {
			return Page[int]{Items: []int{7}, NextCursor: "next"}, nil
		}
		return Page[int]{}, boom
	}

	result, err := Crawl(context.Background(), fetch, "C1", time.Time{}, time.Time{}, 5)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped page error, got %v", err)
	}
	if !reflect.DeepEqual(result.Items, []int{7}) {
		t.Fatalf("expected partial items, got %v", result.Items)
	}
}

func TestConversationsHistoryFollowsCursor(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/conversations.history" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer xoxb-test" {
			t.Errorf("missing bearer token")
		}
		query := r.URL.Query()
		if query.Get("channel") != "C9" || query.Get("limit") != "200" || query.Get("inclusive") != "true" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if query.Get("oldest") != "1704067200.000000" {
			t.Errorf("expected oldest bound, got %q", query.Get("oldest"))
		}
		w.Header().Set("Content-Type", "application/json")
		if query.Get("cursor") == "" {
			_, _ = w.Write([]byte(`{"ok":true,"messages":[{"ts":"1704067201.000100","user":"U1","reply_count":2}],"response_metadata":{"next_cursor":"abc"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"messages":[{"ts":"1704067300.000000","user":"U2"}],"response_metadata":{"next_cursor":""}}`))
	}))
	defer server.Close()

	api := NewConversationsAPI(upstream.NewClient(upstream.Config{Service: "messaging"}), server.URL+"/", "xoxb-test")
	oldest := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	result, err := Crawl(context.Background(), api.History, "C9", oldest, time.Time{}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); len(result.Items) != 2 || got != 2 {
		t.Fatalf("expected 2 messages over 2 calls, got %d over %d", len(result.Items), got)
	}
	if !result.Items[0].IsThreadParent() || result.Items[1].IsThreadParent() {
		t.Fatalf("unexpected thread parent detection: %+v", result.Items)
	}
	if got := result.Items[0].Time(); got.UnixMicro() != 1704067201000100 {
		t.Fatalf("expected parsed timestamp, got %s", got)
	}
}

func TestConversationsAPIErrorIsWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"not_in_channel"}`))
	}))
	defer server.Close()

	api := NewConversationsAPI(upstream.NewClient(upstream.Config{Service: "messaging"}), server.URL, "t")
	_, err := Crawl(context.Background(), api.Replies("1.0"), "C1", time.Time{}, time.Time{}, 1)
	if upstream.APICode(err) != "not_in_channel" {
		t.Fatalf("expected api error code, got %v", err)
	}
}

func TestParseTS(t *testing.T) {
	if got := ParseTS("12.5"); got.UnixMicro() != 12_500_000 {
		t.Fatalf("expected 12.5s, got %d", got.UnixMicro())
	}
	if !ParseTS("bogus").IsZero() {
		t.Fatalf("expected zero time for malformed ts")
	}
	ts := time.Date(2024, 3, 1, 10, 0, 0, 123000, time.UTC)
	if FormatTS(ts) != "1709287200.000123" {
		t.Fatalf("unexpected formatted ts %s", FormatTS(ts))
	}
}
