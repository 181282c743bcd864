package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthRequiresBearerOnV1Routes(t *testing.T) {
	handler := RequestID(Auth("secret-token")(okHandler()))

	cases := []struct {
		path   string
		header string
		want   int
	}{
		{"/healthz", "", http.StatusOK},
		{"/v1/reports/sales", "", http.StatusUnauthorized},
		{"/v1/reports/sales", "Bearer wrong", http.StatusUnauthorized},
		{"/v1/reports/sales", "Basic secret-token", http.StatusUnauthorized},
		{"/v1/reports/sales", "Bearer secret-token", http.StatusOK},
	}
	for _, tc := range cases {
		request := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			request.Header.Set("Authorization", tc.header)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		if recorder.Code != tc.want {
			t.Fatalf("%s with %q: expected %d, got %d", tc.path, tc.header, tc.want, recorder.Code)
		}
	}
}

func TestUnauthorizedPayloadCarriesRequestID(t *testing.T) {
	handler := RequestID(Auth("secret-token")(okHandler()))
	request := httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil)
	request.Header.Set("X-Request-Id", "req-123")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	var body errorBody
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body, got %q", recorder.Body.String())
	}
	if body.Error.Code != "unauthorized" || body.RequestID != "req-123" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestRequestIDReplacesUnsafeValues(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("X-Request-Id", "bad id\nwith newline")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if seen == "bad id\nwith newline" || len(seen) != 36 {
		t.Fatalf("expected generated uuid, got %q", seen)
	}
	if recorder.Header().Get("X-Request-Id") != seen {
		t.Fatalf("expected response header to match context id")
	}
	if GetRequestID(context.Background()) != "unknown" {
		t.Fatalf("expected unknown without middleware")
	}
}

func TestRateLimitRejectsAfterBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimit(ctx, 0.001, 2)(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		request := httptest.NewRequest(http.MethodGet, "/v1/reports/sales", nil)
		request.RemoteAddr = "10.0.0.1:5555"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		codes = append(codes, recorder.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected two allowed then 429, got %v", codes)
	}

	other := httptest.NewRequest(http.MethodGet, "/v1/reports/sales", nil)
	other.RemoteAddr = "10.0.0.2:5555"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, other)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected separate bucket per IP, got %d", recorder.Code)
	}
}

func TestTraceLogsStatusAndCache(t *testing.T) {
	var buffer bytes.Buffer
	logger := log.New(&buffer, "", 0)
	handler := RequestID(Trace(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Cache", "HIT")
		w.WriteHeader(http.StatusAccepted)
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/reports/sales", nil))

	line := buffer.String()
	if !strings.Contains(line, "status=202") || !strings.Contains(line, "cache=HIT") {
		t.Fatalf("unexpected trace line %q", line)
	}
}
