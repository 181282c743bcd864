package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/iago/painel-back/internal/deadline"
	"github.com/iago/painel-back/internal/policy"
)

const (
	minCallTimeout     = time.Second
	maxCallTimeout     = 20 * time.Second
	defaultCallTimeout = 15 * time.Second
	maxErrorMessageLen = 300
)

type Config struct {
	// Service labels errors and log lines, e.g. "sales" or "messaging".
	Service    string
	Timeout    time.Duration
	MaxRetries int
	// RetryPolicy overrides the policy derived from MaxRetries.
	RetryPolicy RetryPolicy
	// RequestsPerSecond paces outbound calls; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	Logger            *log.Logger
	// Sleep waits between retries. Tests may replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	// Body is sent as JSON when JSONBody is set, raw otherwise.
	Body     []byte
	JSONBody any
	// Timeout overrides the client default for this call.
	Timeout time.Duration
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client wraps one outbound API call with a timeout, 429 backoff and
// uniform error classification.
type Client struct {
	service    string
	timeout    time.Duration
	policy     RetryPolicy
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *log.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewClient(config Config) *Client {
	if strings.TrimSpace(config.Service) == "" {
		config.Service = "upstream"
	}
	config.Timeout = clampTimeout(config.Timeout)
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryPolicy == nil {
		config.RetryPolicy = DefaultRetryPolicy(config.MaxRetries)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.Sleep == nil {
		config.Sleep = sleepContext
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	return &Client{
		service:    config.Service,
		timeout:    config.Timeout,
		policy:     config.RetryPolicy,
		limiter:    limiter,
		httpClient: config.HTTPClient,
		logger:     config.Logger,
		sleep:      config.Sleep,
	}
}

func (c *Client) Service() string {
	return c.service
}

// Call performs the request, retrying 429 responses per the retry policy.
// Any non-2xx response ends up as a typed error.
func (c *Client) Call(ctx context.Context, request Request) (*Response, error) {
	for attempt := 0; ; attempt++ {
		response, err := c.callOnce(ctx, request)
		if err != nil {
			return nil, err
		}

		if response.StatusCode == http.StatusTooManyRequests {
			hint := retryAfterHint(response.Header)
			delay, retry := c.policy(attempt, hint)
			if !retry {
				return nil, &RateLimitExceeded{Service: c.service, Attempts: attempt + 1, LastHint: hint}
			}
			if deadline.Exceeded(ctx) {
				return nil, &RateLimitExceeded{Service: c.service, Attempts: attempt + 1, LastHint: hint, DeadlineHit: true}
			}
			c.logf("upstream rate limited service=%s attempt=%d delay_ms=%d", c.service, attempt+1, delay.Milliseconds())
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if response.StatusCode < 200 || response.StatusCode > 299 {
			return nil, &HTTPError{
				Service:    c.service,
				StatusCode: response.StatusCode,
				Message:    extractErrorMessage(response.StatusCode, response.Body),
			}
		}
		return response, nil
	}
}

// CallJSON performs Call and decodes the body into target. Payloads carrying
// "ok": false are reported as *APIError.
func (c *Client) CallJSON(ctx context.Context, request Request, target any) error {
	response, err := c.Call(ctx, request)
	if err != nil {
		return err
	}

	var envelope struct {
		OK    *bool           `json:"ok"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(response.Body, &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", c.service, err)
	}
	if envelope.OK != nil && !*envelope.OK {
		code := strings.Trim(string(envelope.Error), `"`)
		if code == "" || code == "null" {
			code = "unknown_error"
		}
		return &APIError{Service: c.service, Code: policy.RedactSecrets(code)}
	}

	if target == nil {
		return nil
	}
	if err := json.Unmarshal(response.Body, target); err != nil {
		return fmt.Errorf("decode %s response: %w", c.service, err)
	}
	return nil
}

func (c *Client) callOnce(ctx context.Context, request Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s pacing: %w", c.service, err)
		}
	}

	timeout := c.timeout
	if request.Timeout > 0 {
		timeout = clampTimeout(request.Timeout)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpRequest, err := c.buildRequest(timeoutCtx, request)
	if err != nil {
		return nil, err
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, c.classifyTransportError(ctx, timeoutCtx, request, timeout, err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, c.classifyTransportError(ctx, timeoutCtx, request, timeout, err)
	}

	return &Response{
		StatusCode: httpResponse.StatusCode,
		Header:     httpResponse.Header,
		Body:       body,
	}, nil
}

func (c *Client) buildRequest(ctx context.Context, request Request) (*http.Request, error) {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}

	target, err := url.Parse(request.URL)
	if err != nil {
		return nil, fmt.Errorf("parse %s url: %w", c.service, err)
	}
	if len(request.Query) > 0 {
		query := target.Query()
		for key, values := range request.Query {
			for _, value := range values {
				query.Add(key, value)
			}
		}
		target.RawQuery = query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case request.JSONBody != nil:
		encoded, err := json.Marshal(request.JSONBody)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", c.service, err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	case request.Body != nil:
		body = bytes.NewReader(request.Body)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.service, err)
	}
	for key, values := range request.Header {
		for _, value := range values {
			httpRequest.Header.Add(key, value)
		}
	}
	if contentType != "" && httpRequest.Header.Get("Content-Type") == "" {
		httpRequest.Header.Set("Content-Type", contentType)
	}
	if httpRequest.Header.Get("Accept") == "" {
		httpRequest.Header.Set("Accept", "application/json")
	}
	return httpRequest, nil
}

func (c *Client) classifyTransportError(
	parent context.Context,
	timeoutCtx context.Context,
	request Request,
	timeout time.Duration,
	err error,
) error {
	if parent.Err() != nil {
		return fmt.Errorf("%s call canceled: %w", c.service, parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Service: c.service, URL: policy.RedactURL(request.URL), Timeout: timeout}
	}
	return fmt.Errorf("%s transport error: %s", c.service, policy.RedactSecrets(err.Error()))
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// extractErrorMessage prefers a structured message from the body and falls
// back to the HTTP reason phrase.
func extractErrorMessage(statusCode int, body []byte) string {
	message := ""
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err == nil {
		message = firstString(decoded["message"], decoded["error_description"], decoded["error"])
		if nested, ok := decoded["error"].(map[string]any); ok {
			message = firstString(nested["message"], nested["code"], message)
		}
	}
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(statusCode)
	}
	if message == "" {
		message = "unexpected status"
	}
	return policy.RedactSecrets(truncateRunes(message, maxErrorMessageLen))
}

// truncateRunes cuts value to at most limit bytes without splitting a rune.
func truncateRunes(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func firstString(values ...any) string {
	for _, value := range values {
		if text, ok := value.(string); ok && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	return ""
}

func clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return defaultCallTimeout
	}
	if timeout < minCallTimeout {
		return minCallTimeout
	}
	if timeout > maxCallTimeout {
		return maxCallTimeout
	}
	return timeout
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
