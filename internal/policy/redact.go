package policy

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-~+/=]+`)
	slackTokenPattern = regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9\-]+`)
	assignmentPattern = regexp.MustCompile(`(?i)\b(password|passwd|token|secret|session_id|sessionid|device_id|api_key|apikey)(["']?\s*[:=]\s*["']?)([^"'&\s,}]+)`)
)

var sensitiveQueryKeys = map[string]struct{}{
	"token":      {},
	"password":   {},
	"secret":     {},
	"api_key":    {},
	"session_id": {},
	"device_id":  {},
}

// RedactSecrets masks credentials that may leak into upstream error bodies
// or log lines.
func RedactSecrets(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	masked := bearerPattern.ReplaceAllString(value, "Bearer [redacted]")
	masked = slackTokenPattern.ReplaceAllString(masked, "[token_redacted]")
	masked = assignmentPattern.ReplaceAllString(masked, "${1}${2}[redacted]")
	return masked
}

// RedactURL drops credential-bearing query parameters and userinfo from a URL
// so it can be logged.
func RedactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return RedactSecrets(raw)
	}
	if parsed.User != nil {
		parsed.User = url.User("redacted")
	}
	query := parsed.Query()
	changed := false
	for key := range query {
		if _, sensitive := sensitiveQueryKeys[strings.ToLower(key)]; sensitive {
			query.Set(key, "redacted")
			changed = true
		}
	}
	if changed {
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}
