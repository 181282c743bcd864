package parse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dateLayouts is the fallback order tried by Date. Day-first slashes win over
// month-first because partner exports use the pt-BR convention.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"02/01/2006 15:04:05",
	"2006/01/02",
	"02-01-2006",
}

// Date parses raw trying dateLayouts in order, then unix seconds. Results are
// UTC.
func Date(raw string) (time.Time, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed.UTC(), nil
		}
	}
	if seconds, err := strconv.ParseInt(text, 10, 64); err == nil && len(text) >= 9 {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", text)
}

// Day parses an ISO calendar day as used by report query parameters.
func Day(raw string) (time.Time, error) {
	parsed, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", raw)
	}
	return parsed, nil
}
