package domain

import (
	"fmt"
	"strings"
	"sync"
)

const DefaultErrorSample = 3

// Notice is the non-fatal summary of a degraded report. Only a bounded
// sample of error messages is kept.
type Notice struct {
	Summary     string   `json:"summary,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	ErrorCount  int      `json:"error_count,omitempty"`
	ErrorSample []string `json:"error_sample,omitempty"`
}

func (n Notice) Empty() bool {
	return len(n.Warnings) == 0 && n.ErrorCount == 0
}

// NoticeBuilder collects warnings and errors during the merge phase.
type NoticeBuilder struct {
	mu         sync.Mutex
	sampleSize int
	warnings   []string
	errors     int
	sample     []string
	seen       map[string]struct{}
}

func NewNoticeBuilder(sampleSize int) *NoticeBuilder {
	if sampleSize <= 0 {
		sampleSize = DefaultErrorSample
	}
	return &NoticeBuilder{sampleSize: sampleSize, seen: make(map[string]struct{})}
}

func (b *NoticeBuilder) Warn(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

// Error counts one failure. Identical messages appear once in the sample.
func (b *NoticeBuilder) Error(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.errors++
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	if _, exists := b.seen[message]; exists {
		return
	}
	b.seen[message] = struct{}{}
	if len(b.sample) < b.sampleSize {
		b.sample = append(b.sample, message)
	}
}

func (b *NoticeBuilder) ErrorCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errors
}

func (b *NoticeBuilder) Build() Notice {
	b.mu.Lock()
	defer b.mu.Unlock()

	notice := Notice{
		Warnings:    append([]string(nil), b.warnings...),
		ErrorCount:  b.errors,
		ErrorSample: append([]string(nil), b.sample...),
	}
	parts := append([]string(nil), b.warnings...)
	if len(b.sample) > 0 {
		parts = append(parts, "first errors: "+strings.Join(b.sample, " | "))
	}
	notice.Summary = strings.Join(parts, "; ")
	return notice
}
