package crawl

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/painel-back/internal/deadline"
)

const (
	// DefaultPageSize is sent on every page request of a crawl.
	DefaultPageSize = 200
	DefaultMaxPages = 50
)

// PageRequest describes one page fetch. Oldest and Latest are inclusive
// bounds; zero values mean unbounded.
type PageRequest struct {
	ResourceID string
	Cursor     string
	Oldest     time.Time
	Latest     time.Time
	Limit      int
}

type Page[T any] struct {
	Items      []T
	NextCursor string
}

type PageFunc[T any] func(ctx context.Context, request PageRequest) (Page[T], error)

type Result[T any] struct {
	Items []T
	Pages int
	// Truncated is set when the crawl stopped while the upstream still had
	// more pages. Callers must surface it as a fidelity warning.
	Truncated         bool
	StoppedByDeadline bool
}

// Crawl follows cursors for one resource until the cursor runs out or
// maxPages pages were read. On error the items read so far are returned
// together with the error.
func Crawl[T any](
	ctx context.Context,
	fetch PageFunc[T],
	resourceID string,
	oldest time.Time,
	latest time.Time,
	maxPages int,
) (Result[T], error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	result := Result[T]{Items: make([]T, 0)}
	cursor := ""
	for {
		if result.Pages > 0 && deadline.Exceeded(ctx) {
			result.Truncated = true
			result.StoppedByDeadline = true
			return result, nil
		}

		page, err := fetch(ctx, PageRequest{
			ResourceID: resourceID,
			Cursor:     cursor,
			Oldest:     oldest,
			Latest:     latest,
			Limit:      DefaultPageSize,
		})
		if err != nil {
			return result, fmt.Errorf("crawl %s page %d: %w", resourceID, result.Pages+1, err)
		}
		result.Pages++
		result.Items = append(result.Items, page.Items...)

		if page.NextCursor == "" {
			return result, nil
		}
		if page.NextCursor == cursor {
			return result, fmt.Errorf("crawl %s page %d: upstream repeated cursor", resourceID, result.Pages)
		}
		cursor = page.NextCursor

		if result.Pages >= maxPages {
			result.Truncated = true
			return result, nil
		}
	}
}
