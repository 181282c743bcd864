package taskpool

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/iago/painel-back/internal/deadline"
)

// HardCap bounds the number of workers regardless of what callers ask for.
const HardCap = 64

// Result is the outcome for one input item. Skipped is true when the pool
// stopped before the item was started; such items carry no error.
type Result[R any] struct {
	Value   R
	Err     error
	Skipped bool
}

func (r Result[R]) OK() bool {
	return !r.Skipped && r.Err == nil
}

// Worker processes a single item. index is the item's position in the input.
type Worker[T, R any] func(ctx context.Context, index int, item T) (R, error)

// Run executes worker over items with bounded concurrency. Workers claim the
// next index from a shared cursor; before each claim they consult shouldStop,
// the soft deadline carried by ctx and ctx itself. Work already started is
// never interrupted. result[i] always corresponds to items[i].
func Run[T, R any](
	ctx context.Context,
	items []T,
	concurrency int,
	worker Worker[T, R],
	shouldStop func() bool,
) []Result[R] {
	if len(items) == 0 {
		return []Result[R]{}
	}

	results := make([]Result[R], len(items))
	for index := range results {
		results[index].Skipped = true
	}

	var cursor atomic.Int64
	var group errgroup.Group
	for w := 0; w < ClampConcurrency(concurrency, len(items)); w++ {
		group.Go(func() error {
			for {
				if mustStop(ctx, shouldStop) {
					return nil
				}
				index := int(cursor.Add(1) - 1)
				if index >= len(items) {
					return nil
				}
				results[index] = runOne(ctx, index, items[index], worker)
			}
		})
	}
	_ = group.Wait()

	return results
}

// ClampConcurrency returns requested limited to [1, min(total, HardCap)].
func ClampConcurrency(requested, total int) int {
	limit := total
	if limit > HardCap {
		limit = HardCap
	}
	if requested > limit {
		requested = limit
	}
	if requested < 1 {
		requested = 1
	}
	return requested
}

func mustStop(ctx context.Context, shouldStop func() bool) bool {
	if ctx.Err() != nil || deadline.Exceeded(ctx) {
		return true
	}
	return shouldStop != nil && shouldStop()
}

func runOne[T, R any](ctx context.Context, index int, item T, worker Worker[T, R]) (result Result[R]) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = Result[R]{Err: fmt.Errorf("worker panic on item %d: %v", index, recovered)}
		}
	}()
	value, err := worker(ctx, index, item)
	return Result[R]{Value: value, Err: err}
}

func SkippedCount[R any](results []Result[R]) int {
	count := 0
	for _, result := range results {
		if result.Skipped {
			count++
		}
	}
	return count
}

func FailedCount[R any](results []Result[R]) int {
	count := 0
	for _, result := range results {
		if !result.Skipped && result.Err != nil {
			count++
		}
	}
	return count
}
