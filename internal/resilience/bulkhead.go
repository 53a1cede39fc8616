package resilience

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Bulkhead caps how many tasks run at once. Go blocks the caller while all
// slots are busy, which pushes back on whoever feeds it work.
type Bulkhead struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewBulkhead creates a Bulkhead with limit slots (at least one).
func NewBulkhead(limit int) *Bulkhead {
	if limit < 1 {
		limit = 1
	}
	return &Bulkhead{sem: semaphore.NewWeighted(int64(limit))}
}

// Go waits for a free slot and runs fn on its own goroutine. It returns
// ctx.Err() without running fn if ctx ends first.
func (b *Bulkhead) Go(ctx context.Context, fn func()) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.sem.Release(1)
		fn()
	}()
	return nil
}

// Wait blocks until every started task has returned.
func (b *Bulkhead) Wait() {
	b.wg.Wait()
}
