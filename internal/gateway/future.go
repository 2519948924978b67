package gateway

import (
	"context"
	"sync"
)

// future holds the single terminal result of one transaction attempt.
// Later resolutions are dropped.
type future struct {
	once sync.Once
	ch   chan Result
}

func newFuture() *future {
	return &future{ch: make(chan Result, 1)}
}

func (f *future) resolve(r Result) {
	f.once.Do(func() {
		f.ch <- r
	})
}

func (f *future) wait(ctx context.Context) (Result, error) {
	select {
	case r := <-f.ch:
		return r, nil
	case <-ctx.Done():
		return Result{}, ErrAbandoned
	}
}
