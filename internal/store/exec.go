package store

import "golang.org/x/sync/errgroup"

// Executor drives uploads. Go must eventually run fn exactly once.
type Executor interface {
	Go(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Go(fn func()) { f(fn) }

// Goroutines runs every upload on its own goroutine.
type Goroutines struct{}

func (Goroutines) Go(fn func()) { go fn() }

// BoundedExecutor caps the number of uploads running at once.
// Go blocks while the limit is reached.
type BoundedExecutor struct {
	g *errgroup.Group
}

// NewBoundedExecutor returns an executor running at most limit functions concurrently.
// A limit <= 0 means no limit.
func NewBoundedExecutor(limit int) *BoundedExecutor {
	g := new(errgroup.Group)
	if limit > 0 {
		g.SetLimit(limit)
	}
	return &BoundedExecutor{g: g}
}

func (b *BoundedExecutor) Go(fn func()) {
	b.g.Go(func() error {
		fn()
		return nil
	})
}

// Wait blocks until every function handed to Go has returned.
func (b *BoundedExecutor) Wait() {
	_ = b.g.Wait()
}
