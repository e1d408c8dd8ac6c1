package store

import (
	"context"
	"errors"
)

// ErrPending is returned by Pending.Result while the upload is still in flight.
var ErrPending = errors.New("upload still in flight")

// Pending is the handle of an upload handed to the executor.
type Pending struct {
	kind Kind
	done chan struct{}
	id   string
	err  error
}

func newPending(kind Kind) *Pending {
	return &Pending{kind: kind, done: make(chan struct{})}
}

func (p *Pending) resolve(id string, err error) {
	p.id, p.err = id, err
	close(p.done)
}

// Kind reports which resource the upload targets.
func (p *Pending) Kind() Kind { return p.kind }

// Done is closed once the upload reached a terminal state.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the upload finishes or ctx ends. Giving up on the wait
// does not stop the upload.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.id, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Result returns the outcome without blocking, or ErrPending.
func (p *Pending) Result() (string, error) {
	select {
	case <-p.done:
		return p.id, p.err
	default:
		return "", ErrPending
	}
}
