package tracking

import (
	"context"
	"sync"

	"github.com/drblury/queueflow/transport"
)

// Promise is a single-assignment acknowledgment outcome. The first Resolve or
// Fail wins; later calls report false and change nothing.
type Promise struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	class   transport.AckClass
	err     error
}

// NewPromise creates an unsettled promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolve settles the promise successfully with class.
func (p *Promise) Resolve(class transport.AckClass) bool {
	return p.settle(class, nil)
}

// Fail settles the promise with err.
func (p *Promise) Fail(err error) bool {
	return p.settle(transport.AckNone, err)
}

func (p *Promise) settle(class transport.AckClass, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.settled = true
	p.class = class
	p.err = err
	close(p.done)
	return true
}

// Done is closed once the promise settles.
func (p *Promise) Done() <-chan struct{} { return p.done }

// Settled reports whether Resolve or Fail already happened.
func (p *Promise) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Promise) Result() (transport.AckClass, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.class, p.err
}

// Wait blocks until the promise settles or ctx is done.
func (p *Promise) Wait(ctx context.Context) (transport.AckClass, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return transport.AckNone, ctx.Err()
	}
}
