// Package pipe provides an unbounded, completable FIFO queue between one or
// more writers and a single reader.
//
// Writes never block on capacity. Completing the pipe stops further writes;
// the reader drains what is buffered and then observes the completion,
// either io.EOF or the error the pipe was completed with.
package pipe

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrCompleted is returned when writing to or completing an already completed pipe.
var ErrCompleted = errors.New("pipe: already completed")

// Pipe is an unbounded FIFO of T.
type Pipe[T any] struct {
	mu        sync.Mutex
	items     []T
	completed bool
	err       error
	wake      chan struct{} // closed and replaced on every state change
}

// New returns an empty, open pipe.
func New[T any]() *Pipe[T] {
	return &Pipe[T]{wake: make(chan struct{})}
}

// Write appends v. It fails with ErrCompleted once the pipe is completed and
// with ctx.Err() when ctx is already done.
func (p *Pipe[T]) Write(ctx context.Context, v T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.TryWrite(v) {
		return ErrCompleted
	}
	return nil
}

// TryWrite appends v and reports whether the pipe was still open.
func (p *Pipe[T]) TryWrite(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return false
	}
	p.items = append(p.items, v)
	p.signal()
	return true
}

// Complete marks the pipe as finished. A nil err is a clean completion.
func (p *Pipe[T]) Complete(err error) error {
	if !p.TryComplete(err) {
		return ErrCompleted
	}
	return nil
}

// TryComplete is Complete that reports false instead of failing when the pipe
// was already completed.
func (p *Pipe[T]) TryComplete(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return false
	}
	p.completed = true
	p.err = err
	p.signal()
	return true
}

// Read blocks until an item is available, the pipe is completed and drained,
// or ctx is done. After a clean completion it returns io.EOF.
func (p *Pipe[T]) Read(ctx context.Context) (T, error) {
	var zero T
	for {
		p.mu.Lock()
		if len(p.items) > 0 {
			v := p.items[0]
			p.items[0] = zero
			p.items = p.items[1:]
			p.mu.Unlock()
			return v, nil
		}
		if p.completed {
			err := p.err
			p.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return zero, err
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of buffered items.
func (p *Pipe[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Completed reports whether Complete has been called.
func (p *Pipe[T]) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// signal must be called with mu held.
func (p *Pipe[T]) signal() {
	close(p.wake)
	p.wake = make(chan struct{})
}
