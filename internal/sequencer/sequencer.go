// internal/sequencer/sequencer.go
package sequencer

import (
	"context"
	"fmt"
	"sync"
)

const (
	stateQueued int = iota
	stateRunning
	stateCancelled
)

type operation struct {
	ctx  context.Context
	exec func(ctx context.Context) (any, error)
	done chan result

	mu    sync.Mutex
	state int
}

type result struct {
	value any
	err   error
}

// transition moves the operation from queued to next and reports whether it did
func (op *operation) transition(next int) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state != stateQueued {
		return false
	}
	op.state = next
	return true
}

// Sequencer runs the operations submitted for one device strictly one at a
// time in submission order. A failed operation does not stop the ones queued
// behind it.
type Sequencer struct {
	mu     sync.Mutex
	queue  []*operation
	locked bool
}

// New creates an idle sequencer
func New() *Sequencer {
	return &Sequencer{}
}

// Do queues exec on s and returns its result once it has run.
// If ctx ends before exec's turn, exec is skipped and ctx.Err() is returned.
func Do[T any](ctx context.Context, s *Sequencer, exec func(ctx context.Context) (T, error)) (T, error) {
	value, err := s.submit(ctx, func(ctx context.Context) (any, error) {
		return exec(ctx)
	})
	result, _ := value.(T)
	return result, err
}

// Run is Do for operations without a result
func (s *Sequencer) Run(ctx context.Context, exec func(ctx context.Context) error) error {
	_, err := s.submit(ctx, func(ctx context.Context) (any, error) {
		return nil, exec(ctx)
	})
	return err
}

// Len returns the number of operations waiting for their turn
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Busy reports whether an operation is queued or running
func (s *Sequencer) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

func (s *Sequencer) submit(ctx context.Context, exec func(ctx context.Context) (any, error)) (any, error) {
	op := &operation{
		ctx:  ctx,
		exec: exec,
		done: make(chan result, 1),
	}

	s.mu.Lock()
	s.queue = append(s.queue, op)
	if !s.locked {
		s.locked = true
		go s.drain()
	}
	s.mu.Unlock()

	select {
	case r := <-op.done:
		return r.value, r.err
	case <-ctx.Done():
		if op.transition(stateCancelled) {
			return nil, ctx.Err()
		}
		// Already running; its result is owed to this caller
		r := <-op.done
		return r.value, r.err
	}
}

// drain runs queued operations until the queue is empty, then releases the lock
func (s *Sequencer) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.locked = false
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if !op.transition(stateRunning) {
			continue
		}
		if err := op.ctx.Err(); err != nil {
			op.done <- result{err: err}
			continue
		}
		op.done <- run(op)
	}
}

func run(op *operation) (r result) {
	defer func() {
		if p := recover(); p != nil {
			r = result{err: fmt.Errorf("operation panicked: %v", p)}
		}
	}()
	value, err := op.exec(op.ctx)
	return result{value: value, err: err}
}
