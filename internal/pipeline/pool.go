// Package pipeline fans sentence units out to a synthesizer through a bounded
// pool and reassembles the results, either buffered or as a stream.
package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const DefaultConcurrency = 4

// Pool bounds the number of synthesis calls in flight. A single pool is
// shared by every request the process serves.
type Pool struct {
	sem      *semaphore.Weighted
	limit    int
	inflight atomic.Int64
}

// NewPool returns a pool with limit slots. A non-positive limit uses DefaultConcurrency.
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Acquire blocks until a slot is free or ctx is done. A slot is never handed
// out once ctx is done, even if one was free.
func (p *Pool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		p.sem.Release(1)
		return err
	}
	p.inflight.Add(1)
	return nil
}

// Release returns a slot obtained by Acquire.
func (p *Pool) Release() {
	p.inflight.Add(-1)
	p.sem.Release(1)
}

func (p *Pool) InFlight() int { return int(p.inflight.Load()) }

func (p *Pool) Limit() int { return p.limit }
