package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

// Order selects how streamed chunks are released.
type Order string

const (
	// OrderCompletion releases each chunk as soon as it is synthesized.
	OrderCompletion Order = "completion"
	// OrderSentence holds chunks until every lower index has resolved.
	OrderSentence Order = "sentence"
)

// ParseOrder accepts "completion", "sentence" or "" (completion).
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrderCompletion:
		return OrderCompletion, nil
	case OrderSentence:
		return OrderSentence, nil
	default:
		return "", fmt.Errorf("unknown stream order %q", s)
	}
}

// Failure records a unit that produced no chunk.
type Failure struct {
	Index int
	Err   error
}

// Collected is the buffered result of a dispatch.
type Collected struct {
	Chunks []audio.Chunk // ascending Index
	Failed []Failure     // ascending Index
}

// Collect waits for every outcome and returns the chunks ordered by unit
// index, whatever order they completed in. It returns ctx.Err() if ctx is
// done first.
func Collect(ctx context.Context, outcomes <-chan Outcome) (Collected, error) {
	var c Collected
	for {
		select {
		case <-ctx.Done():
			return Collected{}, ctx.Err()
		case o, ok := <-outcomes:
			if !ok {
				slices.SortFunc(c.Chunks, func(a, b audio.Chunk) int { return a.Index - b.Index })
				slices.SortFunc(c.Failed, func(a, b Failure) int { return a.Index - b.Index })
				return c, nil
			}
			if o.Err != nil {
				c.Failed = append(c.Failed, Failure{Index: o.Index, Err: o.Err})
				continue
			}
			c.Chunks = append(c.Chunks, o.Chunk)
		}
	}
}

// Tally accumulates what a stream delivered. It is safe to read while the
// stream is running; values are final once the chunk channel is closed.
type Tally struct {
	mu        sync.Mutex
	delivered []int
	failed    []Failure
	err       error
}

func (t *Tally) Delivered() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.delivered)
}

func (t *Tally) Failed() []Failure {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.failed)
}

// Err is the context error if the stream was cut short.
func (t *Tally) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Tally) deliver(index int) {
	t.mu.Lock()
	t.delivered = append(t.delivered, index)
	t.mu.Unlock()
}

func (t *Tally) fail(f Failure) {
	t.mu.Lock()
	t.failed = append(t.failed, f)
	t.mu.Unlock()
}

func (t *Tally) abort(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// Stream forwards chunks as outcomes arrive. Failed units are skipped and
// recorded in the tally. With OrderSentence a chunk is held back until all
// lower indices have either been delivered or failed. The returned channel
// is closed when outcomes is exhausted or ctx is done; the consumer must keep
// reading or cancel ctx.
func Stream(ctx context.Context, outcomes <-chan Outcome, order Order) (<-chan audio.Chunk, *Tally) {
	out := make(chan audio.Chunk)
	tally := &Tally{}
	go func() {
		defer close(out)
		emit := func(c audio.Chunk) bool {
			select {
			case out <- c:
				tally.deliver(c.Index)
				return true
			case <-ctx.Done():
				tally.abort(ctx.Err())
				return false
			}
		}

		next := 0
		held := map[int]audio.Chunk{}
		skipped := map[int]bool{}
		release := func() bool {
			for {
				if c, ok := held[next]; ok {
					delete(held, next)
					if !emit(c) {
						return false
					}
				} else if !skipped[next] {
					return true
				}
				next++
			}
		}

		for {
			select {
			case <-ctx.Done():
				tally.abort(ctx.Err())
				return
			case o, ok := <-outcomes:
				if !ok {
					if err := ctx.Err(); err != nil {
						tally.abort(err)
					}
					// Units never admitted leave gaps; flush whatever is held.
					rest := make([]int, 0, len(held))
					for idx := range held {
						rest = append(rest, idx)
					}
					slices.Sort(rest)
					for _, idx := range rest {
						if !emit(held[idx]) {
							return
						}
					}
					return
				}
				if o.Err != nil {
					tally.fail(Failure{Index: o.Index, Err: o.Err})
					skipped[o.Index] = true
				} else if order == OrderSentence {
					held[o.Index] = o.Chunk
				} else if !emit(o.Chunk) {
					return
				}
				if order == OrderSentence && !release() {
					return
				}
			}
		}
	}()
	return out, tally
}
