package engine

import (
	"context"
	"hash/fnv"

	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/refract/api"
)

// Submit enqueues a source event for the worker pump. Events for one source
// path always land on the same worker, so per-path ordering is preserved
// while distinct paths evaluate concurrently.
func (e *Engine) Submit(ctx context.Context, ev api.SourceEvent) error {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ev.Path))
	q := e.queues[h.Sum32()%uint32(len(e.queues))]
	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the event queues until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range e.queues {
		q := q
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case ev := <-q:
					e.HandleSourceEvent(gctx, ev)
				}
			}
		})
	}
	return g.Wait()
}
