package worker

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osmstore-go/internal/store"
)

// Pool is a fixed set of workers. Stores are either broadcast to every
// worker or routed to one worker by ID.
type Pool struct {
	workers []*Worker
}

// NewPool starts n workers sharing opts.
func NewPool(n int, opts Options) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{workers: make([]*Worker, n)}
	for i := range p.workers {
		p.workers[i] = New(fmt.Sprintf("worker-%d", i), opts)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Worker returns worker i.
func (p *Pool) Worker(i int) *Worker {
	return p.workers[i]
}

// Route returns the worker that owns changesets for store id.
func (p *Pool) Route(id string) *Worker {
	return p.workers[xxhash.Sum64String(id)%uint64(len(p.workers))]
}

// Broadcast publishes one immutable store to every worker. The column
// buffers are shared, never copied.
func (p *Pool) Broadcast(ctx context.Context, id string, st *store.Store) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return w.Set(gctx, id, st)
		})
	}
	return g.Wait()
}

// Evict removes id from every worker that holds it.
func (p *Pool) Evict(ctx context.Context, id string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			state, err := w.State(gctx, id)
			if err != nil || state != Loaded {
				return err
			}
			return w.Delete(gctx, id)
		})
	}
	return g.Wait()
}

// Republish copies the current revision of id from its owning worker to all
// others, typically after ApplyChanges swapped it on the owner.
func (p *Pool) Republish(ctx context.Context, id string) error {
	st, err := p.Route(id).Get(ctx, id)
	if err != nil {
		return err
	}
	return p.Broadcast(ctx, id, st)
}

// Close stops every worker.
func (p *Pool) Close() {
	for _, w := range p.workers {
		w.Close()
	}
}
