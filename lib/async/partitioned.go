package async

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/tradefab/execd/errs"
)

// Partitioned runs a fixed set of single-goroutine workers, assigning each
// key to exactly one worker by FNV hash. Tasks sharing a key execute in
// submission order; tasks with different keys run concurrently.
type Partitioned struct {
	workers []chan job
	wg      sync.WaitGroup
	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewPartitioned creates a partitioned pool with the given worker count and
// per-worker queue depth.
func NewPartitioned(workers, queue int) (*Partitioned, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.KindMalformed, errs.WithMessage("workers must be >0"))
	}
	if queue <= 0 {
		queue = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Partitioned)
	p.ctx = ctx
	p.cancel = cancel
	p.workers = make([]chan job, workers)
	for i := range p.workers {
		ch := make(chan job, queue)
		p.workers[i] = ch
		p.wg.Add(1)
		go p.run(ch)
	}
	return p, nil
}

// Submit schedules fn on the worker owning key. Blocks while that worker's
// queue is full so per-key ordering is never broken by drops.
func (p *Partitioned) Submit(ctx context.Context, key string, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.KindMalformed, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch := p.workers[p.index(key)]
	select {
	case <-p.ctx.Done():
		return errs.New("lib/async", errs.KindShutdown, errs.WithMessage("partitioned pool closed"))
	case <-ctx.Done():
		return ctx.Err()
	case ch <- job{ctx: ctx, fn: fn}:
		return nil
	}
}

// Shutdown stops accepting tasks, drains queued work, and waits for workers.
func (p *Partitioned) Shutdown(ctx context.Context) error {
	p.once.Do(func() {
		p.cancel()
		for _, ch := range p.workers {
			close(ch)
		}
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Partitioned) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.workers)))
}

func (p *Partitioned) run(ch chan job) {
	defer p.wg.Done()
	for job := range ch {
		ctx := job.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					_ = r
				}
			}()
			if err := job.fn(ctx); err != nil {
				_ = err
			}
		}()
	}
}
