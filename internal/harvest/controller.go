package harvest

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// controller sizes the worker pool from the measured request cost. It is
// the only goroutine that touches the worker set.
type controller struct {
	opts    Options
	tasks   *Dispatcher
	samples *samples
	metrics *Metrics
	spawnFn func(id int) (*worker, error)
	log     *zap.Logger

	mu       sync.Mutex
	workers  []*worker // live, not retired; oldest first
	retiring []*worker // told to stop, still finishing a task
	all      sync.WaitGroup
	nextID   int
}

// size is the current number of live, non-retired workers.
func (c *controller) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}

// active counts every worker that may still call the source, retiring ones
// included.
func (c *controller) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers) + len(c.retiring)
}

func (c *controller) spawn(ctx context.Context) error {
	c.nextID++
	w, err := c.spawnFn(c.nextID)
	if err != nil {
		return eris.Wrapf(err, "harvest: start worker %d", c.nextID)
	}
	c.mu.Lock()
	c.workers = append(c.workers, w)
	n := len(c.workers) + len(c.retiring)
	c.mu.Unlock()

	c.all.Add(1)
	go func() {
		defer c.all.Done()
		w.run(ctx)
	}()
	c.metrics.Workers.Set(float64(n))
	return nil
}

// retireOldest signals the longest-running worker to stop before its next
// task. It stays in the active count until it has exited.
func (c *controller) retireOldest() {
	c.mu.Lock()
	w := c.workers[0]
	c.workers = c.workers[1:]
	c.retiring = append(c.retiring, w)
	c.mu.Unlock()

	w.stop()
}

// prune drops workers that have exited, retired or not.
func (c *controller) prune() {
	c.mu.Lock()
	c.workers = aliveOnly(c.workers)
	c.retiring = aliveOnly(c.retiring)
	n := len(c.workers) + len(c.retiring)
	c.mu.Unlock()
	c.metrics.Workers.Set(float64(n))
}

func aliveOnly(ws []*worker) []*worker {
	live := ws[:0]
	for _, w := range ws {
		if w.alive() {
			live = append(live, w)
		}
	}
	return live
}

// run drives the pool until the dispatcher is drained, then waits for every
// worker. Cancelling ctx discards the remaining tasks.
func (c *controller) run(ctx context.Context) error {
	defer func() {
		c.all.Wait()
		c.metrics.Workers.Set(0)
	}()

	if c.tasks.Depth() == 0 {
		return nil
	}
	if err := c.spawn(ctx); err != nil {
		c.tasks.Discard()
		return err
	}

	ticker := time.NewTicker(c.opts.EvalInterval)
	defer ticker.Stop()

	budget := c.opts.Window.Seconds() * c.opts.TargetRPS
	boundary := time.Now()
	seen := 0
	cancelled := false

	for {
		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				n := c.tasks.Discard()
				c.log.Warn("harvest: run cancelled, discarding queue", zap.Int("discarded", n))
			}
		case <-ticker.C:
		}

		c.prune()
		depth := c.tasks.Depth()
		if depth == 0 {
			return nil
		}

		w := c.size()
		room := c.active() < c.opts.MaxWorkers
		if w == 0 {
			if !room {
				continue
			}
			c.log.Info("harvest: no live workers, starting one", zap.Int("queued", depth))
			if err := c.spawn(ctx); err != nil {
				n := c.tasks.Discard()
				c.log.Error("harvest: cannot start worker, discarding queue", zap.Int("discarded", n), zap.Error(err))
				return err
			}
			continue
		}

		if time.Since(boundary) < c.opts.Window {
			continue
		}

		done := c.samples.count()
		last := done - seen
		seen = done
		c.samples.setLookBack(last)
		hits := float64(c.samples.sumLast(last))

		switch {
		case hits > 0 && hits+hits/float64(w) <= budget && room && w < depth:
			c.log.Info("harvest: adding worker", zap.Float64("hits", hits), zap.Int("workers", w+1))
			if err := c.spawn(ctx); err != nil {
				c.log.Warn("harvest: add worker failed", zap.Error(err))
			}
		case hits > budget && w > 1:
			c.log.Info("harvest: removing worker", zap.Float64("hits", hits), zap.Int("workers", w-1))
			c.retireOldest()
		}
		boundary = time.Now()
	}
}
