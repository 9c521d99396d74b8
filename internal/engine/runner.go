package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// runOnceBatch caps how many due processes one RunOnce call picks up.
	runOnceBatch = 256
	// minDispatchWait keeps the dispatcher from spinning while due
	// processes are all in flight.
	minDispatchWait = 50 * time.Millisecond
)

// RunOnce steps every process that is due now, one after another, and
// returns how many steps ran. A failing step does not stop the others; their
// errors are joined.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	ids, err := e.store.ListRunnable(ctx, e.now(), runOnceBatch)
	if err != nil {
		return 0, err
	}
	var (
		ran  int
		errs []error
	)
	for _, id := range ids {
		ok, err := e.runOne(ctx, id, e.workerID)
		if ok {
			ran++
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("process %d: %w", id, err))
		}
	}
	return ran, errors.Join(errs...)
}

// runOne leases a process for one step. It reports false if another worker
// holds the lease.
func (e *Engine) runOne(ctx context.Context, id int64, owner string) (bool, error) {
	ok, err := e.store.AcquireLease(ctx, id, owner, e.cfg.LeaseTimeout)
	if err != nil || !ok {
		return false, err
	}
	defer e.releaseLease(ctx, id, owner)

	_, err = e.stepLeased(ctx, id)
	return true, err
}

// runLogged is runOne for workers, which have no caller to hand errors to.
func (e *Engine) runLogged(ctx context.Context, id int64, owner string) {
	if _, err := e.runOne(ctx, id, owner); err != nil && ctx.Err() == nil {
		e.logger.Error("step failed", "process", id, "owner", owner, "error", err)
	}
}

// Run drives all processes until ctx is cancelled: a dispatcher feeds due
// processes to Config.Workers workers, each stepping one leased process at a
// time. Stranded leases are recovered first.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "workers", e.cfg.Workers, "owner", e.workerID)
	if _, err := e.Recover(ctx); err != nil {
		return err
	}

	q := newReadyQueue()
	g, gctx := errgroup.WithContext(ctx)
	for i := range e.cfg.Workers {
		owner := fmt.Sprintf("%s/%d", e.workerID, i)
		g.Go(func() error {
			e.work(gctx, q, owner)
			return nil
		})
	}
	g.Go(func() error {
		defer q.Close()
		return e.dispatch(gctx, q)
	})

	err := g.Wait()
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) dispatch(ctx context.Context, q *readyQueue) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-e.kick:
		}

		ids, err := e.store.ListRunnable(ctx, e.now(), runOnceBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error("list runnable", "error", err)
		}
		for _, id := range ids {
			q.Enqueue(id)
		}

		wait := e.cfg.PollInterval
		next, err := e.store.NextDue(ctx)
		if err == nil && !next.IsZero() {
			wait = min(wait, max(next.Sub(e.now()), minDispatchWait))
		}
		timer.Reset(wait)
	}
}

func (e *Engine) work(ctx context.Context, q *readyQueue, owner string) {
	for {
		id, ok := q.TryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case _, open := <-q.Wait():
				if !open {
					return
				}
			}
			continue
		}
		e.runLogged(ctx, id, owner)
		q.Done(id)
		e.notify()
	}
}

// Recover makes processes stranded by a crashed worker runnable again by
// clearing their expired leases. It returns how many were recovered.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	now := e.now()
	stranded, err := e.store.ListStranded(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range stranded {
		ok, err := e.store.ClearExpiredLease(ctx, rec.NodeID, now)
		if err != nil {
			return n, err
		}
		if ok {
			n++
			e.logger.Warn("recovered stranded process",
				"process", rec.NodeID,
				"state", rec.State,
				"stage", rec.Stage,
				"lease_owner", rec.LeaseOwner,
			)
		}
	}
	return n, nil
}
