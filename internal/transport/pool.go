package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/roach88/provflow/internal/registry"
)

// PoolConfig bounds sessions per Computer.
type PoolConfig struct {
	// MaxSessions caps concurrently borrowed sessions per Computer.
	MaxSessions int
	// OpenInterval is the minimum spacing between opening new connections
	// to the same Computer. Zero disables the limit.
	OpenInterval time.Duration
}

// Pool keeps reusable sessions per Computer.
type Pool struct {
	plugins *Plugins
	cfg     PoolConfig
	logger  *slog.Logger

	mu     sync.Mutex
	pools  map[string]*computerPool
	closed bool
}

type computerPool struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu sync.Mutex
	// computer is the configuration the idle sessions were opened with.
	computer registry.Computer
	idle     []Session
}

// NewPool returns a session pool over plugins.
func NewPool(plugins *Plugins, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		plugins: plugins,
		cfg:     cfg,
		logger:  logger,
		pools:   make(map[string]*computerPool),
	}
}

// Plugins returns the plugin set sessions are opened with.
func (p *Pool) Plugins() *Plugins {
	return p.plugins
}

func (p *Pool) computerPool(name string) (*computerPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("session pool closed")
	}
	cp, ok := p.pools[name]
	if !ok {
		limit := rate.Inf
		if p.cfg.OpenInterval > 0 {
			limit = rate.Every(p.cfg.OpenInterval)
		}
		cp = &computerPool{
			sem:     semaphore.NewWeighted(int64(p.cfg.MaxSessions)),
			limiter: rate.NewLimiter(limit, 1),
		}
		p.pools[name] = cp
	}
	return cp, nil
}

// WithSession borrows a session to c for the duration of fn. The session is
// returned to the pool afterwards, or closed and dropped if fn failed with a
// connection error. Waiting for a free slot honours ctx.
func (p *Pool) WithSession(ctx context.Context, c *registry.Computer, fn func(Session) error) error {
	cp, err := p.computerPool(c.Name)
	if err != nil {
		return err
	}
	if err := cp.sem.Acquire(ctx, 1); err != nil {
		return &ConnectionError{Op: "acquire session", Err: err}
	}
	defer cp.sem.Release(1)

	sess, err := p.take(ctx, cp, c)
	if err != nil {
		return err
	}

	fnErr := fn(sess)

	var connErr *ConnectionError
	if errors.As(fnErr, &connErr) {
		p.logger.Debug("dropping session after connection error", "computer", c.Name, "error", fnErr)
		sess.Close()
		return fnErr
	}
	p.put(cp, c, sess)
	return fnErr
}

// put returns sess to the idle list, or closes it when the pool is closed or
// the computer was reconfigured while it was borrowed.
func (p *Pool) put(cp *computerPool, c *registry.Computer, sess Session) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		sess.Close()
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.computer != *c {
		sess.Close()
		return
	}
	cp.idle = append(cp.idle, sess)
}

func (p *Pool) take(ctx context.Context, cp *computerPool, c *registry.Computer) (Session, error) {
	cp.mu.Lock()
	if cp.computer != *c {
		if len(cp.idle) > 0 {
			p.logger.Info("computer configuration changed, closing idle sessions",
				"computer", c.Name, "sessions", len(cp.idle))
		}
		for _, sess := range cp.idle {
			if err := sess.Close(); err != nil {
				p.logger.Debug("close stale session", "computer", c.Name, "error", err)
			}
		}
		cp.idle = nil
		cp.computer = *c
	}
	if n := len(cp.idle); n > 0 {
		sess := cp.idle[n-1]
		cp.idle = cp.idle[:n-1]
		cp.mu.Unlock()
		return sess, nil
	}
	cp.mu.Unlock()

	t, err := p.plugins.Transport(c.Transport)
	if err != nil {
		return nil, err
	}
	if err := cp.limiter.Wait(ctx); err != nil {
		return nil, &ConnectionError{Op: "open", Err: err}
	}
	sess, err := t.Open(ctx, c)
	if err != nil {
		if IsTransient(err) || IsRemoteIO(err) {
			return nil, err
		}
		return nil, &ConnectionError{Op: "open", Err: err}
	}
	p.logger.Debug("opened session", "computer", c.Name, "transport", c.Transport)
	return sess, nil
}

// Idle reports the number of idle sessions held for a computer.
func (p *Pool) Idle(computer string) int {
	p.mu.Lock()
	cp, ok := p.pools[computer]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.idle)
}

// Close closes every idle session and refuses further borrowing. Sessions
// still borrowed are closed when they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	var errs []error
	for name, cp := range p.pools {
		cp.mu.Lock()
		for _, sess := range cp.idle {
			if err := sess.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close session to %s: %w", name, err))
			}
		}
		cp.idle = nil
		cp.mu.Unlock()
	}
	return errors.Join(errs...)
}
