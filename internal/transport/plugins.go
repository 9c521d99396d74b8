package transport

import (
	"fmt"
	"sort"
	"sync"
)

// Plugins maps plugin names, as stored on a Computer, to implementations.
type Plugins struct {
	mu         sync.RWMutex
	transports map[string]Transport
	schedulers map[string]Scheduler
}

// NewPlugins returns an empty plugin set.
func NewPlugins() *Plugins {
	return &Plugins{
		transports: make(map[string]Transport),
		schedulers: make(map[string]Scheduler),
	}
}

// RegisterTransport binds name to t, replacing any previous binding.
func (p *Plugins) RegisterTransport(name string, t Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transports[name] = t
}

// RegisterScheduler binds name to s, replacing any previous binding.
func (p *Plugins) RegisterScheduler(name string, s Scheduler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schedulers[name] = s
}

// Transport returns the transport registered under name.
func (p *Plugins) Transport(name string) (Transport, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.transports[name]
	if !ok {
		return nil, fmt.Errorf("transport %q: %w", name, ErrUnknownPlugin)
	}
	return t, nil
}

// Scheduler returns the scheduler registered under name.
func (p *Plugins) Scheduler(name string) (Scheduler, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.schedulers[name]
	if !ok {
		return nil, fmt.Errorf("scheduler %q: %w", name, ErrUnknownPlugin)
	}
	return s, nil
}

// Names lists registered transport and scheduler names, sorted.
func (p *Plugins) Names() (transports, schedulers []string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for name := range p.transports {
		transports = append(transports, name)
	}
	for name := range p.schedulers {
		schedulers = append(schedulers, name)
	}
	sort.Strings(transports)
	sort.Strings(schedulers)
	return transports, schedulers
}
