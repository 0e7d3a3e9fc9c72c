package backend

import "sync"

// Provider hands out a shared Manager. Construction is deferred to the
// first Get and happens at most once, so every part of the engine talks to
// the same failover state. Renew replaces the manager (after a config
// change), and Reset clears it entirely.
type Provider struct {
	build func() (*Manager, error)

	mu sync.Mutex
	m  *Manager
}

// NewProvider creates a Provider that builds managers with the given
// constructor.
func NewProvider(build func() (*Manager, error)) *Provider {
	return &Provider{build: build}
}

// Get returns the shared manager, constructing it on first call. A failed
// construction is not cached; the next Get retries.
func (p *Provider) Get() (*Manager, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.m != nil {
		return p.m, nil
	}
	m, err := p.build()
	if err != nil {
		return nil, err
	}
	p.m = m
	return m, nil
}

// Renew discards the current manager, closing its client, and constructs a
// fresh one.
func (p *Provider) Renew() (*Manager, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.m != nil {
		p.m.Close()
		p.m = nil
	}
	m, err := p.build()
	if err != nil {
		return nil, err
	}
	p.m = m
	return m, nil
}

// Reset closes and clears the shared manager. The next Get constructs a
// new one.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.m != nil {
		p.m.Close()
		p.m = nil
	}
}
