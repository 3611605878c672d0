// Package llmclient implements a keyed, health-tracked pool of reusable
// LLM chat clients: get a client for an endpoint/credential pair, reuse
// it across calls while it stays healthy and young, and evict it
// otherwise. A background sweeper can periodically clean up entries
// nothing has touched recently.
package llmclient

import (
	"context"
	"sync"
	"time"

	"github.com/forgeline/agentgraph/graph/model"
)

const (
	maxFailureCount     = 5
	recentFailureWindow = 60 * time.Second
	maxClientAge        = time.Hour
	credentialKeyChars  = 10
)

// Factory builds the underlying chat client for an endpoint/credential
// pair. Supplied by the caller so the pool stays provider-agnostic;
// typically one of the teacher's model/openai, model/anthropic, or
// model/google constructors.
type Factory func(endpoint, credential string, timeout time.Duration) model.ChatModel

type entry struct {
	client       model.ChatModel
	createdAt    time.Time
	lastSuccess  time.Time
	failureCount int
	requestCount int
	successCount int
}

// Pool is a cache of LLM clients keyed by endpoint and a credential
// prefix, reusing clients across calls within their health and age
// limits rather than dialing a fresh one every request.
type Pool struct {
	mu      sync.Mutex
	factory Factory
	clients map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a client pool backed by factory.
func NewPool(factory Factory) *Pool {
	return &Pool{
		factory: factory,
		clients: make(map[string]*entry),
	}
}

func cacheKey(endpoint, credential string) string {
	prefix := credential
	if len(prefix) > credentialKeyChars {
		prefix = prefix[:credentialKeyChars]
	}
	return endpoint + ":" + prefix
}

// Get returns a cached client for endpoint/credential if one exists and
// is healthy, otherwise builds and caches a new one via the pool's
// factory.
func (p *Pool) Get(endpoint, credential string, timeout time.Duration) model.ChatModel {
	key := cacheKey(endpoint, credential)

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.clients[key]; ok {
		if isHealthy(e, time.Now()) {
			return e.client
		}
		delete(p.clients, key)
	}

	now := time.Now()
	e := &entry{
		client:      p.factory(endpoint, credential, timeout),
		createdAt:   now,
		lastSuccess: now,
	}
	p.clients[key] = e
	return e.client
}

// isHealthy reports whether an entry should still be reused: fewer than
// maxFailureCount consecutive failures, or a success within the recent
// window; and a client age under maxClientAge.
func isHealthy(e *entry, now time.Time) bool {
	if e.failureCount >= maxFailureCount && now.Sub(e.lastSuccess) >= recentFailureWindow {
		return false
	}
	if now.Sub(e.createdAt) > maxClientAge {
		return false
	}
	return true
}

// RecordResult updates health counters for the client identified by
// endpoint/credential. Every success decays failureCount by one (floor
// zero); every failure increments it. A key with no cached entry (the
// client was already evicted) is a no-op.
func (p *Pool) RecordResult(endpoint, credential string, success bool) {
	key := cacheKey(endpoint, credential)

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.clients[key]
	if !ok {
		return
	}
	e.requestCount++
	if success {
		e.successCount++
		e.lastSuccess = time.Now()
		if e.failureCount > 0 {
			e.failureCount--
		}
	} else {
		e.failureCount++
	}
}

// Sweep evicts every currently-unhealthy client. StartSweeper calls this
// on a timer; callers may also invoke it directly.
func (p *Pool) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for key, e := range p.clients {
		if !isHealthy(e, now) {
			delete(p.clients, key)
		}
	}
}

// StartSweeper runs Sweep on interval until ctx is cancelled or Close is
// called, mirroring the original pool's periodic health_check loop.
func (p *Pool) StartSweeper(ctx context.Context, interval time.Duration) {
	p.stop = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.Sweep()
			}
		}
	}()
}

// Stats reports pool-wide and per-key counters.
type Stats struct {
	ActiveClients  int
	TotalRequests  int
	TotalSuccesses int
	PerKey         map[string]KeyStats
}

// KeyStats is the per-cache-key breakdown within Stats.
type KeyStats struct {
	Requests   int
	Successes  int
	Failures   int
	AgeSeconds float64
}

// Stats returns a snapshot of pool and per-client counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	s := Stats{ActiveClients: len(p.clients), PerKey: make(map[string]KeyStats, len(p.clients))}
	for key, e := range p.clients {
		s.TotalRequests += e.requestCount
		s.TotalSuccesses += e.successCount
		s.PerKey[key] = KeyStats{
			Requests:   e.requestCount,
			Successes:  e.successCount,
			Failures:   e.failureCount,
			AgeSeconds: now.Sub(e.createdAt).Seconds(),
		}
	}
	return s
}

// Close stops the background sweeper, if running, and drops every
// cached client so a subsequent Get recreates from scratch.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.stop != nil {
		p.stopOnce.Do(func() { close(p.stop) })
	}
	p.clients = make(map[string]*entry)
	p.mu.Unlock()
	p.wg.Wait()
}
