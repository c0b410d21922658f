// Package metrics is a minimal in-process counter registry. Modules and
// the transport bump counters through it; the janitor logs a snapshot at
// debug level. It deliberately has no exposition format of its own.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

type Registry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*atomic.Int64)}
}

func (r *Registry) counter(name string) *atomic.Int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = new(atomic.Int64)
	r.counters[name] = c
	return c
}

// Inc adds one to the named counter.
func (r *Registry) Inc(name string) { r.counter(name).Add(1) }

// Add adds delta to the named counter.
func (r *Registry) Add(name string, delta int64) { r.counter(name).Add(delta) }

// Set overwrites the named counter, for gauge-like values.
func (r *Registry) Set(name string, v int64) { r.counter(name).Store(v) }

// Get returns the current value, zero when the counter never moved.
func (r *Registry) Get(name string) int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// Snapshot returns the counters sorted by name, for logging.
func (r *Registry) Snapshot() []Sample {
	r.mu.RLock()
	out := make([]Sample, 0, len(r.counters))
	for name, c := range r.counters {
		out = append(out, Sample{Name: name, Value: c.Load()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type Sample struct {
	Name  string
	Value int64
}

// Names of the counters the core maintains. Modules may add their own
// under a "<module>." prefix.
const (
	RunnersStarted    = "signaling.runners_started"
	RunnersDestroyed  = "signaling.runners_destroyed"
	MessagesIn        = "signaling.messages_in"
	MessagesOut       = "signaling.messages_out"
	MessagesRejected  = "signaling.messages_rejected"
	ExchangePublished = "exchange.published"
	ExchangeDropped   = "exchange.dropped"
	ModuleErrors      = "signaling.module_errors"
	TicketsIssued     = "ticket.issued"
	TicketsResumed    = "ticket.resumed"
)
