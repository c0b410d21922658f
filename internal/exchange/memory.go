package exchange

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/confab-dev/confab/internal/metrics"
)

var ErrClosed = errors.New("exchange: closed")

// Memory is the in-process backend: a bind table from routing key to
// subscriber, each subscriber behind a bounded queue.
type Memory struct {
	queueLen int
	reg      *metrics.Registry

	mu     sync.Mutex
	bound  map[string]map[*memorySub]struct{}
	closed bool
}

var _ Exchange = (*Memory)(nil)

func NewMemory(queueLen int, reg *metrics.Registry) *Memory {
	return &Memory{
		queueLen: queueLen,
		reg:      reg,
		bound:    make(map[string]map[*memorySub]struct{}),
	}
}

func (m *Memory) Publish(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.reg.Inc(metrics.ExchangePublished)
	for sub := range m.bound[key] {
		sub.deliver(Delivery{Key: key, Data: data})
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, keys ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{
		ex:   m,
		ch:   make(chan Delivery, m.queueLen),
		keys: make(map[string]struct{}, len(keys)),
	}
	for _, key := range keys {
		sub.bindLocked(key)
	}
	return sub, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	seen := make(map[*memorySub]struct{})
	for _, subs := range m.bound {
		for sub := range subs {
			seen[sub] = struct{}{}
		}
	}
	m.bound = make(map[string]map[*memorySub]struct{})
	for sub := range seen {
		sub.closeChan()
	}
	return nil
}

type memorySub struct {
	ex   *Memory
	keys map[string]struct{}

	sendMu sync.Mutex
	closed bool
	ch     chan Delivery
}

func (s *memorySub) C() <-chan Delivery { return s.ch }

// deliver enqueues without blocking; on a full queue the oldest message
// is dropped with a warning. Called with the exchange lock held.
func (s *memorySub) deliver(d Delivery) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- d:
			return
		default:
		}
		select {
		case dropped := <-s.ch:
			s.ex.reg.Inc(metrics.ExchangeDropped)
			log.Warn().Str("module", "exchange").
				Str("key", dropped.Key).
				Msg("subscriber queue full, dropping oldest message")
		default:
		}
	}
}

func (s *memorySub) bindLocked(key string) {
	if _, dup := s.keys[key]; dup {
		return
	}
	s.keys[key] = struct{}{}
	subs, ok := s.ex.bound[key]
	if !ok {
		subs = make(map[*memorySub]struct{})
		s.ex.bound[key] = subs
	}
	subs[s] = struct{}{}
}

func (s *memorySub) unbindLocked(key string) {
	delete(s.keys, key)
	if subs, ok := s.ex.bound[key]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.ex.bound, key)
		}
	}
}

func (s *memorySub) Bind(ctx context.Context, keys ...string) error {
	s.ex.mu.Lock()
	defer s.ex.mu.Unlock()
	if s.ex.closed {
		return ErrClosed
	}
	for _, key := range keys {
		s.bindLocked(key)
	}
	return nil
}

func (s *memorySub) Unbind(ctx context.Context, keys ...string) error {
	s.ex.mu.Lock()
	defer s.ex.mu.Unlock()
	for _, key := range keys {
		s.unbindLocked(key)
	}
	return nil
}

func (s *memorySub) Close() error {
	s.ex.mu.Lock()
	for key := range s.keys {
		s.unbindLocked(key)
	}
	s.ex.mu.Unlock()
	s.closeChan()
	return nil
}

func (s *memorySub) closeChan() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
