package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/confab-dev/confab/internal/metrics"
)

// Redis is the shared backend built on redis pub/sub. go-redis owns the
// wire; we re-queue into a bounded channel so a stuck client drops its
// oldest messages instead of stalling everyone.
type Redis struct {
	client   *redis.Client
	queueLen int
	reg      *metrics.Registry
}

var _ Exchange = (*Redis)(nil)

func NewRedis(url string, queueLen int, reg *metrics.Registry) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("exchange: redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts), queueLen: queueLen, reg: reg}, nil
}

func NewRedisFromClient(client *redis.Client, queueLen int, reg *metrics.Registry) *Redis {
	return &Redis{client: client, queueLen: queueLen, reg: reg}
}

func (r *Redis) Publish(ctx context.Context, key string, data []byte) error {
	if err := r.client.Publish(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("exchange: publish: %w", err)
	}
	r.reg.Inc(metrics.ExchangePublished)
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, keys ...string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, keys...)
	// Force the subscribe round trip so binds are effective on return.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("exchange: subscribe: %w", err)
	}
	sub := &redisSub{
		ex: r,
		ps: ps,
		ch: make(chan Delivery, r.queueLen),
	}
	go sub.pump()
	return sub, nil
}

func (r *Redis) Close() error { return nil }

type redisSub struct {
	ex *Redis
	ps *redis.PubSub
	ch chan Delivery

	mu     sync.Mutex
	closed bool
}

func (s *redisSub) C() <-chan Delivery { return s.ch }

func (s *redisSub) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		d := Delivery{Key: msg.Channel, Data: []byte(msg.Payload)}
		for {
			select {
			case s.ch <- d:
			default:
				select {
				case dropped := <-s.ch:
					s.ex.reg.Inc(metrics.ExchangeDropped)
					log.Warn().Str("module", "exchange").
						Str("key", dropped.Key).
						Msg("subscriber queue full, dropping oldest message")
				default:
				}
				continue
			}
			break
		}
	}
}

func (s *redisSub) Bind(ctx context.Context, keys ...string) error {
	if err := s.ps.Subscribe(ctx, keys...); err != nil {
		return fmt.Errorf("exchange: bind: %w", err)
	}
	return nil
}

func (s *redisSub) Unbind(ctx context.Context, keys ...string) error {
	if err := s.ps.Unsubscribe(ctx, keys...); err != nil {
		return fmt.Errorf("exchange: unbind: %w", err)
	}
	return nil
}

func (s *redisSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.ps.Close()
}
