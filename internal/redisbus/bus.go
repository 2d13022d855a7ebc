// Package redisbus is a Redis pub/sub broadcast channel.
package redisbus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"chat-sync/internal/transport"
)

// Bus publishes and subscribes through Redis channels named after topics.
type Bus struct {
	rdb *redis.Client
}

// New wraps an existing client.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Connect dials Redis and checks the connection.
func Connect(ctx context.Context, addr, password string, db int) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Printf("redis connected addr=%s db=%d", addr, db)
	return New(rdb), nil
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

// Subscribe waits for the subscription to be confirmed before returning.
func (b *Bus) Subscribe(ctx context.Context, topic string) (transport.TopicSubscription, error) {
	ps := b.rdb.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &subscription{ps: ps, out: make(chan []byte, 16)}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			select {
			case sub.out <- []byte(msg.Payload):
			default:
			}
		}
	}()
	return sub, nil
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}

type subscription struct {
	ps   *redis.PubSub
	out  chan []byte
	once sync.Once
}

func (s *subscription) Messages() <-chan []byte {
	return s.out
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}

var _ transport.Broadcaster = (*Bus)(nil)
