// Package heartbeat publishes service status documents to a broker.
package heartbeat

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes heartbeats on a Redis pub/sub channel named after the topic.
// Redis pub/sub is fire-and-forget, so qos is accepted but has no effect.
type RedisSink struct {
	rdb       *redis.Client
	connected atomic.Bool
}

func NewRedisSink(addr, password string, db int) *RedisSink {
	return &RedisSink{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Ping checks the server and records the result for IsConnected.
func (s *RedisSink) Ping(ctx context.Context) error {
	err := s.rdb.Ping(ctx).Err()
	s.connected.Store(err == nil)
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// IsConnected reports the outcome of the last ping or publish.
func (s *RedisSink) IsConnected() bool {
	return s.connected.Load()
}

func (s *RedisSink) Publish(ctx context.Context, topic string, payload []byte, _ int) error {
	err := s.rdb.Publish(ctx, topic, payload).Err()
	s.connected.Store(err == nil)
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	s.connected.Store(false)
	return s.rdb.Close()
}
