package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys:
//
//	SET  dsonboard:datasource:<id>:onboarded  <JSON>  EX <ttl>  last state, for polling
//	PUB  dsonboard:datasource                                   event stream, for subscribers
const (
	RedisChannel   = "dsonboard:datasource"
	redisKeyFormat = "dsonboard:datasource:%d:onboarded"
)

// RedisPublisher stores and broadcasts events through Redis.
type RedisPublisher struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPublisher creates a publisher from cfg.
func NewRedisPublisher(cfg Config) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisPublisherWithClient(client, time.Duration(cfg.TTL)*time.Second), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client, ttl time.Duration) *RedisPublisher {
	return &RedisPublisher{client: client, ttl: ttl}
}

// RedisKey is the last-state key of a data source.
func RedisKey(id int64) string {
	return fmt.Sprintf(redisKeyFormat, id)
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Onboarded) error {
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}
	if err := p.client.Set(ctx, RedisKey(ev.DatasourceID), payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	if err := p.client.Publish(ctx, RedisChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH failed: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
