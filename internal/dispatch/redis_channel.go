package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisChannel publishes events on Redis pub/sub so every server instance can
// reach its own sockets. Redis keeps no backlog: an instance that is not
// subscribed misses the event.
type RedisChannel struct {
	client *redis.Client
	prefix string
}

func NewRedisChannel(client *redis.Client, prefix string) *RedisChannel {
	return &RedisChannel{client: client, prefix: prefix}
}

func (c *RedisChannel) Publish(ctx context.Context, recipient string, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.client.Publish(ctx, c.prefix+recipient, b).Err()
}

// RedisRelay forwards events from Redis to the local socket registry.
type RedisRelay struct {
	client *redis.Client
	prefix string
	local  Channel
	logger *slog.Logger
}

func NewRedisRelay(client *redis.Client, prefix string, local Channel, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, prefix: prefix, local: local, logger: logger}
}

// Run blocks until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	r.logger.Info("redis relay subscribed", "pattern", r.prefix+"*")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			r.forward(ctx, m)
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context, m *redis.Message) {
	recipient := strings.TrimPrefix(m.Channel, r.prefix)
	var ev Event
	if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
		r.logger.Warn("invalid relayed event", "channel", m.Channel, "error", err)
		return
	}
	if err := r.local.Publish(ctx, recipient, ev); err != nil {
		r.logger.Warn("relay to local sockets failed", "recipient", recipient, "type", ev.Type, "error", err)
	}
}
