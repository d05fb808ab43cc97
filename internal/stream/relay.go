package stream

import (
	"context"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel market updates are relayed on.
const DefaultChannel = "orderbook:market-updates"

// RedisRelay publishes messages on a Redis channel and forwards everything
// received on it to the local hub, so clients of every replica see every
// update exactly once.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger
}

// NewRedisRelay creates a relay between rdb and hub.
func NewRedisRelay(rdb *redis.Client, channel string, hub *Hub, logger *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		hub:     hub,
		logger:  logger,
	}
}

// Publish sends msg to the channel. If Redis is unavailable the message is
// delivered to local clients only.
func (r *RedisRelay) Publish(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("encode stream message", "type", msg.Type, "err", err)
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Warn("relay publish failed, delivering locally", "channel", r.channel, "err", err)
		r.hub.BroadcastRaw(data)
	}
}

// Run subscribes to the channel and forwards payloads to the hub until ctx
// is cancelled, resubscribing after connection loss.
func (r *RedisRelay) Run(ctx context.Context) {
	for {
		pubsub := r.rdb.Subscribe(ctx, r.channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			r.logger.Warn("relay subscribe failed", "channel", r.channel, "err", err)
		} else {
			r.forward(ctx, pubsub.Channel(redis.WithChannelSize(1024)))
		}
		_ = pubsub.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.hub.BroadcastRaw([]byte(msg.Payload))
		}
	}
}
