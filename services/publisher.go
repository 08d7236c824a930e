package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"chorus/presence-tracker/models"
	"chorus/presence-tracker/utils"
)

// EventPublisher receives session lifecycle events after they are committed.
type EventPublisher interface {
	Publish(ctx context.Context, event models.SessionEvent) error
}

// RedisPublisher fans session events out over a Redis channel and can relay
// that channel back into a local sink such as the stream hub.
type RedisPublisher struct {
	redis   *redis.Client
	channel string
	logger  *utils.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func NewRedisPublisher(client *redis.Client, channel string, logger *utils.Logger) *RedisPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisPublisher{
		redis:   client,
		channel: channel,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event models.SessionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}
	if err := p.redis.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish session event: %w", err)
	}
	return nil
}

// Relay subscribes to the channel and hands every decoded event to sink
// until Stop is called.
func (p *RedisPublisher) Relay(sink EventPublisher) {
	pubsub := p.redis.Subscribe(p.ctx, p.channel)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-p.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event models.SessionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					p.logger.Error("Failed to parse session event", "error", err)
					continue
				}
				if err := sink.Publish(p.ctx, event); err != nil {
					p.logger.Warn("Failed to relay session event", "type", event.Type, "error", err)
				}
			}
		}
	}()
}

// Stop ends the relay and closes the Redis client.
func (p *RedisPublisher) Stop() {
	p.cancel()
	p.wg.Wait()

	if err := p.redis.Close(); err != nil {
		p.logger.Error("Failed to close Redis connection", "error", err)
	}
}
