// Package events publishes settlement outcomes for other services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/signal-settler/internal/utils"
	"github.com/redis/go-redis/v9"
)

const TopicSignalSettled = "signal.settled"

// TargetTouch is the settled state of one target.
type TargetTouch struct {
	Index     int        `json:"index"`
	Value     float64    `json:"value"`
	Touched   bool       `json:"touched"`
	TouchedAt *time.Time `json:"touched_at,omitempty"`
}

// SignalSettled is published once per settled signal.
type SignalSettled struct {
	SignalID     int64         `json:"signal_id"`
	UserID       int64         `json:"user_id"`
	Market       string        `json:"market"`
	Reward       float64       `json:"reward"`
	ExitedByStop bool          `json:"exited_by_stop"`
	Targets      []TargetTouch `json:"targets"`
	SettledAt    time.Time     `json:"settled_at"`
}

type Publisher interface {
	PublishSettled(ctx context.Context, event SignalSettled) error
	Close() error
}

// RedisPublisher publishes on Redis pub/sub channels named <prefix>:<topic>.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Channel(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + ":" + topic
}

func (p *RedisPublisher) PublishSettled(ctx context.Context, event SignalSettled) error {
	channel := p.Channel(TopicSignalSettled)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	utils.GetLogger().Debugf("Publisher | signal %d settled -> %s", event.SignalID, channel)
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// NopPublisher is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishSettled(ctx context.Context, event SignalSettled) error { return nil }

func (NopPublisher) Close() error { return nil }
