// Package notify delivers outbound notifications to connected clients through a message channel.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Notification is the JSON envelope delivered to subscribers.
type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Publisher sends one payload to a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, n Notification) error
}

// Channels names the channels notifications are published to.
type Channels struct {
	Prefix string
}

func (c Channels) User(uid string) string {
	return fmt.Sprintf("%s:user:%s", c.Prefix, uid)
}

func (c Channels) Moderation() string {
	return c.Prefix + ":moderation"
}

type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis publishes with PUBLISH, so only currently subscribed clients receive a notification.
type Redis struct {
	rdb RedisClient
}

func NewRedis(rdb RedisClient) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Publish(ctx context.Context, channel string, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", n.Event, err)
	}

	return r.rdb.Publish(ctx, channel, b).Err()
}
