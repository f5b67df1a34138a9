// Package feed fans out row-change events over Redis pub/sub so open
// dashboards refresh without polling.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Change operations.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// AdminChannel receives every event.
const AdminChannel = "feed:admin"

// UserChannel is the per-user channel.
func UserChannel(userID uuid.UUID) string { return "feed:user:" + userID.String() }

type Event struct {
	Table  string    `json:"table"`
	Op     string    `json:"op"`
	ID     string    `json:"id"`
	UserID uuid.UUID `json:"user_id"`
	At     time.Time `json:"at"`
}

type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish sends ev to the owner's channel and the admin channel.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := p.client.Pipeline()
	if ev.UserID != uuid.Nil {
		pipe.Publish(ctx, UserChannel(ev.UserID), data)
	}
	pipe.Publish(ctx, AdminChannel, data)
	_, err = pipe.Exec(ctx)
	return err
}

// Subscribe opens a subscription on channels. Callers must Close it.
func (p *Publisher) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return p.client.Subscribe(ctx, channels...)
}
