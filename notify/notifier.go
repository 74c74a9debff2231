// Package notify delivers collection events to collector clients over
// Redis pub/sub. The web frontends subscribe per collector.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is the payload published on a collector's channel
type Event struct {
	Kind          string    `json:"kind"`
	ApplicationID int64     `json:"application_id"`
	At            time.Time `json:"at"`
}

const kindRepaid = "case_repaid"

// RedisNotifier publishes events on bomber:notify:<id>
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Channel returns the pub/sub channel name for one collector
func Channel(bomberID int64) string {
	return fmt.Sprintf("bomber:notify:%d", bomberID)
}

// NotifyRepaid tells the case's collector that the debtor settled
func (n *RedisNotifier) NotifyRepaid(ctx context.Context, bomberID, applicationID int64) error {
	payload, err := json.Marshal(Event{
		Kind:          kindRepaid,
		ApplicationID: applicationID,
		At:            time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, Channel(bomberID), payload).Err()
}
