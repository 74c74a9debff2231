package autocall

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey    = "autocall:pending"
	processingKey = "autocall:processing"
	claimsKey     = "autocall:claims"
)

// Queue is the automated-contact work queue for first-band cases, backed by
// Redis lists. Push/Remove are driven by dispatch; the dialer drains with
// Pop and acknowledges with Complete. A popped case sits on the processing
// list until completed, so a crashed dialer's cases can be scavenged back.
type Queue struct {
	client *redis.Client
}

// NewQueue creates a queue on an existing Redis client
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Push enqueues a case for automated contact. Duplicates are removed first
// so a case is queued at most once.
func (q *Queue) Push(ctx context.Context, applicationID int64) error {
	member := strconv.FormatInt(applicationID, 10)
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, pendingKey, 0, member)
	pipe.RPush(ctx, pendingKey, member)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("autocall push %d: %w", applicationID, err)
	}
	return nil
}

// Pop claims the next case for dialing. Returns 0 with no error when the
// queue is empty.
func (q *Queue) Pop(ctx context.Context) (int64, error) {
	member, err := q.client.LMove(ctx, pendingKey, processingKey, "LEFT", "RIGHT").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("autocall pop: %w", err)
	}

	id, err := strconv.ParseInt(member, 10, 64)
	if err != nil {
		// Corrupt member: drop it rather than block the queue
		q.client.LRem(ctx, processingKey, 0, member)
		return 0, fmt.Errorf("autocall pop: bad member %q: %w", member, err)
	}
	if err := q.client.HSet(ctx, claimsKey, member, time.Now().Unix()).Err(); err != nil {
		return 0, fmt.Errorf("autocall pop: claim %d: %w", id, err)
	}
	return id, nil
}

// Complete acknowledges a dialed case and drops its claim
func (q *Queue) Complete(ctx context.Context, applicationID int64) error {
	member := strconv.FormatInt(applicationID, 10)
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 0, member)
	pipe.HDel(ctx, claimsKey, member)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("autocall complete %d: %w", applicationID, err)
	}
	return nil
}

// Remove takes a case out of the queue entirely, whichever list it is on.
// Dispatch calls it on repayment, reassignment and promise expiry.
func (q *Queue) Remove(ctx context.Context, applicationID int64) error {
	member := strconv.FormatInt(applicationID, 10)
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, pendingKey, 0, member)
	pipe.LRem(ctx, processingKey, 0, member)
	pipe.HDel(ctx, claimsKey, member)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("autocall remove %d: %w", applicationID, err)
	}
	return nil
}

// Len reports the pending backlog
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, pendingKey).Result()
}

// ScavengeStuck requeues cases claimed longer than maxAge ago. Returns the
// ids moved back to pending.
func (q *Queue) ScavengeStuck(ctx context.Context, maxAge time.Duration) ([]int64, error) {
	claims, err := q.client.HGetAll(ctx, claimsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("autocall scavenge: %w", err)
	}

	cutoff := time.Now().Add(-maxAge).Unix()
	var requeued []int64
	for member, claimedAt := range claims {
		ts, err := strconv.ParseInt(claimedAt, 10, 64)
		if err != nil || ts > cutoff {
			continue
		}
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			q.client.HDel(ctx, claimsKey, member)
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, processingKey, 0, member)
		pipe.HDel(ctx, claimsKey, member)
		pipe.RPush(ctx, pendingKey, member)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, fmt.Errorf("autocall scavenge %d: %w", id, err)
		}
		requeued = append(requeued, id)
	}
	return requeued, nil
}
