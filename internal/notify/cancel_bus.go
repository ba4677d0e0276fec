// Package notify carries best-effort cancel broadcasts between the API
// process and dispatcher instances over Redis pub/sub. The job store's
// cancel_requested column stays authoritative; dispatchers also poll it at
// lease-renewal cadence, so a lost message only delays cancellation, never
// drops it. Redis holds no queue state.
package notify

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cancelChannel = "jobs:cancel"

// CancelBus publishes and subscribes to job cancellation announcements.
type CancelBus struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

// NewCancelBus connects to Redis and verifies the connection.
func NewCancelBus(ctx context.Context, addr string, log *zap.SugaredLogger) (*CancelBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}
	return &CancelBus{rdb: rdb, log: log}, nil
}

// Publish announces that jobID has a pending cancel request.
func (b *CancelBus) Publish(ctx context.Context, jobID int64) error {
	return b.rdb.Publish(ctx, cancelChannel, strconv.FormatInt(jobID, 10)).Err()
}

// Subscribe delivers cancelled job ids until ctx ends. Malformed payloads
// are logged and skipped.
func (b *CancelBus) Subscribe(ctx context.Context) <-chan int64 {
	out := make(chan int64)
	sub := b.rdb.Subscribe(ctx, cancelChannel)

	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				id, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					b.log.Warnw("cancel bus: bad payload", "payload", msg.Payload)
					continue
				}
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Close releases the Redis connection.
func (b *CancelBus) Close() error {
	return b.rdb.Close()
}
