package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
)

const (
	streamPrefix  = "tasks.exchange:executor."
	consumerGroup = "dispatch-consumers"
)

// RedisBroker implements Broker on top of Redis Streams. Each worker
// queue (§4.2's `executor.{uuid}`) is one stream, durable by virtue of
// Redis persistence; the consumer group gives every reader its own
// pending-entries list, which is what manual ack/nack needs.
type RedisBroker struct {
	client   *redis.Client
	consumer string // this process's consumer name within the group
	policy   ReconnectPolicy
	log      *logger.Logger
}

// NewRedisBroker creates a broker bound to an existing Redis client.
// consumerName distinguishes readers sharing the same group (a single
// control-plane process and a single worker process each use one).
func NewRedisBroker(client *redis.Client, consumerName string, log *logger.Logger) *RedisBroker {
	return &RedisBroker{
		client:   client,
		consumer: consumerName,
		policy:   DefaultReconnectPolicy,
		log:      log,
	}
}

func streamKey(workerUUID string) string {
	return streamPrefix + workerUUID
}

func (b *RedisBroker) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means the group already exists — idempotent declare.
		if isBusyGroup(err) {
			return nil
		}
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Publish delivers payload with persistent semantics (Redis Streams
// entries survive a restart by default with AOF/RDB enabled) and retries
// the reconnect-and-republish sequence per policy on failure.
func (b *RedisBroker) Publish(ctx context.Context, workerUUID string, payload []byte) error {
	stream := streamKey(workerUUID)
	if err := b.ensureGroup(ctx, stream); err != nil {
		return fmt.Errorf("declare queue %s: %w", stream, err)
	}

	var lastErr error
	for attempt := 0; attempt < b.policy.Attempts; attempt++ {
		_, err := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{"payload": payload, "content_type": "application/json"},
		}).Result()
		if err == nil {
			return nil
		}
		lastErr = err
		if b.log != nil {
			b.log.Warn("broker publish failed, retrying", "worker", workerUUID, "attempt", attempt+1, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.policy.delay(attempt)):
		}
	}
	return fmt.Errorf("publish to %s after %d attempts: %w", stream, b.policy.Attempts, lastErr)
}

// Consume starts a blocking read loop against the worker's stream with
// prefetch_count=1 (one unacked entry in flight per call to XREADGROUP)
// and emits Deliveries on the returned channel until ctx is cancelled.
func (b *RedisBroker) Consume(ctx context.Context, workerUUID string) (<-chan Delivery, error) {
	stream := streamKey(workerUUID)
	if err := b.ensureGroup(ctx, stream); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", stream, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    consumerGroup,
				Consumer: b.consumer,
				Streams:  []string{stream, ">"},
				Count:    1,
				Block:    5 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
					continue
				}
				if b.log != nil {
					b.log.Warn("broker consume error, reconnecting", "worker", workerUUID, "error", err)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(b.policy.InitialDelay):
				}
				continue
			}

			for _, s := range res {
				for _, msg := range s.Messages {
					payload, _ := msg.Values["payload"].(string)
					select {
					case out <- Delivery{ID: msg.ID, Worker: workerUUID, Payload: []byte(payload)}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// Ack acknowledges successful, terminal processing of a delivery.
func (b *RedisBroker) Ack(ctx context.Context, d Delivery) error {
	if err := b.client.XAck(ctx, streamKey(d.Worker), consumerGroup, d.ID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

// Nack either leaves the entry in the group's pending list for a future
// redelivery (requeue=true — a transient refusal) or acks-and-deletes it
// so it is never seen again (requeue=false — a poison or known-dead
// message). Redis Streams has no native nack; requeue is modeled as "do
// nothing", relying on XCLAIM-based reclaim of stale pending entries by
// the next consumer cycle.
func (b *RedisBroker) Nack(ctx context.Context, d Delivery, requeue bool) error {
	if requeue {
		return nil
	}
	stream := streamKey(d.Worker)
	if err := b.client.XAck(ctx, stream, consumerGroup, d.ID).Err(); err != nil {
		return fmt.Errorf("nack-discard ack %s: %w", d.ID, err)
	}
	if err := b.client.XDel(ctx, stream, d.ID).Err(); err != nil {
		return fmt.Errorf("nack-discard del %s: %w", d.ID, err)
	}
	return nil
}

// Close releases the underlying client. RedisBroker does not own the
// client's lifecycle when constructed from a shared cache connection;
// callers that passed in a dedicated client are responsible for this.
func (b *RedisBroker) Close() error {
	return nil
}

// Purge discards every entry currently queued for a worker, mirroring
// the operator `clear_queue` tool's queue_purge against a blocked
// queue. It reports how many entries were removed.
func (b *RedisBroker) Purge(ctx context.Context, workerUUID string) (int64, error) {
	stream := streamKey(workerUUID)
	count, err := b.client.XLen(ctx, stream).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("len queue %s: %w", stream, err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := b.client.XTrimMaxLen(ctx, stream, 0).Err(); err != nil {
		return 0, fmt.Errorf("purge queue %s: %w", stream, err)
	}
	return count, nil
}

// ReclaimStale re-delivers pending entries idle longer than minIdle —
// the requeue=true half of the nack contract, run periodically by the
// consumer loop's owner (a worker's intake supervisor) so a crashed
// reader's in-flight delivery isn't lost forever.
func (b *RedisBroker) ReclaimStale(ctx context.Context, workerUUID string, minIdle time.Duration) error {
	stream := streamKey(workerUUID)
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("list pending for %s: %w", stream, err)
	}
	var stale []string
	for _, p := range pending {
		if p.Idle >= minIdle {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if _, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    consumerGroup,
		Consumer: b.consumer,
		MinIdle:  minIdle,
		Messages: stale,
	}).Result(); err != nil {
		return fmt.Errorf("reclaim stale entries on %s: %w", stream, err)
	}
	return nil
}
