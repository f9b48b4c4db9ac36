package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// StreamConfig configures the Redis Streams bus.
type StreamConfig struct {
	// KeyPrefix namespaces stream keys, e.g. "fakturenn:events".
	KeyPrefix string
	// Visibility is how long a delivered message may stay unacknowledged
	// before it becomes claimable by another consumer in the group.
	Visibility time.Duration
	// Block bounds each blocking read so consumers notice cancellation.
	Block time.Duration
	// ClaimInterval is how often pending messages are scanned for redelivery.
	ClaimInterval time.Duration
	// BatchSize caps messages fetched per read.
	BatchSize int
	// MaxLen approximately bounds stream length (0 disables trimming).
	MaxLen int64

	Logger *slog.Logger
}

// Sanitize applies guardrails to stream configuration values.
func (c *StreamConfig) Sanitize() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "fakturenn:events"
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = c.Visibility
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
}

// StreamBus implements Bus on Redis Streams: one stream per subject, one
// consumer group per durable group, XACK for acknowledgment and XAUTOCLAIM
// for visibility-window redelivery.
type StreamBus struct {
	rdb    redis.UniversalClient
	cfg    StreamConfig
	logger *slog.Logger
}

var _ Bus = (*StreamBus)(nil)

// NewStreamBus constructs a StreamBus over the given Redis client.
func NewStreamBus(rdb redis.UniversalClient, cfg StreamConfig) (*StreamBus, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	cfg.Sanitize()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamBus{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.With("component", "stream_bus"),
	}, nil
}

func (b *StreamBus) streamKey(subject string) string {
	return b.cfg.KeyPrefix + ":" + subject
}

// Publish appends the payload to the subject's stream.
func (b *StreamBus) Publish(ctx context.Context, subject string, data []byte) error {
	args := &redis.XAddArgs{
		Stream: b.streamKey(subject),
		Values: map[string]any{payloadField: data},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Consume joins the durable group on subject and processes messages until
// ctx is cancelled. New messages and messages idle past the visibility
// window are both handled; a handler error leaves the message pending for
// another claim pass.
func (b *StreamBus) Consume(ctx context.Context, subject, group, consumer string, h Handler) error {
	if err := b.ensureGroup(ctx, subject, group); err != nil {
		return err
	}

	stream := b.streamKey(subject)
	nextClaim := time.Now().Add(b.cfg.ClaimInterval)

	for ctx.Err() == nil {
		if time.Now().After(nextClaim) {
			b.claimStale(ctx, stream, subject, group, consumer, h)
			nextClaim = time.Now().Add(b.cfg.ClaimInterval)
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(b.cfg.BatchSize),
			Block:    b.cfg.Block,
		}).Result()
		switch {
		case err == nil:
			for _, sr := range res {
				b.dispatch(ctx, sr.Messages, subject, stream, group, h)
			}
		case errors.Is(err, redis.Nil):
			// block timed out with nothing to read
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		default:
			b.logger.ErrorContext(ctx, "read group failed", "subject", subject, "group", group, "error", err)
			if !sleepCtx(ctx, b.cfg.Block) {
				return ctx.Err()
			}
		}
	}
	return ctx.Err()
}

func (b *StreamBus) ensureGroup(ctx context.Context, subject, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.streamKey(subject), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("ensure group %s on %s: %w", group, subject, err)
	}
	return nil
}

// claimStale takes over messages another consumer left unacknowledged past
// the visibility window. This is the substrate's only recovery mechanism
// for crashed or wedged workers.
func (b *StreamBus) claimStale(ctx context.Context, stream, subject, group, consumer string, h Handler) {
	start := "0-0"
	for {
		msgs, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.cfg.Visibility,
			Start:    start,
			Count:    int64(b.cfg.BatchSize),
		}).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				b.logger.ErrorContext(ctx, "autoclaim failed", "subject", subject, "error", err)
			}
			return
		}
		b.dispatch(ctx, msgs, subject, stream, group, h)
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (b *StreamBus) dispatch(ctx context.Context, msgs []redis.XMessage, subject, stream, group string, h Handler) {
	for _, xm := range msgs {
		payload, ok := xm.Values[payloadField].(string)
		if !ok {
			// malformed entry; ack so it does not loop forever
			b.logger.ErrorContext(ctx, "dropping message without payload", "subject", subject, "id", xm.ID)
			b.ack(ctx, stream, group, xm.ID, subject)
			continue
		}

		m := Msg{ID: xm.ID, Subject: subject, Data: []byte(payload)}
		if err := h(ctx, m); err != nil {
			// leave pending; the claim loop redelivers after the visibility window
			b.logger.WarnContext(ctx, "handler failed, message left for redelivery",
				"subject", subject, "id", xm.ID, "error", err)
			continue
		}
		b.ack(ctx, stream, group, xm.ID, subject)
	}
}

func (b *StreamBus) ack(ctx context.Context, stream, group, id, subject string) {
	if err := b.rdb.XAck(ctx, stream, group, id).Err(); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.ErrorContext(ctx, "ack failed", "subject", subject, "id", id, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
