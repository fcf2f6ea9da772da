package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamSpec describes one durable stream the broker ensures exists
// before the gateway starts consuming or publishing. MaxDeliver and
// AckWait apply to work-queue streams (consumer-group acknowledged);
// MaxAge trims retention-limited streams.
type StreamSpec struct {
	Name       string
	Group      string
	MaxDeliver int64
	AckWait    time.Duration
	MaxAge     time.Duration
}

// Envelope is one message moving through the broker, keyed by the
// subject (Redis stream name) it was published or received on.
type Envelope struct {
	Subject string
	Data    []byte
	id      string // stream entry id, used to ack or republish to a DLQ
}

// RedisBroker adapts Redis Streams to the durable stream / consumer-group
// semantics the gateway needs: a stream per subject, a consumer group per
// durable subscription. Ack-wait and max-deliver are emulated through
// XPENDING's idle time and delivery count; a paused subscription is
// emulated by simply not issuing further XREADGROUP calls for it.
type RedisBroker struct {
	client   *redis.Client
	logger   *slog.Logger
	consumer string

	mu     sync.Mutex
	paused map[string]bool
}

// NewRedisBroker wraps an existing *redis.Client. consumer names this
// broker's identity within any consumer group it joins.
func NewRedisBroker(client *redis.Client, consumer string, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		client:   client,
		consumer: consumer,
		logger:   logger.With("component", "RedisBroker"),
		paused:   make(map[string]bool),
	}
}

// EnsureStream creates spec's stream and consumer group if they don't
// already exist; BUSYGROUP (already exists) is not an error.
func (b *RedisBroker) EnsureStream(ctx context.Context, spec StreamSpec) error {
	err := b.client.XGroupCreateMkStream(ctx, spec.Name, spec.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("gateway: ensure stream %s: %w", spec.Name, err)
	}
	return nil
}

// Publish appends data to subject's stream.
func (b *RedisBroker) Publish(ctx context.Context, subject string, data []byte) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: subject,
		Values: map[string]any{"data": data},
	}).Err()
}

// Pause stops a subsequent Subscribe loop for subject/group from issuing
// further reads; an in-flight read is allowed to finish.
func (b *RedisBroker) Pause(subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused[subject] = true
}

// Resume clears a subject's paused flag.
func (b *RedisBroker) Resume(subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.paused, subject)
}

func (b *RedisBroker) isPaused(subject string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused[subject]
}

// Subscribe runs until ctx is cancelled, delivering each entry on
// spec.Name to handler and acking on success. handler returning an error
// leaves the entry pending for redelivery; MaxDeliveriesExceeded reports
// any entry whose delivery count has reached spec.MaxDeliver so the
// caller can republish it to a dead-letter subject and ack it off the
// original stream.
func (b *RedisBroker) Subscribe(ctx context.Context, spec StreamSpec, handler func(Envelope) error, onMaxDeliver func(Envelope, int64)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if b.isPaused(spec.Name) {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    spec.Group,
			Consumer: b.consumer,
			Streams:  []string{spec.Name, ">"},
			Count:    10,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Error("xreadgroup failed", "stream", spec.Name, "err", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handleEntry(ctx, spec, msg, handler, onMaxDeliver)
			}
		}

		b.reclaimStale(ctx, spec, handler, onMaxDeliver)
	}
}

func (b *RedisBroker) handleEntry(ctx context.Context, spec StreamSpec, msg redis.XMessage, handler func(Envelope) error, onMaxDeliver func(Envelope, int64)) {
	data, _ := msg.Values["data"].(string)
	env := Envelope{Subject: spec.Name, Data: []byte(data), id: msg.ID}

	if err := handler(env); err != nil {
		b.logger.Warn("handler failed, leaving pending for redelivery", "stream", spec.Name, "id", msg.ID, "err", err)
		return
	}
	if err := b.client.XAck(ctx, spec.Name, spec.Group, msg.ID).Err(); err != nil {
		b.logger.Error("xack failed", "stream", spec.Name, "id", msg.ID, "err", err)
	}
}

// reclaimStale claims pending entries idle past AckWait (another consumer
// died mid-processing, or this one's handler errored) and either retries
// them or, once delivery count reaches MaxDeliver, routes them to the
// stream's DLQ subject and acks the original entry off.
func (b *RedisBroker) reclaimStale(ctx context.Context, spec StreamSpec, handler func(Envelope) error, onMaxDeliver func(Envelope, int64)) {
	if spec.AckWait <= 0 {
		return
	}
	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   spec.Name,
		Group:    spec.Group,
		Consumer: b.consumer,
		MinIdle:  spec.AckWait,
		Start:    "0",
		Count:    10,
	}).Result()
	if err != nil {
		return
	}

	for _, msg := range claimed {
		pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: spec.Name,
			Group:  spec.Group,
			Start:  msg.ID,
			End:    msg.ID,
			Count:  1,
		}).Result()
		var deliveries int64 = 1
		if err == nil && len(pending) > 0 {
			deliveries = pending[0].RetryCount
		}

		data, _ := msg.Values["data"].(string)
		env := Envelope{Subject: spec.Name, Data: []byte(data), id: msg.ID}

		if spec.MaxDeliver > 0 && deliveries >= spec.MaxDeliver {
			if onMaxDeliver != nil {
				onMaxDeliver(env, deliveries)
			}
			if err := b.client.XAck(ctx, spec.Name, spec.Group, msg.ID).Err(); err != nil {
				b.logger.Error("xack dead-lettered entry", "stream", spec.Name, "id", msg.ID, "err", err)
			}
			continue
		}

		b.handleEntry(ctx, spec, msg, handler, onMaxDeliver)
	}
}

// DLQSubject returns the subject a dead-lettered entry from stream is
// republished to.
func DLQSubject(stream string) string {
	return "system.dlq." + strings.ToLower(stream)
}
