package bus

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waypointops/cutoverd/internal/platform/logger"
)

const (
	readBlock     = 2 * time.Second
	readCount     = 16
	claimMinIdle  = 30 * time.Second
	maxDeliveries = 5
)

// RedisBus implements Bus on redis streams. Each topic is a stream; a
// companion sorted set holds scheduled messages until due, and a companion
// dead-letter stream collects messages that exhausted their deliveries.
type RedisBus struct {
	log *logger.Logger
	rdb *redis.Client
}

func NewRedisBus(baseLog *logger.Logger, rdb *redis.Client) *RedisBus {
	return &RedisBus{log: baseLog.With("component", "RedisBus"), rdb: rdb}
}

func scheduledKey(topic string) string { return topic + ":scheduled" }
func deadKey(topic string) string      { return topic + ":dead" }

func (b *RedisBus) Publish(ctx context.Context, topic string, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if msg.EnqueueAt != nil && msg.EnqueueAt.After(time.Now()) {
		return b.rdb.ZAdd(ctx, scheduledKey(topic), redis.Z{
			Score:  float64(msg.EnqueueAt.UnixMilli()),
			Member: string(raw),
		}).Err()
	}
	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{"envelope": string(raw)},
	}).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic, group, consumer string, subjects []string, h Handler) error {
	if err := b.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	want := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		want[s] = true
	}
	log := b.log.With("topic", topic, "group", group, "consumer", consumer)
	log.Info("subscriber started")

	for {
		if err := ctx.Err(); err != nil {
			log.Info("subscriber stopped")
			return nil
		}

		b.moveScheduled(ctx, topic)
		b.claimStale(ctx, topic, group, consumer, want, h, log)

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			log.Warn("read failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, st := range streams {
			for _, entry := range st.Messages {
				b.process(ctx, topic, group, entry, want, h, log)
			}
		}
	}
}

// moveScheduled promotes due scheduled messages onto the stream. Multiple
// subscribers may race here; duplicates are acceptable under at-least-once.
func (b *RedisBus) moveScheduled(ctx context.Context, topic string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.rdb.ZRangeByScore(ctx, scheduledKey(topic), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}
	for _, raw := range due {
		removed, err := b.rdb.ZRem(ctx, scheduledKey(topic), raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: topic,
			Values: map[string]any{"envelope": raw},
		}).Err(); err != nil {
			b.log.Error("failed to promote scheduled message", "topic", topic, "error", err)
		}
	}
}

// claimStale takes over messages another consumer read but never acked.
func (b *RedisBus) claimStale(ctx context.Context, topic, group, consumer string, want map[string]bool, h Handler, log *logger.Logger) {
	entries, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  claimMinIdle,
		Start:    "0-0",
		Count:    readCount,
	}).Result()
	if err != nil {
		return
	}
	for _, entry := range entries {
		if b.deliveryCount(ctx, topic, group, entry.ID) > maxDeliveries {
			b.deadLetter(ctx, topic, group, entry, log)
			continue
		}
		b.process(ctx, topic, group, entry, want, h, log)
	}
}

func (b *RedisBus) deliveryCount(ctx context.Context, topic, group, id string) int64 {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic, Group: group, Start: id, End: id, Count: 1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return pending[0].RetryCount
}

func (b *RedisBus) process(ctx context.Context, topic, group string, entry redis.XMessage, want map[string]bool, h Handler, log *logger.Logger) {
	raw, _ := entry.Values["envelope"].(string)
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		log.Error("undecodable message, dead-lettering", "entry_id", entry.ID, "error", err)
		b.deadLetter(ctx, topic, group, entry, log)
		return
	}
	if len(want) > 0 && !want[msg.Subject] {
		b.rdb.XAck(ctx, topic, group, entry.ID)
		return
	}
	if err := h(ctx, msg); err != nil {
		log.Warn("handler failed, leaving pending", "kind", msg.Kind, "message_id", msg.ID, "error", err)
		return
	}
	b.rdb.XAck(ctx, topic, group, entry.ID)
}

func (b *RedisBus) deadLetter(ctx context.Context, topic, group string, entry redis.XMessage, log *logger.Logger) {
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: deadKey(topic),
		Values: entry.Values,
	}).Err(); err != nil {
		log.Error("dead-letter append failed", "entry_id", entry.ID, "error", err)
		return
	}
	b.rdb.XAck(ctx, topic, group, entry.ID)
	log.Warn("message dead-lettered", "topic", topic, "entry_id", entry.ID)
}

func (b *RedisBus) Close() error { return b.rdb.Close() }
