package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrBacklogFull signals the pending depth reached the high-water mark; the
// caller should reject with a retry hint instead of piling on.
var ErrBacklogFull = errors.New("queue: backlog at high-water mark")

// Job is the unit of work handed to the pool. The record of truth lives in
// the registry; the job only carries routing data.
type Job struct {
	TaskID     string    `json:"task_id"`
	SessionID  string    `json:"session_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RedisQueue implements Redis Streams + consumer groups with a delayed ZSET
// mover for retry backoff. With fair scheduling enabled, jobs are spread
// across per-session lists drained round-robin so one bulk uploader cannot
// starve everyone else.
type RedisQueue struct {
	client *redis.Client

	Stream string
	Group  string

	CancelKey  string
	DelayedKey string
	RingKey    string
	SessionSet string

	highWater    int64
	fair         bool
	pollInterval time.Duration
	stop         chan struct{}
}

// NewRedisQueue connects to Redis, ensures stream & group, and starts the
// delayed mover. highWater of 0 disables backpressure.
func NewRedisQueue(redisURL, stream, group string, highWater int64, fair bool, poll time.Duration) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	q := &RedisQueue{
		client:       c,
		Stream:       stream,
		Group:        group,
		CancelKey:    stream + ":cancelled",
		DelayedKey:   stream + ":delayed",
		RingKey:      stream + ":ring",
		SessionSet:   stream + ":sessions",
		highWater:    highWater,
		fair:         fair,
		pollInterval: poll,
		stop:         make(chan struct{}),
	}
	// Ensure consumer group exists (MKSTREAM creates stream if missing)
	if err := c.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("xgroup create: %w", err)
	}
	go q.mover()
	return q, nil
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func (q *RedisQueue) Close() error {
	close(q.stop)
	return q.client.Close()
}

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

func (q *RedisQueue) sessionList(sid string) string { return q.Stream + ":s:" + sid }

// Enqueue adds a job, refusing with ErrBacklogFull when the pending depth
// is at the high-water mark.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if q.highWater > 0 {
		depth, _, err := q.Depths(ctx)
		if err != nil {
			return err
		}
		if depth >= q.highWater {
			return ErrBacklogFull
		}
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.push(ctx, job.SessionID, payload)
}

func (q *RedisQueue) push(ctx context.Context, sessionID string, payload []byte) error {
	if !q.fair {
		return q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.Stream,
			Values: map[string]any{"data": string(payload)},
		}).Err()
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.sessionList(sessionID), payload)
	added := pipe.SAdd(ctx, q.SessionSet, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if added.Val() == 1 {
		return q.client.LPush(ctx, q.RingKey, sessionID).Err()
	}
	return nil
}

// EnqueueRetry schedules the job for re-delivery after the backoff delay.
func (q *RedisQueue) EnqueueRetry(ctx context.Context, job Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	executeAt := time.Now().Add(delay)
	return q.client.ZAdd(ctx, q.DelayedKey, redis.Z{Score: float64(executeAt.Unix()), Member: string(payload)}).Err()
}

// Dequeue reads one job. Ack-on-read semantics: delivery is at-most-once
// and crash recovery goes through the registry's stuck-task sweep, not
// stream redelivery. Returns a nil job when nothing was available within
// the timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*Job, error) {
	var payload []byte
	var err error
	if q.fair {
		payload, err = q.dequeueFair(ctx, timeout)
	} else {
		payload, err = q.dequeueStream(ctx, consumer, timeout)
	}
	if err != nil || payload == nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		log.Error().Err(err).Msg("dropping undecodable job payload")
		return nil, nil
	}
	return &job, nil
}

func (q *RedisQueue) dequeueStream(ctx context.Context, consumer string, timeout time.Duration) ([]byte, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}
	msg := res[0].Messages[0]
	// Ack and delete together: XACK alone leaves the entry in the stream,
	// which would count against the high-water mark forever.
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.Stream, q.Group, msg.ID)
	pipe.XDel(ctx, q.Stream, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("id", msg.ID).Msg("failed to ack consumed job")
	}
	if v, ok := msg.Values["data"].(string); ok {
		return []byte(v), nil
	}
	return nil, nil
}

// dequeueFair rotates the session ring and pops from the head session's
// list. Sessions drained empty are dropped from the ring.
func (q *RedisQueue) dequeueFair(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		sid, err := q.client.RPopLPush(ctx, q.RingKey, q.RingKey).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		if err != redis.Nil {
			payload, err := q.client.LPop(ctx, q.sessionList(sid)).Bytes()
			if err == nil {
				return payload, nil
			}
			if err != redis.Nil {
				return nil, err
			}
			// Session drained: retire it from the ring.
			pipe := q.client.TxPipeline()
			pipe.LRem(ctx, q.RingKey, 1, sid)
			pipe.SRem(ctx, q.SessionSet, sid)
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// CancelJob flags a task id so workers skip or abort it. The flag has a TTL
// so stale ids do not accumulate.
func (q *RedisQueue) CancelJob(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.CancelKey, taskID)
	pipe.Expire(ctx, q.CancelKey, 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// IsCancelled reports whether the task id carries a cancel flag.
func (q *RedisQueue) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	return q.client.SIsMember(ctx, q.CancelKey, taskID).Result()
}

// ClearCancel removes a cancel flag, used when a cancelled task is retried.
func (q *RedisQueue) ClearCancel(ctx context.Context, taskID string) error {
	return q.client.SRem(ctx, q.CancelKey, taskID).Err()
}

// mover periodically moves due delayed jobs from the ZSET back into delivery.
func (q *RedisQueue) mover() {
	if q.pollInterval <= 0 {
		q.pollInterval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.moveOnce()
		}
	}
}

func (q *RedisQueue) moveOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().Unix()
	vals, err := q.client.ZRangeByScore(ctx, q.DelayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(vals) == 0 {
		return
	}
	for _, v := range vals {
		if q.client.ZRem(ctx, q.DelayedKey, v).Val() == 0 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(v), &job); err != nil {
			log.Error().Err(err).Msg("dropping undecodable delayed job")
			continue
		}
		if err := q.push(ctx, job.SessionID, []byte(v)); err != nil {
			log.Error().Err(err).Str("task_id", job.TaskID).Msg("failed to re-enqueue delayed job")
		}
	}
}

// Depths returns the pending and delayed job counts.
func (q *RedisQueue) Depths(ctx context.Context) (pending, delayed int64, err error) {
	if !q.fair {
		pipe := q.client.Pipeline()
		xlen := pipe.XLen(ctx, q.Stream)
		zcard := pipe.ZCard(ctx, q.DelayedKey)
		if _, err = pipe.Exec(ctx); err != nil {
			return 0, 0, err
		}
		return xlen.Val(), zcard.Val(), nil
	}
	sessions, err := q.client.SMembers(ctx, q.SessionSet).Result()
	if err != nil {
		return 0, 0, err
	}
	pipe := q.client.Pipeline()
	lens := make([]*redis.IntCmd, len(sessions))
	for i, sid := range sessions {
		lens[i] = pipe.LLen(ctx, q.sessionList(sid))
	}
	zcard := pipe.ZCard(ctx, q.DelayedKey)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	for _, l := range lens {
		pending += l.Val()
	}
	return pending, zcard.Val(), nil
}
