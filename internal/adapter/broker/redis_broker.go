package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// claimJobScript promotes due retries and expired leases back to the wait
// list, then pops one job and leases it.
// KEYS[1] = wait list, KEYS[2] = active zset, KEYS[3] = delayed zset
// ARGV[1] = now (ms), ARGV[2] = visibility timeout (ms), ARGV[3] = lease, ARGV[4] = job key prefix
// Returns false when idle, 0 for an orphaned id, else {id, data, attempts}.
var claimJobScript = redis.NewScript(`
local now = tonumber(ARGV[1])

local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[3], id)
	redis.call('RPUSH', KEYS[1], id)
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', ARGV[4] .. id, 'lease')
	redis.call('RPUSH', KEYS[1], id)
end

local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end

local jobKey = ARGV[4] .. id
local data = redis.call('HGET', jobKey, 'data')
if not data then
	return 0
end

local attempts = redis.call('HINCRBY', jobKey, 'attempts', 1)
redis.call('HSET', jobKey, 'lease', ARGV[3])
redis.call('ZADD', KEYS[2], now + tonumber(ARGV[2]), id)

return {id, data, attempts}
`)

// ackJobScript removes a job owned by the given lease.
// KEYS[1] = active zset, KEYS[2] = job hash
// ARGV[1] = job id, ARGV[2] = lease
var ackJobScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease') ~= ARGV[2] then
	return -1
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// failJobScript either schedules a retry or moves the job to the capped
// failed list.
// KEYS[1] = active zset, KEYS[2] = delayed zset, KEYS[3] = failed list, KEYS[4] = job hash
// ARGV[1] = job id, ARGV[2] = lease, ARGV[3] = retry flag, ARGV[4] = due (ms),
// ARGV[5] = failed record, ARGV[6] = failed cap
// Returns -1 on a lost lease, 1 when retried, 0 when terminal.
var failJobScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], 'lease') ~= ARGV[2] then
	return -1
end
redis.call('ZREM', KEYS[1], ARGV[1])

if ARGV[3] == '1' then
	redis.call('HDEL', KEYS[4], 'lease')
	redis.call('ZADD', KEYS[2], tonumber(ARGV[4]), ARGV[1])
	return 1
end

redis.call('LPUSH', KEYS[3], ARGV[5])
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[6]) - 1)
redis.call('DEL', KEYS[4])
return 0
`)

const defaultPollInterval = 100 * time.Millisecond

// RedisBroker is a JobBroker on Redis lists and sorted sets, laid out the
// way BullMQ lays out a queue.
type RedisBroker struct {
	client       *redis.Client
	name         string
	opts         Options
	pollInterval time.Duration
	closed       atomic.Bool
}

func NewRedisBroker(client *redis.Client, name string, opts Options, pollInterval time.Duration) *RedisBroker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &RedisBroker{
		client:       client,
		name:         name,
		opts:         opts.withDefaults(),
		pollInterval: pollInterval,
	}
}

func (b *RedisBroker) key(suffix string) string {
	return "queue:" + b.name + ":" + suffix
}

func (b *RedisBroker) jobKeyPrefix() string {
	return b.key("job:")
}

func (b *RedisBroker) jobKey(id string) string {
	return b.jobKeyPrefix() + id
}

func (b *RedisBroker) Enqueue(ctx context.Context, job domain.ReservationJob) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.jobKey(job.ID), "data", data, "attempts", 0)
		pipe.LPush(ctx, b.key("wait"), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	return nil
}

func (b *RedisBroker) Deliver(ctx context.Context) (*domain.Delivery, error) {
	for {
		if b.closed.Load() {
			return nil, ErrBrokerClosed
		}

		d, err := b.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

func (b *RedisBroker) claim(ctx context.Context) (*domain.Delivery, error) {
	now := time.Now()
	lease := uuid.NewString()

	res, err := claimJobScript.Run(ctx, b.client,
		[]string{b.key("wait"), b.key("active"), b.key("delayed")},
		now.UnixMilli(), b.opts.VisibilityTimeout.Milliseconds(), lease, b.jobKeyPrefix(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) != 3 {
		// orphaned id without a job hash, already dropped from the list
		return nil, nil
	}

	data, _ := fields[1].(string)
	attempts, _ := fields[2].(int64)

	var job domain.ReservationJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}

	return &domain.Delivery{
		Job:         job,
		Attempt:     int(attempts),
		MaxAttempts: b.opts.Retry.MaxAttempts,
		Lease:       lease,
		State:       domain.JobDelivered,
		DeliveredAt: now,
	}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d *domain.Delivery) error {
	res, err := ackJobScript.Run(ctx, b.client,
		[]string{b.key("active"), b.jobKey(d.Job.ID)},
		d.Job.ID, d.Lease,
	).Int64()
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	if res < 0 {
		return ErrLeaseLost
	}
	return nil
}

func (b *RedisBroker) Fail(ctx context.Context, d *domain.Delivery, cause error, retry bool) (domain.JobState, error) {
	now := time.Now()
	retry = retry && b.opts.Retry.canRetry(d.Attempt)

	retryFlag := "0"
	if retry {
		retryFlag = "1"
	}

	record, err := json.Marshal(domain.FailedJob{
		Job:      d.Job,
		Attempts: d.Attempt,
		Reason:   failureReason(cause),
		FailedAt: now,
	})
	if err != nil {
		return d.State, fmt.Errorf("marshal failed job: %w", err)
	}

	res, err := failJobScript.Run(ctx, b.client,
		[]string{b.key("active"), b.key("delayed"), b.key("failed"), b.jobKey(d.Job.ID)},
		d.Job.ID, d.Lease, retryFlag,
		now.Add(b.opts.Retry.Delay(d.Attempt)).UnixMilli(),
		record, strconv.Itoa(b.opts.FailedCap),
	).Int64()
	if err != nil {
		return d.State, fmt.Errorf("fail job: %w", err)
	}

	switch res {
	case -1:
		return d.State, ErrLeaseLost
	case 1:
		return domain.JobPending, nil
	default:
		return domain.JobTerminallyFailed, nil
	}
}

// FailedJobs returns terminal failures, newest first.
func (b *RedisBroker) FailedJobs(ctx context.Context, limit int) ([]domain.FailedJob, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	raw, err := b.client.LRange(ctx, b.key("failed"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}

	failed := make([]domain.FailedJob, 0, len(raw))
	for _, item := range raw {
		var f domain.FailedJob
		if err := json.Unmarshal([]byte(item), &f); err != nil {
			return nil, fmt.Errorf("unmarshal failed job: %w", err)
		}
		failed = append(failed, f)
	}

	return failed, nil
}

// Contains checks the job hash, which lives from enqueue until ack or
// terminal failure.
func (b *RedisBroker) Contains(ctx context.Context, jobID string) (bool, error) {
	n, err := b.client.Exists(ctx, b.jobKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check job: %w", err)
	}
	return n > 0, nil
}

// Depth reports the number of jobs waiting, leased and delayed.
func (b *RedisBroker) Depth(ctx context.Context) (wait, active, delayed int64, err error) {
	pipe := b.client.Pipeline()
	w := pipe.LLen(ctx, b.key("wait"))
	a := pipe.ZCard(ctx, b.key("active"))
	dl := pipe.ZCard(ctx, b.key("delayed"))
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return w.Val(), a.Val(), dl.Val(), nil
}

// Close stops new enqueues and deliveries. The Redis client is owned by the
// caller.
func (b *RedisBroker) Close() error {
	b.closed.Store(true)
	return nil
}
