package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const (
	stockKeyPrefix      = "stock:"
	pendingKeyPrefix    = "stock:pending:"
	reservedAtKeyPrefix = "stock:reserved_at:"
	authorityKeyPrefix  = "stock:authority:"
)

// The decrement is checked and compensated inside the script, so a negative
// value is never visible to another client.
// KEYS[1] = stock, KEYS[2] = pending hash, KEYS[3] = reserved-at hash
// ARGV[1] = quantity, ARGV[2] = job id, ARGV[3] = now (ms)
var reserveStockScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return {0, 0}
end

local quantity = tonumber(ARGV[1])
local left = redis.call('DECRBY', KEYS[1], quantity)
if left < 0 then
	redis.call('INCRBY', KEYS[1], quantity)
	return {0, left + quantity}
end

redis.call('HSET', KEYS[2], ARGV[2], quantity)
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
return {1, left}
`)

// KEYS[1] = stock, KEYS[2] = pending hash, KEYS[3] = reserved-at hash
// ARGV[1] = quantity, ARGV[2] = job id
var creditStockScript = redis.NewScript(`
if redis.call('HDEL', KEYS[2], ARGV[2]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[3], ARGV[2])

redis.call('INCRBY', KEYS[1], tonumber(ARGV[1]))
return 1
`)

// resyncStockScript keeps the newest authoritative snapshot it has seen and
// derives available stock from it, so resyncs arriving out of commit order
// cannot raise the counter above what the durable store holds.
// KEYS[1] = stock, KEYS[2] = pending hash, KEYS[3] = reserved-at hash, KEYS[4] = authority hash
// ARGV[1] = authoritative stock, ARGV[2] = version, ARGV[3..] = settled job ids
var resyncStockScript = redis.NewScript(`
for i = 3, #ARGV do
	redis.call('HDEL', KEYS[2], ARGV[i])
	redis.call('HDEL', KEYS[3], ARGV[i])
end

local authoritative = tonumber(ARGV[1])
local version = tonumber(ARGV[2])
local known = redis.call('HMGET', KEYS[4], 'stock', 'version')
if known[2] and tonumber(known[2]) > version then
	authoritative = tonumber(known[1])
else
	redis.call('HSET', KEYS[4], 'stock', ARGV[1], 'version', ARGV[2])
end

local pending = 0
for _, v in ipairs(redis.call('HVALS', KEYS[2])) do
	pending = pending + tonumber(v)
end

local available = authoritative - pending
if available < 0 then
	available = 0
end

redis.call('SET', KEYS[1], available)
return available
`)

type RedisCounter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, now: time.Now}
}

func (r *RedisCounter) Reserve(ctx context.Context, productID, jobID string, quantity int) (int64, bool, error) {
	keys := []string{stockKey(productID), pendingKey(productID), reservedAtKey(productID)}

	result, err := reserveStockScript.Run(ctx, r.client, keys, quantity, jobID, r.now().UnixMilli()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("run reserve script: %w", err)
	}
	if len(result) != 2 {
		return 0, false, fmt.Errorf("unexpected reserve script result: %v", result)
	}

	return result[1], result[0] == 1, nil
}

func (r *RedisCounter) Credit(ctx context.Context, productID, jobID string, quantity int) (bool, error) {
	keys := []string{stockKey(productID), pendingKey(productID), reservedAtKey(productID)}

	credited, err := creditStockScript.Run(ctx, r.client, keys, quantity, jobID).Int()
	if err != nil {
		return false, fmt.Errorf("run credit script: %w", err)
	}

	return credited == 1, nil
}

func (r *RedisCounter) Resync(ctx context.Context, productID string, authoritative, version int64, settled ...string) (int64, error) {
	keys := []string{stockKey(productID), pendingKey(productID), reservedAtKey(productID), authorityKey(productID)}
	args := make([]interface{}, 0, len(settled)+2)
	args = append(args, authoritative, version)
	for _, id := range settled {
		args = append(args, id)
	}

	available, err := resyncStockScript.Run(ctx, r.client, keys, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("run resync script: %w", err)
	}

	return available, nil
}

func (r *RedisCounter) Pending(ctx context.Context, productID string) (map[string]domain.PendingReservation, error) {
	pipe := r.client.Pipeline()
	quantities := pipe.HGetAll(ctx, pendingKey(productID))
	reservedAt := pipe.HGetAll(ctx, reservedAtKey(productID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read pending reservations: %w", err)
	}

	times := reservedAt.Val()
	pending := make(map[string]domain.PendingReservation, len(quantities.Val()))
	for jobID, v := range quantities.Val() {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse pending quantity for job %s: %w", jobID, err)
		}

		entry := domain.PendingReservation{Quantity: n}
		if ms, err := strconv.ParseInt(times[jobID], 10, 64); err == nil {
			entry.ReservedAt = time.UnixMilli(ms)
		}
		pending[jobID] = entry
	}

	return pending, nil
}

func (r *RedisCounter) Stocks(ctx context.Context, productIDs []string) (map[string]int64, error) {
	stocks := make(map[string]int64, len(productIDs))
	if len(productIDs) == 0 {
		return stocks, nil
	}

	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = stockKey(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read stock entries: %w", err)
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // missing key
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse stock for %s: %w", productIDs[i], err)
		}
		stocks[productIDs[i]] = n
	}

	return stocks, nil
}

func (r *RedisCounter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func stockKey(productID string) string {
	return stockKeyPrefix + productID
}

func pendingKey(productID string) string {
	return pendingKeyPrefix + productID
}

func reservedAtKey(productID string) string {
	return reservedAtKeyPrefix + productID
}

func authorityKey(productID string) string {
	return authorityKeyPrefix + productID
}
