package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisCounter(t *testing.T) (*RedisCounter, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisCounter(client), mr
}

func stockOf(t *testing.T, mr *miniredis.Miniredis, productID string) string {
	v, err := mr.Get(stockKey(productID))
	require.NoError(t, err)
	return v
}

func TestReserve_Success(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(stockKey("p1"), "20"))

	remaining, ok, err := counter.Reserve(ctx, "p1", "job-1", 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(15), remaining)
	assert.Equal(t, "15", stockOf(t, mr, "p1"))

	pending, err := counter.Pending(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(5), pending["job-1"].Quantity)
	assert.False(t, pending["job-1"].ReservedAt.IsZero())
}

func TestReserve_InsufficientStockLeavesCounterUnchanged(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(stockKey("p1"), "5"))

	remaining, ok, err := counter.Reserve(ctx, "p1", "job-1", 10)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(5), remaining)
	assert.Equal(t, "5", stockOf(t, mr, "p1"))
	assert.False(t, mr.Exists(pendingKey("p1")))
}

func TestReserve_ZeroStock(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	require.NoError(t, mr.Set(stockKey("p1"), "0"))

	remaining, ok, err := counter.Reserve(context.Background(), "p1", "job-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), remaining)
	assert.Equal(t, "0", stockOf(t, mr, "p1"))
}

func TestReserve_MissingKeyIsZeroStock(t *testing.T) {
	counter, mr := setupRedisCounter(t)

	remaining, ok, err := counter.Reserve(context.Background(), "nonexistent", "job-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), remaining)
	assert.False(t, mr.Exists(stockKey("nonexistent")))
}

func TestReserve_Concurrent(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	ctx := context.Background()

	initialStock := 20
	totalRequests := 50
	require.NoError(t, mr.Set(stockKey("concurrent-test"), fmt.Sprint(initialStock)))

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := counter.Reserve(ctx, "concurrent-test", fmt.Sprintf("job-%d", i), 1)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(initialStock), accepted.Load())
	assert.Equal(t, "0", stockOf(t, mr, "concurrent-test"))

	pending, err := counter.Pending(ctx, "concurrent-test")
	require.NoError(t, err)
	assert.Len(t, pending, initialStock)
}

func TestReserve_TwoConcurrentRequestsForLastUnits(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(stockKey("p1"), "3"))

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := counter.Reserve(ctx, "p1", fmt.Sprintf("job-%d", i), 2)
			assert.NoError(t, err)
			if ok {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, "1", stockOf(t, mr, "p1"))
}

func TestCredit_IsIdempotent(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(stockKey("p1"), "10"))

	_, ok, err := counter.Reserve(ctx, "p1", "job-1", 3)
	require.NoError(t, err)
	require.True(t, ok)

	credited, err := counter.Credit(ctx, "p1", "job-1", 3)
	require.NoError(t, err)
	assert.True(t, credited)
	assert.Equal(t, "10", stockOf(t, mr, "p1"))

	credited, err = counter.Credit(ctx, "p1", "job-1", 3)
	require.NoError(t, err)
	assert.False(t, credited)
	assert.Equal(t, "10", stockOf(t, mr, "p1"))
}

func TestCredit_UnknownJob(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	require.NoError(t, mr.Set(stockKey("p1"), "5"))

	credited, err := counter.Credit(context.Background(), "p1", "never-reserved", 3)
	require.NoError(t, err)
	assert.False(t, credited)
	assert.Equal(t, "5", stockOf(t, mr, "p1"))
}

func TestResync_SubtractsRemainingPending(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(stockKey("p1"), "10"))

	_, _, err := counter.Reserve(ctx, "p1", "job-a", 1)
	require.NoError(t, err)
	_, _, err = counter.Reserve(ctx, "p1", "job-b", 2)
	require.NoError(t, err)
	assert.Equal(t, "7", stockOf(t, mr, "p1"))

	// job-a committed: authoritative went 10 -> 9, job-b still in flight
	available, err := counter.Resync(ctx, "p1", 9, 1, "job-a")
	require.NoError(t, err)
	assert.Equal(t, int64(7), available)
	assert.Equal(t, "7", stockOf(t, mr, "p1"))

	available, err = counter.Resync(ctx, "p1", 7, 2, "job-b")
	require.NoError(t, err)
	assert.Equal(t, int64(7), available)

	pending, err := counter.Pending(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResync_OverwritesDrift(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	require.NoError(t, mr.Set(stockKey("p1"), "999"))

	available, err := counter.Resync(context.Background(), "p1", 15, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(15), available)
	assert.Equal(t, "15", stockOf(t, mr, "p1"))
}

func TestResync_NeverNegative(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(stockKey("p1"), "5"))

	_, _, err := counter.Reserve(ctx, "p1", "job-1", 5)
	require.NoError(t, err)

	available, err := counter.Resync(ctx, "p1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), available)
	assert.Equal(t, "0", stockOf(t, mr, "p1"))
}

func TestResync_OutOfOrderKeepsNewestAuthority(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(stockKey("p1"), "20"))

	_, _, err := counter.Reserve(ctx, "p1", "job-a", 5)
	require.NoError(t, err)
	_, _, err = counter.Reserve(ctx, "p1", "job-b", 10)
	require.NoError(t, err)

	// job-a commits first (20 -> 15, version 1) and job-b second (15 -> 5,
	// version 2), but job-b's resync lands first.
	available, err := counter.Resync(ctx, "p1", 5, 2, "job-b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), available)

	available, err = counter.Resync(ctx, "p1", 15, 1, "job-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), available)
	assert.Equal(t, "5", stockOf(t, mr, "p1"))
	assert.Equal(t, "2", mr.HGet(authorityKey("p1"), "version"))

	pending, err := counter.Pending(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResync_SameVersionIsAccepted(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	ctx := context.Background()

	_, err := counter.Resync(ctx, "p1", 8, 3)
	require.NoError(t, err)
	require.NoError(t, mr.Set(stockKey("p1"), "99"))

	available, err := counter.Resync(ctx, "p1", 8, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), available)
	assert.Equal(t, "8", stockOf(t, mr, "p1"))
}

func TestPending_RecordsReservationTime(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(stockKey("p1"), "10"))

	reservedAt := time.UnixMilli(1700000000000)
	counter.now = func() time.Time { return reservedAt }

	_, ok, err := counter.Reserve(ctx, "p1", "job-1", 2)
	require.NoError(t, err)
	require.True(t, ok)

	pending, err := counter.Pending(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, reservedAt.Equal(pending["job-1"].ReservedAt))

	credited, err := counter.Credit(ctx, "p1", "job-1", 2)
	require.NoError(t, err)
	require.True(t, credited)
	assert.False(t, mr.Exists(reservedAtKey("p1")))
}

func TestStocks(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	require.NoError(t, mr.Set(stockKey("iphone"), "20"))
	require.NoError(t, mr.Set(stockKey("macbook"), "10"))

	stocks, err := counter.Stocks(context.Background(), []string{"iphone", "macbook", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"iphone": 20, "macbook": 10}, stocks)

	empty, err := counter.Stocks(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisCounter_Unavailable(t *testing.T) {
	counter, mr := setupRedisCounter(t)
	mr.Close()

	_, _, err := counter.Reserve(context.Background(), "p1", "job-1", 1)
	assert.Error(t, err)
	assert.Error(t, counter.Ping(context.Background()))
}
