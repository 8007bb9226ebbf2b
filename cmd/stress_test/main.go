package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/adapter/broker"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/obs"
)

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "redis address")
	productID := flag.String("product", "stress-test-item", "product to reserve")
	initialStock := flag.Int64("stock", 20, "initial stock")
	totalRequests := flag.Int("requests", 50, "concurrent reservations")
	quantity := flag.Int("quantity", 1, "units per reservation")
	flag.Parse()

	if *quantity <= 0 {
		fmt.Fprintln(os.Stderr, "quantity must be positive")
		os.Exit(2)
	}

	ctx := context.Background()

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect redis: %v\n", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Clear previous test data
	rdb.Del(ctx,
		"stock:"+*productID,
		"stock:pending:"+*productID,
		"stock:reserved_at:"+*productID,
		"stock:authority:"+*productID,
	)

	counter := storage.NewRedisCounter(rdb)
	if _, err := counter.Resync(ctx, *productID, *initialStock, 0); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set stock: %v\n", err)
		os.Exit(1)
	}

	jobs := broker.NewMemoryBroker(broker.Options{})
	defer jobs.Close()

	svc := service.NewReservationService(counter, jobs, service.ReservationConfig{}, obs.NopMetrics(), zerolog.Nop())

	var successCount, rejectCount, errorCount atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := svc.Reserve(ctx, *productID, *quantity)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, service.ErrInsufficientStock):
				rejectCount.Add(1)
			default:
				errorCount.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	expected := min(*initialStock / int64(*quantity), int64(*totalRequests))

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Accepted:         %d\n", success)
	fmt.Printf("Rejected:         %d\n", rejectCount.Load())
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Queued Jobs:      %d\n", jobs.Len())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	if success == expected && errorCount.Load() == 0 {
		fmt.Printf("PASS: exactly %d reservations accepted\n", expected)
	} else {
		fmt.Printf("FAIL: expected %d accepted, got %d (%d errors)\n", expected, success, errorCount.Load())
		failed = true
	}

	finalStock, _ := rdb.Get(ctx, "stock:"+*productID).Int64()
	want := *initialStock - success*int64(*quantity)
	fmt.Printf("Final Redis Stock: %d\n", finalStock)

	if finalStock == want && finalStock >= 0 {
		fmt.Printf("PASS: stock settled at %d\n", want)
	} else {
		fmt.Printf("FAIL: expected stock %d, got %d\n", want, finalStock)
		failed = true
	}

	if failed {
		os.Exit(1)
	}
}
