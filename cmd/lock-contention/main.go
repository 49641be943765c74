// Command lock-contention races goroutines for the same task locks and
// checks that every round has exactly one winner per task.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-taskwarp/v1/adapter"
	"github.com/mirkobrombin/go-taskwarp/v1/lock"
	"github.com/mirkobrombin/go-taskwarp/v1/task"
)

func main() {
	workers := flag.Int("workers", 32, "goroutines racing per task")
	tasks := flag.Int("tasks", 4, "number of contended tasks")
	rounds := flag.Int("rounds", 10, "acquire/release rounds")
	redisAddr := flag.String("redis", "", "run against Redis at this address instead of memory")
	flag.Parse()

	ctx := context.Background()
	var store adapter.Store = adapter.NewInMemoryStore()
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis: %v", err)
		}
		store = adapter.NewRedisStore(client, adapter.WithKeyPrefix(fmt.Sprintf("contention:%d:", time.Now().UnixNano())))
	}
	locks := lock.NewCoordinator(store, lock.WithSweepInterval(0))
	defer locks.Close()

	ids := make([]string, *tasks)
	for i := range ids {
		t, err := task.NewTask{Title: fmt.Sprintf("contended-%d", i)}.Build("bench")
		if err != nil {
			log.Fatal(err)
		}
		if t, err = store.Create(ctx, t); err != nil {
			log.Fatal(err)
		}
		ids[i] = t.ID
	}

	failed := false
	start := time.Now()
	for r := 0; r < *rounds; r++ {
		winners := make([]atomic.Int32, len(ids))
		holders := make([]atomic.Value, len(ids))
		var wg sync.WaitGroup
		for i := range ids {
			for w := 0; w < *workers; w++ {
				wg.Add(1)
				go func(i, w int) {
					defer wg.Done()
					user := fmt.Sprintf("user-%d", w)
					if res := locks.Acquire(ctx, ids[i], user); res.Success {
						winners[i].Add(1)
						holders[i].Store(user)
					}
				}(i, w)
			}
		}
		wg.Wait()

		for i, id := range ids {
			n := winners[i].Load()
			holder, _ := holders[i].Load().(string)
			fmt.Printf("round %d task %s winners=%d holder=%s\n", r, id, n, holder)
			if n != 1 {
				failed = true
			}
			if res := locks.Release(ctx, id, holder); !res.Success {
				fmt.Printf("round %d task %s release failed: %s\n", r, id, res.Message)
				failed = true
			}
		}
	}
	fmt.Printf("%d rounds x %d tasks x %d workers in %s\n", *rounds, len(ids), *workers, time.Since(start))
	if failed {
		fmt.Println("mutual exclusion violated")
		os.Exit(1)
	}
}
