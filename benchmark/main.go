// Package main measures in-process queue throughput: producers enqueue no-op tasks at
// mixed priorities while the worker pool drains them.
//
// Usage:
//
//	go run ./benchmark -tasks 100000 -workers 8
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/mediaq/pkg/queue"
	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

type job struct {
	Producer int
	Seq      int
}

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to enqueue")
	numProducers := flag.Int("producers", 10, "Number of concurrent enqueuers")
	numWorkers := flag.Int("workers", 8, "Number of queue workers")
	work := flag.Duration("work", 0, "Simulated work per task")
	flag.Parse()

	cfg := queue.DefaultConfig()
	cfg.MaxWorkers = *numWorkers
	cfg.MaxQueueSize = *numTasks
	m, err := queue.New(cfg, func(ctx context.Context, _ tasks.Task[job]) error {
		if *work > 0 {
			time.Sleep(*work)
		}
		return nil
	}, queue.WithLogger(zerolog.Nop()))
	if err != nil {
		fmt.Printf("Error creating queue: %v\n", err)
		return
	}

	fmt.Printf("mediaq Benchmark\n")
	fmt.Printf("================\n")
	fmt.Printf("Tasks to enqueue: %d\n", *numTasks)
	fmt.Printf("Producers: %d, workers: %d\n\n", *numProducers, *numWorkers)

	ctx := context.Background()
	// Paused until every task is queued so the two phases are measured separately.
	m.Pause()
	if err := m.Start(ctx); err != nil {
		fmt.Printf("Error starting queue: %v\n", err)
		return
	}
	defer m.Stop(10 * time.Second)

	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	perProducer := *numTasks / *numProducers
	priorities := []tasks.Priority{tasks.PriorityCritical, tasks.PriorityHigh, tasks.PriorityNormal, tasks.PriorityLow}

	for i := 0; i < *numProducers; i++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				p := priorities[j%len(priorities)]
				_, err := m.Enqueue(ctx, job{Producer: producer, Seq: j}, p, queue.WithTaskID(uuid.NewString()))
				if errors.Is(err, queue.ErrQueueFull) {
					fmt.Printf("Queue full after %d tasks\n", enqueued.Load())
					return
				}
				if err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)
	total := enqueued.Load()

	fmt.Printf("✓ Enqueued %d tasks in %s\n", total, enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(total)/enqueueTime.Seconds())

	fmt.Printf("Waiting for all tasks to be processed...\n")
	startProcess := time.Now()
	m.Resume()

	for {
		s := m.QueueStatistics()
		remaining := s.Queued + s.Processing
		if remaining == 0 {
			break
		}
		time.Sleep(500 * time.Millisecond)
		fmt.Printf("  Remaining: %d tasks\n", remaining)
	}

	processTime := time.Since(startProcess)
	s := m.QueueStatistics()

	fmt.Printf("\n✓ All tasks processed in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(total)/processTime.Seconds())
	fmt.Printf("  Completed: %d, failed: %d\n", s.Completed, s.Failed)

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(total)/totalTime.Seconds())
}
