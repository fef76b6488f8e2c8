// Package concurrency provides a bounded parallel executor for independent
// tasks, such as scanning every marketplace index on disk.
package concurrency

import (
	"context"
	"sync"
)

// ParallelExecutor runs batches of tasks with a fixed worker bound.
type ParallelExecutor struct {
	maxWorkers int
}

// NewParallelExecutor creates an executor running at most maxWorkers tasks
// at once. A bound below one is raised to one.
func NewParallelExecutor(maxWorkers int) *ParallelExecutor {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &ParallelExecutor{maxWorkers: maxWorkers}
}

// Execute runs every task and returns their errors in task order. Tasks
// submitted after ctx is done are skipped and report ctx.Err(); tasks
// already running are left to finish.
func (p *ParallelExecutor) Execute(ctx context.Context, tasks []func() error) []error {
	if len(tasks) == 0 {
		return nil
	}

	workers := p.maxWorkers
	if len(tasks) < workers {
		workers = len(tasks)
	}

	queue := make(chan int, len(tasks))
	results := make([]error, len(tasks))
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range queue {
				if err := ctx.Err(); err != nil {
					results[index] = err
					continue
				}
				results[index] = tasks[index]()
			}
		}()
	}

	for i := range tasks {
		queue <- i
	}
	close(queue)

	wg.Wait()
	return results
}
