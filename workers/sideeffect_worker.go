package workers

import (
	"context"
	"log"
	"sync"
)

// Task is one unit of post-draw background work (stats cache invalidation,
// broadcast fan-out). Errors are captured and logged, never propagated to
// the request that spawned the task.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pool is a bounded worker pool for side-effect dispatch. A full queue
// drops the task (with a log line) rather than blocking the caller — every
// task here is repairable by reconciliation or superseded by the next
// event, so backpressure onto the draw path is the worse failure.
type Pool struct {
	tasks chan Task
	size  int

	startOnce sync.Once
	wg        sync.WaitGroup
}

func NewPool(size, queueDepth int) *Pool {
	if size < 1 {
		size = 1
	}
	if queueDepth < size {
		queueDepth = size * 4
	}
	return &Pool{
		tasks: make(chan Task, queueDepth),
		size:  size,
	}
}

// Start launches the workers. They drain until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})
}

// Wait blocks until all workers have exited (after ctx cancellation).
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Submit enqueues a task without blocking. Returns false if the queue was
// full and the task was dropped.
func (p *Pool) Submit(name string, run func(ctx context.Context) error) bool {
	select {
	case p.tasks <- Task{Name: name, Run: run}:
		return true
	default:
		log.Printf("[Worker] queue full, dropping task %s", name)
		return false
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			if err := task.Run(ctx); err != nil {
				log.Printf("[Worker %d] task %s failed: %v", id, task.Name, err)
			}
		}
	}
}
