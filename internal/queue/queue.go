package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InMemoryQueue runs jobs in-process with delay and bounded retry.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	wg       sync.WaitGroup

	MaxRetries int
	Backoff    time.Duration
	log        *zap.SugaredLogger
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log *zap.SugaredLogger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
		log:        log,
	}
}

// Enqueue sends a job to all subscribers of queueName
func (q *InMemoryQueue) Enqueue(ctx context.Context, queueName string, job Job, delay time.Duration) error {
	q.mu.Lock()
	handlers := q.handlers[queueName]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for queue %s", queueName)
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		h := handler
		if delay > 0 {
			time.AfterFunc(delay, func() { q.processJob(queueName, h, job) })
			continue
		}
		go q.processJob(queueName, h, job)
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(queueName string, handler Handler, job Job) {
	defer q.wg.Done()

	for {
		err := handler(context.Background(), job)
		if err == nil {
			return
		}

		job.Attempt++
		if IsPermanent(err) || job.Attempt > q.MaxRetries {
			q.log.Errorw("job permanently failed", "queue", queueName, "kind", job.Kind, "job_id", job.ID, "attempts", job.Attempt, "error", err)
			return
		}
		q.log.Warnw("job failed, retrying", "queue", queueName, "kind", job.Kind, "job_id", job.ID, "attempt", job.Attempt, "error", err)

		time.Sleep(time.Duration(job.Attempt) * q.Backoff)
	}
}

// Subscribe adds a handler for a queue. The subscription lives as long as the queue.
func (q *InMemoryQueue) Subscribe(_ context.Context, queueName string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[queueName] = append(q.handlers[queueName], handler)
	return nil
}

// Wait blocks until every enqueued job, including delayed ones, has finished.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

var (
	_ Queue    = (*InMemoryQueue)(nil)
	_ Consumer = (*InMemoryQueue)(nil)
)
