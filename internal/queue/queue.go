package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maltedev/catalog-extractor/internal/models"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Task is one job waiting for a worker. Index is the job's position in its
// batch.
type Task struct {
	Index      int
	Job        *models.ExtractionJob
	EnqueuedAt time.Time
}

type Queue interface {
	Push(task *Task) error
	Pop(ctx context.Context) (*Task, error)
	Size() int
	Close() error
}

// InMemoryQueue is a FIFO shared by a pool of workers. Pop blocks until a
// task arrives, the queue is closed and drained, or ctx is done.
type InMemoryQueue struct {
	mu      sync.Mutex
	tasks   []*Task
	maxSize int
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// NewInMemoryQueue creates a queue holding at most maxSize tasks; maxSize <= 0
// means unbounded.
func NewInMemoryQueue(maxSize int) *InMemoryQueue {
	return &InMemoryQueue{
		tasks:   make([]*Task, 0),
		maxSize: maxSize,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (q *InMemoryQueue) Push(task *Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.maxSize > 0 && len(q.tasks) >= q.maxSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	q.signal()
	return nil
}

// PushBatch enqueues tasks in order and stops at the first failure.
func (q *InMemoryQueue) PushBatch(tasks []*Task) error {
	for _, task := range tasks {
		if err := q.Push(task); err != nil {
			return err
		}
	}
	return nil
}

func (q *InMemoryQueue) Pop(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			remaining := len(q.tasks)
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return task, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-q.done:
		}
	}
}

func (q *InMemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks. Tasks already queued can still be popped.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
