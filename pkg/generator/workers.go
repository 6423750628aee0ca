package generator

import "sync"

// Default sizing for the background generation workers.
const (
	DefaultWorkers    = 4
	DefaultQueueDepth = 10000
)

// Workers is a fixed-size pool draining a bounded task queue. When the queue
// is full, Submit runs the task on the caller so load sheds onto request
// goroutines instead of growing without bound.
type Workers struct {
	tasks  chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewWorkers starts n workers behind a queue of the given depth.
func NewWorkers(n, queueDepth int) *Workers {
	if n <= 0 {
		n = DefaultWorkers
	}

	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}

	w := &Workers{tasks: make(chan func(), queueDepth)}

	for range n {
		w.wg.Add(1)

		go func() {
			defer w.wg.Done()

			for task := range w.tasks {
				task()
			}
		}()
	}

	return w
}

// Submit queues task for execution, running it inline when the queue is
// full or the pool is closed. It reports whether the task was queued.
func (w *Workers) Submit(task func()) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.closed {
		select {
		case w.tasks <- task:
			return true
		default:
		}
	}

	task()

	return false
}

// Close stops accepting tasks and waits for queued ones to finish.
func (w *Workers) Close() {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()

		return
	}

	w.closed = true
	close(w.tasks)
	w.mu.Unlock()

	w.wg.Wait()
}
