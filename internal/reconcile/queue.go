package reconcile

import (
	"context"
	"sync"
)

// dispatchQueue runs jobs one at a time per key, in the order they were
// pushed. A key's worker goroutine exits once its backlog is empty.
type dispatchQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	wg      sync.WaitGroup
}

func newDispatchQueue() *dispatchQueue {
	return &dispatchQueue{pending: map[string][]func(){}}
}

func (q *dispatchQueue) push(key string, job func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if backlog, running := q.pending[key]; running {
		q.pending[key] = append(backlog, job)
		return
	}
	q.pending[key] = nil
	q.wg.Add(1)
	go q.drain(key, job)
}

func (q *dispatchQueue) drain(key string, job func()) {
	defer q.wg.Done()
	for {
		job()

		q.mu.Lock()
		backlog := q.pending[key]
		if len(backlog) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		job, q.pending[key] = backlog[0], backlog[1:]
		q.mu.Unlock()
	}
}

// wait blocks until every queued job has run or ctx is done.
func (q *dispatchQueue) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *dispatchQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
