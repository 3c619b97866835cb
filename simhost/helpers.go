package simhost

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// HelperQueue is a platform.HelperQueue backed by a small fixed pool of
// goroutines per named queue, matching the real vmkernel's helper-world
// pool: bottom-half work (reap teardown, HeapMgr release) is dispatched
// here specifically so it never runs on the caller's own stack.
type HelperQueue struct {
	mu              sync.Mutex
	queues          map[string]*helperQueue
	workersPerQueue int
}

type helperQueue struct {
	ch chan func()
	wg sync.WaitGroup
}

// NewHelperQueue builds an empty pool; queues are created lazily on first
// Request with workersPerQueue goroutines each.
func NewHelperQueue(workersPerQueue int) *HelperQueue {
	if workersPerQueue < 1 {
		workersPerQueue = 1
	}
	return &HelperQueue{queues: map[string]*helperQueue{}, workersPerQueue: workersPerQueue}
}

func (h *HelperQueue) queueFor(name string) *helperQueue {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[name]
	if ok {
		return q
	}
	q = &helperQueue{ch: make(chan func(), 64)}
	h.queues[name] = q
	for i := 0; i < h.workersPerQueue; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for fn := range q.ch {
				fn()
			}
		}()
	}
	return q
}

func (h *HelperQueue) Request(queue string, fn func(arg any), arg any) error {
	q := h.queueFor(queue)
	q.ch <- func() { fn(arg) }
	return nil
}

// Close drains every queue, closing each channel and waiting for its
// workers to exit. Queues are fanned out with errgroup so a slow queue
// doesn't delay the others from being told to stop, and ctx's deadline
// (rather than each queue's own) bounds the whole shutdown: if it expires
// before every worker pool has drained, Close returns ctx's error with
// whichever queues hadn't finished still running in the background.
func (h *HelperQueue) Close(ctx context.Context) error {
	h.mu.Lock()
	queues := make([]*helperQueue, 0, len(h.queues))
	for _, q := range h.queues {
		queues = append(queues, q)
	}
	h.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		q := q
		g.Go(func() error {
			close(q.ch)
			done := make(chan struct{})
			go func() {
				q.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}
