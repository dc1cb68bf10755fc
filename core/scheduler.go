package core

import (
	"sync"

	"go.uber.org/atomic"
)

// scheduler runs ready cells on a fixed pool of workers. The ready queue is
// an unbounded FIFO, so cells that yield after a batch go to the back.
type scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*cell
	head    int
	stopped bool

	workers int
	wg      sync.WaitGroup
	batches *atomic.Uint64
	busy    *atomic.Int32
}

func newScheduler(workers int) *scheduler {
	s := &scheduler{
		workers: workers,
		batches: atomic.NewUint64(0),
		busy:    atomic.NewInt32(0),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *scheduler) start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// stop releases the workers. Cells still queued are not run.
func (s *scheduler) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.head = 0
	s.mu.Unlock()

	s.cond.Broadcast()
	s.wg.Wait()
}

func (s *scheduler) push(c *cell) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, c)
	s.mu.Unlock()

	s.cond.Signal()
}

func (s *scheduler) pop() (*cell, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.head == len(s.queue) && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return nil, false
	}

	c := s.queue[s.head]
	s.queue[s.head] = nil
	s.head++
	if s.head == len(s.queue) {
		s.queue = s.queue[:0]
		s.head = 0
	} else if s.head > 1024 && s.head > len(s.queue)/2 {
		s.queue = append(s.queue[:0], s.queue[s.head:]...)
		s.head = 0
	}
	return c, true
}

func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) - s.head
}

func (s *scheduler) worker() {
	defer s.wg.Done()

	for {
		c, ok := s.pop()
		if !ok {
			return
		}
		if !c.dispatch.CompareAndSwap(dispatchScheduled, dispatchRunning) {
			continue
		}

		s.busy.Inc()
		s.batches.Inc()
		c.runBatch()
		s.busy.Dec()
	}
}
