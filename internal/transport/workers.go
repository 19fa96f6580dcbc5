package transport

import (
	"sync"
	"time"
)

// DefaultQueueDepth is the per-key backlog used when NewWorkers gets 0.
const DefaultQueueDepth = 16

// DefaultIdleTimeout is how long an idle worker lingers when NewWorkers
// gets 0.
const DefaultIdleTimeout = time.Minute

// Workers runs jobs with one goroutine per key. Jobs for the same key
// run one at a time in submission order; different keys run
// concurrently. Idle workers exit and are recreated on demand.
type Workers struct {
	depth int
	idle  time.Duration

	mu     sync.Mutex
	queues map[string]chan func()
	closed bool

	wg sync.WaitGroup
}

// NewWorkers creates a worker set. Zero values select the defaults.
func NewWorkers(depth int, idle time.Duration) *Workers {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Workers{
		depth:  depth,
		idle:   idle,
		queues: make(map[string]chan func()),
	}
}

// Submit queues job behind any pending jobs for key. It returns false
// when the key's backlog is full or the set is closed.
func (w *Workers) Submit(key string, job func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	q, ok := w.queues[key]
	if !ok {
		q = make(chan func(), w.depth)
		w.queues[key] = q
		w.wg.Add(1)
		go w.run(key, q)
	}
	select {
	case q <- job:
		return true
	default:
		return false
	}
}

// Active returns the number of live workers.
func (w *Workers) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queues)
}

// Close stops accepting jobs, lets queued jobs finish and waits for
// every worker to exit.
func (w *Workers) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		for key, q := range w.queues {
			close(q)
			delete(w.queues, key)
		}
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Workers) run(key string, q chan func()) {
	defer w.wg.Done()
	timer := time.NewTimer(w.idle)
	defer timer.Stop()
	for {
		select {
		case job, ok := <-q:
			if !ok {
				return
			}
			job()
			timer.Reset(w.idle)
		case <-timer.C:
			// Submit sends under w.mu, so an empty queue seen here
			// cannot gain a job before the worker is unregistered.
			w.mu.Lock()
			if len(q) == 0 && w.queues[key] == q {
				delete(w.queues, key)
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			timer.Reset(w.idle)
		}
	}
}
