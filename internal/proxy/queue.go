package proxy

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
)

// Priority is a request's admission-queue tier (spec §4.6). Lower values are
// served first; age (FIFO) breaks ties within the same tier.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// QueueConfig bounds one provider's admission queue.
type QueueConfig struct {
	// MaxConcurrent is the per-provider in-flight cap. Requests beyond this
	// wait in the priority queue rather than dispatching immediately.
	MaxConcurrent int
	// MaxQueueLen bounds the waiting list; once full, further admission
	// attempts are rejected immediately with ErrQueueFull rather than
	// growing unboundedly.
	MaxQueueLen int
	// GlobalMaxConcurrent bounds in-flight requests across all providers.
	// Zero disables the global cap.
	GlobalMaxConcurrent int
}

// DefaultQueueConfig mirrors the teacher's default provider timeout/retry
// scale: generous enough that healthy traffic never queues, tight enough
// that a stuck provider can't exhaust the process.
var DefaultQueueConfig = QueueConfig{
	MaxConcurrent:       64,
	MaxQueueLen:         256,
	GlobalMaxConcurrent: 512,
}

// ErrQueueFull is returned by Acquire when neither a concurrency slot nor a
// queue slot is available. The caller should respond AtCapacity (503-class).
type ErrQueueFull struct {
	Provider string
}

func (e *ErrQueueFull) Error() string {
	return "proxy: admission queue full for provider " + e.Provider
}

// waiter is one pending admission request.
type waiter struct {
	priority Priority
	seq      int64
	ready    chan struct{}
	index    int // heap index, maintained by container/heap
}

// waiterHeap orders waiters by (priority, seq) — lower priority value first,
// then FIFO within a tier.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// providerQueue tracks in-flight count and waiters for a single provider.
type providerQueue struct {
	mu        sync.Mutex
	inFlight  int
	waiting   waiterHeap
	nextSeq   int64
	cfg       QueueConfig
}

// RequestQueue enforces the per-provider and global admission caps described
// in spec §4.6: a bounded socket pool's companion — this bounds in-flight
// work per provider (priority + age ordered) and across the whole process.
type RequestQueue struct {
	mu        sync.Mutex
	providers map[string]*providerQueue
	defaults  QueueConfig
	overrides map[string]QueueConfig

	globalSem chan struct{}
	metrics   *metrics.Registry
}

// NewRequestQueue creates a queue using cfg as the default for every
// provider not given a per-provider override via SetProviderConfig.
func NewRequestQueue(cfg QueueConfig, met *metrics.Registry) *RequestQueue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultQueueConfig.MaxConcurrent
	}
	if cfg.MaxQueueLen <= 0 {
		cfg.MaxQueueLen = DefaultQueueConfig.MaxQueueLen
	}
	q := &RequestQueue{
		providers: make(map[string]*providerQueue),
		defaults:  cfg,
		overrides: make(map[string]QueueConfig),
		metrics:   met,
	}
	if cfg.GlobalMaxConcurrent > 0 {
		q.globalSem = make(chan struct{}, cfg.GlobalMaxConcurrent)
	}
	return q
}

// SetProviderConfig overrides the queue bounds for one provider id, e.g.
// when a ModelMapping carries a tighter RateLimitRPM. Safe to call while the
// queue is in use; takes effect for admissions issued after the call.
func (q *RequestQueue) SetProviderConfig(providerID string, cfg QueueConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.overrides[providerID] = cfg
	if pq, ok := q.providers[providerID]; ok {
		pq.mu.Lock()
		pq.cfg = cfg
		pq.mu.Unlock()
	}
}

func (q *RequestQueue) queueFor(providerID string) *providerQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	pq, ok := q.providers[providerID]
	if ok {
		return pq
	}
	cfg := q.defaults
	if o, ok := q.overrides[providerID]; ok {
		cfg = o
	}
	pq = &providerQueue{cfg: cfg}
	q.providers[providerID] = pq
	return pq
}

// Acquire blocks until providerID has capacity for one more in-flight
// request, or ctx is done, or the queue is full (returns *ErrQueueFull
// immediately — no blocking — once MaxQueueLen waiters are already
// enqueued). On success it returns a release func the caller must invoke
// exactly once when the request completes.
func (q *RequestQueue) Acquire(ctx context.Context, providerID string, priority Priority) (release func(), err error) {
	start := time.Now()
	pq := q.queueFor(providerID)

	pq.mu.Lock()
	if pq.inFlight < pq.cfg.MaxConcurrent {
		pq.inFlight++
		pq.mu.Unlock()
		if err := q.acquireGlobal(ctx, providerID); err != nil {
			pq.release()
			return nil, err
		}
		q.reportDepth(providerID, pq)
		return q.releaseFunc(providerID, pq), nil
	}
	if len(pq.waiting) >= pq.cfg.MaxQueueLen {
		pq.mu.Unlock()
		if q.metrics != nil {
			q.metrics.RecordQueueRejection(providerID, "provider_full")
		}
		return nil, &ErrQueueFull{Provider: providerID}
	}

	w := &waiter{priority: priority, seq: pq.nextSeq, ready: make(chan struct{})}
	pq.nextSeq++
	heap.Push(&pq.waiting, w)
	pq.mu.Unlock()
	q.reportDepth(providerID, pq)

	select {
	case <-w.ready:
		if err := q.acquireGlobal(ctx, providerID); err != nil {
			pq.release()
			return nil, err
		}
		if q.metrics != nil {
			q.metrics.ObserveQueueWait(providerID, time.Since(start))
		}
		return q.releaseFunc(providerID, pq), nil
	case <-ctx.Done():
		pq.mu.Lock()
		removed := w.index >= 0
		if removed {
			heap.Remove(&pq.waiting, w.index)
		}
		pq.mu.Unlock()
		if removed {
			q.reportDepth(providerID, pq)
			return nil, ctx.Err()
		}
		// Already popped and handed a slot concurrently with cancellation;
		// release it back rather than leak it.
		pq.release()
		return nil, ctx.Err()
	}
}

func (q *RequestQueue) acquireGlobal(ctx context.Context, providerID string) error {
	if q.globalSem == nil {
		return nil
	}
	select {
	case q.globalSem <- struct{}{}:
		return nil
	default:
	}
	select {
	case q.globalSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		if q.metrics != nil {
			q.metrics.RecordQueueRejection(providerID, "global_full")
		}
		return ctx.Err()
	}
}

func (q *RequestQueue) releaseFunc(providerID string, pq *providerQueue) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if q.globalSem != nil {
				<-q.globalSem
			}
			pq.release()
			q.reportDepth(providerID, pq)
		})
	}
}

// release decrements in-flight and promotes the next waiter, if any.
func (pq *providerQueue) release() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.waiting) == 0 {
		pq.inFlight--
		return
	}
	next := heap.Pop(&pq.waiting).(*waiter)
	close(next.ready)
	// inFlight stays the same: the slot being freed is handed directly to
	// the promoted waiter instead of being decremented then re-incremented.
}

func (q *RequestQueue) reportDepth(providerID string, pq *providerQueue) {
	if q.metrics == nil {
		return
	}
	depths := map[Priority]int{}
	pq.mu.Lock()
	for _, w := range pq.waiting {
		depths[w.priority]++
	}
	pq.mu.Unlock()
	q.metrics.SetQueueDepth(providerID, "high", depths[PriorityHigh])
	q.metrics.SetQueueDepth(providerID, "normal", depths[PriorityNormal])
	q.metrics.SetQueueDepth(providerID, "low", depths[PriorityLow])
}
