package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Admission errors. The router maps these onto wire error kinds
// (server_busy, request_timeout).
var (
	// ErrQueueFull means the model's wait queue is at capacity.
	ErrQueueFull = errors.New("queue: model queue full")
	// ErrCancelled means the caller's context ended before a slot freed up.
	ErrCancelled = errors.New("queue: admission cancelled")
)

// ewmaAlpha weights new samples in the wait/process time averages.
const ewmaAlpha = 0.2

// Limits are the per-model admission bounds.
type Limits struct {
	Parallel int // concurrent slots, >= 1
	Queue    int // waiters beyond active slots, >= 0 (0 = queue disabled)
}

// Stats is a snapshot of one model queue.
type Stats struct {
	Model         string    `json:"model"`
	ParallelLimit int       `json:"parallel_limit"`
	QueueLimit    int       `json:"queue_limit"`
	Active        int       `json:"active"`
	Queued        int       `json:"queued"`
	Processed     uint64    `json:"processed"`
	Rejected      uint64    `json:"rejected"`
	EwmaWaitMs    float64   `json:"ewma_wait_ms"`
	EwmaProcessMs float64   `json:"ewma_process_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Manager owns one ModelQueue per model name. Queues are created on first
// sight of a model and live for the process lifetime.
type Manager struct {
	mu       sync.Mutex
	queues   map[string]*ModelQueue
	defaults Limits
	logger   *zap.Logger
}

// NewManager creates a manager with the given default limits for new models.
func NewManager(defaults Limits, logger *zap.Logger) *Manager {
	if defaults.Parallel < 1 {
		defaults.Parallel = 1
	}
	if defaults.Queue < 0 {
		defaults.Queue = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		queues:   make(map[string]*ModelQueue),
		defaults: defaults,
		logger:   logger.With(zap.String("component", "queue-manager")),
	}
}

// queueFor returns the queue for a model, creating it on first sight.
func (m *Manager) queueFor(model string) *ModelQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[model]
	if !ok {
		q = &ModelQueue{
			model:      model,
			parallel:   m.defaults.Parallel,
			queueLimit: m.defaults.Queue,
			waiters:    list.New(),
			createdAt:  time.Now(),
		}
		m.queues[model] = q
		m.logger.Info("Model queue created",
			zap.String("model", model),
			zap.Int("parallel_limit", q.parallel),
			zap.Int("queue_limit", q.queueLimit),
		)
	}
	return q
}

// Admit places a request in the model's queue. It returns ErrQueueFull when
// the queue is at capacity; otherwise the returned ticket's Acquire blocks
// until a parallel slot is free or the context ends.
func (m *Manager) Admit(model string) (*Ticket, error) {
	q := m.queueFor(model)
	q.mu.Lock()
	defer q.mu.Unlock()

	// Fast path: free slot and nobody waiting, grant without queueing.
	if q.active < q.parallel && q.waiters.Len() == 0 {
		w := &waiter{ready: make(chan struct{}), granted: true, enqueuedAt: time.Now()}
		close(w.ready)
		q.active++
		q.recordWaitLocked(0)
		return &Ticket{q: q, w: w}, nil
	}

	if q.queued >= q.queueLimit {
		q.rejected++
		return nil, ErrQueueFull
	}

	w := &waiter{ready: make(chan struct{}), enqueuedAt: time.Now()}
	w.elem = q.waiters.PushBack(w)
	q.queued++
	return &Ticket{q: q, w: w}, nil
}

// Reconfigure resizes a model's limits. In-flight work is unaffected; if the
// parallel limit grew, queued waiters are woken to fill the slack.
func (m *Manager) Reconfigure(model string, parallel, queueLimit *int) Stats {
	q := m.queueFor(model)
	q.mu.Lock()
	defer q.mu.Unlock()
	if parallel != nil && *parallel >= 1 {
		q.parallel = *parallel
	}
	if queueLimit != nil && *queueLimit >= 0 {
		q.queueLimit = *queueLimit
	}
	q.grantLocked()
	return q.statsLocked()
}

// Stats returns the snapshot for one model, or false if it was never seen.
func (m *Manager) Stats(model string) (Stats, bool) {
	m.mu.Lock()
	q, ok := m.queues[model]
	m.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked(), true
}

// StatsAll returns snapshots for every known model.
func (m *Manager) StatsAll() []Stats {
	m.mu.Lock()
	queues := make([]*ModelQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(queues))
	for _, q := range queues {
		q.mu.Lock()
		out = append(out, q.statsLocked())
		q.mu.Unlock()
	}
	return out
}

// ResetStats zeroes the counters and averages of every queue. Limits and
// in-flight state are untouched.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	queues := make([]*ModelQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		q.processed = 0
		q.rejected = 0
		q.ewmaWaitMs = 0
		q.ewmaProcessMs = 0
		q.mu.Unlock()
	}
}

// ModelQueue is the admission state for one model. All fields are guarded by
// its own mutex; the manager lock covers only the queues map.
type ModelQueue struct {
	mu         sync.Mutex
	model      string
	parallel   int
	queueLimit int
	active     int
	queued     int
	processed  uint64
	rejected   uint64

	ewmaWaitMs    float64
	ewmaProcessMs float64
	createdAt     time.Time

	waiters *list.List // FIFO of *waiter
}

type waiter struct {
	ready      chan struct{}
	granted    bool
	enqueuedAt time.Time
	elem       *list.Element
}

// grantLocked wakes queued waiters while slots are free, in FIFO order.
func (q *ModelQueue) grantLocked() {
	for q.active < q.parallel && q.waiters.Len() > 0 {
		el := q.waiters.Front()
		w := el.Value.(*waiter)
		q.waiters.Remove(el)
		q.queued--
		q.active++
		w.granted = true
		w.elem = nil
		q.recordWaitLocked(time.Since(w.enqueuedAt))
		close(w.ready)
	}
}

func (q *ModelQueue) recordWaitLocked(wait time.Duration) {
	ms := float64(wait.Milliseconds())
	if q.ewmaWaitMs == 0 {
		q.ewmaWaitMs = ms
		return
	}
	q.ewmaWaitMs = ewmaAlpha*ms + (1-ewmaAlpha)*q.ewmaWaitMs
}

func (q *ModelQueue) recordProcessLocked(process time.Duration) {
	ms := float64(process.Milliseconds())
	if q.ewmaProcessMs == 0 {
		q.ewmaProcessMs = ms
		return
	}
	q.ewmaProcessMs = ewmaAlpha*ms + (1-ewmaAlpha)*q.ewmaProcessMs
}

func (q *ModelQueue) statsLocked() Stats {
	return Stats{
		Model:         q.model,
		ParallelLimit: q.parallel,
		QueueLimit:    q.queueLimit,
		Active:        q.active,
		Queued:        q.queued,
		Processed:     q.processed,
		Rejected:      q.rejected,
		EwmaWaitMs:    q.ewmaWaitMs,
		EwmaProcessMs: q.ewmaProcessMs,
		CreatedAt:     q.createdAt,
	}
}

// Ticket is a place in a model's queue.
type Ticket struct {
	q *ModelQueue
	w *waiter
}

// Acquire blocks until a parallel slot is granted or ctx ends. On
// cancellation while queued, the waiter is removed without consuming a slot;
// if the grant raced the cancellation, the slot is quietly returned.
func (t *Ticket) Acquire(ctx context.Context) (*Slot, error) {
	select {
	case <-t.w.ready:
		return &Slot{q: t.q}, nil
	case <-ctx.Done():
	}

	t.q.mu.Lock()
	if t.w.granted {
		// Grant and cancel raced; give the slot back without counting it.
		t.q.active--
		t.q.grantLocked()
		t.q.mu.Unlock()
		return nil, errors.Join(ErrCancelled, ctx.Err())
	}
	t.q.waiters.Remove(t.w.elem)
	t.q.queued--
	t.q.mu.Unlock()
	return nil, errors.Join(ErrCancelled, ctx.Err())
}

// Slot is a held parallelism slot. Release must be called exactly once on
// every acquired slot; extra calls are no-ops via sync.Once so deferred
// release on panic paths is always safe.
type Slot struct {
	q    *ModelQueue
	once sync.Once
}

// Release frees the slot, counts the request as processed, and records its
// processing time.
func (s *Slot) Release(process time.Duration) {
	s.once.Do(func() {
		s.q.mu.Lock()
		s.q.active--
		s.q.processed++
		s.q.recordProcessLocked(process)
		s.q.grantLocked()
		s.q.mu.Unlock()
	})
}
