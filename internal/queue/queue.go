// ABOUTME: Bounded-concurrency priority scheduler serializing access to the inference backend.
// ABOUTME: Strict priority with FIFO tie-break; no preemption of running entries.

package queue

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Priority levels. Lower is served first.
const (
	PriorityAdmin = 0
	PriorityAgent = 1
)

// ErrCancelled resolves a ticket whose owning identity disconnected
// before the entry ran.
var ErrCancelled = errors.New("request cancelled")

// Request is one inference call.
type Request struct {
	Prompt      string
	System      string
	Model       string
	Command     string
	Temperature float64
	Stream      bool

	// OnChunk, when set with Stream, receives each text delta as the
	// collaborator produces it. Called from the entry's running
	// goroutine, never after the ticket resolves.
	OnChunk func(text string)
}

// Result is a completed inference call.
type Result struct {
	Text string
}

// Runner executes one inference call against the backend collaborator.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Ticket is the single-resolution completion handle for a submitted
// entry. Exactly one of result/err is set before done closes.
type Ticket struct {
	done   chan struct{}
	result Result
	err    error
}

// Wait blocks until the entry resolves or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done is closed when the ticket has resolved.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

func (t *Ticket) resolve(res Result, err error) {
	t.result = res
	t.err = err
	close(t.done)
}

type entry struct {
	identity string
	priority int
	seq      uint64
	req      Request
	ticket   *Ticket
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue schedules inference requests over a single Runner. Admission
// decisions happen only at submission time (if a slot is free) and when
// a running entry releases its slot; a higher-priority arrival never
// preempts a running entry.
type Queue struct {
	mu      sync.Mutex
	waiting entryHeap
	running int
	max     int
	seq     uint64
	runner  Runner
	logger  *slog.Logger
}

// New creates a queue with the given concurrency limit (min 1).
func New(runner Runner, maxConcurrency int, logger *slog.Logger) *Queue {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		max:    maxConcurrency,
		runner: runner,
		logger: logger.With("component", "queue"),
	}
}

// Submit inserts an entry and returns its completion handle. The entry
// starts immediately when a concurrency slot is free, otherwise it waits
// in strict (priority asc, arrival asc) order.
func (q *Queue) Submit(identity string, priority int, req Request) *Ticket {
	t := &Ticket{done: make(chan struct{})}

	q.mu.Lock()
	q.seq++
	e := &entry{
		identity: identity,
		priority: priority,
		seq:      q.seq,
		req:      req,
		ticket:   t,
	}
	if q.running < q.max {
		q.running++
		q.mu.Unlock()
		go q.run(e)
		return t
	}
	heap.Push(&q.waiting, e)
	q.mu.Unlock()

	q.logger.Debug("entry queued",
		"identity", identity,
		"priority", priority,
		"waiting", q.Len(),
	)
	return t
}

// CancelFor removes every queued (not running) entry for identity and
// resolves its ticket with ErrCancelled. Entries already running are
// left to finish; their results are discarded by the caller since the
// owning channel is gone.
func (q *Queue) CancelFor(identity string) {
	q.mu.Lock()
	var cancelled []*entry
	for i := 0; i < len(q.waiting); {
		if q.waiting[i].identity == identity {
			cancelled = append(cancelled, heap.Remove(&q.waiting, i).(*entry))
			continue
		}
		i++
	}
	q.mu.Unlock()

	for _, e := range cancelled {
		e.ticket.resolve(Result{}, ErrCancelled)
	}
	if len(cancelled) > 0 {
		q.logger.Info("cancelled queued entries",
			"identity", identity,
			"count", len(cancelled),
		)
	}
}

// Len reports the number of waiting (not running) entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

func (q *Queue) run(e *entry) {
	res, err := q.runner.Run(context.Background(), e.req)
	e.ticket.resolve(res, err)
	q.release()
}

// release frees a slot and admits the highest-priority waiting entry.
func (q *Queue) release() {
	q.mu.Lock()
	if len(q.waiting) == 0 {
		q.running--
		q.mu.Unlock()
		return
	}
	next := heap.Pop(&q.waiting).(*entry)
	q.mu.Unlock()
	go q.run(next)
}
