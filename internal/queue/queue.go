package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrQueueFull is returned synchronously when the backlog is at capacity.
	// The caller decides whether to retry; the queue never blocks an enqueue.
	ErrQueueFull = errors.New("queue full")

	ErrNilRun = errors.New("job run func is nil")
)

// Job is the ephemeral unit of admission-controlled work. UserID, TaskID and
// DedupeKey are optional affinity keys; only Run is required.
type Job struct {
	ID        string
	UserID    string
	TaskID    string
	DedupeKey string
	Run       func(ctx context.Context) (any, error)
}

// Future resolves exactly once with the job's result. Concurrent enqueues that
// collapse on a dedupe key all receive the same Future.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Wait blocks until the job finishes or ctx is canceled.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes completion for select loops.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) resolve(value any, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

type Options struct {
	GlobalLimit int
	UserLimit   int
	TaskLimit   int
	MaxSize     int
}

func (o Options) withDefaults() Options {
	if o.GlobalLimit <= 0 {
		o.GlobalLimit = 8
	}
	if o.UserLimit <= 0 {
		o.UserLimit = 2
	}
	if o.TaskLimit <= 0 {
		o.TaskLimit = 1
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 2000
	}
	return o
}

type entry struct {
	job        Job
	fut        *Future
	enqueuedAt time.Time
}

// Queue is the process-wide execution queue. It bounds global, per-user and
// per-task concurrency, deduplicates concurrently-identical jobs, and drains
// the backlog first-eligible rather than strict FIFO so a head-of-line job
// waiting on a saturated key cannot starve eligible jobs behind it.
type Queue struct {
	mu       sync.Mutex
	opts     Options
	base     context.Context
	backlog  []*entry
	inflight map[string]*Future
	active   int
	perUser  map[string]int
	perTask  map[string]int
	draining bool
	rescan   bool
	deduped  uint64
	rejected uint64
	finished uint64
}

func New(opts Options) *Queue {
	return &Queue{
		opts:     opts.withDefaults(),
		base:     context.Background(),
		inflight: make(map[string]*Future),
		perUser:  make(map[string]int),
		perTask:  make(map[string]int),
	}
}

// Enqueue admits a job. If another job with the same DedupeKey is queued or
// running, its Future is returned instead and no new job is created. If the
// backlog is full the call fails immediately with ErrQueueFull.
func (q *Queue) Enqueue(job Job) (*Future, error) {
	if job.Run == nil {
		return nil, ErrNilRun
	}
	if job.ID == "" {
		job.ID = "job_" + uuid.NewString()
	}

	q.mu.Lock()
	if job.DedupeKey != "" {
		if fut, ok := q.inflight[job.DedupeKey]; ok {
			q.deduped++
			q.mu.Unlock()
			return fut, nil
		}
	}
	if len(q.backlog) >= q.opts.MaxSize {
		q.rejected++
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: backlog at %d", ErrQueueFull, q.opts.MaxSize)
	}

	e := &entry{job: job, fut: newFuture(), enqueuedAt: time.Now()}
	q.backlog = append(q.backlog, e)
	if job.DedupeKey != "" {
		q.inflight[job.DedupeKey] = e.fut
	}
	q.mu.Unlock()

	q.drain()
	return e.fut, nil
}

func (q *Queue) eligible(j Job) bool {
	if q.active >= q.opts.GlobalLimit {
		return false
	}
	if j.UserID != "" && q.perUser[j.UserID] >= q.opts.UserLimit {
		return false
	}
	if j.TaskID != "" && q.perTask[j.TaskID] >= q.opts.TaskLimit {
		return false
	}
	return true
}

// drain starts every currently-eligible queued job. It is single-flight: a
// drain triggered while another is in progress only marks it for a rescan.
func (q *Queue) drain() {
	q.mu.Lock()
	if q.draining {
		q.rescan = true
		q.mu.Unlock()
		return
	}
	q.draining = true

	for {
		q.rescan = false
		q.drainLocked()

		// Let completion callbacks that raced this pass request another one
		// instead of scanning concurrently.
		q.mu.Unlock()
		q.mu.Lock()
		if !q.rescan {
			break
		}
	}

	q.draining = false
	q.mu.Unlock()
}

// drainLocked scans the backlog for eligible jobs, launching each and
// removing it, until global capacity is exhausted or nothing else fits.
// Caller holds q.mu.
func (q *Queue) drainLocked() {
	i := 0
	for i < len(q.backlog) && q.active < q.opts.GlobalLimit {
		e := q.backlog[i]
		if !q.eligible(e.job) {
			i++
			continue
		}
		q.backlog = append(q.backlog[:i], q.backlog[i+1:]...)
		q.active++
		if e.job.UserID != "" {
			q.perUser[e.job.UserID]++
		}
		if e.job.TaskID != "" {
			q.perTask[e.job.TaskID]++
		}
		go q.run(e)
	}
}

func (q *Queue) run(e *entry) {
	value, err := runSafe(q.base, e.job)

	q.mu.Lock()
	q.active--
	q.finished++
	if e.job.UserID != "" {
		if q.perUser[e.job.UserID]--; q.perUser[e.job.UserID] <= 0 {
			delete(q.perUser, e.job.UserID)
		}
	}
	if e.job.TaskID != "" {
		if q.perTask[e.job.TaskID]--; q.perTask[e.job.TaskID] <= 0 {
			delete(q.perTask, e.job.TaskID)
		}
	}
	if e.job.DedupeKey != "" {
		delete(q.inflight, e.job.DedupeKey)
	}
	q.mu.Unlock()

	e.fut.resolve(value, err)
	q.drain()
}

func runSafe(ctx context.Context, j Job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.ID, r)
			log.Error().Str("job_id", j.ID).Str("task_id", j.TaskID).Interface("panic", r).Msg("job panic recovered")
		}
	}()
	return j.Run(ctx)
}

// Stats is a point-in-time view for the ops API.
type Stats struct {
	Backlog     int    `json:"backlog"`
	Active      int    `json:"active"`
	GlobalLimit int    `json:"global_limit"`
	UserLimit   int    `json:"user_limit"`
	TaskLimit   int    `json:"task_limit"`
	MaxSize     int    `json:"max_size"`
	Deduped     uint64 `json:"deduped"`
	Rejected    uint64 `json:"rejected"`
	Finished    uint64 `json:"finished"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Backlog:     len(q.backlog),
		Active:      q.active,
		GlobalLimit: q.opts.GlobalLimit,
		UserLimit:   q.opts.UserLimit,
		TaskLimit:   q.opts.TaskLimit,
		MaxSize:     q.opts.MaxSize,
		Deduped:     q.deduped,
		Rejected:    q.rejected,
		Finished:    q.finished,
	}
}
