// Package queue runs background tasks on a fixed pool of workers.
//
// Tasks carry a key. At most one task per key waits in the queue and at most
// one runs, so a burst of updates to the same record costs one extra run.
// Failed tasks are retried with exponential backoff up to MaxRetries times.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"github.com/vosbek/memoryme/memory"
)

func logger() *log.Logger { return memory.Logger("queue") }

// ErrFull is returned by TrySubmit when the buffer has no room.
var ErrFull = errors.New("queue full")

// Task is a unit of background work. Run must be idempotent.
type Task struct {
	// Key coalesces tasks; empty keys never coalesce.
	Key string
	Run func(ctx context.Context) error
}

// Config sizes the pool and the retry schedule.
type Config struct {
	Workers        int           `mapstructure:"workers"`
	Buffer         int           `mapstructure:"buffer"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

var DefaultConfig = Config{
	Workers:        2,
	Buffer:         1024,
	MaxRetries:     5,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     30 * time.Second,
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Delayed   int   `json:"delayed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Coalesced int64 `json:"coalesced"`
	Dropped   int64 `json:"dropped"`
}

type job struct {
	task    Task
	attempt int
	bo      backoff.BackOff
}

type keyState struct {
	queued, running bool
}

// Queue is a bounded worker pool.
type Queue struct {
	cfg    Config
	work   chan *job
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// submitMu keeps Close from closing work under a sender.
	submitMu sync.RWMutex

	mu     sync.Mutex
	closed bool
	keys   map[string]*keyState
	timers map[*time.Timer]struct{}
	idle   chan struct{}
	busy   int
	stats  Stats
}

// New starts cfg.Workers workers. Zero fields take DefaultConfig values.
func New(cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig.Buffer
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:    cfg,
		work:   make(chan *job, cfg.Buffer),
		stop:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		keys:   make(map[string]*keyState),
		timers: make(map[*time.Timer]struct{}),
		idle:   closedChan(),
	}
	q.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.worker()
	}
	return q
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (q *Queue) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialBackoff
	b.MaxInterval = q.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(q.cfg.MaxRetries))
}

// Submit enqueues t, waiting for buffer space until ctx is done. A task
// whose key is already queued is coalesced into it and Submit returns nil.
func (q *Queue) Submit(ctx context.Context, t Task) error {
	return q.enqueue(ctx, &job{task: t, bo: q.newBackOff()}, true)
}

// TrySubmit is Submit without waiting; it returns ErrFull when the buffer is full.
func (q *Queue) TrySubmit(t Task) error {
	return q.enqueue(nil, &job{task: t, bo: q.newBackOff()}, false)
}

func (q *Queue) enqueue(ctx context.Context, j *job, wait bool) error {
	if j.task.Run == nil {
		return memory.Invalid("task", "nil Run")
	}
	q.submitMu.RLock()
	defer q.submitMu.RUnlock()

	if !q.admit(j.task.Key) {
		if q.isClosed() {
			return memory.ErrClosed
		}
		return nil
	}

	if !wait {
		select {
		case q.work <- j:
			return nil
		default:
			q.reject(j.task.Key, true)
			return ErrFull
		}
	}
	select {
	case q.work <- j:
		return nil
	case <-q.stop:
		q.reject(j.task.Key, false)
		return memory.ErrClosed
	case <-ctx.Done():
		q.reject(j.task.Key, true)
		return ctx.Err()
	}
}

// admit reserves a queue slot for key. It reports false when the queue is
// closed or a task with key is already waiting.
func (q *Queue) admit(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if key != "" {
		ks := q.keys[key]
		if ks == nil {
			ks = &keyState{}
			q.keys[key] = ks
		}
		if ks.queued {
			q.stats.Coalesced++
			return false
		}
		ks.queued = true
	}
	q.stats.Queued++
	q.addBusy(1)
	return true
}

func (q *Queue) reject(key string, dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ks := q.keys[key]; ks != nil {
		ks.queued = false
		q.forget(key, ks)
	}
	q.stats.Queued--
	if dropped {
		q.stats.Dropped++
	}
	q.addBusy(-1)
}

func (q *Queue) forget(key string, ks *keyState) {
	if !ks.queued && !ks.running {
		delete(q.keys, key)
	}
}

// addBusy tracks queued plus running jobs and swaps the idle channel.
// Callers hold q.mu.
func (q *Queue) addBusy(n int) {
	was := q.busy
	q.busy += n
	switch {
	case was == 0 && q.busy > 0:
		q.idle = make(chan struct{})
	case was > 0 && q.busy == 0:
		close(q.idle)
	}
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for j := range q.work {
		if q.ctx.Err() != nil {
			q.discard(j)
			continue
		}
		q.start(j)
		err := q.run(j)
		q.finish(j, err)
	}
}

func (q *Queue) start(j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ks := q.keys[j.task.Key]; ks != nil {
		ks.queued = false
		ks.running = true
	}
	q.stats.Queued--
	q.stats.Running++
}

func (q *Queue) run(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %q panicked: %v", j.task.Key, r)
		}
	}()
	return j.task.Run(q.ctx)
}

func (q *Queue) discard(j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ks := q.keys[j.task.Key]; ks != nil {
		ks.queued = false
		q.forget(j.task.Key, ks)
	}
	q.stats.Queued--
	q.stats.Dropped++
	q.addBusy(-1)
}

func (q *Queue) finish(j *job, err error) {
	q.mu.Lock()
	if ks := q.keys[j.task.Key]; ks != nil {
		ks.running = false
		q.forget(j.task.Key, ks)
	}
	q.stats.Running--
	defer func() {
		q.addBusy(-1)
		q.mu.Unlock()
	}()

	if err == nil {
		q.stats.Succeeded++
		return
	}
	if q.closed || errors.Is(err, context.Canceled) && q.ctx.Err() != nil {
		q.stats.Dropped++
		return
	}

	var perm *backoff.PermanentError
	delay := backoff.Stop
	if !errors.As(err, &perm) {
		delay = j.bo.NextBackOff()
	}
	if delay == backoff.Stop {
		q.stats.Failed++
		logger().Warn("task failed", "key", j.task.Key, "attempts", j.attempt+1, "err", err)
		return
	}

	q.stats.Retried++
	q.stats.Delayed++
	logger().Debug("retrying task", "key", j.task.Key, "attempt", j.attempt+1, "in", delay, "err", err)
	next := &job{task: j.task, attempt: j.attempt + 1, bo: j.bo}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		_, live := q.timers[timer]
		delete(q.timers, timer)
		if live {
			q.stats.Delayed--
		}
		q.mu.Unlock()
		if live {
			if err := q.enqueue(q.ctx, next, true); err != nil && !errors.Is(err, memory.ErrClosed) {
				logger().Warn("requeue failed", "key", next.task.Key, "err", err)
			}
		}
	})
	q.timers[timer] = struct{}{}
}

// Drain blocks until nothing is queued or running. Retries waiting on
// their backoff delay do not count.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Close stops accepting tasks, cancels running ones, drops queued ones and
// waits for the workers to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
		delete(q.timers, t)
		q.stats.Delayed--
	}
	q.mu.Unlock()

	q.cancel()
	close(q.stop)
	q.submitMu.Lock()
	close(q.work)
	q.submitMu.Unlock()
	q.wg.Wait()
}
