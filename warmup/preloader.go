// Package warmup runs background tasks that populate caches ahead of demand.
// Warm-up is best effort: the queue is bounded, overflow drops the lowest
// priority pending tasks, and scheduling never blocks the caller.
package warmup

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voicekit/voicecache/cache"
	"github.com/voicekit/voicecache/resilience"
	"github.com/voicekit/voicecache/telemetry"
)

// Task describes one artifact to preload.
type Task struct {
	// Cache is the target cache name.
	Cache string

	// Key identifies the artifact within the cache.
	Key string

	// Loader produces the artifact on a cache miss.
	Loader cache.LoaderFunc

	// Priority orders pending tasks, higher first. Ties are processed in
	// enqueue order.
	Priority int

	// Cost is an optional load cost estimate in bytes.
	Cost int64

	id  string
	seq uint64
}

// Config holds preloader configuration.
type Config struct {
	// Manager performs the actual loads.
	Manager *cache.Manager

	// Concurrency is the fixed worker pool size. Default: 4.
	Concurrency int

	// QueueBound caps pending tasks. Default: 64.
	QueueBound int

	// Breaker guards task execution. Optional.
	Breaker *resilience.Breaker

	// Retry controls retries within a task. Zero value uses defaults.
	Retry resilience.RetrySpec

	// Logger for warm-up events.
	Logger *slog.Logger
}

// Preloader is a bounded-concurrency warm-up scheduler.
type Preloader struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   taskQueue
	nextSeq uint64
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Preloader and starts its worker pool.
func New(cfg Config) *Preloader {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.QueueBound <= 0 {
		cfg.QueueBound = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Preloader{
		config: cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(cfg.Concurrency)
	for i := 0; i < cfg.Concurrency; i++ {
		go p.worker()
	}
	return p
}

// Schedule enqueues a task. It never blocks: when the queue is full, the
// lowest priority pending task (which may be the one being scheduled) is
// dropped and logged. Returns false if the task was dropped immediately or
// the preloader is stopped.
func (p *Preloader) Schedule(task Task) bool {
	task.id = uuid.NewString()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}

	task.seq = p.nextSeq
	p.nextSeq++
	heap.Push(&p.queue, &task)

	var dropped *Task
	if p.queue.Len() > p.config.QueueBound {
		dropped = p.dropLowestLocked()
	}
	depth := p.queue.Len()
	p.cond.Signal()
	p.mu.Unlock()

	telemetry.UpdateWarmupQueueDepth(context.Background(), depth)
	if dropped != nil {
		p.logger.Warn("warmup queue full, dropping task",
			"cache", dropped.Cache, "key", dropped.Key, "priority", dropped.Priority)
		telemetry.RecordWarmupDrop(context.Background(), 1)
		return dropped.id != task.id
	}
	return true
}

// Stop cancels in-flight work, discards pending tasks, and waits for all
// workers to exit.
func (p *Preloader) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	discarded := p.queue.Len()
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	if discarded > 0 {
		p.logger.Debug("discarded pending warmup tasks", "count", discarded)
	}
}

// Pending returns the number of queued tasks.
func (p *Preloader) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

func (p *Preloader) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for p.queue.Len() == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		task := heap.Pop(&p.queue).(*Task)
		depth := p.queue.Len()
		p.mu.Unlock()

		telemetry.UpdateWarmupQueueDepth(context.Background(), depth)
		p.run(task)
	}
}

func (p *Preloader) run(task *Task) {
	start := time.Now()

	load := func(ctx context.Context) error {
		_, err := p.config.Manager.GetOrLoad(ctx, task.Cache, task.Key, task.Loader)
		return err
	}

	attempt := func(ctx context.Context) error {
		return p.config.Retry.Do(ctx, load)
	}

	var err error
	if p.config.Breaker != nil {
		err = p.config.Breaker.Do(p.ctx, attempt)
	} else {
		err = attempt(p.ctx)
	}

	elapsed := time.Since(start)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrCircuitOpen):
		outcome = "rejected"
		p.logger.Debug("warmup task rejected by breaker",
			"cache", task.Cache, "key", task.Key)
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "error"
		p.logger.Warn("warmup task failed",
			"cache", task.Cache, "key", task.Key, "error", err)
	}

	telemetry.RecordWarmupTask(context.Background(), task.Cache, outcome, elapsed)
}

// dropLowestLocked removes and returns the lowest priority pending task,
// preferring the most recently enqueued among ties.
func (p *Preloader) dropLowestLocked() *Task {
	lowest := 0
	for i := 1; i < len(p.queue); i++ {
		if worsePriority(p.queue[i], p.queue[lowest]) {
			lowest = i
		}
	}
	return heap.Remove(&p.queue, lowest).(*Task)
}

func worsePriority(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq > b.seq
}

// taskQueue is a max-heap ordered by priority, ties broken by enqueue order.
type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*Task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
