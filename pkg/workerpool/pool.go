// Package workerpool provides a bounded, key-sharded worker pool. Tasks that
// share a key run on the same worker in submission order.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrStopped   = errors.New("worker pool is stopped")
	ErrQueueFull = errors.New("worker queue is full")
)

// Task is a unit of work
type Task struct {
	ID string
	// Key selects the worker; tasks with equal keys are serialized.
	Key     string
	Payload any
	Context context.Context
}

// Handler processes a task. Errors are retried unless Permanent reports true.
type Handler func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int // per worker
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// RetryDelay grows linearly with each attempt
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
	// Permanent short-circuits retries for errors that cannot succeed later.
	Permanent func(error) bool
	// OnDone is called after a task's final attempt with its last error.
	OnDone func(task *Task, err error)
}

// DefaultConfig returns defaults sized for a single consumer instance
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a set of workers, one queue each
type Pool struct {
	config  Config
	handler Handler
	logger  *zap.Logger

	queues []chan *Task
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn Handler, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config:  cfg,
		handler: fn,
		logger:  logger,
		queues:  make([]chan *Task, cfg.Workers),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan *Task, cfg.QueueSize)
	}
	return p, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(i, q)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues task without blocking.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queues[p.shard(task.Key)] <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Stop drains queued tasks and waits for workers up to the shutdown timeout.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.logger.Info("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) worker(id int, queue <-chan *Task) {
	defer p.wg.Done()
	for task := range queue {
		atomic.AddInt64(&p.queueDepth, -1)
		p.process(id, task)
	}
}

func (p *Pool) process(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = ctx.Err(); err != nil {
			break
		}
		err = p.handler(ctx, task)
		if err == nil || attempt >= p.config.MaxRetries {
			break
		}
		if p.config.Permanent != nil && p.config.Permanent(err) {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if err == nil {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.String("key", task.Key),
			zap.Int("worker_id", workerID),
			zap.Error(err))
	}
	if p.config.OnDone != nil {
		p.config.OnDone(task, err)
	}
}

// Stats is a snapshot of pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize * p.config.Workers,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queues are below 90% capacity
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
