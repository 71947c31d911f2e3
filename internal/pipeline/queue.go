// Package pipeline buffers accepted discoveries for downstream analysis.
// The queue is bounded: at capacity the oldest items are evicted, and a
// caller that cannot take the internal lock in time is rejected instead
// of blocked forever.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"solana-discovery/internal/domain"
	"solana-discovery/internal/observability"
)

// ErrBusy is returned when the queue lock cannot be acquired within the
// configured timeout. The caller may retry or drop the item.
var ErrBusy = errors.New("queue busy")

const (
	DefaultMaxSize               = 1000
	DefaultWarningThreshold      = 800
	DefaultOverflowEvictionCount = 100
	DefaultConcurrency           = 5
	DefaultLockTimeout           = 5 * time.Second
	DefaultEmptyQueueCheck       = 100 * time.Millisecond
)

// Reason records why an item entered the queue.
type Reason string

const (
	ReasonDiscovered     Reason = "discovered"
	ReasonHighConfidence Reason = "high_confidence"
)

// Item is one unit of analysis work.
type Item struct {
	Token        *domain.DiscoveredToken
	Record       *domain.DiscoveryRecord
	Score        domain.TokenScore
	Reason       Reason
	EnqueuedAtMs int64
}

// Handler processes a dequeued item. Errors are logged and counted; the
// worker moves on to the next item.
type Handler func(ctx context.Context, item Item) error

// Enqueuer is the producer-side view of the queue.
type Enqueuer interface {
	Enqueue(item Item) error
}

// Config controls queue capacity and worker behavior.
type Config struct {
	// MaxSize is the hard capacity. Enqueue at capacity evicts
	// OverflowEvictionCount oldest items first.
	MaxSize int

	// WarningThreshold logs a warning when depth crosses it from below.
	WarningThreshold int

	// OverflowEvictionCount is how many oldest items are dropped when
	// the queue is full.
	OverflowEvictionCount int

	// Concurrency is the number of worker goroutines.
	Concurrency int

	// LockTimeout bounds how long Enqueue waits for the internal lock
	// before returning ErrBusy.
	LockTimeout time.Duration

	// EmptyQueueCheck is the idle poll interval for workers.
	EmptyQueueCheck time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:               DefaultMaxSize,
		WarningThreshold:      DefaultWarningThreshold,
		OverflowEvictionCount: DefaultOverflowEvictionCount,
		Concurrency:           DefaultConcurrency,
		LockTimeout:           DefaultLockTimeout,
		EmptyQueueCheck:       DefaultEmptyQueueCheck,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > c.MaxSize {
		c.WarningThreshold = c.MaxSize * 8 / 10
	}
	if c.OverflowEvictionCount <= 0 {
		c.OverflowEvictionCount = c.MaxSize / 10
	}
	if c.OverflowEvictionCount > c.MaxSize {
		c.OverflowEvictionCount = c.MaxSize
	}
	if c.OverflowEvictionCount < 1 {
		c.OverflowEvictionCount = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.EmptyQueueCheck <= 0 {
		c.EmptyQueueCheck = DefaultEmptyQueueCheck
	}
	return c
}

// QueueStats is a point-in-time counter snapshot.
type QueueStats struct {
	Depth     int
	Enqueued  int64
	Processed int64
	Failed    int64
	Evicted   int64
	Rejected  int64
}

// Queue is a fixed-capacity FIFO with eviction on overflow and a pool of
// polling workers. The internal lock is a one-slot channel so acquisition
// can time out; handlers always run outside the lock.
type Queue struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger
	metrics *observability.Metrics

	lock  chan struct{}
	buf   []Item
	head  int
	count int

	enqueued  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	evicted   atomic.Int64
	rejected  atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Enqueuer = (*Queue)(nil)

// Options wires the queue's collaborators.
type Options struct {
	Config  Config
	Handler Handler
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// NewQueue builds a stopped queue; call Start to launch workers.
func NewQueue(opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config.withDefaults()
	return &Queue{
		cfg:     cfg,
		handler: opts.Handler,
		logger:  logger,
		metrics: opts.Metrics,
		lock:    make(chan struct{}, 1),
		buf:     make([]Item, cfg.MaxSize),
		stopCh:  make(chan struct{}),
	}
}

// Enqueue adds item to the tail. At capacity the oldest
// OverflowEvictionCount items are dropped first. Returns ErrBusy if the
// internal lock cannot be acquired within LockTimeout.
func (q *Queue) Enqueue(item Item) error {
	if !q.acquire(q.cfg.LockTimeout) {
		q.rejected.Add(1)
		q.metrics.RecordQueueBusy()
		return ErrBusy
	}
	prev := q.count

	if q.count == q.cfg.MaxSize {
		n := q.cfg.OverflowEvictionCount
		q.dropOldestLocked(n)
		q.evicted.Add(int64(n))
		q.logger.Warn("queue overflow, evicted oldest items",
			zap.Int("evicted", n),
			zap.Int("max_size", q.cfg.MaxSize))
		q.metrics.RecordQueueEvicted(n)
	}

	item.EnqueuedAtMs = time.Now().UnixMilli()
	q.buf[(q.head+q.count)%q.cfg.MaxSize] = item
	q.count++
	depth := q.count
	q.release()

	q.enqueued.Add(1)
	q.metrics.SetQueueDepth(depth)
	if prev < q.cfg.WarningThreshold && depth >= q.cfg.WarningThreshold {
		q.logger.Warn("queue depth above warning threshold",
			zap.Int("depth", depth),
			zap.Int("threshold", q.cfg.WarningThreshold))
	}
	return nil
}

// dropOldestLocked removes n items from the head. Caller holds the lock.
func (q *Queue) dropOldestLocked(n int) {
	if n > q.count {
		n = q.count
	}
	for i := 0; i < n; i++ {
		q.buf[q.head] = Item{}
		q.head = (q.head + 1) % q.cfg.MaxSize
	}
	q.count -= n
}

// pop removes the head item, or reports an empty queue.
func (q *Queue) pop() (Item, bool) {
	select {
	case <-q.stopCh:
		return Item{}, false
	case q.lock <- struct{}{}:
	}
	defer q.release()

	if q.count == 0 {
		return Item{}, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = Item{}
	q.head = (q.head + 1) % q.cfg.MaxSize
	q.count--
	q.metrics.SetQueueDepth(q.count)
	return item, true
}

func (q *Queue) acquire(timeout time.Duration) bool {
	select {
	case q.lock <- struct{}{}:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.lock <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (q *Queue) release() { <-q.lock }

// Start launches the worker pool. It returns immediately.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.Info("analysis queue started",
		zap.Int("workers", q.cfg.Concurrency),
		zap.Int("max_size", q.cfg.MaxSize))
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		default:
		}

		item, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case <-time.After(q.cfg.EmptyQueueCheck):
			}
			continue
		}
		q.process(ctx, item, id)
	}
}

func (q *Queue) process(ctx context.Context, item Item, worker int) {
	if q.handler == nil {
		q.processed.Add(1)
		return
	}
	start := time.Now()
	err := q.handler(ctx, item)
	q.metrics.ObserveQueueHandler(time.Since(start).Seconds())
	if err != nil {
		mint := ""
		if item.Record != nil {
			mint = item.Record.Mint
		}
		q.failed.Add(1)
		q.metrics.RecordQueueFailure()
		q.logger.Error("analysis handler failed",
			zap.String("mint", mint),
			zap.String("reason", string(item.Reason)),
			zap.Int("worker", worker),
			zap.Error(err))
		return
	}
	q.processed.Add(1)
	q.metrics.RecordQueueProcessed()
}

// Stop halts the workers, waiting for in-flight handlers until ctx
// expires. Items still queued are dropped. Safe to call more than once.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stopCh) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of depth and counters.
func (q *Queue) Stats() QueueStats {
	q.lock <- struct{}{}
	depth := q.count
	q.release()
	return QueueStats{
		Depth:     depth,
		Enqueued:  q.enqueued.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Evicted:   q.evicted.Load(),
		Rejected:  q.rejected.Load(),
	}
}
