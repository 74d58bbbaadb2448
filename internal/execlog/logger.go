// Package execlog is the execution logging subsystem: every tool dispatch
// produces one ExecutionLog record. Writes are asynchronous so a slow or
// failing store never blocks the dispatch path; records flow through a
// bounded queue to a single background worker that persists them, enforces
// the retention cap, and feeds the per-session stats tracker.
package execlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/vietanhdev/kirapilot-engine/internal/store"
	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

const (
	// DefaultQueueSize is the bounded queue capacity. When full, the
	// oldest queued record is dropped to admit the newest.
	DefaultQueueSize = 1024

	// maxWriteAttempts caps per-record store retries before the record
	// is abandoned.
	maxWriteAttempts = 5

	// pruneBatchSize is how many records one retention delete removes.
	pruneBatchSize = 100

	// pruneEvery is how often the worker checks the retention cap.
	pruneEvery = 5 * time.Minute
)

// Logger queues execution log records for asynchronous persistence.
type Logger struct {
	store       store.ExecutionLogStore
	queue       chan *models.ExecutionLog
	maxLogCount int
	detailed    bool

	dropped       atomic.Int64
	abandoned     atomic.Int64
	retryInterval time.Duration // initial backoff between write retries
	tracker       *SessionTracker

	mu      sync.Mutex // guards queue admission (drop-oldest needs two ops)
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// Option configures a Logger.
type Option func(*Logger)

// WithQueueSize overrides the bounded queue capacity.
func WithQueueSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.queue = make(chan *models.ExecutionLog, n)
		}
	}
}

// WithDetailedLogging enables parameter and context capture in records.
func WithDetailedLogging(on bool) Option {
	return func(l *Logger) { l.detailed = on }
}

// New creates a Logger writing to s. maxLogCount is the retention cap;
// zero disables pruning.
func New(s store.ExecutionLogStore, maxLogCount int, opts ...Option) *Logger {
	l := &Logger{
		store:         s,
		queue:         make(chan *models.ExecutionLog, DefaultQueueSize),
		maxLogCount:   maxLogCount,
		retryInterval: backoff.DefaultInitialInterval,
		tracker:       NewSessionTracker(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Tracker exposes the in-memory per-session stats.
func (l *Logger) Tracker() *SessionTracker { return l.tracker }

// Dropped returns how many records were discarded because the queue was full.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Abandoned returns how many records were lost after exhausting write retries.
func (l *Logger) Abandoned() int64 { return l.abandoned.Load() }

// Record enqueues one execution log. It assigns the record id and created
// timestamp, never blocks, and silently drops the oldest queued record when
// the queue is full.
func (l *Logger) Record(rec *models.ExecutionLog) {
	if l.stopped.Load() {
		return
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if !l.detailed {
		rec.Parameters = nil
		rec.ContextSnapshot = nil
	}

	l.tracker.Observe(rec)

	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		select {
		case l.queue <- rec:
			return
		default:
		}
		select {
		case old := <-l.queue:
			l.dropped.Add(1)
			log.Warn().Str("tool", old.ToolName).Msg("execution log queue full, dropping oldest record")
		default:
		}
	}
}

// Start launches the background worker. It drains the queue, persists
// records with retry, and periodically enforces the retention cap. The
// worker exits when ctx is cancelled and the queue is drained.
func (l *Logger) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
	log.Info().
		Int("queue_size", cap(l.queue)).
		Int("max_log_count", l.maxLogCount).
		Msg("execution logger started")
}

// Close stops admission and waits for the worker to drain the queue.
func (l *Logger) Close() {
	l.stopped.Store(true)
	l.wg.Wait()
}

func (l *Logger) run(ctx context.Context) {
	defer l.wg.Done()

	pruneTicker := time.NewTicker(pruneEvery)
	defer pruneTicker.Stop()

	for {
		select {
		case rec := <-l.queue:
			l.persist(ctx, rec)
		case <-pruneTicker.C:
			l.prune(ctx)
		case <-ctx.Done():
			l.drain()
			log.Info().Int64("dropped", l.dropped.Load()).Msg("execution logger stopped")
			return
		}
	}
}

// drain flushes remaining records with a short grace window after shutdown.
func (l *Logger) drain() {
	l.stopped.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-l.queue:
			l.persist(ctx, rec)
		default:
			return
		}
	}
}

func (l *Logger) persist(ctx context.Context, rec *models.ExecutionLog) {
	op := func() error {
		return l.store.InsertExecutionLog(ctx, rec)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxWriteAttempts-1), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Str("log_id", rec.ID).
			Msg("execution log write failed, retrying")
	})
	if err != nil {
		l.abandoned.Add(1)
		log.Error().Err(err).Str("log_id", rec.ID).Str("tool", rec.ToolName).
			Msg("execution log abandoned after retries")
	}
}

func (l *Logger) prune(ctx context.Context) {
	if l.maxLogCount <= 0 {
		return
	}
	n, err := l.store.PruneExecutionLogs(ctx, l.maxLogCount, pruneBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("execution log retention prune failed")
		return
	}
	if n > 0 {
		log.Info().Int("pruned", n).Int("cap", l.maxLogCount).Msg("execution logs pruned")
	}
}
