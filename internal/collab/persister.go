package collab

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPersistWorkers  = 4
	defaultPersistQueue    = 1024
	defaultPersistAttempts = 3
	defaultPersistBackoff  = 200 * time.Millisecond
	defaultPersistTimeout  = 5 * time.Second
)

// PersisterConfig tunes the asynchronous write path.
type PersisterConfig struct {
	Workers   int
	QueueSize int
	Attempts  int
	Backoff   time.Duration
	Timeout   time.Duration
	Logger    *zap.Logger
}

type persistJob struct {
	roomID    RoomID
	operation string
	run       func(ctx context.Context) error
}

// AsyncPersister shards jobs by room so that writes for one room stay ordered
// while different rooms persist in parallel.
type AsyncPersister struct {
	mu       sync.RWMutex
	closed   bool
	queues   []chan persistJob
	wg       sync.WaitGroup
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewAsyncPersister starts the worker pool.
func NewAsyncPersister(cfg PersisterConfig) *AsyncPersister {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultPersistWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultPersistQueue
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultPersistAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultPersistBackoff
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &AsyncPersister{
		queues:   make([]chan persistJob, workers),
		attempts: attempts,
		backoff:  backoff,
		timeout:  timeout,
		logger:   logger,
	}
	for index := range p.queues {
		p.queues[index] = make(chan persistJob, queueSize)
		p.wg.Add(1)
		go p.work(p.queues[index])
	}
	return p
}

// Enqueue implements Persister. Jobs enqueued after Close are discarded.
func (p *AsyncPersister) Enqueue(roomID RoomID, operation string, job func(ctx context.Context) error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("persist job discarded after shutdown",
			zap.String("room_id", roomID.String()),
			zap.String("operation", operation))
		return
	}
	queue := p.queues[p.shard(roomID)]
	select {
	case queue <- persistJob{roomID: roomID, operation: operation, run: job}:
	default:
		p.logger.Error("persist queue full, job dropped",
			zap.String("room_id", roomID.String()),
			zap.String("operation", operation))
	}
}

// Close stops accepting jobs and waits for queued jobs to drain.
func (p *AsyncPersister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, queue := range p.queues {
		close(queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *AsyncPersister) shard(roomID RoomID) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(roomID))
	return int(hasher.Sum32() % uint32(len(p.queues)))
}

func (p *AsyncPersister) work(queue <-chan persistJob) {
	defer p.wg.Done()
	for job := range queue {
		p.run(job)
	}
}

func (p *AsyncPersister) run(job persistJob) {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		lastErr = job.run(ctx)
		cancel()
		if lastErr == nil {
			return
		}
		if errors.Is(lastErr, ErrSessionNotFound) {
			break
		}
		if attempt < p.attempts {
			time.Sleep(p.backoff * time.Duration(1<<(attempt-1)))
		}
	}
	p.logger.Error("persist job failed",
		zap.String("room_id", job.roomID.String()),
		zap.String("operation", job.operation),
		zap.Error(fmt.Errorf("%w: %w", ErrStorageUnavailable, lastErr)))
}
