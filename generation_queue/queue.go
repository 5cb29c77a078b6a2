package generation_queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultSize = 100

var (
	ErrQueueFull   = errors.New("generation queue is full")
	ErrQueueClosed = errors.New("generation queue is closed")
)

// Job runs on the single worker. Its context is never cancelled by the caller.
type Job func(ctx context.Context) error

type QueueItem struct {
	ID         string
	Label      string
	EnqueuedAt time.Time
	job        Job
	done       chan error
}

type queueImpl struct {
	logger      *zap.Logger
	queue       chan *QueueItem
	mu          sync.Mutex
	currentItem *QueueItem
	closed      bool
}

type Config struct {
	Size   int
	Logger *zap.Logger
}

func New(cfg Config) (Queue, error) {
	if cfg.Logger == nil {
		return nil, errors.New("missing logger")
	}

	size := cfg.Size
	if size <= 0 {
		size = defaultSize
	}

	return &queueImpl{
		logger: cfg.Logger,
		queue:  make(chan *QueueItem, size),
	}, nil
}

func (q *queueImpl) Do(label string, job Job) error {
	if job == nil {
		return errors.New("missing job")
	}

	item := &QueueItem{
		ID:         uuid.NewString(),
		Label:      label,
		EnqueuedAt: time.Now(),
		job:        job,
		done:       make(chan error, 1),
	}

	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()

		return ErrQueueClosed
	}

	select {
	case q.queue <- item:
	default:
		q.mu.Unlock()

		q.logger.Warn("Generation queue is full", zap.String("label", label), zap.Int("size", cap(q.queue)))

		return ErrQueueFull
	}

	q.mu.Unlock()

	q.logger.Debug("Queued generation",
		zap.String("id", item.ID),
		zap.String("label", label),
		zap.Int("position", len(q.queue)))

	return <-item.done
}

func (q *queueImpl) Len() int {
	return len(q.queue)
}

func (q *queueImpl) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.currentItem != nil
}

// StartPolling runs queued jobs one at a time until ctx is done. A job that is
// already running finishes first; jobs still waiting fail with ErrQueueClosed.
func (q *queueImpl) StartPolling(ctx context.Context) {
	q.logger.Info("Generation queue polling started", zap.Int("size", cap(q.queue)))

	for {
		if ctx.Err() != nil {
			q.shutdown()

			q.logger.Info("Generation queue polling stopped")

			return
		}

		select {
		case <-ctx.Done():
		case item := <-q.queue:
			q.process(context.WithoutCancel(ctx), item)
		}
	}
}

func (q *queueImpl) process(ctx context.Context, item *QueueItem) {
	q.mu.Lock()
	q.currentItem = item
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.currentItem = nil
		q.mu.Unlock()
	}()

	started := time.Now()

	q.logger.Info("Processing generation",
		zap.String("id", item.ID),
		zap.String("label", item.Label),
		zap.Duration("waited", started.Sub(item.EnqueuedAt)))

	err := q.run(ctx, item)

	if err != nil {
		q.logger.Warn("Generation finished with error",
			zap.String("id", item.ID),
			zap.Duration("took", time.Since(started)),
			zap.Error(err))
	} else {
		q.logger.Info("Generation finished",
			zap.String("id", item.ID),
			zap.Duration("took", time.Since(started)))
	}

	item.done <- err
}

func (q *queueImpl) run(ctx context.Context, item *QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Generation job panicked", zap.String("id", item.ID), zap.Any("panic", r))

			err = errors.New("generation job panicked")
		}
	}()

	return item.job(ctx)
}

func (q *queueImpl) shutdown() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	for {
		select {
		case item := <-q.queue:
			item.done <- ErrQueueClosed
		default:
			return
		}
	}
}
