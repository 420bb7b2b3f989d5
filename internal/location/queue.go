package location

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// DurableWriter persists a location into the durable tier.
type DurableWriter interface {
	WriteLocation(ctx context.Context, msg models.LocationMessage) error
}

// Queue runs durable writes off the request path. Policy: a full queue
// drops the update, and a failed write is logged and dropped. Neither is
// ever reported to the caller of Store.Update; the next update from the
// same actor supersedes the lost one.
type Queue struct {
	writer  DurableWriter
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	tasks  chan models.LocationMessage
	wg     sync.WaitGroup
}

func NewQueue(w DurableWriter, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		writer:  w,
		timeout: 5 * time.Second,
		logger:  logger,
		tasks:   make(chan models.LocationMessage, size),
	}
}

// Start launches workers that drain the queue until Close.
func (q *Queue) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for msg := range q.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.writer.WriteLocation(ctx, msg)
		cancel()
		if err != nil {
			observability.LocationDurableWrites.WithLabelValues("failed").Inc()
			q.logger.Error("durable location write failed", "actor_id", msg.ActorID, "error", err)
			continue
		}
		observability.LocationDurableWrites.WithLabelValues("ok").Inc()
	}
}

// Enqueue schedules msg without blocking. It reports whether msg was queued.
func (q *Queue) Enqueue(msg models.LocationMessage) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.tasks <- msg:
		return true
	default:
		observability.LocationDurableWrites.WithLabelValues("dropped").Inc()
		q.logger.Warn("durable location queue full, update dropped", "actor_id", msg.ActorID)
		return false
	}
}

// Close stops accepting work and waits for queued writes to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// IndexWriter adapts anything with SetLocation (the geo index) to a
// DurableWriter.
type IndexWriter struct {
	Index interface {
		SetLocation(ctx context.Context, driverID string, loc models.Coord) error
	}
}

func (w IndexWriter) WriteLocation(ctx context.Context, msg models.LocationMessage) error {
	return w.Index.SetLocation(ctx, msg.ActorID, msg.Loc)
}
