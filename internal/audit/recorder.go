package audit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/ngome/internal/sandbox"
)

const recorderQueueSize = 256

// Recorder turns sandbox events into audit records without blocking the
// execution path: events are queued and written by a single background
// worker. When the queue is full the event is dropped and counted; audit
// lag must never stall the guest.
type Recorder struct {
	store  Store
	logger *slog.Logger

	queue   chan func(context.Context)
	mu      sync.Mutex
	closed  bool
	dropped int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRecorder starts a recorder writing to store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan func(context.Context), recorderQueueSize),
		cancel: cancel,
	}
	r.wg.Add(1)
	go r.worker(ctx)
	return r
}

// OnExecution queues one execution record. Safe for use as a sandbox hook.
func (r *Recorder) OnExecution(ev sandbox.ExecutionEvent) {
	rec := &ExecutionRecord{
		ExecutionID: ev.ExecutionID,
		SessionID:   ev.SessionID,
		Success:     ev.Result.Success,
		TimedOut:    ev.Result.TimedOut,
		Output:      ev.Result.Output,
		Error:       ev.Result.Error,
		DurationMS:  ev.Result.Duration.Milliseconds(),
		CallCount:   ev.CallCount,
		CreatedAt:   ev.When,
	}
	r.enqueue(func(ctx context.Context) {
		if err := r.store.RecordExecution(ctx, rec); err != nil {
			r.logger.Error("recording execution", slog.String("execution_id", rec.ExecutionID), slog.String("error", err.Error()))
		}
	})
}

// OnCall queues one capability-call record. Safe for use as a sandbox hook.
func (r *Recorder) OnCall(ev sandbox.CallEvent) {
	rec := &CallRecord{
		ExecutionID: ev.ExecutionID,
		SessionID:   ev.SessionID,
		Path:        ev.Path,
		Status:      ev.Status,
		DurationMS:  ev.Duration.Milliseconds(),
		CreatedAt:   ev.When,
	}
	r.enqueue(func(ctx context.Context) {
		if err := r.store.RecordCall(ctx, rec); err != nil {
			r.logger.Error("recording call", slog.String("path", rec.Path), slog.String("error", err.Error()))
		}
	})
}

// Dropped returns how many events were discarded due to a full queue.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops the worker after draining queued events. Idempotent; events
// arriving afterwards are dropped, never sent on the closed queue.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	r.cancel()
}

func (r *Recorder) enqueue(fn func(context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped++
		r.logger.Warn("audit recorder closed, event dropped", slog.Int64("dropped_total", r.dropped))
		return
	}
	select {
	case r.queue <- fn:
	default:
		r.dropped++
		r.logger.Warn("audit queue full, event dropped", slog.Int64("dropped_total", r.dropped))
	}
}

func (r *Recorder) worker(ctx context.Context) {
	defer r.wg.Done()
	for fn := range r.queue {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		fn(writeCtx)
		cancel()
	}
}
