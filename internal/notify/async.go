package notify

import (
	"context"
	"log/slog"
	"sync"

	"assessline/internal/domain"
)

const defaultAsyncQueue = 256

// Async hands notifications to a background goroutine so callers never wait
// on delivery. Order is kept. When the queue is full the notification is
// dropped and logged.
type Async struct {
	next   Notifier
	logger *slog.Logger
	queue  chan func()

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync starts the delivery goroutine. queue <= 0 uses a default size.
func NewAsync(next Notifier, queue int, logger *slog.Logger) *Async {
	if queue <= 0 {
		queue = defaultAsyncQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{next: next, logger: logger, queue: make(chan func(), queue)}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for deliver := range a.queue {
			deliver()
		}
	}()
	return a
}

func (a *Async) OnBlockerRaised(ctx context.Context, b domain.AssessmentBlocker) {
	ctx = context.WithoutCancel(ctx)
	a.enqueue(ctx, TypeBlockerRaised, b.AssessmentID, func() { a.next.OnBlockerRaised(ctx, b) })
}

func (a *Async) OnStageTransition(ctx context.Context, assessmentID, stageID string, status domain.StageStatus) {
	ctx = context.WithoutCancel(ctx)
	a.enqueue(ctx, TypeStageTransition, assessmentID, func() { a.next.OnStageTransition(ctx, assessmentID, stageID, status) })
}

func (a *Async) enqueue(ctx context.Context, typ, assessmentID string, deliver func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.WarnContext(ctx, "notify: dropped after close", "type", typ, "assessment_id", assessmentID)
		return
	}
	select {
	case a.queue <- deliver:
	default:
		a.logger.WarnContext(ctx, "notify: queue full, dropped", "type", typ, "assessment_id", assessmentID)
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}
