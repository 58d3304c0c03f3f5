package durableobject

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AlarmHandler is invoked when a namespace's alarm fires; it mirrors
// WorkerInstance.scheduled(controller) of section 9.
type AlarmHandler func(ctx context.Context, namespace string) error

// AlarmDispatcher polls pending alarms and fires them into handler,
// with queue-like partial-failure semantics (section 4.2 "Alarms":
// "retry with back-off up to a configured cap, then drop with a
// warning").
type AlarmDispatcher struct {
	store      *Store
	handler    AlarmHandler
	log        *zap.SugaredLogger
	maxRetries int
	backoff    func(attempt int) time.Duration
	clock      func() int64
}

// NewAlarmDispatcher constructs a dispatcher with a fixed retry cap and
// an exponential backoff schedule.
func NewAlarmDispatcher(store *Store, handler AlarmHandler, log *zap.SugaredLogger, maxRetries int, clock func() int64) *AlarmDispatcher {
	return &AlarmDispatcher{
		store:      store,
		handler:    handler,
		log:        log,
		maxRetries: maxRetries,
		clock:      clock,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		},
	}
}

// Fire checks whether namespace's alarm is due and, if so, dispatches
// it with retries. Intended to be driven by a test-controlled task
// scheduler (section 9 "Global mutable state").
func (d *AlarmDispatcher) Fire(ctx context.Context, namespace string) {
	at, ok := d.store.PendingAlarm(namespace)
	if !ok || d.clock() < at {
		return
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.backoff(attempt)):
			case <-ctx.Done():
				return
			}
		}
		if err := d.handler(ctx, namespace); err != nil {
			lastErr = err
			continue
		}
		d.store.ClearAlarm(namespace)
		return
	}
	d.log.Warnw("dropping alarm after exhausting retries", "namespace", namespace, "error", lastErr)
	d.store.ClearAlarm(namespace)
}
