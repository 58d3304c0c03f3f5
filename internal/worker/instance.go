// Package worker implements section 9's pluggable WorkerInstance
// boundary and the HTTP front-end of section 6 that serves it.
package worker

import (
	"net/http"
)

// ScheduledController is handed to WorkerInstance.Scheduled; it carries
// the cron expression and scheduled time a cron trigger fired for
// (section 9 "scheduled(controller)").
type ScheduledController struct {
	Cron        string
	ScheduledAt int64 // unix-ms
}

// QueueBatch is the worker-facing view of a delivered queue.Batch; the
// broker's internal retry bookkeeping is not exposed across this
// boundary.
type QueueBatch struct {
	Queue    string
	Messages []QueueMessage
}

// QueueMessage is one delivered message, already decoded.
type QueueMessage struct {
	ID        string
	Body      []byte
	Timestamp int64
	Attempts  int
}

// Instance is the "provided pluggable WorkerInstance" of section 9:
// script loading and the module linker are out of scope, so every
// caller supplies one of these instead of a loaded script.
type Instance interface {
	// Fetch handles one HTTP (or upgraded WebSocket) request.
	Fetch(req *http.Request) (*http.Response, error)
	// Scheduled handles a cron trigger. No response body crosses this
	// boundary; only an error, if the run failed.
	Scheduled(controller ScheduledController) error
	// Queue handles one delivered batch. An error causes the whole
	// batch to retry per section 4.6.
	Queue(batch QueueBatch) error
}
