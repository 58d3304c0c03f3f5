package queue

import "context"

// QueueDefinition is section 3's QueueDefinition.
type QueueDefinition struct {
	MaxBatchSize      int
	MaxBatchTimeoutMs int64
	MaxRetries        int
	DeadLetterQueue   string
}

func (d QueueDefinition) withDefaults() QueueDefinition {
	if d.MaxBatchSize <= 0 {
		d.MaxBatchSize = 5
	}
	if d.MaxBatchSize > 100 {
		d.MaxBatchSize = 100
	}
	return d
}

// Batch is delivered to a ConsumerFunc; messages are acked unless
// RetryAll is called or an individual message's Retry is called.
type Batch struct {
	Messages []*Message
	retryAll bool
}

// RetryAll returns every message in the batch to its queue with
// attempts incremented, per section 4.6 "calls batch.retryAll()".
func (b *Batch) RetryAll() { b.retryAll = true }

// Retry marks a single message for redelivery; every other message in
// the batch is acked, per section 4.6 "individual message.retry()".
func (m *Message) Retry() { m.retried = true }

// ConsumerFunc handles one delivered batch. Returning an error is
// equivalent to calling batch.RetryAll().
type ConsumerFunc func(ctx context.Context, batch *Batch) error
