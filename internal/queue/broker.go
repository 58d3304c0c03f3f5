package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type queueState struct {
	name      string
	def       QueueDefinition
	consumer  ConsumerFunc
	buffer    []*Message
	timerLive bool
}

// Broker is the Queue Broker of section 4.6: one dispatch loop per
// registered queue, buffering sends and delivering bounded batches to
// a consumer with retry and dead-letter routing.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queueState
	scheduler Scheduler
	log       *zap.SugaredLogger
}

// New constructs a Broker. scheduler drives batch-timeout timers;
// production wires RealScheduler, tests wire FakeScheduler (section 9).
func New(scheduler Scheduler, log *zap.SugaredLogger) *Broker {
	return &Broker{queues: map[string]*queueState{}, scheduler: scheduler, log: log}
}

// RegisterQueue declares a queue and its consumer. A queue may not name
// itself as its own dead-letter queue (ERR_DEAD_LETTER_QUEUE_CYCLE);
// cycles across distinct queues are permitted (section 4.6).
func (b *Broker) RegisterQueue(name string, def QueueDefinition, consumer ConsumerFunc) error {
	if def.DeadLetterQueue == name {
		return Error.New("ERR_DEAD_LETTER_QUEUE_CYCLE: queue %q cannot be its own dead-letter queue", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[name] = &queueState{name: name, def: def.withDefaults(), consumer: consumer}
	return nil
}

// Send enqueues msg on queueName's FIFO buffer, triggering an immediate
// dispatch if the buffer reached maxBatchSize, or arming the batch
// timeout timer if this is the first pending message.
func (b *Broker) Send(ctx context.Context, queueName string, msg *Message) error {
	msg.Queue = queueName
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.Attempts == 0 {
		msg.Attempts = 1
	}

	b.mu.Lock()
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return Error.New("unknown queue %q", queueName)
	}
	q.buffer = append(q.buffer, msg)
	trigger := len(q.buffer) >= q.def.MaxBatchSize
	if !trigger && !q.timerLive {
		q.timerLive = true
		b.scheduler.AfterFunc(q.def.MaxBatchTimeoutMs, func() { b.onTimeout(queueName) })
	}
	b.mu.Unlock()

	if trigger {
		b.spawnDispatch(ctx, queueName)
	}
	return nil
}

func (b *Broker) onTimeout(queueName string) {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	if ok {
		q.timerLive = false
	}
	b.mu.Unlock()
	if ok {
		b.spawnDispatch(context.Background(), queueName)
	}
}

// spawnDispatch runs one batch dispatch as an independent task (section
// 5: "queue dispatchers ... are independent tasks"), tracked so tests
// driving a FakeScheduler can block on waitForFakeTasks().
func (b *Broker) spawnDispatch(ctx context.Context, queueName string) {
	done := b.scheduler.Track()
	go func() {
		defer done()
		b.dispatch(ctx, queueName)
	}()
}

// dispatch extracts up to maxBatchSize oldest messages and invokes the
// consumer, then routes each message to ack, retry, dead-letter, or
// drop per section 4.6's per-message outcome rules.
func (b *Broker) dispatch(ctx context.Context, queueName string) {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	if !ok || len(q.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	n := q.def.MaxBatchSize
	if n > len(q.buffer) {
		n = len(q.buffer)
	}
	batchMsgs := q.buffer[:n]
	q.buffer = q.buffer[n:]
	b.mu.Unlock()

	batch := &Batch{Messages: batchMsgs}
	start := time.Now()
	err := q.consumer(ctx, batch)
	elapsed := time.Since(start)

	acked := 0
	var redeliver []*Message
	for _, m := range batchMsgs {
		retried := batch.retryAll || m.retried || err != nil
		m.retried = false
		if !retried {
			acked++
			continue
		}
		m.Attempts++
		if m.Attempts > q.def.MaxRetries+1 {
			b.deadLetterOrDrop(ctx, q, m)
			continue
		}
		redeliver = append(redeliver, m)
		b.log.Infof("Retrying message %q on queue %q...", m.ID, queueName)
	}

	if len(redeliver) > 0 {
		b.mu.Lock()
		q.buffer = append(redeliver, q.buffer...)
		if !q.timerLive {
			q.timerLive = true
			b.scheduler.AfterFunc(q.def.MaxBatchTimeoutMs, func() { b.onTimeout(queueName) })
		}
		b.mu.Unlock()
	}

	b.log.Infof("QUEUE %s %d/%d (%dms)", queueName, acked, len(batchMsgs), elapsed.Milliseconds())
}

func attemptWord(n int) string {
	if n == 1 {
		return "attempt"
	}
	return "attempts"
}

func (b *Broker) deadLetterOrDrop(ctx context.Context, q *queueState, m *Message) {
	failed := m.Attempts - 1
	if q.def.DeadLetterQueue == "" {
		b.log.Warnf("Dropped message %q on queue %q after %d failed attempts!", m.ID, q.name, failed)
		return
	}
	b.log.Infof("Moving message %q on queue %q to dead letter queue %q after %d failed %s...",
		m.ID, q.name, q.def.DeadLetterQueue, failed, attemptWord(failed))
	m.Attempts = 1
	_ = b.Send(ctx, q.def.DeadLetterQueue, m)
}
