package queue_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloudflare/miniflare-sub008/internal/queue"
)

func newTestBroker(t *testing.T) (*queue.Broker, *queue.FakeScheduler) {
	sched := queue.NewFakeScheduler()
	b := queue.New(sched, zap.NewNop().Sugar())
	return b, sched
}

func mustSend(t *testing.T, b *queue.Broker, name string, body string) {
	t.Helper()
	enc, err := queue.EncodeBody(queue.ContentText, body)
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), name, &queue.Message{Body: enc, ContentType: queue.ContentText}))
}

// TestQueueRetries implements section 8's literal "Queue retries"
// scenario: maxBatchSize=5, maxBatchTimeoutMs=1s, maxRetries=2; send
// three messages, retry the second individually, expect it redelivered
// alone after the timeout and then acked.
func TestQueueRetries(t *testing.T) {
	b, sched := newTestBroker(t)

	var mu sync.Mutex
	var deliveries [][]string

	require.NoError(t, b.RegisterQueue("queue", queue.QueueDefinition{
		MaxBatchSize:      5,
		MaxBatchTimeoutMs: 1000,
		MaxRetries:        2,
	}, func(ctx context.Context, batch *queue.Batch) error {
		mu.Lock()
		var ids []string
		for _, m := range batch.Messages {
			ids = append(ids, string(m.Body))
		}
		deliveries = append(deliveries, ids)
		mu.Unlock()

		for _, m := range batch.Messages {
			if string(m.Body) == "msg2" && m.Attempts == 1 {
				m.Retry()
			}
		}
		return nil
	}))

	mustSend(t, b, "queue", "msg1")
	mustSend(t, b, "queue", "msg2")
	mustSend(t, b, "queue", "msg3")

	sched.AdvanceTime(1000)
	sched.WaitForTasks()

	mu.Lock()
	require.Len(t, deliveries, 1)
	require.ElementsMatch(t, []string{"msg1", "msg2", "msg3"}, deliveries[0])
	mu.Unlock()

	sched.AdvanceTime(1000)
	sched.WaitForTasks()

	mu.Lock()
	require.Len(t, deliveries, 2)
	require.Equal(t, []string{"msg2"}, deliveries[1])
	mu.Unlock()
}

// TestQueueDeadLetter implements section 8's literal "Queue dead-letter"
// scenario: queue "bad" with deadLetterQueue "dlq", maxRetries=0; three
// messages sent, two retried once each, then moved to the dead-letter
// queue where the next batch arrives.
func TestQueueDeadLetter(t *testing.T) {
	b, sched := newTestBroker(t)

	var mu sync.Mutex
	var dlqDeliveries [][]string

	require.NoError(t, b.RegisterQueue("dlq", queue.QueueDefinition{
		MaxBatchSize:      5,
		MaxBatchTimeoutMs: 1000,
	}, func(ctx context.Context, batch *queue.Batch) error {
		mu.Lock()
		var ids []string
		for _, m := range batch.Messages {
			ids = append(ids, string(m.Body))
		}
		dlqDeliveries = append(dlqDeliveries, ids)
		mu.Unlock()
		return nil
	}))

	require.NoError(t, b.RegisterQueue("bad", queue.QueueDefinition{
		MaxBatchSize:      5,
		MaxBatchTimeoutMs: 1000,
		MaxRetries:        0,
		DeadLetterQueue:   "dlq",
	}, func(ctx context.Context, batch *queue.Batch) error {
		for _, m := range batch.Messages {
			if string(m.Body) == "msg2" || string(m.Body) == "msg3" {
				m.Retry()
			}
		}
		return nil
	}))

	mustSend(t, b, "bad", "msg1")
	mustSend(t, b, "bad", "msg2")
	mustSend(t, b, "bad", "msg3")

	sched.AdvanceTime(1000)
	sched.WaitForTasks()
	// msg2/msg3 immediately exceed maxRetries=0 and route to dlq,
	// which arms its own timeout timer.
	sched.AdvanceTime(1000)
	sched.WaitForTasks()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dlqDeliveries, 1)
	require.ElementsMatch(t, []string{"msg2", "msg3"}, dlqDeliveries[0])
}

func TestSelfDeadLetterCycleRejected(t *testing.T) {
	b, _ := newTestBroker(t)
	err := b.RegisterQueue("loop", queue.QueueDefinition{DeadLetterQueue: "loop"}, func(context.Context, *queue.Batch) error { return nil })
	require.Error(t, err)
}

func TestMessageSizeLimitEnforced(t *testing.T) {
	big := make([]byte, 128001)
	_, err := queue.EncodeBody(queue.ContentBytes, big)
	require.Error(t, err)
}

func TestImmediateDispatchOnFullBatch(t *testing.T) {
	b, sched := newTestBroker(t)
	delivered := make(chan int, 1)
	require.NoError(t, b.RegisterQueue("fast", queue.QueueDefinition{MaxBatchSize: 2, MaxBatchTimeoutMs: 60000}, func(ctx context.Context, batch *queue.Batch) error {
		delivered <- len(batch.Messages)
		return nil
	}))

	mustSend(t, b, "fast", "a")
	mustSend(t, b, "fast", "b")
	sched.WaitForTasks()

	require.Equal(t, 2, <-delivered)
}
