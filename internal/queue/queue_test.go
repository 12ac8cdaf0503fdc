package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue() *InMemoryQueue {
	q := NewInMemoryQueue(zap.NewNop().Sugar())
	q.Backoff = time.Millisecond
	return q
}

func TestNewJobRoundTripsPayload(t *testing.T) {
	job, err := NewJob(KindSendBroadcastToContacts, DeliveryPayload{BroadcastID: "b1", ContactIDs: []string{"c1", "c2"}})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.JSONEq(t, `{"broadcastId":"b1","contactIds":["c1","c2"]}`, string(job.Payload))

	var got DeliveryPayload
	require.NoError(t, job.Decode(&got))
	assert.Equal(t, []string{"c1", "c2"}, got.ContactIDs)
}

func TestDecodeFailureIsPermanent(t *testing.T) {
	job := Job{Kind: KindSendBroadcast, Payload: []byte(`not json`)}
	var p SendBroadcastPayload
	assert.True(t, IsPermanent(job.Decode(&p)))
}

func TestInMemoryQueueRequiresSubscriber(t *testing.T) {
	q := newTestQueue()
	job, _ := NewJob(KindSendBroadcast, SendBroadcastPayload{BroadcastID: "b1"})
	assert.Error(t, q.Enqueue(context.Background(), BroadcastsQueue, job, 0))
}

func TestInMemoryQueueRetriesUntilSuccess(t *testing.T) {
	q := newTestQueue()
	var calls int32
	require.NoError(t, q.Subscribe(context.Background(), BroadcastsQueue, func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	job, _ := NewJob(KindSendBroadcast, SendBroadcastPayload{BroadcastID: "b1"})
	require.NoError(t, q.Enqueue(context.Background(), BroadcastsQueue, job, 0))
	q.Wait()

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInMemoryQueueStopsOnPermanentError(t *testing.T) {
	q := newTestQueue()
	var calls int32
	require.NoError(t, q.Subscribe(context.Background(), BroadcastsQueue, func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(errors.New("bad payload"))
	}))

	job, _ := NewJob(KindSendBroadcast, SendBroadcastPayload{BroadcastID: "b1"})
	require.NoError(t, q.Enqueue(context.Background(), BroadcastsQueue, job, 0))
	q.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInMemoryQueueGivesUpAfterMaxRetries(t *testing.T) {
	q := newTestQueue()
	q.MaxRetries = 2
	var calls int32
	require.NoError(t, q.Subscribe(context.Background(), BroadcastsQueue, func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always")
	}))

	job, _ := NewJob(KindSendBroadcast, SendBroadcastPayload{BroadcastID: "b1"})
	require.NoError(t, q.Enqueue(context.Background(), BroadcastsQueue, job, 0))
	q.Wait()

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInMemoryQueueHonoursDelay(t *testing.T) {
	q := newTestQueue()
	var ranAt time.Time
	var mu sync.Mutex
	require.NoError(t, q.Subscribe(context.Background(), BroadcastsQueue, func(ctx context.Context, job Job) error {
		mu.Lock()
		ranAt = time.Now()
		mu.Unlock()
		return nil
	}))

	start := time.Now()
	job, _ := NewJob(KindSendBroadcast, SendBroadcastPayload{BroadcastID: "b1"})
	require.NoError(t, q.Enqueue(context.Background(), BroadcastsQueue, job, 50*time.Millisecond))
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, ranAt.Sub(start), 50*time.Millisecond)
}

func TestMuxDispatchesByKind(t *testing.T) {
	mux := NewMux()
	var got string
	mux.Handle(KindSendBroadcast, func(ctx context.Context, job Job) error {
		got = job.Kind
		return nil
	})

	require.NoError(t, mux.Process(context.Background(), Job{Kind: KindSendBroadcast}))
	assert.Equal(t, KindSendBroadcast, got)

	err := mux.Process(context.Background(), Job{Kind: "UNKNOWN"})
	assert.True(t, IsPermanent(err))
}

// --- AMQP ---

type fakeChannel struct {
	mu         sync.Mutex
	declared   map[string]amqp.Table
	published  []published
	publishErr error
	closed     bool
}

type published struct {
	key string
	msg amqp.Publishing
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{declared: map[string]amqp.Table{}}
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return make(chan amqp.Delivery), nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeAck struct {
	acked, nacked int
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error           { a.acked++; return nil }
func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error { a.nacked++; return nil }
func (a *fakeAck) Reject(tag uint64, requeue bool) error         { a.nacked++; return nil }

func newTestAMQP(ch *fakeChannel) *AMQPQueue {
	return newAMQPQueue(func() (amqpChannel, error) { return ch, nil }, zap.NewNop().Sugar())
}

func TestAMQPEnqueueDeclaresDelayedQueue(t *testing.T) {
	ch := newFakeChannel()
	q := newTestAMQP(ch)
	job, _ := NewJob(KindSendBroadcast, SendBroadcastPayload{BroadcastID: "b1"})

	require.NoError(t, q.Enqueue(context.Background(), BroadcastsQueue, job, 0))

	require.Contains(t, ch.declared, "broadcasts")
	assert.Equal(t, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": "broadcasts",
	}, ch.declared["broadcasts.delayed"])
	require.Len(t, ch.published, 1)
	assert.Equal(t, "broadcasts", ch.published[0].key)
	assert.Empty(t, ch.published[0].msg.Expiration)
	assert.Equal(t, uint8(amqp.Persistent), ch.published[0].msg.DeliveryMode)
}

func TestAMQPEnqueueWithDelayUsesTTL(t *testing.T) {
	ch := newFakeChannel()
	q := newTestAMQP(ch)
	job, _ := NewJob(KindSendBroadcast, SendBroadcastPayload{BroadcastID: "b1"})

	require.NoError(t, q.Enqueue(context.Background(), BroadcastsQueue, job, 90*time.Second))

	require.Len(t, ch.published, 1)
	assert.Equal(t, "broadcasts.delayed", ch.published[0].key)
	assert.Equal(t, "90000", ch.published[0].msg.Expiration)
}

func TestAMQPEnqueueResetsChannelOnPublishError(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = errors.New("channel closed")
	q := newTestAMQP(ch)
	job, _ := NewJob(KindSendBroadcast, SendBroadcastPayload{BroadcastID: "b1"})

	assert.Error(t, q.Enqueue(context.Background(), BroadcastsQueue, job, 0))
	assert.True(t, ch.closed)
	assert.Nil(t, q.pub)
}

func TestAMQPHandleRequeuesFailedJobWithBackoff(t *testing.T) {
	ch := newFakeChannel()
	q := newTestAMQP(ch)
	job, _ := NewJob(KindSendBroadcastToContacts, DeliveryPayload{BroadcastID: "b1"})
	body, _ := json.Marshal(job)
	ack := &fakeAck{}

	q.handle(context.Background(), BroadcastsQueue, amqp.Delivery{Acknowledger: ack, Body: body}, func(ctx context.Context, j Job) error {
		return errors.New("smtp down")
	})

	assert.Equal(t, 1, ack.acked)
	require.Len(t, ch.published, 1)
	assert.Equal(t, "broadcasts.delayed", ch.published[0].key)
	assert.Equal(t, "5000", ch.published[0].msg.Expiration)
}

func TestAMQPHandleDropsPermanentFailure(t *testing.T) {
	ch := newFakeChannel()
	q := newTestAMQP(ch)
	job, _ := NewJob(KindSendBroadcastToContacts, DeliveryPayload{BroadcastID: "b1"})
	body, _ := json.Marshal(job)
	ack := &fakeAck{}

	q.handle(context.Background(), BroadcastsQueue, amqp.Delivery{Acknowledger: ack, Body: body}, func(ctx context.Context, j Job) error {
		return Permanent(errors.New("unknown broadcast"))
	})

	assert.Equal(t, 1, ack.acked)
	assert.Empty(t, ch.published)
}

func TestAMQPHandleAcksInvalidBody(t *testing.T) {
	q := newTestAMQP(newFakeChannel())
	ack := &fakeAck{}
	called := false

	q.handle(context.Background(), BroadcastsQueue, amqp.Delivery{Acknowledger: ack, Body: []byte("{")}, func(ctx context.Context, j Job) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.Equal(t, 1, ack.acked)
}
