package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const delayedSuffix = ".delayed"

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// AMQPQueue publishes jobs to durable RabbitMQ queues. Delayed jobs wait in
// "<queue>.delayed" with a per-message TTL and dead-letter back to the queue.
type AMQPQueue struct {
	conn    *amqp.Connection
	channel func() (amqpChannel, error)

	mu       sync.Mutex
	pub      amqpChannel
	declared map[string]bool

	MaxRetries int
	Backoff    time.Duration
	Prefetch   int
	log        *zap.SugaredLogger
}

func DialAMQP(url string, log *zap.SugaredLogger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	q := newAMQPQueue(func() (amqpChannel, error) { return conn.Channel() }, log)
	q.conn = conn
	return q, nil
}

func newAMQPQueue(channel func() (amqpChannel, error), log *zap.SugaredLogger) *AMQPQueue {
	return &AMQPQueue{
		channel:    channel,
		declared:   map[string]bool{},
		MaxRetries: 3,
		Backoff:    5 * time.Second,
		Prefetch:   1,
		log:        log,
	}
}

// publisher lazily opens the shared publishing channel. Callers hold q.mu.
func (q *AMQPQueue) publisher() (amqpChannel, error) {
	if q.pub != nil {
		return q.pub, nil
	}
	ch, err := q.channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q.pub = ch
	return ch, nil
}

func (q *AMQPQueue) declare(ch amqpChannel, name string) error {
	if q.declared[name] {
		return nil
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	_, err := ch.QueueDeclare(name+delayedSuffix, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name+delayedSuffix, err)
	}
	q.declared[name] = true
	return nil
}

func (q *AMQPQueue) Enqueue(_ context.Context, queueName string, job Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Type:         job.Kind,
		Timestamp:    time.Now(),
		Body:         body,
	}
	key := queueName
	if delay > 0 {
		key = queueName + delayedSuffix
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ch, err := q.publisher()
	if err != nil {
		return err
	}
	if err := q.declare(ch, queueName); err != nil {
		return err
	}
	if err := ch.Publish("", key, false, false, msg); err != nil {
		// Drop the channel so the next publish reopens it.
		_ = ch.Close()
		q.pub = nil
		q.declared = map[string]bool{}
		return fmt.Errorf("publish job %s to %s: %w", job.ID, key, err)
	}
	return nil
}

// Subscribe consumes queueName on its own channel until ctx is cancelled.
func (q *AMQPQueue) Subscribe(ctx context.Context, queueName string, handler Handler) error {
	ch, err := q.channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	q.mu.Lock()
	err = q.declare(ch, queueName)
	q.mu.Unlock()
	if err != nil {
		ch.Close()
		return err
	}
	if err := ch.Qos(q.Prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", queueName, err)
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					q.log.Warnw("delivery channel closed", "queue", queueName)
					return
				}
				q.handle(ctx, queueName, d, handler)
			}
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(ctx context.Context, queueName string, d amqp.Delivery, handler Handler) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		q.log.Errorw("invalid job body", "queue", queueName, "error", err)
		_ = d.Ack(false)
		return
	}

	err := handler(ctx, job)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	job.Attempt++
	if IsPermanent(err) || job.Attempt > q.MaxRetries {
		q.log.Errorw("job permanently failed", "queue", queueName, "kind", job.Kind, "job_id", job.ID, "attempts", job.Attempt, "error", err)
		_ = d.Ack(false)
		return
	}

	q.log.Warnw("job failed, retrying", "queue", queueName, "kind", job.Kind, "job_id", job.ID, "attempt", job.Attempt, "error", err)
	if perr := q.Enqueue(ctx, queueName, job, time.Duration(job.Attempt)*q.Backoff); perr != nil {
		q.log.Errorw("requeue failed", "queue", queueName, "job_id", job.ID, "error", perr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	if q.pub != nil {
		_ = q.pub.Close()
		q.pub = nil
	}
	q.mu.Unlock()
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var (
	_ Queue    = (*AMQPQueue)(nil)
	_ Consumer = (*AMQPQueue)(nil)
)
