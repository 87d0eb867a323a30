package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
	"librarycatalog/internal/util"
	"librarycatalog/pkg/notify"
)

const attemptsHeader = "x-attempts"

type AMQPQueueConfig struct {
	URL        string
	Queue      string
	MaxRetries int
	Prefetch   int
}

// AMQPMailQueue is a mail outbox on a durable RabbitMQ queue.
type AMQPMailQueue struct {
	conn       *amqp.Connection
	queue      string
	maxRetries int
	prefetch   int

	mu  sync.Mutex
	pub *amqp.Channel
}

func NewAMQPMailQueue(cfg AMQPQueueConfig) (*AMQPMailQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		name = "catalog.mail"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	q := &AMQPMailQueue{
		conn:       conn,
		queue:      name,
		maxRetries: intOr(cfg.MaxRetries, 3),
		prefetch:   intOr(cfg.Prefetch, 10),
	}
	ch, err := q.declaredChannel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	q.pub = ch
	return q, nil
}

func (q *AMQPMailQueue) declaredChannel() (*amqp.Channel, error) {
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", q.queue, err)
	}
	return ch, nil
}

// Send publishes msg; it satisfies notify.Sender.
func (q *AMQPMailQueue) Send(ctx context.Context, msg notify.Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("mail recipient required")
	}
	return q.publish(ctx, msg, util.NewID(), 0)
}

func (q *AMQPMailQueue) publish(ctx context.Context, msg notify.Message, id string, attempts int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode mail job: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pub.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{attemptsHeader: int32(attempts)},
		Body:         body,
	})
}

// Run consumes the queue with concurrency consumers until ctx is done.
func (q *AMQPMailQueue) Run(ctx context.Context, concurrency int, sender notify.Sender) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch, err := q.declaredChannel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.queue, "catalog-mailer-"+util.NewID(), false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						if ctx.Err() != nil {
							return nil
						}
						return errors.New("amqp delivery channel closed")
					}
					q.handleDelivery(ctx, d, sender)
				}
			}
		})
	}
	return g.Wait()
}

func (q *AMQPMailQueue) handleDelivery(ctx context.Context, d amqp.Delivery, sender notify.Sender) {
	var msg notify.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		slog.Warn("mail queue dropped malformed entry", "queue", q.queue, "id", d.MessageId)
		_ = d.Nack(false, false)
		return
	}
	attempts := deliveryAttempts(d.Headers) + 1
	sendErr := sender.Send(ctx, msg)
	if sendErr == nil {
		_ = d.Ack(false)
		return
	}
	if attempts >= q.maxRetries {
		slog.Warn("mail job failed", "id", d.MessageId, "attempts", attempts, "err", sendErr)
		_ = d.Nack(false, false)
		return
	}
	// Republish with the bumped counter before acking so the job is never lost.
	if err := q.publish(context.WithoutCancel(ctx), msg, d.MessageId, attempts); err != nil {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func deliveryAttempts(h amqp.Table) int {
	switch v := h[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (q *AMQPMailQueue) Close() error {
	q.mu.Lock()
	if q.pub != nil {
		_ = q.pub.Close()
	}
	q.mu.Unlock()
	return q.conn.Close()
}
