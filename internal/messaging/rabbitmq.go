package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"finova-engine/internal/observability"
)

const eventsExchange = "mining.events"

// publishTimeout bounds one broker publish so a stalled broker cannot
// hold up the engine.
const publishTimeout = 2 * time.Second

type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// MiningEvent is the envelope published for every session lifecycle
// event. Downstream consumers (quest engine, analytics, push gateway)
// key off Event and route off the topic key "mining.<event>".
type MiningEvent struct {
	UserID    string `json:"user_id"`
	Event     string `json:"event"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	rmq := &RabbitMQ{
		conn:    conn,
		channel: ch,
	}

	if err := rmq.Setup(); err != nil {
		rmq.Close()
		return nil, err
	}

	return rmq, nil
}

// NewRabbitMQWithRetry dials the broker with exponential backoff until
// ctx expires, for startup ordering against a broker that is still
// coming up.
func NewRabbitMQWithRetry(ctx context.Context, url string) (*RabbitMQ, error) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.RetryWithData(func() (*RabbitMQ, error) {
		rmq, err := NewRabbitMQ(url)
		if err != nil {
			slog.Warn("rabbitmq not ready, retrying", slog.String("error", err.Error()))
		}
		return rmq, err
	}, policy)
}

func (r *RabbitMQ) Setup() error {
	if err := r.channel.ExchangeDeclare(
		eventsExchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		return fmt.Errorf("failed to declare events exchange: %w", err)
	}

	slog.Info("rabbitmq setup completed successfully")
	return nil
}

// PublishEvent publishes one mining event under the routing key
// "mining.<event>".
func (r *RabbitMQ) PublishEvent(ctx context.Context, userID, event string, payload any) error {
	return r.publish(ctx, &MiningEvent{
		UserID:    userID,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	})
}

func (r *RabbitMQ) publish(ctx context.Context, ev *MiningEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = r.channel.PublishWithContext(
		ctx,
		eventsExchange,
		"mining."+ev.Event,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (r *RabbitMQ) IsClosed() bool {
	return r.conn == nil || r.conn.IsClosed()
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// publishQueueSize bounds the events waiting on the broker.
const publishQueueSize = 256

// EventPublisher adapts RabbitMQ to domain.Notifier: pushes are best
// effort and a broker failure is counted and logged, never propagated.
// Events are queued and published off the caller's goroutine; a full
// queue drops the event, so a stalled broker never blocks accrual or
// settlement.
type EventPublisher struct {
	rmq   *RabbitMQ
	queue chan *MiningEvent
}

func NewEventPublisher(rmq *RabbitMQ) *EventPublisher {
	p := &EventPublisher{
		rmq:   rmq,
		queue: make(chan *MiningEvent, publishQueueSize),
	}
	go p.drain()
	return p
}

func (p *EventPublisher) Push(userID, event string, payload any) {
	ev := &MiningEvent{
		UserID:    userID,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
	select {
	case p.queue <- ev:
	default:
		observability.NotificationsDropped.Inc()
		slog.Warn("dropped mining event, publish queue full",
			slog.String("user_id", userID),
			slog.String("event", event))
	}
}

func (p *EventPublisher) drain() {
	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.rmq.publish(ctx, ev)
		cancel()
		if err != nil {
			observability.NotificationsDropped.Inc()
			slog.Warn("dropped mining event",
				slog.String("user_id", ev.UserID),
				slog.String("event", ev.Event),
				slog.String("error", err.Error()))
		}
	}
}
