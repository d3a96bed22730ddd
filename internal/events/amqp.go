package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const maxBackoff = 30 * time.Second

// AMQPBus fans events out through a RabbitMQ exchange so that every replica
// can push them to the websocket connections it holds
type AMQPBus struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPBus creates a bus publishing to exchange on the broker at url.
// The connection is opened lazily and re-opened after failures.
func NewAMQPBus(url, exchange string) *AMQPBus {
	return &AMQPBus{url: url, exchange: exchange}
}

func (b *AMQPBus) declare(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(
		b.exchange, // name
		"fanout",   // kind
		true,       // durable
		false,      // autoDelete
		false,      // internal
		false,      // noWait
		nil,        // args
	)
}

func (b *AMQPBus) channelLocked() (*amqp.Channel, error) {
	if b.conn != nil && !b.conn.IsClosed() && b.ch != nil {
		return b.ch, nil
	}
	b.resetLocked()

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	if err := b.declare(ch); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("exchange declare: %w", err)
	}
	b.conn, b.ch = conn, ch
	return ch, nil
}

func (b *AMQPBus) resetLocked() {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn, b.ch = nil, nil
}

// Publish sends ev to the exchange. Errors are returned so the caller can
// log and carry on.
func (b *AMQPBus) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channelLocked()
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Type:        ev.Type,
		Body:        body,
	}
	if err := ch.PublishWithContext(ctx, b.exchange, "", false, false, pub); err != nil {
		b.resetLocked()
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Consume binds a private queue to the exchange and hands every event to
// sink until ctx is cancelled, reconnecting with exponential backoff
func (b *AMQPBus) Consume(ctx context.Context, sink Sink) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := amqp.Dial(b.url)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("Event consumer failed to dial broker")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = b.consumeLoop(ctx, conn, sink)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("Event consumer loop ended, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *AMQPBus) consumeLoop(ctx context.Context, conn *amqp.Connection, sink Sink) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := b.declare(ch); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	log.Info().Str("exchange", b.exchange).Str("queue", q.Name).Msg("Event consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			var ev Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				log.Error().Err(err).Msg("Failed to decode event")
				continue
			}
			sink.Deliver(ev)
		}
	}
}

// Close releases the publishing connection
func (b *AMQPBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}
