package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"chat-sync/internal/observability"
	"chat-sync/internal/transport"
)

// Broker carries broadcast payloads over a topic exchange.
type Broker interface {
	transport.Broadcaster
	Close() error
}

// NewBroker builds a RabbitMQ broker or a noop broker when AMQP is disabled.
func NewBroker(amqpURL, exchange string) Broker {
	if amqpURL == "" {
		log.Printf("rabbitmq disabled, using noop: empty amqp url")
		return noopBroker{reason: "empty amqp url"}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		log.Printf("rabbitmq disabled, using noop: %v", err)
		return noopBroker{reason: err.Error()}
	}

	ch, err := conn.Channel()
	if err != nil {
		log.Printf("rabbitmq disabled, using noop: %v", err)
		_ = conn.Close()
		return noopBroker{reason: err.Error()}
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		log.Printf("rabbitmq disabled, using noop: %v", err)
		_ = ch.Close()
		_ = conn.Close()
		return noopBroker{reason: err.Error()}
	}

	log.Printf("rabbitmq connected exchange=%s", exchange)
	return &amqpBroker{conn: conn, ch: ch, exchange: exchange}
}

type amqpBroker struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func (b *amqpBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	err := b.ch.PublishWithContext(ctx, b.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: deliveryMode(topic),
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		observability.IncAMQPPublishError()
		log.Printf("rabbitmq publish failed topic=%s: %v", topic, err)
	}
	return err
}

// Subscribe binds an exclusive auto-delete queue to topic on its own
// channel. Payloads that arrive while the consumer lags are dropped.
func (b *amqpBroker) Subscribe(ctx context.Context, topic string) (transport.TopicSubscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, topic, b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind %s: %w", topic, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", topic, err)
	}

	sub := newSubscription(func() { _ = ch.Close() })
	go func() {
		defer close(sub.out)
		for d := range deliveries {
			sub.offer(d.Body)
		}
	}()
	return sub, nil
}

func (b *amqpBroker) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// deliveryMode keeps ephemeral presence off disk.
func deliveryMode(topic string) uint8 {
	if strings.HasPrefix(topic, "typing.") {
		return amqp.Transient
	}
	return amqp.Persistent
}

type subscription struct {
	out    chan []byte
	once   sync.Once
	closer func()
}

func newSubscription(closer func()) *subscription {
	return &subscription{out: make(chan []byte, 16), closer: closer}
}

func (s *subscription) offer(payload []byte) {
	select {
	case s.out <- payload:
	default:
	}
}

func (s *subscription) Messages() <-chan []byte {
	return s.out
}

func (s *subscription) Close() error {
	s.once.Do(s.closer)
	return nil
}

type noopBroker struct {
	reason string
}

func (noopBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	log.Printf("rabbitmq noop publish topic=%s bytes=%d", topic, len(payload))
	return nil
}

// Subscribe returns a subscription that never delivers.
func (noopBroker) Subscribe(ctx context.Context, topic string) (transport.TopicSubscription, error) {
	sub := newSubscription(nil)
	sub.closer = func() { close(sub.out) }
	return sub, nil
}

func (noopBroker) Close() error {
	return nil
}

// BrokerMode reports the broker mode for logging.
func BrokerMode(b Broker) string {
	switch b.(type) {
	case *amqpBroker:
		return "amqp"
	case noopBroker:
		return "noop"
	case *noopBroker:
		return "noop"
	default:
		return "unknown"
	}
}

func BrokerNoopReason(b Broker) string {
	switch broker := b.(type) {
	case noopBroker:
		return broker.reason
	case *noopBroker:
		return broker.reason
	default:
		return ""
	}
}
