package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bankconnect/pkg/logging"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DefaultPublishTimeout bounds a single publish.
const DefaultPublishTimeout = 5 * time.Second

// ErrPublisherClosed is returned after Close.
var ErrPublisherClosed = errors.New("events: publisher closed")

// AMQPConfig configures the RabbitMQ publisher.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	Timeout    time.Duration
}

// channel is the part of *amqp091.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPPublisher sends consent events to a durable topic exchange.
type AMQPPublisher struct {
	conn    *amqp091.Connection
	channel channel
	config  AMQPConfig
	logger  *logging.Logger

	mu     sync.Mutex
	closed bool
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(config AMQPConfig, logger *logging.Logger) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p, err := newAMQPPublisher(ch, config, logger)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch channel, config AMQPConfig, logger *logging.Logger) (*AMQPPublisher, error) {
	if config.Timeout <= 0 {
		config.Timeout = DefaultPublishTimeout
	}
	if logger == nil {
		logger = logging.L()
	}

	err := ch.ExchangeDeclare(
		config.Exchange, // name
		"topic",         // type
		true,            // durable
		false,           // auto-deleted
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPPublisher{
		channel: ch,
		config:  config,
		logger:  logger.Named("events").With(zap.String("exchange", config.Exchange)),
	}, nil
}

// PublishConsentResolved publishes event as a persistent JSON message.
func (p *AMQPPublisher) PublishConsentResolved(ctx context.Context, event ConsentResolved) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPublisherClosed
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	body, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.config.Exchange,   // exchange
		p.config.RoutingKey, // routing key
		false,               // mandatory
		false,               // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    event.Timestamp,
			Type:         "consent.resolved",
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	p.logger.Info("Published consent event",
		zap.String("kind", event.Kind),
		zap.String("status", event.Status),
		zap.String("routing_key", p.config.RoutingKey))

	return nil
}

// Close releases the channel and connection. Safe to call twice.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
