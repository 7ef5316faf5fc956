// ABOUTME: RabbitMQ exporter publishing inbound messages as JSON envelopes
// ABOUTME: Runs as a relay hook; declares a durable topic exchange and publishes persistent messages

package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/relay-gateway/internal/registry"
)

// EventMessageReceived is the envelope type of exported inbound messages.
const EventMessageReceived = "relay.message_received.v1"

const (
	producer        = "relay-gateway"
	publishTimeout  = 5 * time.Second
	maxDialDelay    = time.Minute
	defaultAttempts = 5
)

// Meta describes an exported event.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
}

// Envelope is the body of every exported message.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope wraps an inbound event. The message id is the correlation id so
// consumers can join the export with the stored message.
func NewEnvelope(evt registry.InboundEvent, now time.Time) Envelope {
	cid := evt.MessageID
	p := producer
	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			Type:          EventMessageReceived,
			Time:          now.UTC(),
			CorrelationID: &cid,
			Producer:      &p,
		},
		Data: evt,
	}
}

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Options configures a Publisher.
type Options struct {
	URL        string
	Exchange   string
	RoutingKey string
	// DialAttempts bounds connection retries at startup.
	DialAttempts int
	DialDelay    time.Duration
	Logger       *slog.Logger
}

// Publisher exports inbound messages to an AMQP exchange.
type Publisher struct {
	conn        *amqp.Connection
	openChannel func() (channel, error)
	exchange    string
	routingKey  string
	logger      *slog.Logger
}

// Dial connects to the broker with exponential backoff and declares the exchange.
func Dial(ctx context.Context, opts Options) (*Publisher, error) {
	if opts.URL == "" || opts.Exchange == "" {
		return nil, errors.New("export needs an amqp url and exchange")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "export")

	conn, err := dialWithRetry(ctx, opts, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", opts.Exchange, err)
	}

	logger.Info("export connected", "exchange", opts.Exchange, "routing_key", opts.RoutingKey)
	return &Publisher{
		conn:        conn,
		openChannel: func() (channel, error) { return conn.Channel() },
		exchange:    opts.Exchange,
		routingKey:  opts.RoutingKey,
		logger:      logger,
	}, nil
}

func dialWithRetry(ctx context.Context, opts Options, logger *slog.Logger) (*amqp.Connection, error) {
	attempts := opts.DialAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	delay := opts.DialDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := min(delay<<(i-1), maxDialDelay)
		logger.Warn("amqp dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("amqp dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connecting to amqp after %d attempts: %w", attempts, lastErr)
}

// OnInbound publishes evt. It is registered as a relay hook.
func (p *Publisher) OnInbound(ctx context.Context, evt registry.InboundEvent) error {
	return p.Publish(ctx, NewEnvelope(evt, time.Now()))
}

// Publish sends one envelope as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	ch, err := p.openChannel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Meta.ID,
		Timestamp:    env.Meta.Time,
		Type:         env.Meta.Type,
		Body:         body,
	}
	if env.Meta.CorrelationID != nil {
		msg.CorrelationId = *env.Meta.CorrelationID
	}

	if err := ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.exchange, err)
	}
	p.logger.Debug("event exported", "type", env.Meta.Type, "id", env.Meta.ID)
	return nil
}

// Close closes the broker connection.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
