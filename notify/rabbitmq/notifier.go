// Package rabbitmq publishes billing signals to a RabbitMQ topic exchange.
//
// Each signal becomes one persistent JSON message whose routing key is the
// signal name, so consumers can bind to "charge.*" or
// "subscription.expiring" without parsing bodies.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xraph/billing/plugin"
)

// DefaultExchange is used when Config.Exchange is empty.
const DefaultExchange = "billing.signals"

// ErrClosed is returned by OnSignal after Close.
var ErrClosed = errors.New("rabbitmq: notifier closed")

// Compile-time interface checks.
var (
	_ plugin.Plugin     = (*Notifier)(nil)
	_ plugin.OnSignal   = (*Notifier)(nil)
	_ plugin.OnShutdown = (*Notifier)(nil)
)

// Config holds the connection settings.
type Config struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

// Channel is the subset of *amqp.Channel the notifier uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Notifier forwards every signal to the exchange.
type Notifier struct {
	conn     *amqp.Connection
	channel  Channel
	exchange string
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// WithClock overrides the publish timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// Dial connects to the broker and declares a durable topic exchange.
func Dial(cfg Config, opts ...Option) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq: url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}

	err = ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: declare exchange %s: %w", cfg.Exchange, err)
	}

	n := New(ch, cfg.Exchange, opts...)
	n.conn = conn
	return n, nil
}

// New wraps an open channel. The exchange must already exist.
func New(ch Channel, exchange string, opts ...Option) *Notifier {
	if exchange == "" {
		exchange = DefaultExchange
	}
	n := &Notifier{
		channel:  ch,
		exchange: exchange,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name implements plugin.Plugin.
func (n *Notifier) Name() string { return "rabbitmq-notifier" }

// OnSignal implements plugin.OnSignal.
func (n *Notifier) OnSignal(ctx context.Context, sig plugin.Signal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("rabbitmq: encode %s: %w", sig.Name, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    n.now(),
		Type:         string(sig.Name),
		Body:         body,
	}
	if sig.Organization != nil {
		msg.Headers = amqp.Table{"organization_id": sig.Organization.ID.String()}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.channel == nil {
		return ErrClosed
	}
	if err := n.channel.PublishWithContext(ctx, n.exchange, string(sig.Name), false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq: publish %s: %w", sig.Name, err)
	}

	n.logger.Debug("signal published",
		"exchange", n.exchange,
		"routing_key", sig.Name,
		"message_id", msg.MessageId,
	)
	return nil
}

// OnShutdown implements plugin.OnShutdown.
func (n *Notifier) OnShutdown(_ context.Context) error {
	return n.Close()
}

// Close closes the channel and, when the notifier dialed it, the connection.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	if n.channel != nil {
		errs = append(errs, n.channel.Close())
		n.channel = nil
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
		n.conn = nil
	}
	return errors.Join(errs...)
}
