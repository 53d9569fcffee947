package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/darkden-lab/quakewatch/internal/quake"
)

// AMQPConfig holds the connection settings for a RabbitMQ broker.
type AMQPConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	VHost       string
	DialTimeout time.Duration
	// ConnectionName is reported to the broker for diagnostics.
	ConnectionName string
}

// URL returns the amqp:// URI for the config.
func (c AMQPConfig) URL() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// AMQPBus implements Bus on a RabbitMQ fanout exchange. Declarations and
// publishes share one confirm-mode channel guarded by a mutex; each Consume
// call opens its own channel.
type AMQPBus struct {
	conn   *amqp.Connection
	mu     sync.Mutex
	ch     *amqp.Channel
	closed chan *amqp.Error
}

// DialAMQP opens a connection and a confirm-mode channel.
func DialAMQP(ctx context.Context, cfg AMQPConfig) (*AMQPBus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	props := amqp.NewConnectionProperties()
	if cfg.ConnectionName != "" {
		props.SetClientConnectionName(cfg.ConnectionName)
	}

	conn, err := amqp.DialConfig(cfg.URL(), amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Heartbeat:  10 * time.Second,
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	return &AMQPBus{
		conn:   conn,
		ch:     ch,
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// DeclareExchange declares the durable fanout exchange.
func (b *AMQPBus) DeclareExchange(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ch.ExchangeDeclare(ExchangeName, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", ExchangeName, err)
	}
	return nil
}

// Publish sends the event as a persistent message and waits for the broker's
// confirmation.
func (b *AMQPBus) Publish(ctx context.Context, event quake.Event) error {
	body, err := quake.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b.mu.Lock()
	dc, err := b.ch.PublishWithDeferredConfirmWithContext(ctx, ExchangeName, "", false, false, amqp.Publishing{
		ContentType:  ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    time.Unix(event.Time, 0),
		Body:         body,
	})
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.ID, err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s: %w", event.ID, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected %s", event.ID)
	}
	return nil
}

// DeclareSubscriberQueue declares the region's durable queue and binds it to
// the exchange with an empty routing key.
func (b *AMQPBus) DeclareSubscriberQueue(ctx context.Context, region string) (string, error) {
	name := QueueName(region)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := b.ch.QueueBind(name, "", ExchangeName, false, nil); err != nil {
		return "", fmt.Errorf("bind queue %s: %w", name, err)
	}
	return name, nil
}

// Consume reads deliveries on a dedicated channel with the given prefetch.
func (b *AMQPBus) Consume(ctx context.Context, queue string, prefetch int, handler Handler) error {
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open channel: %v", ErrConnectionLost, err)
	}
	defer ch.Close()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	tag := queue + "." + uuid.New().String()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	log.Debug().Str("queue", queue).Str("consumer", tag).Msg("bus: consuming")

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-b.closed:
			return fmt.Errorf("%w: %v", ErrConnectionLost, amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: delivery channel closed", ErrConnectionLost)
			}
			handler(ctx, Delivery{
				Body:        d.Body,
				ContentType: d.ContentType,
				Redelivered: d.Redelivered,
				ack:         func() error { return d.Ack(false) },
			})
		}
	}
}

// Close closes the connection; unacknowledged messages are requeued by the
// broker.
func (b *AMQPBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}
