package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/darkden-lab/quakewatch/internal/quake"
)

// KafkaConfig holds configuration for the Kafka bus.
type KafkaConfig struct {
	Brokers           []string // list of broker addresses
	Partitions        int
	ReplicationFactor int
	DialTimeout       time.Duration
}

// KafkaBus implements Bus on a single Kafka topic. Every subscriber queue is
// a consumer group of its own, so each group sees every message (fanout) and
// committed offsets make the subscription durable across restarts.
type KafkaBus struct {
	config KafkaConfig
	dialer *kafka.Dialer
	writer *kafka.Writer
	mu     sync.Mutex
	closed bool
	// readers tracks active consumers so Close can stop them.
	readers map[*kafka.Reader]struct{}
}

// DialKafka verifies a broker is reachable and prepares the shared writer.
func DialKafka(ctx context.Context, config KafkaConfig) (*KafkaBus, error) {
	b, err := newKafkaBus(config)
	if err != nil {
		return nil, err
	}
	conn, err := b.dialer.DialContext(ctx, "tcp", b.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("dial kafka %s: %w", b.config.Brokers[0], err)
	}
	conn.Close()
	return b, nil
}

func newKafkaBus(config KafkaConfig) (*KafkaBus, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if config.Partitions <= 0 {
		config.Partitions = 1
	}
	if config.ReplicationFactor <= 0 {
		config.ReplicationFactor = 1
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}

	return &KafkaBus{
		config: config,
		dialer: &kafka.Dialer{Timeout: config.DialTimeout, DualStack: true},
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        ExchangeName,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
			Async:        false,
		},
		readers: make(map[*kafka.Reader]struct{}),
	}, nil
}

// DeclareExchange creates the topic through the cluster controller. An
// existing topic is not an error.
func (b *KafkaBus) DeclareExchange(ctx context.Context) error {
	conn, err := b.dialer.DialContext(ctx, "tcp", b.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	ctrl, err := b.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             ExchangeName,
		NumPartitions:     b.config.Partitions,
		ReplicationFactor: b.config.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", ExchangeName, err)
	}
	return nil
}

// Publish serializes the event to JSON and writes it to the topic, waiting
// for all in-sync replicas.
func (b *KafkaBus) Publish(ctx context.Context, event quake.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	value, err := quake.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:     []byte(event.ID),
		Value:   value,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte(ContentType)}},
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// DeclareSubscriberQueue returns the consumer group name for region. The
// group is created by the broker when its first consumer joins.
func (b *KafkaBus) DeclareSubscriberQueue(ctx context.Context, region string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	return QueueName(region), nil
}

// Consume joins the consumer group named queue and commits each offset when
// the handler acknowledges it. Messages are fetched one at a time.
func (b *KafkaBus) Consume(ctx context.Context, queue string, prefetch int, handler Handler) error {
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:       b.config.Brokers,
		Topic:         ExchangeName,
		GroupID:       queue,
		Dialer:        b.dialer,
		QueueCapacity: prefetch,
		MinBytes:      1,
		MaxBytes:      10e6, // 10MB
		MaxWait:       500 * time.Millisecond,
		StartOffset:   kafka.LastOffset,
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		reader.Close()
		return ErrClosed
	}
	b.readers[reader] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.readers, reader)
		b.mu.Unlock()
		reader.Close()
	}()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // context cancelled, shutting down
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}

		contentType := ContentType
		for _, h := range msg.Headers {
			if h.Key == "content-type" {
				contentType = string(h.Value)
			}
		}

		handler(ctx, Delivery{
			Body:        msg.Value,
			ContentType: contentType,
			ack: func() error {
				if err := reader.CommitMessages(ctx, msg); err != nil {
					log.Warn().Err(err).Str("queue", queue).Int64("offset", msg.Offset).Msg("bus: kafka commit failed")
					return err
				}
				return nil
			},
		})
	}
}

// Close shuts down all consumers and the producer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	for r := range b.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
