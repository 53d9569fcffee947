// Package bus implements the durable fanout event bus that carries quake
// events from the publisher to every regional subscriber.
package bus

import (
	"context"
	"errors"
	"strings"

	"github.com/darkden-lab/quakewatch/internal/quake"
)

const (
	// ExchangeName is the durable fanout exchange every queue is bound to.
	ExchangeName = "quakes"
	// ContentType is set on every published message.
	ContentType = "application/json"
	// DefaultPrefetch keeps a single unacknowledged message per consumer.
	DefaultPrefetch = 1
)

var (
	// ErrConnectionExhausted is returned by Connect when every attempt failed.
	ErrConnectionExhausted = errors.New("bus connection attempts exhausted")
	// ErrConnectionLost is returned by Consume when the broker connection
	// dropped while consuming.
	ErrConnectionLost = errors.New("bus connection lost")
	// ErrClosed is returned when using a bus after Close.
	ErrClosed = errors.New("bus is closed")
)

// Delivery is a single message handed to a Handler. The handler must call Ack
// exactly once, whether processing succeeded or not.
type Delivery struct {
	Body        []byte
	ContentType string
	Redelivered bool

	ack func() error
}

// Ack acknowledges the delivery to the broker.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// NewDelivery builds a Delivery with a custom acknowledgement function. It is
// intended for driving handlers outside of a broker.
func NewDelivery(body []byte, ack func() error) Delivery {
	return Delivery{Body: body, ContentType: ContentType, ack: ack}
}

// Handler processes one delivery. Consume does not fetch the next message
// until the handler has returned and, with prefetch 1, acknowledged.
type Handler func(ctx context.Context, d Delivery)

// Bus is a fanout exchange with one durable queue per subscriber.
type Bus interface {
	// DeclareExchange creates or verifies the durable fanout exchange. It is
	// idempotent.
	DeclareExchange(ctx context.Context) error

	// Publish encodes the event and hands it to the exchange as a persistent
	// message. It returns once the broker has accepted it; subscriber
	// processing is not awaited.
	Publish(ctx context.Context, event quake.Event) error

	// DeclareSubscriberQueue creates the durable queue for a region, binds it
	// to the exchange and returns its name. It is idempotent.
	DeclareSubscriberQueue(ctx context.Context, region string) (string, error)

	// Consume blocks delivering messages from queue to handler with at most
	// prefetch unacknowledged messages. It returns nil when ctx is cancelled
	// and an error wrapping ErrConnectionLost when the broker goes away.
	Consume(ctx context.Context, queue string, prefetch int, handler Handler) error

	// Close releases the underlying connection.
	Close() error
}

// DialFunc opens a new Bus connection.
type DialFunc func(ctx context.Context) (Bus, error)

// QueueName returns the durable queue name for a region: spaces become
// underscores and the name is prefixed with the exchange name.
func QueueName(region string) string {
	return ExchangeName + "." + strings.ReplaceAll(strings.TrimSpace(region), " ", "_")
}
