package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/darkden-lab/quakewatch/internal/quake"
)

// MemoryBroker is a single-process fanout broker. Queues keep messages until
// they are acknowledged, and unacknowledged messages are requeued as
// redelivered when their consumer stops. It is suitable for development,
// single-node deployments and tests.
type MemoryBroker struct {
	mu        sync.Mutex
	exchange  bool
	queues    map[string]*memQueue
	bindings  map[string]bool
	conns     map[string]*memoryConn
	dialErr   error
	published int
}

type memMessage struct {
	id          string
	body        []byte
	redelivered bool
}

type memQueue struct {
	name    string
	ready   []memMessage
	unacked map[string]memMessage
	notify  chan struct{}
}

func (q *memQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:   make(map[string]*memQueue),
		bindings: make(map[string]bool),
		conns:    make(map[string]*memoryConn),
	}
}

// Dialer returns a DialFunc opening connections to b.
func (b *MemoryBroker) Dialer() DialFunc {
	return func(ctx context.Context) (Bus, error) {
		return b.Connect()
	}
}

// Connect opens a new connection to the broker.
func (b *MemoryBroker) Connect() (Bus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &memoryConn{id: uuid.New().String(), broker: b, done: make(chan struct{})}
	b.conns[c.id] = c
	return c, nil
}

// FailDials makes subsequent Connect calls fail with err until it is called
// again with nil.
func (b *MemoryBroker) FailDials(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// DropConnections severs every open connection, as a broker restart would.
func (b *MemoryBroker) DropConnections() {
	b.mu.Lock()
	conns := make([]*memoryConn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.Close() //nolint:errcheck // memory close never fails
	}
}

// QueueDepth returns the number of ready and unacknowledged messages in queue.
func (b *MemoryBroker) QueueDepth(queue string) (ready, unacked int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0, 0
	}
	return len(q.ready), len(q.unacked)
}

// Queues returns the names of all declared queues.
func (b *MemoryBroker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Published returns the number of messages accepted by the exchange.
func (b *MemoryBroker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// PublishRaw delivers body to every bound queue as is, without encoding. It
// lets callers inject payloads a well-behaved producer would never send.
func (b *MemoryBroker) PublishRaw(body []byte) error {
	return b.publish(body)
}

// publish copies body into every queue bound to the exchange.
func (b *MemoryBroker) publish(body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.exchange {
		return fmt.Errorf("exchange %q not declared", ExchangeName)
	}
	b.published++
	for name := range b.bindings {
		q := b.queues[name]
		msg := memMessage{id: uuid.New().String(), body: append([]byte(nil), body...)}
		q.ready = append(q.ready, msg)
		q.signal()
	}
	return nil
}

// next pops the next ready message if fewer than prefetch are outstanding.
func (b *MemoryBroker) next(q *memQueue, prefetch int) (memMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(q.ready) == 0 || len(q.unacked) >= prefetch {
		return memMessage{}, false
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	q.unacked[msg.id] = msg
	return msg, true
}

func (b *MemoryBroker) ack(q *memQueue, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := q.unacked[id]; !ok {
		return fmt.Errorf("delivery %s already acknowledged", id)
	}
	delete(q.unacked, id)
	q.signal()
	return nil
}

// requeue returns outstanding messages to the front of the queue.
func (b *MemoryBroker) requeue(q *memQueue, ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var back []memMessage
	for _, id := range ids {
		if msg, ok := q.unacked[id]; ok {
			delete(q.unacked, id)
			msg.redelivered = true
			back = append(back, msg)
		}
	}
	if len(back) > 0 {
		q.ready = append(back, q.ready...)
		q.signal()
	}
}

// memoryConn is one client connection to a MemoryBroker.
type memoryConn struct {
	id     string
	broker *MemoryBroker
	once   sync.Once
	done   chan struct{}
}

func (c *memoryConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *memoryConn) DeclareExchange(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.exchange = true
	return nil
}

func (c *memoryConn) Publish(ctx context.Context, event quake.Event) error {
	if c.isClosed() {
		return ErrClosed
	}
	body, err := quake.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.broker.publish(body)
}

func (c *memoryConn) DeclareSubscriberQueue(ctx context.Context, region string) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	name := QueueName(region)

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if !c.broker.exchange {
		return "", fmt.Errorf("exchange %q not declared", ExchangeName)
	}
	if _, ok := c.broker.queues[name]; !ok {
		c.broker.queues[name] = &memQueue{
			name:    name,
			unacked: make(map[string]memMessage),
			notify:  make(chan struct{}, 1),
		}
	}
	c.broker.bindings[name] = true
	return name, nil
}

func (c *memoryConn) Consume(ctx context.Context, queue string, prefetch int, handler Handler) error {
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}

	c.broker.mu.Lock()
	q, ok := c.broker.queues[queue]
	c.broker.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue %q not declared", queue)
	}

	var (
		mu    sync.Mutex
		owned = make(map[string]bool)
	)
	defer func() {
		mu.Lock()
		ids := make([]string, 0, len(owned))
		for id := range owned {
			ids = append(ids, id)
		}
		mu.Unlock()
		c.broker.requeue(q, ids)
	}()

	for {
		if c.isClosed() {
			return fmt.Errorf("%w: connection %s closed", ErrConnectionLost, c.id)
		}
		msg, ok := c.broker.next(q, prefetch)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-c.done:
				return fmt.Errorf("%w: connection %s closed", ErrConnectionLost, c.id)
			case <-q.notify:
			}
			continue
		}

		mu.Lock()
		owned[msg.id] = true
		mu.Unlock()

		id := msg.id
		handler(ctx, Delivery{
			Body:        msg.body,
			ContentType: ContentType,
			Redelivered: msg.redelivered,
			ack: func() error {
				if c.isClosed() {
					return ErrClosed
				}
				mu.Lock()
				delete(owned, id)
				mu.Unlock()
				return c.broker.ack(q, id)
			},
		})

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *memoryConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.broker.mu.Lock()
		delete(c.broker.conns, c.id)
		c.broker.mu.Unlock()
	})
	return nil
}
