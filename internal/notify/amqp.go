package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"keybridge/internal/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

const (
	dialTimeout   = 3 * time.Second
	redialBackoff = 10 * time.Second
)

// ErrBrokerUnavailable is returned without dialing while a failed dial is
// still within its backoff window.
var ErrBrokerUnavailable = errors.New("rabbitmq unavailable")

var ErrPublisherClosed = errors.New("rabbitmq publisher closed")

type dialFunc func(ctx context.Context, url string) (channel, io.Closer, error)

func dialAMQP(ctx context.Context, url string) (channel, io.Closer, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, network, addr)
		},
	})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

// AMQPPublisher publishes persistent JSON messages to a durable queue. The
// connection is opened lazily and re-dialed after a failed publish.
type AMQPPublisher struct {
	url   string
	queue string
	dial  dialFunc

	mu       sync.Mutex
	ch       channel
	conn     io.Closer
	nextDial time.Time
	dialing  bool
	closed   bool
	now      func() time.Time
}

func NewAMQPPublisher(url, queue string) *AMQPPublisher {
	return &AMQPPublisher{url: url, queue: queue, dial: dialAMQP, now: time.Now}
}

// connect is called with p.mu held. The lock is released while dialing, and
// publishes that arrive meanwhile fail fast instead of waiting on the broker.
func (p *AMQPPublisher) connect(ctx context.Context) (channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	if p.closed {
		return nil, ErrPublisherClosed
	}
	if p.dialing || p.now().Before(p.nextDial) {
		return nil, ErrBrokerUnavailable
	}

	p.dialing = true
	p.mu.Unlock()
	ch, conn, err := p.open(ctx)
	p.mu.Lock()
	p.dialing = false

	if err != nil {
		p.nextDial = p.now().Add(redialBackoff)
		return nil, err
	}
	if p.closed {
		_ = ch.Close()
		_ = conn.Close()
		return nil, ErrPublisherClosed
	}

	p.ch, p.conn = ch, conn
	return ch, nil
}

func (p *AMQPPublisher) open(ctx context.Context) (channel, io.Closer, error) {
	ch, conn, err := p.dial(ctx, p.url)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	return ch, conn, nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	log := logger.FromCtx(ctx).With(zap.String("event", e.Type), zap.String("marketplace_order_id", e.MarketplaceOrderID))

	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.connect(ctx)
	if err != nil {
		log.Warn("event not published", zap.Error(err))
		return err
	}

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.OccurredAt,
		Type:         e.Type,
		Body:         body,
	})
	if err != nil {
		p.reset()
		log.Warn("event not published", zap.Error(err))
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.reset()
	return nil
}
