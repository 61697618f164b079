// Package amqp carries record events and magic link mail between the web
// server and the worker over a RabbitMQ direct exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	publishTimeout   = 5 * time.Second
	prefetch         = 10

	// MaxDeliveryAttempts bounds how often a failing message is retried.
	MaxDeliveryAttempts = 3
	attemptHeader       = "x-attempt"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrPoison marks a message that can never succeed; it is dropped at once.
	ErrPoison = errors.New("poison message")
)

// Binding declares a durable queue bound to routing keys on the exchange.
type Binding struct {
	Queue       string
	RoutingKeys []string
}

// Message is a delivery handed to a consumer handler.
type Message struct {
	RoutingKey string
	Body       []byte
	Attempt    int
}

// Handler processes one message. Returning ErrPoison drops it; any other
// error schedules a retry.
type Handler func(context.Context, Message) error

// Client publishes to and consumes from one durable direct exchange. The
// publishing channel reconnects lazily and sits behind a circuit breaker.
type Client struct {
	url      string
	exchange string
	bindings []Binding
	breaker  *breaker
	sleep    func(context.Context, time.Duration) error

	mu   sync.Mutex
	conn *amqp091.Connection
	pub  *amqp091.Channel
}

// NewClient dials url and declares the exchange and bindings.
func NewClient(url, exchange string, bindings ...Binding) (*Client, error) {
	c := newClient(url, exchange, bindings...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dialLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(url, exchange string, bindings ...Binding) *Client {
	return &Client{
		url:      url,
		exchange: exchange,
		bindings: bindings,
		breaker:  newBreaker(breakerThreshold, breakerCooldown),
		sleep:    sleepCtx,
	}
}

func (c *Client) dialLocked() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := c.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	c.conn, c.pub = conn, ch
	return nil
}

func (c *Client) declare(ch *amqp091.Channel) error {
	if err := ch.ExchangeDeclare(c.exchange, amqp091.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.exchange, err)
	}
	for _, b := range c.bindings {
		if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.Queue, err)
		}
		for _, key := range b.RoutingKeys {
			if err := ch.QueueBind(b.Queue, key, c.exchange, false, nil); err != nil {
				return fmt.Errorf("bind %s to %s: %w", key, b.Queue, err)
			}
		}
	}
	return nil
}

// channelLocked returns a usable publishing channel, reopening the channel
// or the whole connection as needed.
func (c *Client) channelLocked() (*amqp091.Channel, error) {
	if c.conn != nil && !c.conn.IsClosed() {
		if c.pub != nil && !c.pub.IsClosed() {
			return c.pub, nil
		}
		if ch, err := c.conn.Channel(); err == nil {
			c.pub = ch
			return ch, nil
		}
	}
	c.closeLocked()
	if err := c.dialLocked(); err != nil {
		return nil, err
	}
	return c.pub, nil
}

// Publish sends a persistent JSON message with the given routing key.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte) error {
	return c.publish(ctx, routingKey, body, 1)
}

func (c *Client) publish(ctx context.Context, routingKey string, body []byte, attempt int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.breaker.allow() {
		return fmt.Errorf("publish %s: %w", routingKey, ErrCircuitOpen)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp091.Table{attemptHeader: int32(attempt)},
		Body:         body,
	}

	c.mu.Lock()
	ch, err := c.channelLocked()
	if err == nil {
		err = ch.PublishWithContext(ctx, c.exchange, routingKey, false, false, msg)
		if err != nil && brokenLink(err) {
			ch.Close()
			c.pub = nil
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.breaker.failure()
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	c.breaker.success()
	slog.DebugContext(ctx, "Published message", "component", "amqp", "routing_key", routingKey, "attempt", attempt)
	return nil
}

// Consume hands deliveries from queue to handler until ctx ends. A failed
// message is re-published with its attempt count raised, and dropped once
// MaxDeliveryAttempts is reached or the handler returns ErrPoison.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) error {
	c.mu.Lock()
	var ch *amqp091.Channel
	_, err := c.channelLocked()
	if err == nil {
		ch, err = c.conn.Channel()
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	slog.InfoContext(ctx, "Consuming", "component", "amqp", "queue", queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("deliveries for %s closed", queue)
			}
			c.dispatch(ctx, d, handler)
		}
	}
}

// acker is the part of a delivery dispatch settles.
type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (c *Client) dispatch(ctx context.Context, d amqp091.Delivery, handler Handler) {
	c.settle(ctx, d, Message{RoutingKey: d.RoutingKey, Body: d.Body, Attempt: attemptOf(d.Headers)}, handler)
}

func (c *Client) settle(ctx context.Context, d acker, msg Message, handler Handler) {
	err := handler(ctx, msg)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	logger := slog.With("component", "amqp", "routing_key", msg.RoutingKey, "attempt", msg.Attempt, "error", err)
	if errors.Is(err, ErrPoison) || msg.Attempt >= MaxDeliveryAttempts {
		logger.ErrorContext(ctx, "Dropping message")
		_ = d.Nack(false, false)
		return
	}
	if c.sleep(ctx, retryDelay(msg.Attempt)) != nil {
		_ = d.Nack(false, true)
		return
	}
	if perr := c.publish(ctx, msg.RoutingKey, msg.Body, msg.Attempt+1); perr != nil {
		logger.WarnContext(ctx, "Requeueing message", "publish_error", perr)
		_ = d.Nack(false, true)
		return
	}
	logger.WarnContext(ctx, "Retrying message")
	_ = d.Ack(false)
}

func attemptOf(h amqp091.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}

// retryDelay is the pause before re-publishing a message that failed on
// attempt: 1s, 2s, 4s and so on, at most 30s.
func retryDelay(attempt int) time.Duration {
	const ceiling = 30 * time.Second
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return ceiling
	}
	return min(time.Second<<(attempt-1), ceiling)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// brokenLink reports whether err means the broker connection is gone.
func brokenLink(err error) bool {
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "connection closed", "broken pipe", "closed network connection", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Healthy reports whether the connection is open and the breaker closed.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	up := c.conn != nil && !c.conn.IsClosed()
	c.mu.Unlock()
	return up && c.breaker.current() == closed
}

func (c *Client) closeLocked() {
	if c.pub != nil {
		c.pub.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn, c.pub = nil, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
