package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP publishes to and consumes from an AMQP 0-9-1 broker through the default exchange.
// Queues are routed by name and are never declared here; topology belongs to the deployment.
type AMQP struct {
	conn   *amqp.Connection
	mu     sync.Mutex
	pub    *amqp.Channel
	logger *slog.Logger
}

var _ Broker = (*AMQP)(nil)

// DialAMQP connects to url.
func DialAMQP(url string, logger *slog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: channel: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQP{conn: conn, pub: pub, logger: logger.With("component", "broker")}, nil
}

// Publish sends a persistent message to queue.
func (a *AMQP) Publish(ctx context.Context, queue string, body []byte, headers map[string]string) error {
	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.pub.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      table,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", queue, err)
	}
	return nil
}

// Consume opens a dedicated channel with QoS prefetch and manual acknowledgements.
func (a *AMQP) Consume(ctx context.Context, queue string, prefetch int) (<-chan *Delivery, error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: channel: %w", err)
	}
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("broker: qos: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("broker: consume %s: %w", queue, err)
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		defer func() { _ = ch.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					a.logger.Warn("delivery channel closed", "queue", queue)
					return
				}
				d := NewDelivery(
					Message{Queue: queue, Body: m.Body, Headers: headerStrings(m.Headers), Redelivered: m.Redelivered},
					func() error { return m.Ack(false) },
					func(requeue bool) error { return m.Nack(false, requeue) },
				)
				select {
				case out <- d:
				case <-ctx.Done():
					_ = d.Nack(true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the connection and every channel opened on it.
func (a *AMQP) Close() error {
	return a.conn.Close()
}

func headerStrings(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
