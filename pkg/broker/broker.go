package broker

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("ecoscan: broker closed")

// Message is one task message as seen by a consumer.
type Message struct {
	Queue       string
	Body        []byte
	Headers     map[string]string
	Redelivered bool
}

// Delivery is a received message that must be acknowledged exactly once.
type Delivery struct {
	Message

	once sync.Once
	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery builds a delivery around settle callbacks. Brokers outside this package use it.
func NewDelivery(m Message, ack func() error, nack func(requeue bool) error) *Delivery {
	return &Delivery{Message: m, ack: ack, nack: nack}
}

// Ack confirms the message. Only the first settle call has an effect.
func (d *Delivery) Ack() error {
	var err error
	d.once.Do(func() {
		if d.ack != nil {
			err = d.ack()
		}
	})
	return err
}

// Nack rejects the message, returning it to the queue when requeue is set.
func (d *Delivery) Nack(requeue bool) error {
	var err error
	d.once.Do(func() {
		if d.nack != nil {
			err = d.nack(requeue)
		}
	})
	return err
}

// Broker moves task messages between chain stages. Messages are routed by queue name.
type Broker interface {
	Publish(ctx context.Context, queue string, body []byte, headers map[string]string) error

	// Consume streams deliveries of queue until ctx is cancelled or the broker closes.
	// At most prefetch deliveries are unsettled at once.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan *Delivery, error)

	Close() error
}
