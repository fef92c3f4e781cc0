package broker

import (
	"context"
	"maps"
	"sync"
)

// DefaultMaxRedeliveries is how many times a nacked message is requeued before it is
// dead-lettered.
const DefaultMaxRedeliveries = 5

// Memory is an in-process broker. Nacked messages are redelivered until they exceed the
// redelivery limit.
type Memory struct {
	mu              sync.Mutex
	cond            *sync.Cond
	queues          map[string][]Message
	published       map[string][]Message
	nacks           map[string]int
	dead            []Message
	maxRedeliveries int
	closed          bool
}

var _ Broker = (*Memory)(nil)

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	m := &Memory{
		queues:          make(map[string][]Message),
		published:       make(map[string][]Message),
		nacks:           make(map[string]int),
		maxRedeliveries: DefaultMaxRedeliveries,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish appends a message to queue.
func (m *Memory) Publish(_ context.Context, queue string, body []byte, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	msg := Message{Queue: queue, Body: append([]byte(nil), body...), Headers: maps.Clone(headers)}
	m.queues[queue] = append(m.queues[queue], msg)
	m.published[queue] = append(m.published[queue], msg)
	m.cond.Broadcast()
	return nil
}

// Consume delivers messages of queue in publish order.
func (m *Memory) Consume(ctx context.Context, queue string, prefetch int) (<-chan *Delivery, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.mu.Unlock()
	if prefetch < 1 {
		prefetch = 1
	}

	out := make(chan *Delivery)
	slots := make(chan struct{}, prefetch)

	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})

	go func() {
		defer close(out)
		defer stop()
		for {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			msg, ok := m.next(ctx, queue)
			if !ok {
				return
			}
			d := m.delivery(msg, slots)
			select {
			case out <- d:
			case <-ctx.Done():
				_ = d.Nack(true)
				return
			}
		}
	}()
	return out, nil
}

// next blocks until queue has a message, ctx ends or the broker closes.
func (m *Memory) next(ctx context.Context, queue string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queues[queue]) == 0 {
		if m.closed || ctx.Err() != nil {
			return Message{}, false
		}
		m.cond.Wait()
	}
	msg := m.queues[queue][0]
	m.queues[queue] = m.queues[queue][1:]
	return msg, true
}

func (m *Memory) delivery(msg Message, slots chan struct{}) *Delivery {
	release := func() { <-slots }
	key := msg.Queue + "\x00" + string(msg.Body)
	return NewDelivery(msg,
		func() error {
			defer release()
			m.mu.Lock()
			delete(m.nacks, key)
			m.mu.Unlock()
			return nil
		},
		func(requeue bool) error {
			defer release()
			m.mu.Lock()
			defer m.mu.Unlock()
			if !requeue {
				m.dead = append(m.dead, msg)
				return nil
			}
			m.nacks[key]++
			if m.nacks[key] > m.maxRedeliveries {
				delete(m.nacks, key)
				m.dead = append(m.dead, msg)
				return nil
			}
			msg.Redelivered = true
			m.queues[msg.Queue] = append([]Message{msg}, m.queues[msg.Queue]...)
			m.cond.Broadcast()
			return nil
		},
	)
}

// Published returns every message ever published to queue, including consumed ones.
func (m *Memory) Published(queue string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published[queue]...)
}

// Pending returns the number of messages waiting in queue.
func (m *Memory) Pending(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

// DeadLetters returns messages rejected without requeue or past the redelivery limit.
func (m *Memory) DeadLetters() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.dead...)
}

// Close stops all consumers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}
