// Package membroker is an in-process messaging backend. Every subscription
// to a topic receives every message published to it after the subscription
// was opened.
package membroker

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/settings"
)

const Kind = "membroker"

var ErrClosed = errors.New("membroker: closed")

type Options struct {
	// Buffer is the per-subscription queue length. A publisher blocks on a
	// full queue until its context is done.
	Buffer int `env:"BROKER_BUFFER" default:"64"`
}

type Broker struct {
	opts Options

	mu     sync.RWMutex
	topics map[string][]*subscription
	closed bool
}

func New(opts Options) *Broker {
	if opts.Buffer <= 0 {
		opts.Buffer = 1
	}
	return &Broker{opts: opts, topics: make(map[string][]*subscription)}
}

func Factory(_ context.Context, cfg backend.Config) (backend.Backend, error) {
	var opts Options
	if err := settings.Resolve(cfg.Name, cfg.Settings, &opts); err != nil {
		return nil, err
	}
	return New(opts), nil
}

func (b *Broker) Interfaces() []string { return []string{"messaging"} }

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fault.Operation(fault.CodeUnavailable, "broker closed")
	}
	subs := slices.Clone(b.topics[topic])
	b.mu.RUnlock()

	msg := host.Message{Topic: topic, Payload: slices.Clone(payload), Timestamp: time.Now().UTC()}
	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, topic string) (host.Subscription, error) {
	s := &subscription{
		broker: b,
		topic:  topic,
		ch:     make(chan host.Message, b.opts.Buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fault.Operation(fault.CodeUnavailable, "broker closed")
	}
	b.topics[topic] = append(b.topics[topic], s)
	return s, nil
}

// Subscribers reports the number of open subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Broker) Close(context.Context) error {
	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string][]*subscription)
	b.closed = true
	b.mu.Unlock()

	for _, subs := range topics {
		for _, s := range subs {
			s.stop()
		}
	}
	return nil
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[s.topic]
	if i := slices.Index(subs, s); i >= 0 {
		subs = slices.Delete(subs, i, i+1)
	}
	if len(subs) == 0 {
		delete(b.topics, s.topic)
	} else {
		b.topics[s.topic] = subs
	}
}

type subscription struct {
	broker *Broker
	topic  string
	ch     chan host.Message
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Next(ctx context.Context) (host.Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return host.Message{}, ErrClosed
	case <-ctx.Done():
		return host.Message{}, ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.stop()
	s.broker.remove(s)
	return nil
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}
