// Package wsbroker is a messaging backend that talks to a remote websocket
// hub. One connection is shared by all subscriptions of the process; it is
// re-established with exponential backoff when it drops and every open
// subscription is replayed to the hub.
package wsbroker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/internal/logging"
	"github.com/caffeineduck/harbor/settings"
)

const (
	Kind = "wsbroker"

	defaultReadLimit = 2 * 1024 * 1024
	writeTimeout     = 5 * time.Second
	pingTimeout      = 5 * time.Second
)

var ErrClosed = errors.New("wsbroker: closed")

type Options struct {
	URL                  string        `env:"WS_URL" required:"true"`
	ConnectTimeout       time.Duration `env:"WS_CONNECT_TIMEOUT" default:"10s"`
	PingInterval         time.Duration `env:"WS_PING_INTERVAL" default:"20s"`
	ReconnectInterval    time.Duration `env:"WS_RECONNECT_INTERVAL" default:"500ms"`
	MaxReconnectInterval time.Duration `env:"WS_MAX_RECONNECT_INTERVAL" default:"20s"`
	Buffer               int           `env:"WS_BUFFER" default:"64"`
}

func (o Options) validate(component string) error {
	u, err := url.Parse(o.URL)
	if err != nil {
		return fault.Configuration(component, "WS_URL: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fault.Configuration(component, "WS_URL: scheme must be ws or wss, got %q", u.Scheme)
	}
	if o.Buffer <= 0 {
		return fault.Configuration(component, "WS_BUFFER must be positive")
	}
	return nil
}

type Broker struct {
	opts   Options
	logger *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	connMu sync.RWMutex
	conn   *websocket.Conn

	subsMu sync.Mutex
	topics map[string][]*subscription
	closed bool
}

func Factory(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	var opts Options
	if err := settings.Resolve(cfg.Name, cfg.Settings, &opts); err != nil {
		return nil, err
	}
	if err := opts.validate(cfg.Name); err != nil {
		return nil, err
	}
	b, err := Dial(ctx, opts, cfg.Logger)
	if err != nil {
		return nil, fault.Connection(cfg.Name, err)
	}
	return b, nil
}

// Dial connects to the hub. The first connection attempt is synchronous and
// its failure is returned; later drops are retried in the background.
func Dial(ctx context.Context, opts Options, logger *zap.Logger) (*Broker, error) {
	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	bctx, bcancel := context.WithCancel(context.Background())
	b := &Broker{
		opts:    opts,
		logger:  logging.Or(logger),
		ctx:     bctx,
		cancel:  bcancel,
		stopped: make(chan struct{}),
		topics:  make(map[string][]*subscription),
	}
	go b.connectLoop(conn)
	return b, nil
}

func (b *Broker) Interfaces() []string { return []string{"messaging"} }

// Connected reports whether the hub connection is currently up.
func (b *Broker) Connected() bool {
	return b.current() != nil
}

func (b *Broker) current() *websocket.Conn {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.conn
}

func (b *Broker) setConn(conn *websocket.Conn) {
	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()
}

func (b *Broker) connectLoop(conn *websocket.Conn) {
	defer close(b.stopped)

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = b.opts.ReconnectInterval
	backoffCfg.MaxInterval = b.opts.MaxReconnectInterval

	for {
		if conn != nil {
			conn.SetReadLimit(defaultReadLimit)
			b.setConn(conn)
			backoffCfg.Reset()

			if err := b.resubscribe(conn); err != nil {
				b.logger.Warn("resubscribe after connect failed", zap.Error(err))
			}

			err := b.serve(conn)
			b.setConn(nil)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if b.ctx.Err() != nil {
				return
			}
			b.logger.Warn("hub connection lost", zap.Error(err))
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = b.opts.MaxReconnectInterval
		}
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(sleep):
		}

		dialCtx, cancel := context.WithTimeout(b.ctx, b.opts.ConnectTimeout)
		c, _, err := websocket.Dial(dialCtx, b.opts.URL, nil)
		cancel()
		if err != nil {
			b.logger.Debug("reconnect failed", zap.String("url", b.opts.URL), zap.Duration("retry_in", sleep), zap.Error(err))
			conn = nil
			continue
		}
		b.logger.Info("hub connection restored", zap.String("url", b.opts.URL))
		conn = c
	}
}

// serve runs the read and ping loops until either fails.
func (b *Broker) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(b.ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- b.readLoop(ctx, conn) })
	wg.Go(func() { errCh <- b.pingLoop(ctx, conn) })

	err := <-errCh
	cancel()
	_ = conn.CloseNow()
	wg.Wait()
	return err
}

func (b *Broker) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read websocket: %w", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Warn("decode hub frame", zap.Error(err))
			continue
		}
		if f.Op != opMessage {
			continue
		}
		b.deliver(ctx, host.Message{Topic: f.Topic, Payload: f.Payload, Timestamp: f.Timestamp})
	}
}

func (b *Broker) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(b.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (b *Broker) deliver(ctx context.Context, msg host.Message) {
	b.subsMu.Lock()
	subs := slices.Clone(b.topics[msg.Topic])
	b.subsMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) resubscribe(conn *websocket.Conn) error {
	b.subsMu.Lock()
	topics := make([]string, 0, len(b.topics))
	for t := range b.topics {
		topics = append(topics, t)
	}
	b.subsMu.Unlock()

	for _, t := range topics {
		if err := b.write(b.ctx, conn, frame{Op: opSubscribe, Topic: t}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) write(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.Op, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Op, err)
	}
	return nil
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn := b.current()
	if conn == nil {
		return fault.Operation(fault.CodeUnavailable, "hub connection is down")
	}
	// An expired write context tears the connection down, so the shared
	// connection is written under the broker's own context.
	if err := b.write(b.ctx, conn, frame{Op: opPublish, Topic: topic, Payload: payload}); err != nil {
		return fault.Operation(fault.CodeUnavailable, "publish to %q", topic).Wrap(err)
	}
	return nil
}

// Subscribe registers a local subscription. The hub is told about a topic
// when its first local subscription opens; if the connection is down the
// topic is sent on reconnect.
func (b *Broker) Subscribe(_ context.Context, topic string) (host.Subscription, error) {
	s := &subscription{
		broker: b,
		topic:  topic,
		ch:     make(chan host.Message, b.opts.Buffer),
		done:   make(chan struct{}),
	}

	b.subsMu.Lock()
	if b.closed {
		b.subsMu.Unlock()
		return nil, fault.Operation(fault.CodeUnavailable, "broker closed")
	}
	first := len(b.topics[topic]) == 0
	b.topics[topic] = append(b.topics[topic], s)
	b.subsMu.Unlock()

	if first {
		if conn := b.current(); conn != nil {
			if err := b.write(b.ctx, conn, frame{Op: opSubscribe, Topic: topic}); err != nil {
				b.logger.Debug("subscribe deferred to reconnect", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
	return s, nil
}

func (b *Broker) remove(s *subscription) {
	b.subsMu.Lock()
	subs := b.topics[s.topic]
	i := slices.Index(subs, s)
	if i < 0 {
		b.subsMu.Unlock()
		return
	}
	subs = slices.Delete(subs, i, i+1)
	last := len(subs) == 0
	if last {
		delete(b.topics, s.topic)
	} else {
		b.topics[s.topic] = subs
	}
	b.subsMu.Unlock()

	if last {
		if conn := b.current(); conn != nil {
			_ = b.write(b.ctx, conn, frame{Op: opUnsubscribe, Topic: s.topic})
		}
	}
}

func (b *Broker) Close(ctx context.Context) error {
	b.subsMu.Lock()
	b.closed = true
	topics := b.topics
	b.topics = make(map[string][]*subscription)
	b.subsMu.Unlock()

	for _, subs := range topics {
		for _, s := range subs {
			s.stop()
		}
	}

	b.cancel()
	select {
	case <-b.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
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
