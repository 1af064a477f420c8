package server

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/executor"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/internal/logging"
)

const replyTimeout = 10 * time.Second

// Reply is published to a consumer's reply topic for every message.
type Reply struct {
	RequestID string       `json:"request_id"`
	Topic     string       `json:"topic"`
	State     string       `json:"state"`
	Output    []byte       `json:"output,omitempty"`
	Truncated bool         `json:"truncated,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// ConsumerListener runs one instance per message published to a topic.
type ConsumerListener struct {
	backend    string
	broker     host.Messaging
	topic      string
	replyTopic string
	d          *Dispatcher
	logger     *zap.Logger

	minRetry time.Duration
	maxRetry time.Duration
}

// NewConsumer subscribes to topic on broker. When replyTopic is not empty
// every result is published there as a Reply.
func NewConsumer(backendName string, broker host.Messaging, topic, replyTopic string, d *Dispatcher, logger *zap.Logger) *ConsumerListener {
	return &ConsumerListener{
		backend:    backendName,
		broker:     broker,
		topic:      topic,
		replyTopic: replyTopic,
		d:          d,
		logger:     logging.Or(logger).With(zap.String("backend", backendName), zap.String("topic", topic)),
		minRetry:   100 * time.Millisecond,
		maxRetry:   5 * time.Second,
	}
}

func (c *ConsumerListener) Name() string {
	return "consumer " + c.backend + "/" + c.topic
}

// Serve consumes until ctx is done. A failed subscription is reopened with
// exponential backoff. Messages already handed to instances are waited for.
func (c *ConsumerListener) Serve(ctx context.Context) error {
	p := pool.New()
	defer p.Wait()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.minRetry
	retry.MaxInterval = c.maxRetry

	for {
		sub, err := c.broker.Subscribe(ctx, c.topic)
		if err == nil {
			retry.Reset()
			c.logger.Info("consumer subscribed")
			err = c.consume(ctx, sub, p)
			sub.Close()
		}
		if ctx.Err() != nil {
			return nil
		}

		sleep := retry.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.maxRetry
		}
		c.logger.Warn("subscription failed", zap.Duration("retry_in", sleep), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

func (c *ConsumerListener) consume(ctx context.Context, sub host.Subscription, p *pool.Pool) error {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		p.Go(func() { c.handle(ctx, msg) })
	}
}

func (c *ConsumerListener) handle(ctx context.Context, msg host.Message) {
	req := executor.Request{
		Trigger: executor.TriggerMessage,
		Payload: msg.Payload,
		Meta:    map[string]string{"topic": msg.Topic},
	}
	res, err := c.d.DispatchWait(ctx, req)

	reply := Reply{Topic: msg.Topic}
	switch {
	case err != nil:
		reply.State = "rejected"
		reply.Error = &ErrorDetail{Code: string(fault.CodeUnavailable), Message: err.Error()}
		c.logger.Warn("message rejected", zap.Error(err))
	case res.OK():
		reply.RequestID = res.RequestID
		reply.State = res.State.String()
		reply.Output = res.Output
		reply.Truncated = res.Truncated
	default:
		detail := Detail(res)
		reply.RequestID = res.RequestID
		reply.State = res.State.String()
		reply.Output = res.Output
		reply.Truncated = res.Truncated
		reply.Error = &detail
	}

	if c.replyTopic == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		c.logger.Error("encode reply", zap.Error(err))
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := c.broker.Publish(pubCtx, c.replyTopic, payload); err != nil {
		c.logger.Warn("publish reply failed",
			zap.String("reply_topic", c.replyTopic),
			zap.String("request_id", reply.RequestID),
			zap.Error(err))
	}
}
