// Package httpblob is a blobstore backend for REST object stores that
// address objects as {base}/{container}/{name}:
//
//	PUT    /{container}/{name}            store the request body
//	GET    /{container}/{name}            fetch
//	HEAD   /{container}/{name}            existence
//	DELETE /{container}/{name}            remove
//	GET    /{container}?prefix={prefix}   JSON list of {name, size, modified}
//
// Transient failures (network errors, 429 and 5xx) are retried with
// exponential backoff; repeated failures open a circuit breaker so a dead
// store fails fast instead of tying up instances.
package httpblob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/internal/logging"
	"github.com/caffeineduck/harbor/settings"
)

const Kind = "httpblob"

type Options struct {
	BaseURL         string        `env:"BLOB_URL" required:"true"`
	Token           string        `env:"BLOB_TOKEN"`
	Timeout         time.Duration `env:"BLOB_TIMEOUT" default:"30s"`
	MaxBodySize     int64         `env:"BLOB_MAX_BODY_SIZE" default:"16777216"`
	MaxAttempts     int           `env:"BLOB_MAX_ATTEMPTS" default:"3"`
	RetryInterval   time.Duration `env:"BLOB_RETRY_INTERVAL" default:"100ms"`
	BreakerFailures int           `env:"BLOB_BREAKER_FAILURES" default:"5"`
	BreakerCooldown time.Duration `env:"BLOB_BREAKER_COOLDOWN" default:"30s"`
}

func (o Options) validate(component string) (*url.URL, error) {
	u, err := url.Parse(o.BaseURL)
	if err != nil {
		return nil, fault.Configuration(component, "BLOB_URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fault.Configuration(component, "BLOB_URL: scheme must be http or https")
	}
	if o.MaxAttempts < 1 {
		return nil, fault.Configuration(component, "BLOB_MAX_ATTEMPTS must be at least 1")
	}
	if o.BreakerFailures < 1 {
		return nil, fault.Configuration(component, "BLOB_BREAKER_FAILURES must be at least 1")
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

type Client struct {
	opts    Options
	base    *url.URL
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*response]
	logger  *zap.Logger
}

type response struct {
	status int
	body   []byte
}

// statusError is a retryable HTTP status.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

func Factory(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	var opts Options
	if err := settings.Resolve(cfg.Name, cfg.Settings, &opts); err != nil {
		return nil, err
	}
	c, err := New(cfg.Name, opts, cfg.Logger)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx); err != nil {
		return nil, fault.Connection(cfg.Name, err)
	}
	return c, nil
}

func New(name string, opts Options, logger *zap.Logger) (*Client, error) {
	base, err := opts.validate(name)
	if err != nil {
		return nil, err
	}
	logger = logging.Or(logger)

	failures := uint32(opts.BreakerFailures)
	breaker := gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:    name,
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Client{
		opts:    opts,
		base:    base,
		http:    &http.Client{Timeout: opts.Timeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

func (c *Client) Interfaces() []string { return []string{"blobstore"} }

func (c *Client) Close(context.Context) error {
	c.http.CloseIdleConnections()
	return nil
}

// Ping checks that the store answers HTTP at all. Any status counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base.String()+"/", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// State reports the circuit breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) authorize(req *http.Request) {
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
}

func (c *Client) objectURL(container, name string) (string, error) {
	if container == "" || strings.Contains(container, "/") {
		return "", fault.InvalidArgument("invalid container name %q", container)
	}
	if strings.Trim(name, "/") == "" {
		return "", fault.InvalidArgument("blob name is empty")
	}
	segments := strings.Split(strings.Trim(name, "/"), "/")
	for i, s := range segments {
		if s == "." || s == ".." {
			return "", fault.InvalidArgument("blob name %q has dot segments", name)
		}
		segments[i] = url.PathEscape(s)
	}
	return c.base.String() + "/" + url.PathEscape(container) + "/" + strings.Join(segments, "/"), nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (*response, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = c.opts.RetryInterval
	backoffCfg.MaxInterval = 10 * c.opts.RetryInterval

	for attempt := 1; ; attempt++ {
		resp, err := c.breaker.Execute(func() (*response, error) {
			return c.roundTrip(ctx, method, target, body)
		})
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) || attempt >= c.opts.MaxAttempts {
			return nil, c.classify(method, err)
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			return nil, c.classify(method, err)
		}
		c.logger.Debug("retrying blob request",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Duration("sleep", sleep),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, method, target string, body []byte) (*response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.opts.MaxBodySize {
		return nil, fault.Operation(fault.CodeUnsupported, "response exceeds %d bytes", c.opts.MaxBodySize)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

func retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var fe *fault.Error
	return !errors.As(err, &fe)
}

func (c *Client) classify(method string, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Operation(fault.CodeUnavailable, "blob store circuit is open").Wrap(err)
	}
	return fault.Operation(fault.CodeUnavailable, "blob %s failed", strings.ToLower(method)).Wrap(err)
}

// statusFault maps a non-retryable error status to an operation error.
func statusFault(resp *response, what string) error {
	msg := strings.TrimSpace(string(resp.body))
	switch {
	case resp.status == http.StatusNotFound:
		return fault.NotFound("%s not found", what)
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		return fault.Operation(fault.CodePermissionDenied, "%s: %s", what, msg)
	case resp.status == http.StatusConflict || resp.status == http.StatusPreconditionFailed:
		return fault.Operation(fault.CodeConflict, "%s: %s", what, msg)
	case resp.status >= 400:
		return fault.InvalidArgument("%s: HTTP %d %s", what, resp.status, msg)
	}
	return nil
}

func (c *Client) Put(ctx context.Context, container, name string, data []byte) error {
	target, err := c.objectURL(container, name)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	resp, err := c.do(ctx, http.MethodPut, target, data)
	if err != nil {
		return err
	}
	return statusFault(resp, container+"/"+name)
}

func (c *Client) Get(ctx context.Context, container, name string) ([]byte, error) {
	target, err := c.objectURL(container, name)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if err := statusFault(resp, container+"/"+name); err != nil {
		return nil, err
	}
	return resp.body, nil
}

func (c *Client) Delete(ctx context.Context, container, name string) error {
	target, err := c.objectURL(container, name)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	if resp.status == http.StatusNotFound {
		return nil
	}
	return statusFault(resp, container+"/"+name)
}

func (c *Client) Exists(ctx context.Context, container, name string) (bool, error) {
	target, err := c.objectURL(container, name)
	if err != nil {
		return false, err
	}
	resp, err := c.do(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false, err
	}
	if resp.status == http.StatusNotFound {
		return false, nil
	}
	if err := statusFault(resp, container+"/"+name); err != nil {
		return false, err
	}
	return true, nil
}

type listEntry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func (c *Client) List(ctx context.Context, container, prefix string) ([]host.BlobInfo, error) {
	if container == "" || strings.Contains(container, "/") {
		return nil, fault.InvalidArgument("invalid container name %q", container)
	}
	target := c.base.String() + "/" + url.PathEscape(container)
	if prefix != "" {
		target += "?" + url.Values{"prefix": {prefix}}.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	out := []host.BlobInfo{}
	if resp.status == http.StatusNotFound {
		return out, nil
	}
	if err := statusFault(resp, container); err != nil {
		return nil, err
	}

	var entries []listEntry
	if err := json.Unmarshal(resp.body, &entries); err != nil {
		return nil, fault.Operation(fault.CodeInternal, "decode listing of %s", container).Wrap(err)
	}
	for _, e := range entries {
		out = append(out, host.BlobInfo{Container: container, Name: e.Name, Size: e.Size, Modified: e.Modified})
	}
	return out, nil
}
