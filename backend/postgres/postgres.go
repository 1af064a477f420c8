// Package postgres is a backend serving the sql and keyvalue interfaces from
// PostgreSQL through pgx connection pools.
//
// PG_URL configures the default pool. Additional named pools are listed in
// PG_POOLS and each read its URL from PG_<NAME>_URL; guests select a pool by
// the database field of a statement, compared case-insensitively.
package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/internal/logging"
	"github.com/caffeineduck/harbor/settings"
)

const (
	Kind = "postgres"

	// DefaultPool is the name of the pool configured by PG_URL.
	DefaultPool = "DEFAULT"
)

type Options struct {
	URL             string        `env:"PG_URL" required:"true"`
	Pools           []string      `env:"PG_POOLS"`
	MaxConns        int32         `env:"PG_MAX_CONNS" default:"8"`
	ConnectTimeout  time.Duration `env:"PG_CONNECT_TIMEOUT" default:"10s"`
	ConnectAttempts int           `env:"PG_CONNECT_ATTEMPTS" default:"3"`
	Migrate         bool          `env:"PG_MIGRATE" default:"true"`
}

type Client struct {
	pools  map[string]*pgxpool.Pool
	logger *zap.Logger
	stats  metric.Registration
}

func Factory(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	var opts Options
	if err := settings.Resolve(cfg.Name, cfg.Settings, &opts); err != nil {
		return nil, err
	}
	urls, err := poolURLs(cfg.Name, cfg.Settings, opts)
	if err != nil {
		return nil, err
	}
	c, err := Connect(ctx, cfg.Name, opts, urls, cfg.Logger)
	if err != nil {
		return nil, fault.Connection(cfg.Name, err)
	}
	return c, nil
}

// poolURLs maps upper-cased pool names to connection URLs.
func poolURLs(component string, src settings.Source, opts Options) (map[string]string, error) {
	urls := map[string]string{DefaultPool: opts.URL}
	var missing []string
	for _, name := range opts.Pools {
		key := strings.ToUpper(name)
		if key == DefaultPool {
			return nil, fault.Configuration(component, "pool name %q is reserved", name)
		}
		setting := "PG_" + key + "_URL"
		u, ok := src.Lookup(setting)
		if !ok || u == "" {
			missing = append(missing, setting)
			continue
		}
		urls[key] = u
	}
	if len(missing) > 0 {
		return nil, fault.Configuration(component, "missing required settings: %s", strings.Join(missing, ", "))
	}
	for name, u := range urls {
		if _, err := pgxpool.ParseConfig(u); err != nil {
			return nil, fault.Configuration(component, "pool %s: %v", name, err)
		}
	}
	return urls, nil
}

// Connect opens and pings every pool, retrying the ping with exponential
// backoff, and applies the schema migrations to the default pool.
func Connect(ctx context.Context, name string, opts Options, urls map[string]string, logger *zap.Logger) (*Client, error) {
	c := &Client{pools: make(map[string]*pgxpool.Pool, len(urls)), logger: logging.Or(logger)}

	names := make([]string, 0, len(urls))
	for n := range urls {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		pool, err := openPool(ctx, urls[n], opts)
		if err != nil {
			c.closePools()
			return nil, fmt.Errorf("pool %s: %w", n, err)
		}
		c.pools[n] = pool
	}

	if opts.Migrate {
		if err := applyMigrations(ctx, urls[DefaultPool], c.logger); err != nil {
			c.closePools()
			return nil, err
		}
	}

	c.stats = observePools(name, c.pools)
	return c, nil
}

func openPool(ctx context.Context, url string, opts Options) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 200 * time.Millisecond
	attempts := max(opts.ConnectAttempts, 1)
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		if attempt >= attempts || ctx.Err() != nil {
			pool.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(backoffCfg.NextBackOff()):
		}
	}
}

func (c *Client) Interfaces() []string { return []string{"keyvalue", "sql"} }

// Pool returns the named pool. The empty name selects the default pool.
func (c *Client) Pool(name string) (*pgxpool.Pool, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key == "" {
		key = DefaultPool
	}
	pool, ok := c.pools[key]
	if !ok {
		return nil, fault.NotFound("unknown postgres pool %q", name)
	}
	return pool, nil
}

func (c *Client) Close(context.Context) error {
	if c.stats != nil {
		_ = c.stats.Unregister()
	}
	c.closePools()
	return nil
}

func (c *Client) closePools() {
	for _, p := range c.pools {
		p.Close()
	}
}

// observePools registers gauges reporting the health of every pool.
func observePools(backendName string, pools map[string]*pgxpool.Pool) metric.Registration {
	meter := otel.Meter("github.com/caffeineduck/harbor/backend/postgres")

	total, err := meter.Int64ObservableGauge("harbor_db_pool_connections_total",
		metric.WithDescription("Total connections (idle + acquired + constructing)"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil
	}
	idle, err := meter.Int64ObservableGauge("harbor_db_pool_connections_idle",
		metric.WithDescription("Idle connections ready for checkout"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil
	}
	acquired, err := meter.Int64ObservableGauge("harbor_db_pool_connections_acquired",
		metric.WithDescription("Connections currently acquired by callers"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for name, pool := range pools {
			stat := pool.Stat()
			attrs := metric.WithAttributes(
				attribute.String("backend", backendName),
				attribute.String("db_pool", strings.ToLower(name)))
			o.ObserveInt64(total, int64(stat.TotalConns()), attrs)
			o.ObserveInt64(idle, int64(stat.IdleConns()), attrs)
			o.ObserveInt64(acquired, int64(stat.AcquiredConns()), attrs)
		}
		return nil
	}, total, idle, acquired)
	if err != nil {
		return nil
	}
	return reg
}
