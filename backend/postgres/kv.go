package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/caffeineduck/harbor/fault"
)

// The keyvalue interface is served from the harbor_kv table of the default
// pool. Expired rows are invisible to reads and removed lazily on write.

const (
	kvGet = `SELECT value FROM harbor_kv
		WHERE bucket = $1 AND key = $2 AND (expires_at IS NULL OR expires_at > now())`

	kvSet = `INSERT INTO harbor_kv (bucket, key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (bucket, key)
		DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`

	kvDelete = `DELETE FROM harbor_kv WHERE bucket = $1 AND key = $2`

	kvExists = `SELECT EXISTS (SELECT 1 FROM harbor_kv
		WHERE bucket = $1 AND key = $2 AND (expires_at IS NULL OR expires_at > now()))`

	kvKeys = `SELECT key FROM harbor_kv
		WHERE bucket = $1 AND key LIKE $2 ESCAPE '\' AND (expires_at IS NULL OR expires_at > now())
		ORDER BY key`

	kvSweep = `DELETE FROM harbor_kv WHERE bucket = $1 AND expires_at IS NOT NULL AND expires_at <= now()`
)

func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	pool, err := c.Pool(DefaultPool)
	if err != nil {
		return nil, err
	}
	var value []byte
	if err := pool.QueryRow(ctx, kvGet, bucket, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.NotFound("key %q not found in bucket %q", key, bucket)
		}
		return nil, mapError(err)
	}
	return value, nil
}

func (c *Client) Set(ctx context.Context, bucket, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		return fault.InvalidArgument("negative ttl")
	}
	if value == nil {
		value = []byte{}
	}
	pool, err := c.Pool(DefaultPool)
	if err != nil {
		return err
	}

	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl).UTC()
		expires = &t
	}

	batch := &pgx.Batch{}
	batch.Queue(kvSweep, bucket)
	batch.Queue(kvSet, bucket, key, value, expires)
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return mapError(err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	pool, err := c.Pool(DefaultPool)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, kvDelete, bucket, key); err != nil {
		return mapError(err)
	}
	return nil
}

func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	pool, err := c.Pool(DefaultPool)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := pool.QueryRow(ctx, kvExists, bucket, key).Scan(&ok); err != nil {
		return false, mapError(err)
	}
	return ok, nil
}

func (c *Client) Keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	pool, err := c.Pool(DefaultPool)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, kvKeys, bucket, likePrefix(prefix))
	if err != nil {
		return nil, mapError(err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapError(err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// likePrefix turns prefix into a LIKE pattern matching it literally.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
