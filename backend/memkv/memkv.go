// Package memkv is an in-process keyvalue backend. Data lives only as long
// as the process; it is meant for development, tests and per-node caches.
package memkv

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/settings"
)

const Kind = "memkv"

// Options bound the store. Zero values disable the matching limit.
type Options struct {
	MaxEntries   int `env:"KV_MAX_ENTRIES" default:"10000"`
	MaxKeySize   int `env:"KV_MAX_KEY_SIZE" default:"256"`
	MaxValueSize int `env:"KV_MAX_VALUE_SIZE" default:"65536"`
}

type entry struct {
	value   []byte
	expires time.Time
}

func (e entry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// Store is a bucketed map with optional per-key expiry.
type Store struct {
	opts Options
	now  func() time.Time

	mu      sync.RWMutex
	buckets map[string]map[string]entry
	count   int
}

func New(opts Options) *Store {
	return &Store{
		opts:    opts,
		now:     time.Now,
		buckets: make(map[string]map[string]entry),
	}
}

// Factory connects a Store from the KV_* settings.
func Factory(_ context.Context, cfg backend.Config) (backend.Backend, error) {
	var opts Options
	if err := settings.Resolve(cfg.Name, cfg.Settings, &opts); err != nil {
		return nil, err
	}
	return New(opts), nil
}

func (s *Store) Interfaces() []string { return []string{"keyvalue"} }

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	s.buckets = make(map[string]map[string]entry)
	s.count = 0
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(_ context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.buckets[bucket][key]
	s.mu.RUnlock()

	if !ok || !e.live(s.now()) {
		return nil, fault.NotFound("key %q not found in bucket %q", key, bucket)
	}
	return slices.Clone(e.value), nil
}

func (s *Store) Set(_ context.Context, bucket, key string, value []byte, ttl time.Duration) error {
	if s.opts.MaxKeySize > 0 && len(key) > s.opts.MaxKeySize {
		return fault.InvalidArgument("key exceeds %d bytes", s.opts.MaxKeySize)
	}
	if s.opts.MaxValueSize > 0 && len(value) > s.opts.MaxValueSize {
		return fault.InvalidArgument("value exceeds %d bytes", s.opts.MaxValueSize)
	}
	if ttl < 0 {
		return fault.InvalidArgument("negative ttl")
	}

	now := s.now()
	e := entry{value: slices.Clone(value)}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.buckets[bucket]
	if b == nil {
		b = make(map[string]entry)
		s.buckets[bucket] = b
	}
	if _, exists := b[key]; !exists {
		if s.opts.MaxEntries > 0 && s.count >= s.opts.MaxEntries {
			s.sweepLocked(now)
		}
		if s.opts.MaxEntries > 0 && s.count >= s.opts.MaxEntries {
			return fault.Operation(fault.CodeUnavailable, "store is full (%d entries)", s.opts.MaxEntries)
		}
		s.count++
	}
	b[key] = e
	return nil
}

func (s *Store) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[bucket]; ok {
		if _, ok := b[key]; ok {
			delete(b, key)
			s.count--
		}
	}
	return nil
}

func (s *Store) Exists(_ context.Context, bucket, key string) (bool, error) {
	s.mu.RLock()
	e, ok := s.buckets[bucket][key]
	s.mu.RUnlock()
	return ok && e.live(s.now()), nil
}

func (s *Store) Keys(_ context.Context, bucket, prefix string) ([]string, error) {
	now := s.now()

	s.mu.RLock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k, e := range s.buckets[bucket] {
		if strings.HasPrefix(k, prefix) && e.live(now) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

// Len reports the number of stored entries, expired ones included until
// they are swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *Store) sweepLocked(now time.Time) {
	for name, b := range s.buckets {
		for k, e := range b {
			if !e.live(now) {
				delete(b, k)
				s.count--
			}
		}
		if len(b) == 0 {
			delete(s.buckets, name)
		}
	}
}
