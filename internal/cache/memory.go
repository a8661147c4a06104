package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v2"
)

// Memory is an in-process Store backed by ttlcache. It serves single-binary
// deployments and tests.
type Memory struct {
	c *ttlcache.Cache
}

// NewMemory builds an in-memory store.
func NewMemory() *Memory {
	c := ttlcache.NewCache()
	c.SkipTTLExtensionOnHit(true)
	return &Memory{c: c}
}

// Get returns the cached bytes or ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	v, err := m.c.Get(key)
	if errors.Is(err, ttlcache.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// Set stores value under key for ttl.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return m.c.SetWithTTL(key, value, ttl)
}

// Delete removes key if present.
func (m *Memory) Delete(_ context.Context, key string) error {
	err := m.c.Remove(key)
	if errors.Is(err, ttlcache.ErrNotFound) {
		return nil
	}
	return err
}

// Close purges the cache.
func (m *Memory) Close() error {
	return m.c.Close()
}
