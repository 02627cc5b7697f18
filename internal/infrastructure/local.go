package infrastructure

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// KnownDevices is a bounded in-process set of MAC addresses already known to
// have a device row. It only saves database round trips; a miss is always safe.
type KnownDevices struct {
	cache *lru.Cache[string, struct{}]
}

func NewKnownDevices(size int) (*KnownDevices, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &KnownDevices{cache: cache}, nil
}

// Contains reports whether mac is known and marks it recently used, so devices
// that keep sending heartbeats stay cached.
func (k *KnownDevices) Contains(mac string) bool {
	_, ok := k.cache.Get(mac)
	return ok
}

func (k *KnownDevices) Add(mac string)    { k.cache.Add(mac, struct{}{}) }
func (k *KnownDevices) Remove(mac string) { k.cache.Remove(mac) }

// LocalCache is the single-instance fallback for Cache when Redis is not
// configured. Each entry carries its own expiry; the LRU bound evicts the
// least recently used entries first.
type LocalCache struct {
	entries *expirable.LRU[string, localEntry]
	now     func() time.Time
}

type localEntry struct {
	value   string
	expires time.Time
}

// NewLocalCache bounds the cache to size entries, none living longer than maxTTL.
func NewLocalCache(size int, maxTTL time.Duration) *LocalCache {
	if size <= 0 {
		size = 1024
	}
	return &LocalCache{
		entries: expirable.NewLRU[string, localEntry](size, nil, maxTTL),
		now:     time.Now,
	}
}

// NewSessionCache is a LocalCache without a size bound, for entries that must
// not be evicted before they expire such as revoked sessions. maxTTL should be
// at least the token lifetime.
func NewSessionCache(maxTTL time.Duration) *LocalCache {
	return &LocalCache{
		entries: expirable.NewLRU[string, localEntry](0, nil, maxTTL),
		now:     time.Now,
	}
}

func (c *LocalCache) Get(_ context.Context, key string) (string, bool, error) {
	e, ok := c.entries.Get(key)
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		c.entries.Remove(key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := localEntry{value: value}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.entries.Add(key, e)
	return nil
}

func (c *LocalCache) Delete(_ context.Context, key string) error {
	c.entries.Remove(key)
	return nil
}
