package storage

import (
	"path/filepath"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// CachedUsage memoizes Usage per directory so periodic guards of many
// sessions do not stat the volume on every tick.
type CachedUsage struct {
	FileSystem
	cache *ttlcache.Cache[string, Usage]
}

func NewCachedUsage(fs FileSystem, ttl time.Duration) *CachedUsage {
	return &CachedUsage{
		FileSystem: fs,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, Usage](ttl),
			ttlcache.WithCapacity[string, Usage](64),
		),
	}
}

func (c *CachedUsage) Usage(path string) (Usage, error) {
	key := filepath.Clean(path)
	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}
	u, err := c.FileSystem.Usage(path)
	if err != nil {
		return Usage{}, err
	}
	c.cache.Set(key, u, ttlcache.DefaultTTL)
	return u, nil
}

// Start runs expiry cleanup until Stop.
func (c *CachedUsage) Start() {
	c.cache.Start()
}

func (c *CachedUsage) Stop() {
	c.cache.Stop()
	c.cache.DeleteAll()
}
