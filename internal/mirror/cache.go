package mirror

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/openmined/syftmirror/internal/manifest"
)

const (
	defaultCacheSize = 16
	defaultCacheTTL  = 10 * time.Minute
)

type cachedManifest struct {
	raw      []byte
	manifest *manifest.Manifest
}

// manifestCache remembers fetched manifest documents by URL and version, so a daemon
// syncing several roots from the same manifest downloads it once.
type manifestCache struct {
	lru *expirable.LRU[string, *cachedManifest]
}

func newManifestCache(size int, ttl time.Duration) *manifestCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &manifestCache{lru: expirable.NewLRU[string, *cachedManifest](size, nil, ttl)}
}

func cacheKey(url, version string) string {
	return url + "\x00" + version
}

// get returns the raw document and a private copy of the parsed manifest.
func (c *manifestCache) get(url, version string) ([]byte, *manifest.Manifest, bool) {
	entry, ok := c.lru.Get(cacheKey(url, version))
	if !ok {
		return nil, nil, false
	}
	return entry.raw, entry.manifest.Clone(), true
}

func (c *manifestCache) add(url string, raw []byte, m *manifest.Manifest) {
	c.lru.Add(cacheKey(url, m.Version), &cachedManifest{raw: raw, manifest: m.Clone()})
}

func (c *manifestCache) purge() {
	c.lru.Purge()
}
