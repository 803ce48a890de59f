package dnsresolver

import (
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cache stores resolved addresses keyed by FQDN, honoring each record's own
// TTL rather than the LRU's eviction alone — a record the LRU would still
// keep but whose TTL expired must be treated as a miss.
type cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, cacheEntry]
}

type cacheEntry struct {
	ip      net.IP
	expires time.Time
}

func newCache(size int) (*cache, error) {
	l, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &cache{entries: l}, nil
}

func (c *cache) get(fqdn string) (net.IP, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(fqdn)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		c.entries.Remove(fqdn)
		return nil, false
	}
	return e.ip, true
}

func (c *cache) set(fqdn string, ip net.IP, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(fqdn, cacheEntry{ip: ip, expires: time.Now().Add(ttl)})
}
