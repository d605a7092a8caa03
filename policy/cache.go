package policy

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

// DefaultCacheTTL is how long heuristic lookups are remembered
const DefaultCacheTTL = time.Minute

// Cache remembers heuristic lookup results, a nil Cache never hits
type Cache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

// NewCache creates cache holding roughly maxItems results
func NewCache(maxItems int64, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "NewCache")
	}
	return &Cache{c: cache, ttl: ttl}, nil
}

func (c *Cache) Get(namespace, key string) (interface{}, bool) {
	if c == nil {
		return nil, false
	}
	return c.c.Get(fmt.Sprintf("%s:%s", namespace, key))
}

func (c *Cache) Set(namespace, key string, v interface{}) {
	if c == nil {
		return
	}
	c.c.SetWithTTL(fmt.Sprintf("%s:%s", namespace, key), v, 1, c.ttl)
}

// Close stops the cache goroutines
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.c.Close()
}
