package agent

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"spotfleet/internal/model"
)

// poolCache holds the last ranked pool list received from the coordinator
type poolCache struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu        sync.Mutex
	pools     []model.RankedPool
	fetchedAt time.Time
}

func newPoolCache(clock clockwork.Clock, ttl time.Duration) *poolCache {
	return &poolCache{clock: clock, ttl: ttl}
}

// fresh returns the cached list while it is younger than the ttl
func (c *poolCache) fresh() ([]model.RankedPool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchedAt.IsZero() || c.clock.Since(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return append([]model.RankedPool(nil), c.pools...), true
}

// last returns the cached list regardless of age
func (c *poolCache) last() []model.RankedPool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.RankedPool(nil), c.pools...)
}

func (c *poolCache) store(pools []model.RankedPool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools = append([]model.RankedPool(nil), pools...)
	c.fetchedAt = c.clock.Now()
}
