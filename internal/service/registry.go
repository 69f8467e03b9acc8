package service

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/autoconnect/internal/util"
)

const defaultMaxControllers = 1024

// ControllerFactory builds the controller for one owner key.
type ControllerFactory func(ownerKey string) *LinkSessionController

// Registry keeps one controller per caller in an LRU bounded by limit.
// Only evictable controllers (nothing in flight, no subscriber) make room
// for new ones; when every controller is busy the cache grows past limit
// and shrinks back once controllers go idle. Evicted controllers are
// closed and their persisted session resumes on next use.
type Registry struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *LinkSessionController]
	limit    int
	capacity int
	factory  ControllerFactory
	metrics  *Metrics
}

func NewRegistry(size int, factory ControllerFactory, metrics *Metrics) (*Registry, error) {
	if size <= 0 {
		size = defaultMaxControllers
	}
	r := &Registry{limit: size, capacity: size, factory: factory, metrics: metrics}
	cache, err := lru.NewWithEvict(size, r.onEvict)
	if err != nil {
		return nil, err
	}
	r.cache = cache
	return r, nil
}

// Get returns the owner's controller, creating it on first use.
func (r *Registry) Get(ownerKey string) *LinkSessionController {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.cache.Get(ownerKey); ok {
		return c
	}

	r.makeRoomLocked()
	c := r.factory(ownerKey)
	r.cache.Add(ownerKey, c)
	r.metrics.setControllers(r.cache.Len())
	return c
}

// Peek returns the owner's controller without creating or touching it.
func (r *Registry) Peek(ownerKey string) (*LinkSessionController, bool) {
	return r.cache.Peek(ownerKey)
}

// EvictIdle closes controllers with nothing in flight and no activity for
// maxIdle. It returns the number evicted.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	evicted := 0
	for _, key := range r.cache.Keys() {
		c, ok := r.cache.Peek(key)
		if !ok || !c.Inactive(cutoff) {
			continue
		}
		if r.cache.Remove(key) {
			evicted++
		}
	}
	r.shrinkLocked(0)
	r.metrics.setControllers(r.cache.Len())
	return evicted
}

func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close closes every controller.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
	r.metrics.setControllers(0)
}

// makeRoomLocked frees a slot for one more controller, evicting the least
// recently used evictable one. Busy controllers are never evicted.
func (r *Registry) makeRoomLocked() {
	if r.cache.Len() < r.capacity {
		return
	}

	for _, key := range r.cache.Keys() {
		c, ok := r.cache.Peek(key)
		if ok && c.Evictable() {
			r.cache.Remove(key)
			r.shrinkLocked(1)
			return
		}
	}

	r.capacity = r.cache.Len() + 1
	r.cache.Resize(r.capacity)
	log.Warn().
		Int("limit", r.limit).
		Int("capacity", r.capacity).
		Msg("all link controllers busy, registry over limit")
}

// shrinkLocked lowers an overgrown capacity back toward limit while keeping
// reserve free slots. It never evicts.
func (r *Registry) shrinkLocked(reserve int) {
	target := max(r.limit, r.cache.Len()+reserve)
	if target < r.capacity {
		r.capacity = target
		r.cache.Resize(target)
	}
}

func (r *Registry) onEvict(ownerKey string, c *LinkSessionController) {
	log.Debug().Str("ownerKey", util.ShortKey(ownerKey)).Msg("closing link controller")
	c.Close()
}
