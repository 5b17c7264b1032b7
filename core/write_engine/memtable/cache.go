package memtable

import (
	"container/list" // For the evictable FIFO
	"fmt"
	"sync"
	"time"

	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	internaltelemetry "github.com/suxiao1228/mydb/internal/telemetry"
	"go.uber.org/zap"
)

// loadRetryInterval is how long Get backs off while another caller is
// loading the same key.
const loadRetryInterval = time.Millisecond

// Loader supplies resources to a Cache and writes them back when they
// leave it.
type Loader[T any] interface {
	// Load reads the resource for key. It is called without the cache lock held.
	Load(key uint64) (T, error)
	// Release is invoked for every resource leaving the cache, either by
	// eviction or by Close. On error the resource stays cached and the
	// release is tried again later.
	Release(obj T) error
}

// Cache is a reference-counted resource cache.
//
// A bounded cache (maxResources > 0) keeps released resources resident and
// queues them as eviction candidates in release order; when the cache is
// full the oldest candidate is evicted. An unbounded cache never reaches
// capacity, so it evicts a resource as soon as its reference count drops to
// zero.
type Cache[T any] struct {
	name         string
	loader       Loader[T]
	maxResources int

	mu         sync.Mutex
	cache      map[uint64]T
	references map[uint64]int
	getting    map[uint64]struct{}
	evictable  *list.List               // keys with zero references, oldest first
	evictElems map[uint64]*list.Element // key -> element in evictable
	count      int                      // resident plus in-flight loads
	closed     bool

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewCache creates a cache holding at most maxResources resources; zero
// means unbounded.
func NewCache[T any](name string, maxResources int, loader Loader[T], logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *Cache[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache[T]{
		name:         name,
		loader:       loader,
		maxResources: maxResources,
		cache:        make(map[uint64]T),
		references:   make(map[uint64]int),
		getting:      make(map[uint64]struct{}),
		evictable:    list.New(),
		evictElems:   make(map[uint64]*list.Element),
		logger:       logger.Named("cache." + name),
		metrics:      metrics,
	}
}

// Get returns the resource for key, loading it if needed, and takes a
// reference on it. Every successful Get must be paired with a Release.
func (c *Cache[T]) Get(key uint64) (T, error) {
	var zero T
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return zero, flushmanager.ErrClosed
		}
		if _, loading := c.getting[key]; loading {
			c.mu.Unlock()
			time.Sleep(loadRetryInterval)
			continue
		}
		if obj, ok := c.cache[key]; ok {
			c.references[key]++
			if elem, queued := c.evictElems[key]; queued {
				c.evictable.Remove(elem)
				delete(c.evictElems, key)
			}
			c.mu.Unlock()
			c.metrics.CacheHit(c.name)
			return obj, nil
		}
		if c.maxResources > 0 && c.count >= c.maxResources {
			if err := c.evictOldestLocked(); err != nil {
				c.mu.Unlock()
				return zero, err
			}
		}
		c.count++
		c.getting[key] = struct{}{}
		c.mu.Unlock()
		break
	}

	c.metrics.CacheMiss(c.name)
	obj, err := c.loader.Load(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.getting, key)
	if err != nil {
		c.count--
		return zero, err
	}
	c.cache[key] = obj
	c.references[key] = 1
	return obj, nil
}

// evictOldestLocked drops the oldest zero-reference resource. c.mu must be held.
func (c *Cache[T]) evictOldestLocked() error {
	front := c.evictable.Front()
	if front == nil {
		c.logger.Warn("Cache is full and no resource can be evicted", zap.Int("resident", c.count))
		return fmt.Errorf("%w: %s cache holds %d resources", flushmanager.ErrCacheFull, c.name, c.count)
	}
	key := front.Value.(uint64)
	c.evictable.Remove(front)
	delete(c.evictElems, key)
	c.logger.Debug("Evicting resource", zap.Uint64("key", key))
	if err := c.dropLocked(key); err != nil {
		// Still resident, so it goes back in line behind the other candidates.
		c.evictElems[key] = c.evictable.PushBack(key)
		return err
	}
	c.metrics.CacheEviction(c.name)
	return nil
}

// dropLocked runs the release hook and removes key from the cache. A
// resource whose release fails stays resident. c.mu must be held.
func (c *Cache[T]) dropLocked(key uint64) error {
	if err := c.loader.Release(c.cache[key]); err != nil {
		c.logger.Error("Failed to release resource", zap.Uint64("key", key), zap.Error(err))
		return err
	}
	delete(c.cache, key)
	delete(c.references, key)
	c.count--
	return nil
}

// Release gives back one reference on key.
func (c *Cache[T]) Release(key uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.references[key]
	if !ok || ref <= 0 {
		return fmt.Errorf("%w: release of non-referenced key %d in %s cache", flushmanager.ErrKeyNotFound, key, c.name)
	}
	ref--
	c.references[key] = ref
	if ref > 0 {
		return nil
	}
	if c.maxResources == 0 {
		return c.dropLocked(key)
	}
	c.evictElems[key] = c.evictable.PushBack(key)
	return nil
}

// Close releases every resident resource regardless of its reference count.
// The first release error is returned after all resources were visited;
// calling Close again retries the resources that failed.
func (c *Cache[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed && len(c.cache) == 0 {
		return nil
	}
	c.closed = true
	var firstErr error
	for key := range c.cache {
		if err := c.dropLocked(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.evictable.Init()
	clear(c.evictElems)
	c.logger.Debug("Cache closed")
	return firstErr
}

// Each calls fn on every resident resource, stopping at the first error.
// fn runs with the cache lock held and must not call back into the cache.
func (c *Cache[T]) Each(fn func(key uint64, obj T) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, obj := range c.cache {
		if err := fn(key, obj); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of resident resources.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// References returns the current reference count of key.
func (c *Cache[T]) References(key uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.references[key]
}
