package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicekit/voicecache/telemetry"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownCache is returned when an operation names a cache the manager
// does not own.
var ErrUnknownCache = errors.New("unknown cache")

// LoaderFunc fetches an artifact that is absent from every cache tier. It
// returns the artifact bytes and a size estimate for cache accounting.
//
// The context passed to a LoaderFunc is the manager's load context, not any
// single caller's: one caller timing out must not cancel the load for other
// waiters. Closing the manager cancels it.
type LoaderFunc func(ctx context.Context, key string) (data []byte, size int64, err error)

// TierStore is an optional persistent second tier consulted on in-memory
// misses before the loader is invoked. Implemented by store.Store.
type TierStore interface {
	Get(ctx context.Context, cache, key string) ([]byte, bool, error)
	Put(ctx context.Context, cache, key string, value []byte) error
	Delete(ctx context.Context, cache, key string) error
}

// AccessRecorder receives a hit/miss signal for every lookup. Implemented by
// perf.Monitor.
type AccessRecorder interface {
	RecordCacheAccess(cache string, hit bool)
}

// Manager owns the named in-memory caches and provides single-flight
// cache-aside loading across them. The cache set is fixed at construction.
type Manager struct {
	caches   map[string]*Cache
	tier     TierStore
	recorder AccessRecorder
	logger   *slog.Logger

	flights singleflight.Group

	loadCtx    context.Context
	cancelLoad context.CancelFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTierStore attaches a persistent second tier.
func WithTierStore(tier TierStore) ManagerOption {
	return func(m *Manager) {
		m.tier = tier
	}
}

// WithRecorder attaches a hit/miss recorder.
func WithRecorder(r AccessRecorder) ManagerOption {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager owning the given caches.
func NewManager(caches []*Cache, opts ...ManagerOption) *Manager {
	m := &Manager{
		caches: make(map[string]*Cache, len(caches)),
		logger: slog.Default(),
	}
	for _, c := range caches {
		m.caches[c.Name()] = c
	}
	for _, opt := range opts {
		opt(m)
	}
	m.loadCtx, m.cancelLoad = context.WithCancel(context.Background())
	return m
}

// Close cancels every in-flight load. Waiters blocked in GetOrLoad receive
// the cancellation error rather than hanging.
func (m *Manager) Close() {
	m.cancelLoad()
}

// Cache returns the named cache, or nil if the manager does not own it.
func (m *Manager) Cache(name string) *Cache {
	return m.caches[name]
}

// flightKey namespaces singleflight keys per cache. Keys are hex digests, so
// NUL can never appear in either half.
func flightKey(cache, key string) string {
	return cache + "\x00" + key
}

// GetOrLoad returns the artifact for key from the named cache, loading it on
// a miss. Concurrent callers for the same (cache, key) pair share exactly one
// loader invocation; every waiter receives the same value or the same error.
// Failed loads are not cached: the flight is forgotten so the next caller
// invokes the loader again.
func (m *Manager) GetOrLoad(ctx context.Context, cacheName, key string, loader LoaderFunc) ([]byte, error) {
	c, ok := m.caches[cacheName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCache, cacheName)
	}

	if data, ok := c.Get(key); ok {
		m.recordAccess(ctx, cacheName, true)
		return data, nil
	}
	m.recordAccess(ctx, cacheName, false)

	fk := flightKey(cacheName, key)
	ch := m.flights.DoChan(fk, func() (any, error) {
		// Recheck under the flight: a Put may have landed while this
		// caller was queueing.
		if data, ok := c.Get(key); ok {
			return data, nil
		}

		data, err := m.loadOnce(m.loadCtx, c, key, loader)
		if err != nil {
			m.flights.Forget(fk)
			return nil, err
		}
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			telemetry.RecordLoadShared(ctx, cacheName)
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadOnce consults the persistent tier, then the loader. Runs inside a
// singleflight flight under the manager's load context.
func (m *Manager) loadOnce(ctx context.Context, c *Cache, key string, loader LoaderFunc) ([]byte, error) {
	if m.tier != nil {
		data, ok, err := m.tier.Get(ctx, c.Name(), key)
		if err != nil {
			m.logger.Warn("tier lookup failed", "cache", c.Name(), "key", key, "error", err)
		} else if ok {
			m.putAndRecord(ctx, c, key, data, int64(len(data)))
			telemetry.RecordLoad(ctx, c.Name(), "tier_hit", 0)
			return data, nil
		}
	}

	start := time.Now()
	data, size, err := loader(ctx, key)
	if err != nil {
		telemetry.RecordLoad(ctx, c.Name(), "error", time.Since(start))
		return nil, err
	}
	telemetry.RecordLoad(ctx, c.Name(), "ok", time.Since(start))

	m.putAndRecord(ctx, c, key, data, size)
	if m.tier != nil {
		if err := m.tier.Put(ctx, c.Name(), key, data); err != nil {
			m.logger.Warn("tier write-back failed", "cache", c.Name(), "key", key, "error", err)
		}
	}
	return data, nil
}

// Put inserts an artifact directly, bypassing the loader path. Evicted keys
// are reported to telemetry.
func (m *Manager) Put(ctx context.Context, cacheName, key string, data []byte, size int64) error {
	c, ok := m.caches[cacheName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCache, cacheName)
	}
	m.putAndRecord(ctx, c, key, data, size)
	return nil
}

func (m *Manager) putAndRecord(ctx context.Context, c *Cache, key string, data []byte, size int64) {
	evicted := c.Put(key, data, size)
	if len(evicted) > 0 {
		telemetry.RecordCacheEvictions(ctx, c.Name(), len(evicted))
		m.logger.Debug("evicted entries", "cache", c.Name(), "count", len(evicted))
	}
	s := c.Stats()
	telemetry.UpdateCacheOccupancy(ctx, c.Name(), s.Bytes, s.Entries)
}

// InvalidateCascade removes the given keys from the named cache and, when a
// persistent tier is attached, from the tier as well. Used by the hot-reload
// watcher when source artifacts change on disk.
func (m *Manager) InvalidateCascade(ctx context.Context, cacheName string, keys []string) error {
	c, ok := m.caches[cacheName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCache, cacheName)
	}

	for _, key := range keys {
		c.Invalidate(key)
		if m.tier != nil {
			if err := m.tier.Delete(ctx, cacheName, key); err != nil {
				m.logger.Warn("tier invalidation failed", "cache", cacheName, "key", key, "error", err)
			}
		}
	}
	return nil
}

// Stats returns the named cache's counters.
func (m *Manager) Stats(cacheName string) (Stats, error) {
	c, ok := m.caches[cacheName]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownCache, cacheName)
	}
	return c.Stats(), nil
}

// StatsAll returns counters for every owned cache, keyed by cache name.
func (m *Manager) StatsAll() map[string]Stats {
	out := make(map[string]Stats, len(m.caches))
	for name, c := range m.caches {
		out[name] = c.Stats()
	}
	return out
}

func (m *Manager) recordAccess(ctx context.Context, cacheName string, hit bool) {
	if m.recorder != nil {
		m.recorder.RecordCacheAccess(cacheName, hit)
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	telemetry.RecordCacheAccess(ctx, cacheName, result)
}
