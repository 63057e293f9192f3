package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"unitedexchange.org/internal/obs"
)

const defaultPermissionTTL = 5 * time.Minute

// PermissionLoader is the storage contract the cache refreshes from.
type PermissionLoader interface {
	LoadAll(ctx context.Context) ([]RolePermission, error)
}

// PermissionCache is a process-local role → permission-code cache with lazy
// TTL-based refresh. On refresh failure the last-known contents keep being
// served; the cache never fails a permission check because storage is down.
// That never-fails contract is why Permissions returns no error.
type PermissionCache struct {
	loader PermissionLoader
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	perms    map[Role]map[string]struct{}
	loadedAt time.Time

	// Concurrent misses share a single storage reload.
	group singleflight.Group
}

// PermissionCacheOption configures PermissionCache behavior.
type PermissionCacheOption func(*PermissionCache)

// WithPermissionTTL overrides the staleness window.
func WithPermissionTTL(ttl time.Duration) PermissionCacheOption {
	return func(c *PermissionCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithPermissionClock overrides the time source (useful for tests).
func WithPermissionClock(fn func() time.Time) PermissionCacheOption {
	return func(c *PermissionCache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewPermissionCache constructs an empty cache; the first permission check
// populates it.
func NewPermissionCache(loader PermissionLoader, opts ...PermissionCacheOption) *PermissionCache {
	c := &PermissionCache{
		loader: loader,
		ttl:    defaultPermissionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Permissions returns the permission-code set for the role. Callers must not
// modify the returned map; refreshes replace it wholesale.
func (c *PermissionCache) Permissions(ctx context.Context, role Role) map[string]struct{} {
	c.mu.RLock()
	fresh := c.perms != nil && c.now().Sub(c.loadedAt) < c.ttl
	set, present := c.perms[role]
	c.mu.RUnlock()

	if fresh && present {
		return set
	}

	c.refresh(ctx)

	c.mu.RLock()
	set = c.perms[role]
	c.mu.RUnlock()
	if set == nil {
		return map[string]struct{}{}
	}
	return set
}

// HasAny reports whether the role holds at least one of the given codes.
func (c *PermissionCache) HasAny(ctx context.Context, role Role, codes ...string) bool {
	set := c.Permissions(ctx, role)
	for _, code := range codes {
		if _, ok := set[code]; ok {
			return true
		}
	}
	return false
}

// Invalidate clears the cache so the next check reloads from storage. Any
// component mutating role→permission assignments must call it.
func (c *PermissionCache) Invalidate() {
	c.mu.Lock()
	c.perms = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

func (c *PermissionCache) refresh(ctx context.Context) {
	_, _, _ = c.group.Do("refresh", func() (any, error) {
		pairs, err := c.loader.LoadAll(ctx)
		if err != nil {
			// Degrade to the stale contents rather than failing the request.
			obs.LogError("permcache", "refresh failed, serving stale permissions", err)
			return nil, nil
		}
		next := make(map[Role]map[string]struct{})
		for _, p := range pairs {
			set, ok := next[p.Role]
			if !ok {
				set = make(map[string]struct{})
				next[p.Role] = set
			}
			set[p.Code] = struct{}{}
		}
		c.mu.Lock()
		c.perms = next
		c.loadedAt = c.now()
		c.mu.Unlock()
		return nil, nil
	})
}
