package sqlstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/goliatone/go-multichain/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const storageCacheKeyPrefix = "go-multichain::storage::v1"

// cachedValue caches misses as well as hits.
type cachedValue struct {
	Value string
	Found bool
}

// CachedStorageAdapter reads through a cache service in front of any
// adapter. Writes go to the base adapter first, then evict the key.
type CachedStorageAdapter struct {
	base  core.StorageAdapter
	cache repositorycache.CacheService
}

func NewCachedStorageAdapter(
	base core.StorageAdapter,
	cacheService repositorycache.CacheService,
) (*CachedStorageAdapter, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base storage adapter is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: storage cache service is required")
	}
	return &CachedStorageAdapter{base: base, cache: cacheService}, nil
}

// StorageCacheKey returns go-multichain::storage::v1::<key> with the key
// URL-path escaped.
func StorageCacheKey(key string) string {
	return strings.Join([]string{storageCacheKeyPrefix, url.PathEscape(key)}, "::")
}

func (s *CachedStorageAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return "", false, fmt.Errorf("sqlstore: cached storage adapter is not configured")
	}
	cached, err := repositorycache.GetOrFetch(ctx, s.cache, StorageCacheKey(key), func(ctx context.Context) (cachedValue, error) {
		value, found, fetchErr := s.base.Get(ctx, key)
		if fetchErr != nil {
			return cachedValue{}, fetchErr
		}
		return cachedValue{Value: value, Found: found}, nil
	})
	if err != nil {
		return "", false, err
	}
	return cached.Value, cached.Found, nil
}

func (s *CachedStorageAdapter) Set(ctx context.Context, key string, value string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached storage adapter is not configured")
	}
	if err := s.base.Set(ctx, key, value); err != nil {
		return err
	}
	return s.cache.Delete(ctx, StorageCacheKey(key))
}

func (s *CachedStorageAdapter) Delete(ctx context.Context, key string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached storage adapter is not configured")
	}
	if err := s.base.Delete(ctx, key); err != nil {
		return err
	}
	return s.cache.Delete(ctx, StorageCacheKey(key))
}

func (s *CachedStorageAdapter) Close() error {
	if s == nil {
		return nil
	}
	if closer, ok := s.base.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

var (
	_ core.StorageAdapter = (*CachedStorageAdapter)(nil)
	_ io.Closer           = (*CachedStorageAdapter)(nil)
)
