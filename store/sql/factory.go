package sqlstore

import (
	"context"
	"fmt"

	"github.com/goliatone/go-multichain/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

// AdapterFactory hands every core a shared view over adapter. When
// cacheService is set the view is wrapped in a CachedStorageAdapter.
func AdapterFactory(adapter *StorageAdapter, cacheService repositorycache.CacheService) core.StorageAdapterFactory {
	return func(context.Context) (core.StorageAdapter, error) {
		if adapter == nil {
			return nil, fmt.Errorf("sqlstore: storage adapter is required")
		}
		shared := adapter.Shared()
		if cacheService == nil {
			return shared, nil
		}
		return NewCachedStorageAdapter(shared, cacheService)
	}
}

// NewAdapterFactoryFromPersistence resolves the bun db from a persistence
// client and returns a factory over it.
func NewAdapterFactoryFromPersistence(client any, cacheService repositorycache.CacheService) (core.StorageAdapterFactory, error) {
	adapter, err := NewStorageAdapterFromPersistence(client)
	if err != nil {
		return nil, err
	}
	return AdapterFactory(adapter, cacheService), nil
}
