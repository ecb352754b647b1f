package core

import (
	"context"
	"io"
)

// NamespacedStorage prefixes every key before forwarding to an inner
// adapter. It holds no state beyond the prefix and the inner reference.
type NamespacedStorage struct {
	prefix string
	inner  StorageAdapter
}

func NewNamespacedStorage(prefix string, inner StorageAdapter) *NamespacedStorage {
	return &NamespacedStorage{prefix: prefix, inner: inner}
}

func (s *NamespacedStorage) Prefix() string {
	if s == nil {
		return ""
	}
	return s.prefix
}

func (s *NamespacedStorage) Inner() StorageAdapter {
	if s == nil {
		return nil
	}
	return s.inner
}

func (s *NamespacedStorage) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.inner == nil {
		return "", false, badInputError("core: namespaced storage has no inner adapter")
	}
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *NamespacedStorage) Set(ctx context.Context, key string, value string) error {
	if s == nil || s.inner == nil {
		return badInputError("core: namespaced storage has no inner adapter")
	}
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s *NamespacedStorage) Delete(ctx context.Context, key string) error {
	if s == nil || s.inner == nil {
		return badInputError("core: namespaced storage has no inner adapter")
	}
	return s.inner.Delete(ctx, s.prefix+key)
}

// Close releases the inner adapter when it holds resources.
func (s *NamespacedStorage) Close() error {
	if s == nil || s.inner == nil {
		return nil
	}
	if closer, ok := s.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

var _ StorageAdapter = (*NamespacedStorage)(nil)
