package core

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	StorageKeyTransport   = "multichain-transport"
	StorageKeyAnonID      = "multichain-anon-id"
	StorageKeySession     = "multichain-session"
	StorageKeyDebug       = "multichain-debug"
	StorageKeyExtensionID = "multichain-extension-id"
)

// StorageClient exposes the typed records the core persists on top of a
// StorageAdapter.
type StorageClient struct {
	adapter StorageAdapter
	owned   bool
}

// NewStorageClient wraps adapter. The client never closes an adapter it did
// not create; see CreateIsolatedStorage.
func NewStorageClient(adapter StorageAdapter) *StorageClient {
	return &StorageClient{adapter: adapter}
}

func (c *StorageClient) Adapter() StorageAdapter {
	if c == nil {
		return nil
	}
	return c.adapter
}

func (c *StorageClient) Get(ctx context.Context, key string) (string, bool, error) {
	if c == nil || c.adapter == nil {
		return "", false, &StorageError{Op: "get", Key: key, Cause: errStorageNotConfigured}
	}
	value, found, err := c.adapter.Get(ctx, key)
	if err != nil {
		return "", false, &StorageError{Op: "get", Key: key, Cause: err}
	}
	return value, found, nil
}

func (c *StorageClient) Set(ctx context.Context, key string, value string) error {
	if c == nil || c.adapter == nil {
		return &StorageError{Op: "set", Key: key, Cause: errStorageNotConfigured}
	}
	if err := c.adapter.Set(ctx, key, value); err != nil {
		return &StorageError{Op: "set", Key: key, Cause: err}
	}
	return nil
}

func (c *StorageClient) Delete(ctx context.Context, key string) error {
	if c == nil || c.adapter == nil {
		return &StorageError{Op: "delete", Key: key, Cause: errStorageNotConfigured}
	}
	if err := c.adapter.Delete(ctx, key); err != nil {
		return &StorageError{Op: "delete", Key: key, Cause: err}
	}
	return nil
}

func (c *StorageClient) GetTransport(ctx context.Context) (string, bool, error) {
	return c.Get(ctx, StorageKeyTransport)
}

func (c *StorageClient) SetTransport(ctx context.Context, kind string) error {
	return c.Set(ctx, StorageKeyTransport, strings.TrimSpace(kind))
}

func (c *StorageClient) RemoveTransport(ctx context.Context) error {
	return c.Delete(ctx, StorageKeyTransport)
}

// GetOrCreateAnonID returns the persisted anonymous id, minting one on
// first use.
func (c *StorageClient) GetOrCreateAnonID(ctx context.Context) (string, error) {
	value, found, err := c.Get(ctx, StorageKeyAnonID)
	if err != nil {
		return "", err
	}
	if found && strings.TrimSpace(value) != "" {
		return value, nil
	}
	id := uuid.NewString()
	if err := c.Set(ctx, StorageKeyAnonID, id); err != nil {
		return "", err
	}
	return id, nil
}

func (c *StorageClient) GetExtensionID(ctx context.Context) (string, bool, error) {
	return c.Get(ctx, StorageKeyExtensionID)
}

func (c *StorageClient) SetExtensionID(ctx context.Context, id string) error {
	return c.Set(ctx, StorageKeyExtensionID, strings.TrimSpace(id))
}

func (c *StorageClient) RemoveExtensionID(ctx context.Context) error {
	return c.Delete(ctx, StorageKeyExtensionID)
}

func (c *StorageClient) GetDebug(ctx context.Context) (bool, error) {
	value, found, err := c.Get(ctx, StorageKeyDebug)
	if err != nil || !found {
		return false, err
	}
	enabled, parseErr := strconv.ParseBool(strings.TrimSpace(value))
	if parseErr != nil {
		return false, nil
	}
	return enabled, nil
}

func (c *StorageClient) SetDebug(ctx context.Context, enabled bool) error {
	return c.Set(ctx, StorageKeyDebug, strconv.FormatBool(enabled))
}

// GetSession loads the persisted session snapshot. A missing or empty record
// returns nil.
func (c *StorageClient) GetSession(ctx context.Context) (*Session, error) {
	value, found, err := c.Get(ctx, StorageKeySession)
	if err != nil || !found || strings.TrimSpace(value) == "" {
		return nil, err
	}
	session := &Session{}
	if err := json.Unmarshal([]byte(value), session); err != nil {
		return nil, &StorageError{Op: "decode", Key: StorageKeySession, Cause: err}
	}
	if session.IsEmpty() {
		return nil, nil
	}
	return session.Clone(), nil
}

func (c *StorageClient) SetSession(ctx context.Context, session *Session) error {
	if session.IsEmpty() {
		return c.RemoveSession(ctx)
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return &StorageError{Op: "encode", Key: StorageKeySession, Cause: err}
	}
	return c.Set(ctx, StorageKeySession, string(payload))
}

func (c *StorageClient) RemoveSession(ctx context.Context) error {
	return c.Delete(ctx, StorageKeySession)
}

// Close releases the adapter when this client created it.
func (c *StorageClient) Close() error {
	if c == nil || !c.owned || c.adapter == nil {
		return nil
	}
	if closer, ok := c.adapter.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
