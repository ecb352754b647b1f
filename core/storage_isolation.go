package core

import (
	"context"
	"errors"
	"strings"
)

var errStorageNotConfigured = errors.New("core: storage adapter is not configured")

type IsolatedStorageInput struct {
	InstanceID     string
	UserStorage    *StorageClient
	AdapterFactory StorageAdapterFactory
}

// CreateIsolatedStorage builds the storage client for one instance.
//
// User storage with a non-empty instance id is wrapped with the
// "{instanceID}:" prefix. User storage with an empty id is returned as-is.
// Without user storage the factory is invoked once and the same prefix rule
// applies; the factory is never invoked when user storage is supplied.
func CreateIsolatedStorage(ctx context.Context, in IsolatedStorageInput) (*StorageClient, error) {
	instanceID := strings.TrimSpace(in.InstanceID)

	if in.UserStorage != nil {
		if instanceID == "" {
			return in.UserStorage, nil
		}
		if in.UserStorage.Adapter() == nil {
			return nil, badInputError("core: user storage has no adapter")
		}
		return &StorageClient{
			adapter: NewNamespacedStorage(instanceID+":", in.UserStorage.Adapter()),
		}, nil
	}

	if in.AdapterFactory == nil {
		return nil, badInputError("core: storage adapter factory is required when no storage is provided")
	}
	adapter, err := in.AdapterFactory(ctx)
	if err != nil {
		return nil, &StorageError{Op: "open", Key: instanceID, Cause: err}
	}
	if adapter == nil {
		return nil, &StorageError{Op: "open", Key: instanceID, Cause: errStorageNotConfigured}
	}
	if instanceID == "" {
		return &StorageClient{adapter: adapter, owned: true}, nil
	}
	return &StorageClient{
		adapter: NewNamespacedStorage(instanceID+":", adapter),
		owned:   true,
	}, nil
}
