// Package filestore keeps storage records in a single JSON document on disk.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-multichain/core"
)

const documentVersion = 1

type document struct {
	Version int               `json:"version"`
	Records map[string]string `json:"records"`
}

// Adapter loads the document once and rewrites it through a temp file and
// rename on every mutation.
type Adapter struct {
	path string
	perm fs.FileMode

	mu      sync.Mutex
	records map[string]string
	loaded  bool
}

type Option func(*Adapter)

func WithFileMode(perm fs.FileMode) Option {
	return func(a *Adapter) {
		if perm != 0 {
			a.perm = perm
		}
	}
}

func New(path string, opts ...Option) (*Adapter, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("filestore: path is required")
	}
	adapter := &Adapter{path: filepath.Clean(path), perm: 0o600}
	for _, opt := range opts {
		if opt != nil {
			opt(adapter)
		}
	}
	return adapter, nil
}

// Factory returns a core.StorageAdapterFactory that shares one adapter.
func Factory(adapter *Adapter) core.StorageAdapterFactory {
	return func(context.Context) (core.StorageAdapter, error) {
		if adapter == nil {
			return nil, fmt.Errorf("filestore: adapter is required")
		}
		return adapter, nil
	}
}

func (a *Adapter) Path() string {
	return a.path
}

func (a *Adapter) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadLocked(); err != nil {
		return "", false, err
	}
	value, ok := a.records[key]
	return value, ok, nil
}

func (a *Adapter) Set(ctx context.Context, key string, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadLocked(); err != nil {
		return err
	}
	previous, existed := a.records[key]
	if existed && previous == value {
		return nil
	}
	a.records[key] = value
	if err := a.flushLocked(); err != nil {
		if existed {
			a.records[key] = previous
		} else {
			delete(a.records, key)
		}
		return err
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadLocked(); err != nil {
		return err
	}
	previous, existed := a.records[key]
	if !existed {
		return nil
	}
	delete(a.records, key)
	if err := a.flushLocked(); err != nil {
		a.records[key] = previous
		return err
	}
	return nil
}

func (a *Adapter) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadLocked(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(a.records))
	for key := range a.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (a *Adapter) loadLocked() error {
	if a.loaded {
		return nil
	}
	data, err := os.ReadFile(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		a.records = map[string]string{}
		a.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("filestore: read %s: %w", a.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("filestore: decode %s: %w", a.path, err)
	}
	if doc.Version > documentVersion {
		return fmt.Errorf("filestore: %s has unsupported version %d", a.path, doc.Version)
	}
	if doc.Records == nil {
		doc.Records = map[string]string{}
	}
	a.records = doc.Records
	a.loaded = true
	return nil
}

func (a *Adapter) flushLocked() error {
	data, err := json.MarshalIndent(document{Version: documentVersion, Records: a.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode: %w", err)
	}

	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(a.path)+".*")
	if err != nil {
		return fmt.Errorf("filestore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("filestore: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("filestore: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("filestore: close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, a.perm); err != nil {
		cleanup()
		return fmt.Errorf("filestore: chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, a.path); err != nil {
		cleanup()
		return fmt.Errorf("filestore: replace %s: %w", a.path, err)
	}
	return nil
}

var _ core.StorageAdapter = (*Adapter)(nil)
