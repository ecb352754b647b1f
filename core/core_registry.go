package core

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// CoreFactory builds the shared Core for one identity.
type CoreFactory func(ctx context.Context, identity string) (*Core, error)

type registryEntry struct {
	ready chan struct{}
	core  *Core
	err   error
}

// Registry maps a dapp identity to exactly one shared Core and counts the
// facades attached to it. The last Detach tears the Core down.
type Registry struct {
	factory CoreFactory
	obs     observer

	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool
}

func NewRegistryWithFactory(factory CoreFactory, logger Logger, metrics MetricsRecorder) (*Registry, error) {
	if factory == nil {
		return nil, badInputError("core: core factory is required")
	}
	return &Registry{
		factory: factory,
		obs:     newObserver(logger, metrics),
		entries: make(map[string]*registryEntry),
	}, nil
}

// Attach returns the Core for identity, building it on first use, and
// registers facade with it. Attaching the same facade twice is a no-op.
func (r *Registry) Attach(ctx context.Context, identity string, facade FacadeHandle) (*Core, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, validationError("identity", "identity is required")
	}
	if facade == nil {
		return nil, validationError("facade", "facade is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		entry, ok := r.entries[identity]
		if !ok {
			entry = &registryEntry{ready: make(chan struct{})}
			r.entries[identity] = entry
			r.mu.Unlock()

			core, err := r.factory(ctx, identity)
			if err == nil && core == nil {
				err = badInputError("core: core factory returned nil")
			}

			r.mu.Lock()
			entry.core, entry.err = core, err
			if err != nil {
				delete(r.entries, identity)
			}
			close(entry.ready)
			r.mu.Unlock()
			if err != nil {
				r.obs.observe(ctx, time.Now(), "registry_create", err, map[string]any{"instance_id": identity})
				return nil, err
			}
			r.obs.info(ctx, "core created", map[string]any{"instance_id": identity})
		} else {
			r.mu.Unlock()
			select {
			case <-entry.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if entry.err != nil {
				return nil, entry.err
			}
		}

		r.mu.Lock()
		if r.closed {
			delete(r.entries, identity)
			r.mu.Unlock()
			_ = entry.core.close(ctx)
			return nil, ErrRegistryClosed
		}
		if r.entries[identity] != entry {
			// torn down between build and attach
			r.mu.Unlock()
			continue
		}
		entry.core.attachFacade(facade)
		attached := entry.core.FacadeCount()
		r.mu.Unlock()
		r.obs.debug(ctx, "facade attached", map[string]any{
			"instance_id": identity,
			"facades":     attached,
		})
		return entry.core, nil
	}
}

// Detach unregisters facade. When no facade remains the Core is closed:
// the channel is closed, pending requests are cancelled, timers stop and
// owned storage is released.
func (r *Registry) Detach(ctx context.Context, identity string, facade FacadeHandle) error {
	identity = strings.TrimSpace(identity)
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	entry, ok := r.entries[identity]
	if !ok || entry.core == nil {
		r.mu.Unlock()
		return nil
	}
	remaining := entry.core.detachFacade(facade)
	if remaining > 0 {
		r.mu.Unlock()
		r.obs.debug(ctx, "facade detached", map[string]any{
			"instance_id": identity,
			"facades":     remaining,
		})
		return nil
	}
	delete(r.entries, identity)
	r.mu.Unlock()

	return entry.core.close(ctx)
}

func (r *Registry) Lookup(identity string) (*Core, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[strings.TrimSpace(identity)]
	if !ok || entry.core == nil {
		return nil, false
	}
	return entry.core, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, entry := range r.entries {
		if entry.core != nil {
			count++
		}
	}
	return count
}

func (r *Registry) Identities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for identity, entry := range r.entries {
		if entry.core != nil {
			out = append(out, identity)
		}
	}
	sort.Strings(out)
	return out
}

// Close tears down every Core and rejects further attaches.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cores := make([]*Core, 0, len(r.entries))
	for identity, entry := range r.entries {
		if entry.core != nil {
			cores = append(cores, entry.core)
			delete(r.entries, identity)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, core := range cores {
		if err := core.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
