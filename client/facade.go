// Package client provides chain specific facades over a shared core. Every
// facade built for the same dapp name attaches to the same core, so an EVM
// and a Solana facade share one wallet session.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-multichain/core"
	"github.com/goliatone/go-multichain/identity"
)

// DappMetadata identifies the dapp to the wallet.
type DappMetadata struct {
	Name string
	URL  string
}

type Option func(*settings)

type settings struct {
	resume  bool
	chainID string
	network string
}

// WithResume restores a persisted session when the facade attaches.
func WithResume(enabled bool) Option {
	return func(s *settings) {
		s.resume = enabled
	}
}

// facade is the handle registered with the core. The exported clients wrap
// it with chain specific helpers.
type facade struct {
	registry *core.Registry
	identity string
	dapp     DappMetadata
	core     *core.Core

	mu            sync.Mutex
	closed        bool
	nextHandlerID uint64
	onChanged     []handlerEntry[func(*core.Session)]
	onDisconnect  []handlerEntry[func()]
	onNotify      []handlerEntry[func(core.Notification)]
	onEvent       func(core.SessionEvent)
}

type handlerEntry[T any] struct {
	id uint64
	fn T
}

func attach(ctx context.Context, registry *core.Registry, dapp DappMetadata, opts []Option) (*facade, settings, error) {
	cfg := settings{}
	if registry == nil {
		return nil, cfg, fmt.Errorf("client: registry is required")
	}
	dapp.Name = strings.TrimSpace(dapp.Name)
	dapp.URL = strings.TrimSpace(dapp.URL)
	if dapp.Name == "" {
		return nil, cfg, fmt.Errorf("client: dapp name is required")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	f := &facade{
		registry: registry,
		identity: identity.DeriveInstanceID(dapp.Name, identity.KindMultichain),
		dapp:     dapp,
	}
	shared, err := registry.Attach(ctx, f.identity, f)
	if err != nil {
		return nil, cfg, err
	}
	f.core = shared
	if cfg.resume && shared.Session() == nil {
		if _, err := shared.Resume(ctx); err != nil {
			_ = registry.Detach(ctx, f.identity, f)
			return nil, cfg, err
		}
	}
	return f, cfg, nil
}

// HandleSessionEvent receives fan-out from the core in production order.
func (f *facade) HandleSessionEvent(event core.SessionEvent) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	hook := f.onEvent
	changed := handlerFuncs(f.onChanged)
	disconnected := handlerFuncs(f.onDisconnect)
	notified := handlerFuncs(f.onNotify)
	f.mu.Unlock()

	if hook != nil {
		hook(event)
	}
	switch event.Type {
	case core.SessionEventChanged:
		for _, handler := range changed {
			handler(event.Session.Clone())
		}
	case core.SessionEventDisconnected:
		for _, handler := range disconnected {
			handler()
		}
	case core.SessionEventNotification:
		if event.Notification == nil {
			return
		}
		for _, handler := range notified {
			handler(*event.Notification)
		}
	}
}

func (f *facade) Identity() string {
	return f.identity
}

func (f *facade) Dapp() DappMetadata {
	return f.dapp
}

func (f *facade) Core() *core.Core {
	return f.core
}

func (f *facade) Session() *core.Session {
	if f.core == nil {
		return nil
	}
	return f.core.Session()
}

func (f *facade) connect(ctx context.Context, scopes []string, accounts []string) (*core.Session, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}
	return f.core.ConnectFacade(ctx, f, scopes, accounts)
}

func (f *facade) invoke(ctx context.Context, scope string, method string, params any) (json.RawMessage, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}
	return f.core.InvokeMethod(ctx, core.InvokeMethodRequest{
		Scope:   scope,
		Request: core.InvokeRequest{Method: method, Params: params},
	})
}

// Disconnect releases this facade's interest in the session. The wallet
// session is revoked only when no other facade is still using it.
func (f *facade) Disconnect(ctx context.Context) error {
	if err := f.ensureOpen(); err != nil {
		return err
	}
	return f.core.Disconnect(ctx, f)
}

// Close detaches from the registry. The last facade to close tears the
// shared core down.
func (f *facade) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.onChanged = nil
	f.onDisconnect = nil
	f.onNotify = nil
	f.onEvent = nil
	f.mu.Unlock()
	return f.registry.Detach(ctx, f.identity, f)
}

func (f *facade) OnSessionChanged(handler func(*core.Session)) func() {
	return addHandler(f, &f.onChanged, handler)
}

func (f *facade) OnDisconnect(handler func()) func() {
	return addHandler(f, &f.onDisconnect, handler)
}

func (f *facade) OnNotification(handler func(core.Notification)) func() {
	return addHandler(f, &f.onNotify, handler)
}

func (f *facade) ensureOpen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.core == nil {
		return fmt.Errorf("client: facade is closed: %w", core.ErrCoreClosed)
	}
	return nil
}

func addHandler[T any](f *facade, list *[]handlerEntry[T], fn T) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return func() {}
	}
	f.nextHandlerID++
	id := f.nextHandlerID
	*list = append(*list, handlerEntry[T]{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			entries := *list
			for i, entry := range entries {
				if entry.id == id {
					*list = append(entries[:i:i], entries[i+1:]...)
					return
				}
			}
		})
	}
}

func handlerFuncs[T any](entries []handlerEntry[T]) []T {
	out := make([]T, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.fn)
	}
	return out
}

var _ core.FacadeHandle = (*facade)(nil)
