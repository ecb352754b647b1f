package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-multichain/core"
)

const (
	KindMemory      = "memory"
	KindWebSocket   = "websocket"
	KindPostMessage = "postmessage"
	KindMobileRelay = "mwp"
)

// Factory builds a channel for one dapp identity from kind specific config.
type Factory func(ctx context.Context, identity string, config map[string]any) (core.Channel, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// NewDefaultRegistry registers the websocket channel and placeholders for
// browser-only channel kinds.
func NewDefaultRegistry() *Registry {
	registry := NewRegistry()
	_ = registry.RegisterFactory(KindWebSocket, WebSocketFactory(nil))
	for _, kind := range []string{KindPostMessage, KindMobileRelay} {
		_ = registry.RegisterFactory(kind, unsupportedFactory(kind))
	}
	return registry
}

func (r *Registry) RegisterFactory(kind string, factory Factory) error {
	if r == nil {
		return fmt.Errorf("transport: registry is nil")
	}
	kind = normalizeKind(kind)
	if kind == "" {
		return badInput("transport: channel kind is required", nil)
	}
	if factory == nil {
		return badInput("transport: channel factory is nil", map[string]any{"kind": kind})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("transport: channel kind %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

func (r *Registry) Build(ctx context.Context, kind string, identity string, config map[string]any) (core.Channel, error) {
	if r == nil {
		return nil, fmt.Errorf("transport: registry is nil")
	}
	kind = normalizeKind(kind)
	if kind == "" {
		return nil, badInput("transport: channel kind is required", nil)
	}

	r.mu.RLock()
	factory := r.factories[kind]
	r.mu.RUnlock()
	if factory == nil {
		return nil, badInput(fmt.Sprintf("transport: channel kind %q not registered", kind), map[string]any{"kind": kind})
	}
	built, err := factory(ctx, identity, cloneMap(config))
	if err != nil {
		return nil, err
	}
	if built == nil {
		return nil, fmt.Errorf("transport: factory for %q returned nil channel", kind)
	}
	return built, nil
}

func (r *Registry) Kinds() []string {
	if r == nil {
		return []string{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// ChannelFactory binds kind and config into a core.ChannelFactory.
func (r *Registry) ChannelFactory(kind string, config map[string]any) core.ChannelFactory {
	frozen := cloneMap(config)
	return func(ctx context.Context, identity string) (core.Channel, error) {
		return r.Build(ctx, kind, identity, frozen)
	}
}

func normalizeKind(kind string) string {
	return strings.TrimSpace(strings.ToLower(kind))
}

func unsupportedFactory(kind string) Factory {
	return func(_ context.Context, _ string, config map[string]any) (core.Channel, error) {
		reason := ""
		if value, ok := config["reason"].(string); ok {
			reason = value
		}
		return NewUnsupportedChannel(kind, reason), nil
	}
}

func cloneMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}
