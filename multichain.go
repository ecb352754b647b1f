package multichain

import (
	"context"

	"github.com/goliatone/go-multichain/core"
	"github.com/goliatone/go-multichain/transport"
	"github.com/goliatone/go-multichain/transport/memwallet"
)

type Config = core.Config
type TransportConfig = core.TransportConfig
type SessionConfig = core.SessionConfig
type PairingConfig = core.PairingConfig

type Option = core.Option

type Registry = core.Registry
type Core = core.Core

type Session = core.Session
type SessionScope = core.SessionScope
type SessionEvent = core.SessionEvent
type Notification = core.Notification
type ConnectionRequest = core.ConnectionRequest
type InvokeRequest = core.InvokeRequest
type InvokeMethodRequest = core.InvokeMethodRequest

type Channel = core.Channel
type ChannelFactory = core.ChannelFactory
type StorageAdapter = core.StorageAdapter
type StorageAdapterFactory = core.StorageAdapterFactory
type EventSink = core.EventSink

var (
	WithLogger                = core.WithLogger
	WithLoggerProvider        = core.WithLoggerProvider
	WithMetricsRecorder       = core.WithMetricsRecorder
	WithErrorMapper           = core.WithErrorMapper
	WithConfigProvider        = core.WithConfigProvider
	WithOptionsResolver       = core.WithOptionsResolver
	WithChannelFactory        = core.WithChannelFactory
	WithStorage               = core.WithStorage
	WithStorageAdapterFactory = core.WithStorageAdapterFactory
	WithEventSink             = core.WithEventSink
	WithIDGenerator           = core.WithIDGenerator
	WithSessionPersistence    = core.WithSessionPersistence
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// DefaultChannels returns the channel kinds available out of the box: the
// websocket relay, an in-process wallet under "memory", and placeholders
// for the browser and mobile transports.
func DefaultChannels() *transport.Registry {
	channels := transport.NewDefaultRegistry()
	_ = channels.RegisterFactory(transport.KindMemory, memoryWalletFactory)
	return channels
}

// NewRegistry builds a core registry whose channel is chosen by
// cfg.Transport.Kind. A WithChannelFactory option takes precedence.
func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	return NewRegistryWithChannels(cfg, DefaultChannels(), nil, opts...)
}

// NewRegistryWithChannels is NewRegistry over a caller supplied channel
// registry. channelConfig is handed to the channel factory for every core.
func NewRegistryWithChannels(
	cfg Config,
	channels *transport.Registry,
	channelConfig map[string]any,
	opts ...Option,
) (*Registry, error) {
	if channels == nil {
		channels = DefaultChannels()
	}
	kind := cfg.Transport.Kind
	if kind == "" {
		kind = core.DefaultConfig().Transport.Kind
	}
	options := make([]Option, 0, len(opts)+1)
	options = append(options, core.WithChannelFactory(channels.ChannelFactory(kind, channelConfig)))
	options = append(options, opts...)
	return core.NewRegistry(cfg, options...)
}

func memoryWalletFactory(ctx context.Context, identity string, config map[string]any) (core.Channel, error) {
	var opts []memwallet.Option
	if accounts, ok := config["accounts"].(map[string][]string); ok {
		for namespace, addresses := range accounts {
			opts = append(opts, memwallet.WithAccounts(namespace, addresses...))
		}
	}
	return memwallet.Factory(nil, opts...)(ctx, identity)
}
