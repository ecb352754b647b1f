package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type registryBuilder struct {
	runtimeConfig   Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	channelFactory  ChannelFactory
	storage         *StorageClient
	adapterFactory  StorageAdapterFactory
	eventSink       EventSink
	idGenerator     func() string
	persistSession  *bool
}

type Option func(*registryBuilder)

func WithLogger(logger Logger) Option {
	return func(b *registryBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *registryBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *registryBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *registryBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *registryBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *registryBuilder) {
		b.optionsResolver = resolver
	}
}

func WithChannelFactory(factory ChannelFactory) Option {
	return func(b *registryBuilder) {
		b.channelFactory = factory
	}
}

// WithStorage shares a caller owned storage client between cores. Each core
// still gets its own "{identity}:" key prefix.
func WithStorage(storage *StorageClient) Option {
	return func(b *registryBuilder) {
		b.storage = storage
	}
}

func WithStorageAdapterFactory(factory StorageAdapterFactory) Option {
	return func(b *registryBuilder) {
		b.adapterFactory = factory
	}
}

func WithEventSink(sink EventSink) Option {
	return func(b *registryBuilder) {
		b.eventSink = sink
	}
}

// WithIDGenerator replaces the uuid generator for request and pairing ids.
func WithIDGenerator(next func() string) Option {
	return func(b *registryBuilder) {
		b.idGenerator = next
	}
}

func WithSessionPersistence(enabled bool) Option {
	return func(b *registryBuilder) {
		b.persistSession = &enabled
	}
}

func defaultRegistryBuilder(runtime Config) registryBuilder {
	loggerProvider, logger := glog.Resolve(DefaultName, nil, nil)
	shared := NewMemoryStorage()
	return registryBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     MapError,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		adapterFactory: func(context.Context) (StorageAdapter, error) {
			return shared, nil
		},
	}
}

// NewRegistry resolves configuration and returns a Registry whose cores are
// built from the configured collaborators.
func NewRegistry(cfg Config, options ...Option) (*Registry, error) {
	builder := defaultRegistryBuilder(cfg)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve(DefaultName, builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger(DefaultName); named != nil {
			logger = glog.Ensure(named)
		}
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = MapError
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.channelFactory == nil {
		return nil, builder.errorMapper(badInputError("core: channel factory is required"))
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, builder.errorMapper(err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, builder.errorMapper(err)
	}
	if builder.persistSession != nil {
		finalConfig.Session.PersistSession = *builder.persistSession
	}

	factory := coreFactory(finalConfig, builder, logger)
	return NewRegistryWithFactory(factory, logger, builder.metricsRecorder)
}

func coreFactory(cfg Config, builder registryBuilder, logger Logger) CoreFactory {
	return func(ctx context.Context, identity string) (*Core, error) {
		storage, err := CreateIsolatedStorage(ctx, IsolatedStorageInput{
			InstanceID:     identity,
			UserStorage:    builder.storage,
			AdapterFactory: builder.adapterFactory,
		})
		if err != nil {
			return nil, builder.errorMapper(err)
		}
		channel, err := builder.channelFactory(ctx, identity)
		if err != nil {
			_ = storage.Close()
			return nil, builder.errorMapper(fmt.Errorf("core: build channel for %s: %w", identity, err))
		}

		transportOpts := []TransportOption{
			WithRequestTimeout(cfg.Transport.RequestTimeout),
			WithReconnectPolicy(ReconnectPolicy{
				MaxAttempts: cfg.Transport.ReconnectAttempts,
				Backoff:     cfg.Transport.ReconnectBackoff,
			}),
			WithTransportLogger(logger),
			WithTransportMetrics(builder.metricsRecorder),
			WithTransportInstance(identity),
		}
		pairingOpts := []PairingOption{WithPairingObserver(logger, builder.metricsRecorder)}
		if builder.idGenerator != nil {
			transportOpts = append(transportOpts, WithRequestIDGenerator(builder.idGenerator))
			pairingOpts = append(pairingOpts, WithPairingIDGenerator(builder.idGenerator))
		}
		transport, err := NewTransport(channel, transportOpts...)
		if err != nil {
			_ = storage.Close()
			return nil, builder.errorMapper(err)
		}
		state, err := NewSessionState(transport,
			WithExtendMethod(cfg.Session.ExtendMethod),
			WithSessionObserver(logger, builder.metricsRecorder),
			WithSessionIdentity(identity),
		)
		if err != nil {
			_ = storage.Close()
			return nil, builder.errorMapper(err)
		}
		return newCore(coreDeps{
			identity:  identity,
			config:    cfg,
			transport: transport,
			state:     state,
			storage:   storage,
			pairing:   NewPairingManager(identity, cfg.Pairing, pairingOpts...),
			sink:      builder.eventSink,
			logger:    logger,
			metrics:   builder.metricsRecorder,
		})
	}
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// StaticConfigLoader serves a fixed raw config map.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults, loaded config and runtime overrides.
// Runtime zero values never override lower layers.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, true),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Name) != "" {
		layer["name"] = cfg.Name
	}

	transport := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Transport.Kind) != "" {
		transport["kind"] = cfg.Transport.Kind
	}
	putDuration(transport, "request_timeout", cfg.Transport.RequestTimeout, includeZero)
	if includeZero || cfg.Transport.ReconnectAttempts != 0 {
		transport["reconnect_attempts"] = cfg.Transport.ReconnectAttempts
	}
	putDuration(transport, "reconnect_backoff", cfg.Transport.ReconnectBackoff, includeZero)
	if len(transport) > 0 {
		layer["transport"] = transport
	}

	session := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Session.ExtendMethod) != "" {
		session["extend_method"] = cfg.Session.ExtendMethod
	}
	if includeZero || cfg.Session.PersistSession {
		session["persist_session"] = cfg.Session.PersistSession
	}
	if len(session) > 0 {
		layer["session"] = session
	}

	pairing := map[string]any{}
	putDuration(pairing, "ttl", cfg.Pairing.TTL, includeZero)
	putDuration(pairing, "poll_interval", cfg.Pairing.PollInterval, includeZero)
	if includeZero || strings.TrimSpace(cfg.Pairing.Scheme) != "" {
		pairing["scheme"] = cfg.Pairing.Scheme
	}
	if len(pairing) > 0 {
		layer["pairing"] = pairing
	}
	return layer
}

func putDuration(layer map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}
