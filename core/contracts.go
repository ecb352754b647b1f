package core

import (
	"context"

	glog "github.com/goliatone/go-logger/glog"
)

// StorageAdapter is the key-value contract every backing store implements.
// A missing key is reported with found=false and a nil error.
type StorageAdapter interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}

// StorageAdapterFactory lazily builds the default adapter when the caller
// does not supply storage.
type StorageAdapterFactory func(ctx context.Context) (StorageAdapter, error)

// ChannelHandler receives inbound frames and unexpected channel loss.
type ChannelHandler struct {
	OnFrame func(frame []byte)
	OnClose func(err error)
}

// Channel is a duplex frame channel to the remote wallet. Frames are handed
// to OnFrame one at a time in arrival order. OnClose fires once for each
// loss the caller did not request through Close. Open may be called again
// after a loss to re-establish the channel.
type Channel interface {
	Open(ctx context.Context, handler ChannelHandler) error
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// ChannelFactory builds the channel for one dapp identity.
type ChannelFactory func(ctx context.Context, identity string) (Channel, error)

// EventSink receives every session event after facade fan-out.
type EventSink interface {
	Publish(ctx context.Context, event SessionEvent) error
}

// FacadeHandle is a client facade attached to a shared core.
type FacadeHandle interface {
	HandleSessionEvent(event SessionEvent)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
