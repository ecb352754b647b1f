package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-multichain/core"
)

// UnsupportedChannel stands in for channel kinds that only exist in a
// browser or mobile runtime. Every call fails.
type UnsupportedChannel struct {
	kind   string
	reason string
}

func NewUnsupportedChannel(kind string, reason string) *UnsupportedChannel {
	return &UnsupportedChannel{
		kind:   normalizeKind(kind),
		reason: strings.TrimSpace(reason),
	}
}

func (c *UnsupportedChannel) Kind() string {
	if c == nil {
		return ""
	}
	return c.kind
}

func (c *UnsupportedChannel) Open(context.Context, core.ChannelHandler) error {
	return c.err()
}

func (c *UnsupportedChannel) Send(context.Context, []byte) error {
	return c.err()
}

func (c *UnsupportedChannel) Close() error {
	return nil
}

func (c *UnsupportedChannel) err() error {
	if c == nil {
		return fmt.Errorf("transport: channel is nil")
	}
	message := fmt.Sprintf("transport: %s channel is not available", c.kind)
	if c.reason != "" {
		message += ": " + c.reason
	}
	return transportError(message, goerrors.CategoryOperation, http.StatusNotImplemented, map[string]any{
		"kind": c.kind,
	})
}

var _ core.Channel = (*UnsupportedChannel)(nil)
