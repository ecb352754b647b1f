package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-multichain/core"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 1 << 20
)

type WebSocketConfig struct {
	URL          string
	Header       http.Header
	WriteTimeout time.Duration
	ReadLimit    int64
}

// WebSocketChannel carries frames to a wallet relay over a websocket. Each
// frame is one text message.
type WebSocketChannel struct {
	config WebSocketConfig

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	reader  *readLoopState
}

// readLoopState belongs to one connection's read goroutine. inHandler is set
// while that goroutine runs a ChannelHandler callback.
type readLoopState struct {
	done      chan struct{}
	inHandler atomic.Bool
}

func NewWebSocketChannel(config WebSocketConfig) (*WebSocketChannel, error) {
	config.URL = strings.TrimSpace(config.URL)
	if config.URL == "" {
		return nil, badInput("transport: websocket url is required", nil)
	}
	if !strings.HasPrefix(config.URL, "ws://") && !strings.HasPrefix(config.URL, "wss://") {
		return nil, badInput("transport: websocket url must use ws or wss", map[string]any{"url": config.URL})
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = DefaultReadLimit
	}
	return &WebSocketChannel{config: config}, nil
}

// WebSocketFactory reads "url", "write_timeout" and "read_limit" from the
// kind config. The identity is sent as the X-Multichain-Instance header.
func WebSocketFactory(header http.Header) Factory {
	return func(_ context.Context, identity string, config map[string]any) (core.Channel, error) {
		url, _ := config["url"].(string)
		merged := http.Header{}
		for key, values := range header {
			merged[key] = append([]string(nil), values...)
		}
		if identity != "" {
			merged.Set("X-Multichain-Instance", identity)
		}
		return NewWebSocketChannel(WebSocketConfig{
			URL:          url,
			Header:       merged,
			WriteTimeout: durationValue(config["write_timeout"]),
			ReadLimit:    int64Value(config["read_limit"]),
		})
	}
}

func (c *WebSocketChannel) Open(ctx context.Context, handler core.ChannelHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	conn, _, err := websocket.Dial(ctx, c.config.URL, &websocket.DialOptions{
		HTTPHeader: c.config.Header,
	})
	if err != nil {
		return transportWrapError(err, goerrors.CategoryExternal, "transport: websocket dial failed", http.StatusBadGateway, map[string]any{
			"url": c.config.URL,
		})
	}
	conn.SetReadLimit(c.config.ReadLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	reader := &readLoopState{done: make(chan struct{})}
	c.conn = conn
	c.cancel = cancel
	c.reader = reader
	go c.readLoop(readCtx, conn, handler, reader)
	return nil
}

func (c *WebSocketChannel) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrChannelNotOpen
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		return transportWrapError(err, goerrors.CategoryExternal, "transport: websocket write failed", http.StatusBadGateway, nil)
	}
	return nil
}

// Close shuts the connection without reporting a loss. The channel can be
// opened again afterwards. Close waits for the read goroutine to exit unless
// it is called from one of that goroutine's handler callbacks.
func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	reader := c.reader
	c.conn = nil
	c.cancel = nil
	c.reader = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Close(websocket.StatusNormalClosure, "")
	cancel()
	if !reader.inHandler.Load() {
		<-reader.done
	}
	if err != nil && !isClosedError(err) {
		return err
	}
	return nil
}

func (c *WebSocketChannel) readLoop(ctx context.Context, conn *websocket.Conn, handler core.ChannelHandler, reader *readLoopState) {
	defer close(reader.done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if c.release(conn) && handler.OnClose != nil {
				reader.inHandler.Store(true)
				handler.OnClose(fmt.Errorf("%w: %v", ErrChannelClosed, err))
				reader.inHandler.Store(false)
			}
			return
		}
		if handler.OnFrame != nil {
			reader.inHandler.Store(true)
			handler.OnFrame(data)
			reader.inHandler.Store(false)
		}
	}
}

// release clears conn if it is still current and reports whether the loss
// was unrequested.
func (c *WebSocketChannel) release(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return false
	}
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.reader = nil
	_ = conn.CloseNow()
	return true
}

func isClosedError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}

func durationValue(value any) time.Duration {
	switch typed := value.(type) {
	case time.Duration:
		return typed
	case int:
		return time.Duration(typed) * time.Millisecond
	case int64:
		return time.Duration(typed) * time.Millisecond
	case float64:
		return time.Duration(typed) * time.Millisecond
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(typed))
		if err == nil {
			return parsed
		}
	}
	return 0
}

func int64Value(value any) int64 {
	switch typed := value.(type) {
	case int:
		return int64(typed)
	case int64:
		return typed
	case float64:
		return int64(typed)
	}
	return 0
}

var _ core.Channel = (*WebSocketChannel)(nil)
