package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/goliatone/go-multichain/core"
)

// PipeChannel is an in-process channel whose far end is a Peer. Frames are
// delivered synchronously and in order, which makes it the channel of choice
// for tests and for embedding a wallet in the same process.
type PipeChannel struct {
	mu        sync.Mutex
	open      bool
	handler   core.ChannelHandler
	peer      *Peer
	openErrs  []error
	openCount int
}

// Peer is the wallet side of a PipeChannel.
type Peer struct {
	channel *PipeChannel

	mu      sync.Mutex
	onFrame func(frame []byte)
	inbox   chan []byte
}

func NewPipe() (*PipeChannel, *Peer) {
	channel := &PipeChannel{}
	peer := &Peer{channel: channel, inbox: make(chan []byte, 64)}
	channel.peer = peer
	return channel, peer
}

// NewPipeFactory builds a fresh pipe per identity and hands the peer to
// onPeer before the channel is returned.
func NewPipeFactory(onPeer func(identity string, peer *Peer)) core.ChannelFactory {
	return func(_ context.Context, identity string) (core.Channel, error) {
		channel, peer := NewPipe()
		if onPeer != nil {
			onPeer(identity, peer)
		}
		return channel, nil
	}
}

// PipeFactory adapts NewPipeFactory to the registry factory signature.
func PipeFactory(onPeer func(identity string, peer *Peer)) Factory {
	build := NewPipeFactory(onPeer)
	return func(ctx context.Context, identity string, _ map[string]any) (core.Channel, error) {
		return build(ctx, identity)
	}
}

func (c *PipeChannel) Open(ctx context.Context, handler core.ChannelHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openCount++
	if len(c.openErrs) > 0 {
		err := c.openErrs[0]
		c.openErrs = c.openErrs[1:]
		return err
	}
	c.handler = handler
	c.open = true
	return nil
}

func (c *PipeChannel) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return ErrChannelNotOpen
	}
	c.peer.receive(append([]byte(nil), frame...))
	return nil
}

func (c *PipeChannel) Close() error {
	c.mu.Lock()
	c.open = false
	c.handler = core.ChannelHandler{}
	c.mu.Unlock()
	return nil
}

func (c *PipeChannel) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *PipeChannel) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openCount
}

// Drop simulates an unrequested loss of the channel.
func (c *PipeChannel) Drop(err error) {
	if err == nil {
		err = ErrChannelClosed
	}
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	onClose := c.handler.OnClose
	c.handler = core.ChannelHandler{}
	c.mu.Unlock()
	if onClose != nil {
		onClose(err)
	}
}

// FailOpens makes the next n calls to Open fail with err.
func (c *PipeChannel) FailOpens(n int, err error) {
	if err == nil {
		err = errors.New("transport: open refused")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for range n {
		c.openErrs = append(c.openErrs, err)
	}
}

func (c *PipeChannel) deliver(frame []byte) error {
	c.mu.Lock()
	open := c.open
	onFrame := c.handler.OnFrame
	c.mu.Unlock()
	if !open {
		return ErrChannelNotOpen
	}
	if onFrame != nil {
		onFrame(frame)
	}
	return nil
}

// OnFrame installs a synchronous handler for frames sent by the dapp. While a
// handler is installed frames bypass Receive.
func (p *Peer) OnFrame(handler func(frame []byte)) {
	p.mu.Lock()
	p.onFrame = handler
	p.mu.Unlock()
}

// Send pushes a frame to the dapp side.
func (p *Peer) Send(frame []byte) error {
	return p.channel.deliver(append([]byte(nil), frame...))
}

// Receive waits for the next frame sent by the dapp.
func (p *Peer) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.inbox:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Peer) Channel() *PipeChannel {
	return p.channel
}

func (p *Peer) receive(frame []byte) {
	p.mu.Lock()
	handler := p.onFrame
	p.mu.Unlock()
	if handler != nil {
		handler(frame)
		return
	}
	select {
	case p.inbox <- frame:
	default:
		// Receive is not keeping up; the oldest frame loses.
		select {
		case <-p.inbox:
		default:
		}
		select {
		case p.inbox <- frame:
		default:
		}
	}
}

var _ core.Channel = (*PipeChannel)(nil)
