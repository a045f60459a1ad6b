// Package mock provides a scripted speech client for tests.
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/voxhall/relay/pkg/stt"
)

type Config struct {
	// ConnectErr makes Connect fail.
	ConnectErr error
	// ConnectGate, when non-nil, blocks Connect until it is closed. Lets
	// tests hold a session in the "connecting" state.
	ConnectGate chan struct{}
}

// Client is a hand-driven stt.Client: tests push results with Emit and
// observe what the relay sent with SentBytes.
type Client struct {
	cfg Config
	out chan stt.Result

	mu        sync.Mutex
	connected bool
	closed    bool
	outOnce   sync.Once

	sentBytes  atomic.Int64
	sentDrops  atomic.Int64
	closeCalls atomic.Int32
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg, out: make(chan stt.Result, 16)}
}

func (c *Client) Name() string { return "mock" }

func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.ConnectGate != nil {
		select {
		case <-c.cfg.ConnectGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.cfg.ConnectErr != nil {
		return c.cfg.ConnectErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return context.Canceled
	}
	c.connected = true
	return nil
}

func (c *Client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		c.sentDrops.Add(1)
		return nil
	}
	c.sentBytes.Add(int64(len(pcm)))
	return nil
}

func (c *Client) Results() <-chan stt.Result { return c.out }

func (c *Client) Close() error {
	c.closeCalls.Add(1)
	c.mu.Lock()
	c.closed = true
	c.connected = false
	c.mu.Unlock()
	c.outOnce.Do(func() { close(c.out) })
	return nil
}

// Emit pushes a scripted result to the relay.
func (c *Client) Emit(r stt.Result) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.out <- r
}

func (c *Client) SentBytes() int64    { return c.sentBytes.Load() }
func (c *Client) DroppedSends() int64 { return c.sentDrops.Load() }
func (c *Client) CloseCalls() int32   { return c.closeCalls.Load() }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

var _ stt.Client = (*Client)(nil)
