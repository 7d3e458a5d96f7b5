// Package comm multiplexes logical client channels over a single session
// transport. Each client is a named bidirectional sub-channel with its own
// open/data/close stream.
package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/cmejia91/kernelhub/internal/runtime"
)

// ClientState tracks a comm channel through its lifecycle.
type ClientState int

const (
	ClientUninitialized ClientState = iota
	ClientOpening
	ClientConnected
	ClientClosing
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientUninitialized:
		return "uninitialized"
	case ClientOpening:
		return "opening"
	case ClientConnected:
		return "connected"
	case ClientClosing:
		return "closing"
	case ClientClosed:
		return "closed"
	default:
		return fmt.Sprintf("clientState(%d)", int(s))
	}
}

// Client is one logical comm channel within a session. Its lifetime is
// bounded by the owning session: when the session exits, every client is
// force-closed whether or not the transport managed to close it.
type Client struct {
	id         string
	sessionID  string
	clientType runtime.ClientType
	session    runtime.Session

	mu        sync.Mutex
	state     ClientState
	onMessage func(messageID string, payload map[string]any)
}

// ID returns the process-unique client id.
func (c *Client) ID() string { return c.id }

// SessionID returns the owning session.
func (c *Client) SessionID() string { return c.sessionID }

// Type returns the protocol spoken over this channel.
func (c *Client) Type() runtime.ClientType { return c.clientType }

// State returns the current channel state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnMessage sets the receiver for backend messages addressed to this client.
func (c *Client) OnMessage(fn func(messageID string, payload map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// Send routes a payload to the backend side of the channel.
func (c *Client) Send(ctx context.Context, messageID string, payload map[string]any) error {
	c.mu.Lock()
	if c.state != ClientConnected {
		c.mu.Unlock()
		return fmt.Errorf("client %s is %s: %w", c.id, c.state, runtime.ErrUnknownClient)
	}
	c.mu.Unlock()
	return c.session.SendClientMessage(ctx, c.id, messageID, payload)
}

func (c *Client) deliver(messageID string, payload map[string]any) {
	c.mu.Lock()
	fn := c.onMessage
	state := c.state
	c.mu.Unlock()
	if state == ClientConnected && fn != nil {
		fn(messageID, payload)
	}
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
