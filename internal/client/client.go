// ABOUTME: Dialing client for broker connections over unix or TCP sockets.
// ABOUTME: Used by the CLI subcommands, the fake agent, and end-to-end tests.

package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/2389/mist-broker/internal/channel"
	"github.com/2389/mist-broker/internal/protocol"
	"github.com/2389/mist-broker/internal/registry"
)

// Client wraps a broker connection with registration and
// request/reply correlation helpers.
type Client struct {
	ch       *channel.Channel
	identity string
}

// Dial connects to a broker's unix socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	return &Client{ch: channel.New(conn)}, nil
}

// DialTCP connects to a broker's TCP listener.
func DialTCP(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{ch: channel.New(conn)}, nil
}

// New wraps an already-established connection, mainly for tests over
// net.Pipe.
func New(conn net.Conn) *Client {
	return &Client{ch: channel.New(conn)}
}

// Identity returns the broker-assigned identity, empty before Register.
func (c *Client) Identity() string {
	return c.identity
}

// Register sends agent.register with the given manifest and waits for
// the broker's agent.ready, recording the assigned identity.
func (c *Client) Register(ctx context.Context, manifest registry.Manifest) (string, error) {
	payload := map[string]any{
		"name":        manifest.Name,
		"description": manifest.Description,
	}
	if manifest.Kind != "" {
		payload["kind"] = manifest.Kind
	}
	if len(manifest.Commands) > 0 {
		cmds := make([]any, 0, len(manifest.Commands))
		for _, cmd := range manifest.Commands {
			cmds = append(cmds, map[string]any{
				"name":        cmd.Name,
				"description": cmd.Description,
				"usage":       cmd.Usage,
			})
		}
		payload["commands"] = cmds
	}
	if len(manifest.Panels) > 0 {
		panels := make([]any, 0, len(manifest.Panels))
		for _, p := range manifest.Panels {
			panels = append(panels, map[string]any{
				"id":    p.ID,
				"title": p.Title,
				"kind":  p.Kind,
			})
		}
		payload["panels"] = panels
	}
	for k, v := range manifest.Extra {
		payload[k] = v
	}

	env := protocol.New(protocol.TypeAgentRegister, manifest.Name, protocol.BrokerID, payload)
	if err := c.ch.Send(env); err != nil {
		return "", fmt.Errorf("sending registration: %w", err)
	}

	reply, err := c.recvCtx(ctx)
	if err != nil {
		return "", fmt.Errorf("awaiting registration reply: %w", err)
	}
	if reply.Type == protocol.TypeError {
		return "", fmt.Errorf("registration rejected: %v", reply.Payload["error"])
	}
	if reply.Type != protocol.TypeAgentReady {
		return "", fmt.Errorf("unexpected reply type %q", reply.Type)
	}
	identity, _ := reply.Payload["identity"].(string)
	if identity == "" {
		return "", fmt.Errorf("registration reply missing identity")
	}
	c.identity = identity
	return identity, nil
}

// Send writes an envelope to the broker.
func (c *Client) Send(env *protocol.Envelope) error {
	return c.ch.Send(env)
}

// Recv reads the next envelope from the broker.
func (c *Client) Recv() (*protocol.Envelope, error) {
	return c.ch.Recv()
}

// Request sends an envelope and waits for the reply correlated to it
// via reply_to. Uncorrelated envelopes received while waiting are
// passed to onOther when non-nil, otherwise dropped. Streaming chunks
// correlated to the request are also passed to onOther; the first
// correlated terminal envelope (anything but response.chunk) completes
// the call.
func (c *Client) Request(ctx context.Context, env *protocol.Envelope, onOther func(*protocol.Envelope)) (*protocol.Envelope, error) {
	if err := c.ch.Send(env); err != nil {
		return nil, err
	}
	for {
		reply, err := c.recvCtx(ctx)
		if err != nil {
			return nil, err
		}
		if reply.ReplyTo != env.ID {
			if onOther != nil {
				onOther(reply)
			}
			continue
		}
		if reply.Type == protocol.TypeResponseChunk {
			if onOther != nil {
				onOther(reply)
			}
			continue
		}
		return reply, nil
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.ch.Close()
}

// recvCtx reads the next envelope, abandoning the wait when ctx is
// cancelled. The read itself continues in the background; the channel
// is closed on cancellation so the connection does not leak.
func (c *Client) recvCtx(ctx context.Context) (*protocol.Envelope, error) {
	type result struct {
		env *protocol.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := c.ch.Recv()
		ch <- result{env, err}
	}()
	select {
	case res := <-ch:
		return res.env, res.err
	case <-ctx.Done():
		c.ch.Close()
		return nil, ctx.Err()
	}
}
