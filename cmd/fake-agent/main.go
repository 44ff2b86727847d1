// ABOUTME: Minimal fake agent for end-to-end testing — connects over the unix socket, echoes commands.
// ABOUTME: Usage: fake-agent [-socket mist.sock] [-name echo]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/2389/mist-broker/internal/channel"
	"github.com/2389/mist-broker/internal/client"
	"github.com/2389/mist-broker/internal/protocol"
	"github.com/2389/mist-broker/internal/registry"
)

func main() {
	socket := flag.String("socket", "mist.sock", "broker unix socket path")
	name := flag.String("name", "echo", "agent name")
	flag.Parse()

	if err := run(*socket, *name); err != nil {
		log.Fatal(err)
	}
}

func run(socket, name string) error {
	c, err := client.Dial(socket)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer c.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	manifest := registry.Manifest{
		Name:        name,
		Description: "echoes commands back for end-to-end testing",
		Commands: []registry.Command{
			{Name: "echo", Description: "Echo the input back", Usage: "echo <text>"},
		},
	}

	identity, err := c.Register(ctx, manifest)
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	fmt.Fprintf(os.Stderr, "registered as %s\n", identity)

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		env, err := c.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, channel.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive failed: %w", err)
		}

		switch env.Type {
		case protocol.TypeCommand:
			if err := c.Send(echoReply(identity, env)); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
		case protocol.TypeAgentMessage, protocol.TypeAgentBroadcast:
			fmt.Fprintf(os.Stderr, "message from %s: %v\n", env.From, env.Payload)
		case protocol.TypeError:
			fmt.Fprintf(os.Stderr, "error from %s: %v\n", env.From, env.Payload["error"])
		default:
			fmt.Fprintf(os.Stderr, "ignoring %s from %s\n", env.Type, env.From)
		}
	}
}

// echoReply builds a response envelope mirroring the command text.
func echoReply(identity string, cmd *protocol.Envelope) *protocol.Envelope {
	text, _ := cmd.Payload["text"].(string)
	if text == "" {
		if command, ok := cmd.Payload["command"].(string); ok {
			text = command
		}
	}

	reply := strings.TrimSpace(text)
	if reply == "" {
		reply = "(empty command)"
	}

	return protocol.Reply(cmd, identity, protocol.TypeResponse, map[string]any{
		"type": "text",
		"content": map[string]any{
			"text": "echo: " + reply,
		},
	})
}
