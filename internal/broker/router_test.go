// ABOUTME: End-to-end router tests over in-memory pipe connections.
// ABOUTME: Covers the registration state machine, command relay, disconnect cleanup, and broadcast.

package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/mist-broker/internal/channel"
	"github.com/2389/mist-broker/internal/client"
	"github.com/2389/mist-broker/internal/config"
	"github.com/2389/mist-broker/internal/protocol"
	"github.com/2389/mist-broker/internal/queue"
	"github.com/2389/mist-broker/internal/registry"
	"github.com/2389/mist-broker/internal/store"
)

type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, req queue.Request) (queue.Result, error) {
	return queue.Result{Text: "echo: " + req.Prompt}, nil
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Admin.AgentName = "overseer"
	b, err := New(cfg, nil, WithStore(st), WithRunner(echoRunner{}))
	require.NoError(t, err)
	return b
}

// connect attaches a client to the broker over an in-memory pipe and
// starts the server-side read loop.
func connect(t *testing.T, b *Broker) *client.Client {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go b.Router().ServeChannel(ctx, channel.New(serverSide))

	c := client.New(clientSide)
	t.Cleanup(func() {
		c.Close()
		cancel()
	})
	return c
}

func register(t *testing.T, c *client.Client, m registry.Manifest) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	identity, err := c.Register(ctx, m)
	require.NoError(t, err)
	return identity
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRegistrationRequired(t *testing.T) {
	b := newTestBroker(t)
	c := connect(t, b)

	// Anything but agent.register is rejected before registration.
	env := protocol.New(protocol.TypeCommand, "nobody", "notes-0", nil)
	require.NoError(t, c.Send(env))

	reply, err := c.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, reply.Type)
	require.Equal(t, env.ID, reply.ReplyTo)
	require.Contains(t, reply.Payload["error"], "registration required")

	// The connection is closed afterwards.
	_, err = c.Recv()
	require.Error(t, err)
}

func TestRegisterAssignsIdentity(t *testing.T) {
	b := newTestBroker(t)

	first := register(t, connect(t, b), registry.Manifest{Name: "notes"})
	second := register(t, connect(t, b), registry.Manifest{Name: "notes"})

	require.Equal(t, "notes-0", first)
	require.Equal(t, "notes-1", second)
}

func TestDuplicateRegistrationIsFatal(t *testing.T) {
	b := newTestBroker(t)
	c := connect(t, b)
	register(t, c, registry.Manifest{Name: "notes"})

	env := protocol.New(protocol.TypeAgentRegister, "notes", protocol.BrokerID,
		map[string]any{"name": "notes"})
	require.NoError(t, c.Send(env))

	reply, err := c.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, reply.Type)

	_, err = c.Recv()
	require.Error(t, err, "connection must close after duplicate registration")
}

func TestAgentListCatalog(t *testing.T) {
	b := newTestBroker(t)

	agent := connect(t, b)
	register(t, agent, registry.Manifest{
		Name:     "notes",
		Commands: []registry.Command{{Name: "add", Description: "Add a note"}},
	})

	ui := connect(t, b)
	uiIdentity := register(t, ui, registry.Manifest{Name: "dashboard", Kind: registry.KindUI})

	req := protocol.New(protocol.TypeAgentList, uiIdentity, protocol.BrokerID, nil)
	reply, err := ui.Request(testCtx(t), req, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAgentCatalog, reply.Type)

	agents, ok := reply.Payload["agents"].([]any)
	require.True(t, ok, "payload: %v", reply.Payload)
	require.Len(t, agents, 1, "ui connections must not appear in the catalog")

	row, ok := agents[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "notes-0", row["identity"])
	require.Equal(t, "notes", row["name"])
}

func TestCatalogCarriesPanels(t *testing.T) {
	b := newTestBroker(t)

	agent := connect(t, b)
	register(t, agent, registry.Manifest{
		Name:     "mail",
		Commands: []registry.Command{{Name: "check"}},
		Panels:   []registry.Panel{{ID: "inbox", Title: "Inbox", Kind: "list"}},
	})

	ui := connect(t, b)
	uiIdentity := register(t, ui, registry.Manifest{Name: "dashboard", Kind: registry.KindUI})

	req := protocol.New(protocol.TypeAgentList, uiIdentity, protocol.BrokerID, nil)
	reply, err := ui.Request(testCtx(t), req, nil)
	require.NoError(t, err)

	agents, ok := reply.Payload["agents"].([]any)
	require.True(t, ok, "payload: %v", reply.Payload)
	require.Len(t, agents, 1)

	row, ok := agents[0].(map[string]any)
	require.True(t, ok)
	panels, ok := row["panels"].([]any)
	require.True(t, ok, "row: %v", row)
	require.Len(t, panels, 1, "registered panels must survive into the catalog")

	panel, ok := panels[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "inbox", panel["id"])
	require.Equal(t, "Inbox", panel["title"])
	require.Equal(t, "list", panel["kind"])
}

func TestCommandResponseRelay(t *testing.T) {
	b := newTestBroker(t)

	agent := connect(t, b)
	agentIdentity := register(t, agent, registry.Manifest{Name: "notes"})

	ui := connect(t, b)
	uiIdentity := register(t, ui, registry.Manifest{Name: "dashboard", Kind: registry.KindUI})

	cmd := protocol.New(protocol.TypeCommand, uiIdentity, agentIdentity,
		map[string]any{"text": "add milk"})
	require.NoError(t, ui.Send(cmd))

	// The agent receives the command with sender identity preserved.
	received, err := agent.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeCommand, received.Type)
	require.Equal(t, cmd.ID, received.ID)
	require.Equal(t, uiIdentity, received.From)

	require.NoError(t, agent.Send(protocol.Reply(received, agentIdentity,
		protocol.TypeResponse, map[string]any{
			"type":    "text",
			"content": map[string]any{"text": "noted"},
		})))

	reply, err := ui.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeResponse, reply.Type)
	require.Equal(t, cmd.ID, reply.ReplyTo)
	require.Equal(t, agentIdentity, reply.From)

	require.Equal(t, 0, b.Router().PendingCount(), "terminal response must clear the pending entry")
}

func TestChunkedResponseRelay(t *testing.T) {
	b := newTestBroker(t)

	agent := connect(t, b)
	agentIdentity := register(t, agent, registry.Manifest{Name: "notes"})
	ui := connect(t, b)
	uiIdentity := register(t, ui, registry.Manifest{Name: "dashboard", Kind: registry.KindUI})

	cmd := protocol.New(protocol.TypeCommand, uiIdentity, agentIdentity,
		map[string]any{"text": "summarize"})
	require.NoError(t, ui.Send(cmd))

	received, err := agent.Recv()
	require.NoError(t, err)

	for _, chunk := range []string{"part one, ", "part two"} {
		require.NoError(t, agent.Send(protocol.Reply(received, agentIdentity,
			protocol.TypeResponseChunk, map[string]any{"text": chunk})))
	}
	require.NoError(t, agent.Send(protocol.Reply(received, agentIdentity,
		protocol.TypeResponseEnd, map[string]any{"text": "part one, part two"})))

	var text string
	for {
		reply, err := ui.Recv()
		require.NoError(t, err)
		require.Equal(t, cmd.ID, reply.ReplyTo)
		if reply.Type == protocol.TypeResponseChunk {
			chunk, _ := reply.Payload["text"].(string)
			text += chunk
			continue
		}
		require.Equal(t, protocol.TypeResponseEnd, reply.Type)
		break
	}
	require.Equal(t, "part one, part two", text)
	require.Equal(t, 0, b.Router().PendingCount())
}

func TestCommandToUnknownAgent(t *testing.T) {
	b := newTestBroker(t)
	ui := connect(t, b)
	uiIdentity := register(t, ui, registry.Manifest{Name: "dashboard", Kind: registry.KindUI})

	cmd := protocol.New(protocol.TypeCommand, uiIdentity, "ghost-9", nil)
	reply, err := ui.Request(testCtx(t), cmd, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, reply.Type)
	require.Contains(t, reply.Payload["error"], "unknown agent")
	require.Equal(t, 0, b.Router().PendingCount())
}

func TestDisconnectOrphansPendingCommand(t *testing.T) {
	b := newTestBroker(t)

	agent := connect(t, b)
	agentIdentity := register(t, agent, registry.Manifest{Name: "notes"})
	ui := connect(t, b)
	uiIdentity := register(t, ui, registry.Manifest{Name: "dashboard", Kind: registry.KindUI})

	cmd := protocol.New(protocol.TypeCommand, uiIdentity, agentIdentity, nil)
	require.NoError(t, ui.Send(cmd))
	_, err := agent.Recv()
	require.NoError(t, err)

	// The agent dies before answering.
	agent.Close()

	reply, err := ui.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, reply.Type)
	require.Equal(t, cmd.ID, reply.ReplyTo, "orphan notification must correlate to the command")
	require.Contains(t, reply.Payload["error"], "agent disconnected")
	require.Equal(t, 0, b.Router().PendingCount())

	// The registry drops the agent too.
	require.Eventually(t, func() bool {
		_, err := b.Registry().Lookup(agentIdentity)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGracefulDisconnect(t *testing.T) {
	b := newTestBroker(t)
	c := connect(t, b)
	identity := register(t, c, registry.Manifest{Name: "notes"})

	require.NoError(t, c.Send(protocol.New(protocol.TypeAgentDisconnect,
		identity, protocol.BrokerID, nil)))

	require.Eventually(t, func() bool {
		_, err := b.Registry().Lookup(identity)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastSkipsSenderAndUI(t *testing.T) {
	b := newTestBroker(t)

	alpha := connect(t, b)
	alphaIdentity := register(t, alpha, registry.Manifest{Name: "alpha"})
	beta := connect(t, b)
	register(t, beta, registry.Manifest{Name: "beta"})
	ui := connect(t, b)
	uiIdentity := register(t, ui, registry.Manifest{Name: "dashboard", Kind: registry.KindUI})

	msg := protocol.New(protocol.TypeAgentBroadcast, alphaIdentity, protocol.BrokerID,
		map[string]any{"note": "hello all"})
	require.NoError(t, alpha.Send(msg))

	got, err := beta.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAgentBroadcast, got.Type)
	require.Equal(t, alphaIdentity, got.From)

	// The ui connection must not see the broadcast. A follow-up request
	// on the same connection proves nothing arrived before its reply.
	listReq := protocol.New(protocol.TypeAgentList, uiIdentity, protocol.BrokerID, nil)
	require.NoError(t, ui.Send(listReq))
	next, err := ui.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAgentCatalog, next.Type)
	require.Equal(t, listReq.ID, next.ReplyTo)
}

func TestDirectMessageRelay(t *testing.T) {
	b := newTestBroker(t)

	alpha := connect(t, b)
	alphaIdentity := register(t, alpha, registry.Manifest{Name: "alpha"})
	beta := connect(t, b)
	betaIdentity := register(t, beta, registry.Manifest{Name: "beta"})

	msg := protocol.New(protocol.TypeAgentMessage, alphaIdentity, betaIdentity,
		map[string]any{"note": "psst"})
	require.NoError(t, alpha.Send(msg))

	got, err := beta.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAgentMessage, got.Type)
	require.Equal(t, alphaIdentity, got.From)
	require.Equal(t, "psst", got.Payload["note"])
}

func TestUnknownTypePassThrough(t *testing.T) {
	b := newTestBroker(t)

	agent := connect(t, b)
	agentIdentity := register(t, agent, registry.Manifest{Name: "notes"})
	ui := connect(t, b)
	uiIdentity := register(t, ui, registry.Manifest{Name: "dashboard", Kind: registry.KindUI})

	// Unknown types addressed to a live identity are forwarded opaquely.
	custom := protocol.New("notes.custom.sync", uiIdentity, agentIdentity,
		map[string]any{"x": float64(1)})
	require.NoError(t, ui.Send(custom))

	got, err := agent.Recv()
	require.NoError(t, err)
	require.Equal(t, "notes.custom.sync", got.Type)

	// Unknown types addressed to the broker itself are an error.
	bogus := protocol.New("broker.levitate", uiIdentity, protocol.BrokerID, nil)
	reply, err := ui.Request(testCtx(t), bogus, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, reply.Type)
	require.Contains(t, reply.Payload["error"], "unknown message type")
}

func TestServiceRequestNamespaceSurvivesReconnect(t *testing.T) {
	b := newTestBroker(t)
	ctx := testCtx(t)

	agent := connect(t, b)
	identity := register(t, agent, registry.Manifest{Name: "notes"})

	create := protocol.New(protocol.TypeServiceRequest, identity, protocol.BrokerID,
		map[string]any{
			"service": "tasks",
			"action":  "create",
			"params":  map[string]any{"title": "persist me"},
		})
	reply, err := agent.Request(ctx, create, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeServiceResponse, reply.Type)

	// Reconnect under the same declared name: new identity, same records.
	agent.Close()
	again := connect(t, b)
	newIdentity := register(t, again, registry.Manifest{Name: "notes"})
	require.NotEqual(t, identity, newIdentity)

	list := protocol.New(protocol.TypeServiceRequest, newIdentity, protocol.BrokerID,
		map[string]any{"service": "tasks", "action": "list"})
	reply, err = again.Request(ctx, list, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeServiceResponse, reply.Type)

	rows, ok := reply.Payload["result"].([]any)
	require.True(t, ok, "payload: %v", reply.Payload)
	require.Len(t, rows, 1)
}

func TestInferenceThroughRouter(t *testing.T) {
	b := newTestBroker(t)

	agent := connect(t, b)
	identity := register(t, agent, registry.Manifest{Name: "notes"})

	req := protocol.New(protocol.TypeServiceRequest, identity, protocol.BrokerID,
		map[string]any{
			"service": "llm",
			"action":  "chat",
			"params":  map[string]any{"prompt": "hello"},
		})
	reply, err := agent.Request(testCtx(t), req, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeServiceResponse, reply.Type)
	require.Equal(t, "echo: hello", reply.Payload["result"])
}

func TestConcurrentInferenceResultsStayWithCaller(t *testing.T) {
	b := newTestBroker(t)

	alpha := connect(t, b)
	alphaIdentity := register(t, alpha, registry.Manifest{Name: "alpha"})
	beta := connect(t, b)
	betaIdentity := register(t, beta, registry.Manifest{Name: "beta"})

	chat := func(identity, prompt string) *protocol.Envelope {
		return protocol.New(protocol.TypeServiceRequest, identity, protocol.BrokerID,
			map[string]any{
				"service": "llm",
				"action":  "chat",
				"params":  map[string]any{"prompt": prompt},
			})
	}

	// Both requests are in flight before either reply is read, so the
	// queue holds work for two same-priority callers at once.
	reqAlpha := chat(alphaIdentity, "from alpha")
	reqBeta := chat(betaIdentity, "from beta")
	require.NoError(t, alpha.Send(reqAlpha))
	require.NoError(t, beta.Send(reqBeta))

	replyAlpha, err := alpha.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeServiceResponse, replyAlpha.Type)
	require.Equal(t, reqAlpha.ID, replyAlpha.ReplyTo)
	require.Equal(t, "echo: from alpha", replyAlpha.Payload["result"])

	replyBeta, err := beta.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeServiceResponse, replyBeta.Type)
	require.Equal(t, reqBeta.ID, replyBeta.ReplyTo)
	require.Equal(t, "echo: from beta", replyBeta.Payload["result"])
}
