// ABOUTME: Message router: per-connection registration state machine and dispatch by envelope type.
// ABOUTME: Owns the pending-reply table correlating commands with their eventual responses.

package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/2389/mist-broker/internal/channel"
	"github.com/2389/mist-broker/internal/protocol"
	"github.com/2389/mist-broker/internal/registry"
	"github.com/2389/mist-broker/internal/service"
)

// pendingReply tracks an in-flight command so its response can be
// relayed back to the true originating channel.
type pendingReply struct {
	origin   *channel.Channel
	originID string
	targetID string
}

// Router dispatches inbound envelopes to the registry, the service
// dispatcher, or another agent's channel.
type Router struct {
	registry *registry.Registry
	services *service.Dispatcher

	mu      sync.Mutex
	pending map[string]*pendingReply

	logger *slog.Logger
}

// NewRouter builds a router over the registry and service dispatcher.
func NewRouter(reg *registry.Registry, services *service.Dispatcher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: reg,
		services: services,
		pending:  make(map[string]*pendingReply),
		logger:   logger.With("component", "router"),
	}
}

// ServeChannel runs the per-connection read loop until the stream ends,
// a connection-fatal error occurs, or ctx is cancelled. The connection
// walks AWAITING_REGISTRATION -> ACTIVE -> CLOSED: only agent.register
// is accepted before registration, and registering twice is fatal for
// the connection.
//
// Teardown is synchronous: registry removal (which fires the queue's
// cancellation hook) and pending-reply invalidation complete before
// ServeChannel returns, so no later traffic can reference the identity.
func (r *Router) ServeChannel(ctx context.Context, ch *channel.Channel) {
	defer ch.Close()

	var identity string
	registered := false

	go func() {
		select {
		case <-ctx.Done():
			ch.Close()
		case <-ch.Done():
		}
	}()

	for {
		env, err := ch.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				r.logger.Warn("malformed envelope, closing connection",
					"identity", identity,
					"error", err,
				)
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				r.logger.Debug("connection read ended", "identity", identity, "error", err)
			}
			break
		}

		if !registered {
			if env.Type != protocol.TypeAgentRegister {
				r.logger.Warn("envelope before registration, closing connection",
					"type", env.Type,
					"remote", ch.RemoteAddr(),
				)
				r.sendFinal(ch, protocol.ErrorReply(env, protocol.BrokerID, "registration required"))
				break
			}
			agent, err := r.registry.Register(registry.ManifestFromPayload(env.Payload), ch)
			if err != nil {
				r.sendFinal(ch, protocol.ErrorReply(env, protocol.BrokerID, err.Error()))
				break
			}
			identity = agent.Identity
			registered = true
			r.send(ch, protocol.Reply(env, protocol.BrokerID, protocol.TypeAgentReady,
				map[string]any{"identity": identity}))
			continue
		}

		if closed := r.route(ctx, identity, env, ch); closed {
			break
		}
	}

	if registered {
		r.registry.Remove(identity)
	}
	r.invalidatePending(ch, identity)
}

// route handles one envelope from a registered connection. Returns true
// when the connection must close.
func (r *Router) route(ctx context.Context, identity string, env *protocol.Envelope, ch *channel.Channel) bool {
	switch env.Type {
	case protocol.TypeAgentRegister:
		// Registration-fatal for this connection; the first Agent
		// Record stays intact until teardown removes it.
		r.logger.Warn("duplicate registration", "identity", identity)
		r.sendFinal(ch, protocol.ErrorReply(env, protocol.BrokerID,
			registry.ErrDuplicateRegistration.Error()))
		return true

	case protocol.TypeAgentDisconnect:
		r.logger.Info("agent disconnecting", "identity", identity)
		return true

	case protocol.TypeAgentList:
		r.send(ch, protocol.Reply(env, protocol.BrokerID, protocol.TypeAgentCatalog,
			map[string]any{"agents": r.registry.Catalog()}))

	case protocol.TypeCommand:
		r.forwardCommand(identity, env, ch)

	case protocol.TypeResponse, protocol.TypeResponseEnd:
		r.deliverReply(env, true)

	case protocol.TypeResponseChunk:
		r.deliverReply(env, false)

	case protocol.TypeServiceRequest:
		r.dispatchService(ctx, identity, env, ch)

	case protocol.TypeAgentMessage:
		r.forwardDirect(env, ch)

	case protocol.TypeAgentBroadcast:
		r.broadcast(identity, env)

	case protocol.TypeError:
		// Agent-originated error replies flow back like responses.
		r.deliverReply(env, true)

	default:
		// Forward-compatible pass-through: unknown types addressed to a
		// live identity behave like commands.
		if env.To == protocol.BrokerID {
			r.send(ch, protocol.ErrorReply(env, protocol.BrokerID,
				"unknown message type: "+env.Type))
			return false
		}
		r.forwardCommand(identity, env, ch)
	}
	return false
}

// forwardCommand relays env to the channel owning env.To, recording a
// pending-reply entry so the eventual response finds its way back.
func (r *Router) forwardCommand(identity string, env *protocol.Envelope, ch *channel.Channel) {
	target, err := r.registry.Lookup(env.To)
	if err != nil {
		r.send(ch, protocol.ErrorReply(env, protocol.BrokerID, "unknown agent: "+env.To))
		return
	}

	r.mu.Lock()
	r.pending[env.ID] = &pendingReply{origin: ch, originID: identity, targetID: target.Identity}
	r.mu.Unlock()

	if err := target.Channel.Send(env); err != nil {
		r.mu.Lock()
		delete(r.pending, env.ID)
		r.mu.Unlock()
		r.send(ch, protocol.ErrorReply(env, protocol.BrokerID, "agent disconnected: "+env.To))
	}
}

// deliverReply routes a response back through the pending-reply table.
// Chunked responses keep the entry alive until the terminal envelope.
// An unresolvable reply_to is logged and dropped, never fatal.
func (r *Router) deliverReply(env *protocol.Envelope, terminal bool) {
	if env.ReplyTo == "" {
		r.logger.Warn("response without reply_to", "type", env.Type, "from", env.From)
		return
	}

	r.mu.Lock()
	entry, ok := r.pending[env.ReplyTo]
	if ok && terminal {
		delete(r.pending, env.ReplyTo)
	}
	r.mu.Unlock()

	if !ok {
		// Sender and recipient may be direct peers with no broker-side
		// correlation; forward when the recipient is live.
		if target, err := r.registry.Lookup(env.To); err == nil {
			if err := target.Channel.Send(env); err != nil {
				r.logger.Warn("failed to forward response", "to", env.To)
			}
			return
		}
		r.logger.Warn("response with no pending command", "reply_to", env.ReplyTo)
		return
	}

	if err := entry.origin.Send(env); err != nil {
		r.logger.Warn("failed to deliver response to origin",
			"reply_to", env.ReplyTo,
			"origin", entry.originID,
		)
	}
}

func (r *Router) dispatchService(ctx context.Context, identity string, env *protocol.Envelope, ch *channel.Channel) {
	agent, err := r.registry.Lookup(identity)
	if err != nil {
		// Identity removed mid-flight; the connection is on its way down.
		return
	}
	caller := service.Caller{
		Identity:   identity,
		Namespace:  agent.Manifest.Name,
		Privileged: agent.Privileged,
	}
	r.services.Dispatch(ctx, caller, env, ch)
}

// forwardDirect relays an inter-agent message to the named identity,
// preserving From. No pending entry: correlation is the agents' own
// concern.
func (r *Router) forwardDirect(env *protocol.Envelope, ch *channel.Channel) {
	target, err := r.registry.Lookup(env.To)
	if err != nil {
		r.send(ch, protocol.ErrorReply(env, protocol.BrokerID, "unknown agent: "+env.To))
		return
	}
	if err := target.Channel.Send(env); err != nil {
		r.send(ch, protocol.ErrorReply(env, protocol.BrokerID, "agent disconnected: "+env.To))
	}
}

// broadcast fans env out to every registered agent except the sender.
// UI-class registrations are skipped; broadcast is inter-agent traffic.
func (r *Router) broadcast(identity string, env *protocol.Envelope) {
	for _, agent := range r.registry.All() {
		if agent.Identity == identity || agent.Manifest.Kind == registry.KindUI {
			continue
		}
		if err := agent.Channel.Send(env); err != nil {
			r.logger.Debug("broadcast delivery failed", "to", agent.Identity)
		}
	}
}

// invalidatePending drops entries originated by the closed channel and
// entries targeting the removed identity. Responses for the former have
// nowhere to go; commands to the latter will never be answered.
func (r *Router) invalidatePending(ch *channel.Channel, identity string) {
	type orphan struct {
		id    string
		entry *pendingReply
	}
	r.mu.Lock()
	var orphaned []orphan
	for id, entry := range r.pending {
		if entry.origin == ch || (identity != "" && entry.targetID == identity) {
			delete(r.pending, id)
			if entry.origin != ch {
				orphaned = append(orphaned, orphan{id: id, entry: entry})
			}
		}
	}
	r.mu.Unlock()

	// The sender must always learn that delivery failed: commands whose
	// target vanished get a terminal error instead of a silent timeout.
	for _, o := range orphaned {
		env := protocol.New(protocol.TypeError, protocol.BrokerID, o.entry.originID,
			map[string]any{"error": "agent disconnected: " + o.entry.targetID})
		env.ReplyTo = o.id
		if err := o.entry.origin.Send(env); err != nil {
			r.logger.Debug("failed to notify origin of lost target", "origin", o.entry.originID)
		}
	}
}

// PendingCount reports the number of outstanding pending replies.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) send(ch *channel.Channel, env *protocol.Envelope) {
	if err := ch.Send(env); err != nil {
		r.logger.Debug("send on closed channel", "type", env.Type)
	}
}

// sendFinal writes a connection-fatal reply directly so it reaches the
// wire before the close that follows drops the outbound buffer.
func (r *Router) sendFinal(ch *channel.Channel, env *protocol.Envelope) {
	if err := ch.SendSync(env); err != nil {
		r.logger.Debug("failed to deliver final reply", "type", env.Type, "error", err)
	}
}
