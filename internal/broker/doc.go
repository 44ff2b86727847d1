// Package broker wires the subsystems into a running message broker
// and routes envelopes between connections.
//
// # Topology
//
// Broker owns the listeners (unix socket, optionally TCP) and spawns
// one Router read loop per accepted connection. The Router consults the
// registry for addressing, hands service.request envelopes to the
// service dispatcher, and relays everything else between channels.
//
// # Connection lifecycle
//
// A connection must send agent.register before anything else. On
// success the broker answers agent.ready with the assigned identity and
// the connection becomes routable. Registering twice, sending before
// registration, or producing a malformed record closes the connection.
// Teardown is synchronous: by the time the read loop returns, the
// identity is out of the registry, its queued inference work is
// cancelled, and every pending command targeting it has been answered
// with a terminal error.
//
// # Reply correlation
//
// Commands forwarded between connections leave a pending-reply entry
// keyed by envelope id. Responses and chunks from the target are routed
// back to the true originating channel via reply_to; a terminal
// response clears the entry.
package broker
