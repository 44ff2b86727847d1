// Package protocol defines the broker wire format: one JSON envelope
// per newline-terminated line, UTF-8 encoded.
//
// # Envelope
//
// Every message exchanged between the broker, agents, and front-end
// clients is an Envelope:
//
//	{"type":"command","id":"...","from":"ui-0","to":"notes-0",
//	 "payload":{...},"reply_to":"...","timestamp":"..."}
//
// type, id, from, and to are required; a record missing any of them
// fails Decode with ErrMalformed and is connection-fatal. payload
// defaults to an empty object. reply_to correlates a response with the
// id of the message it answers and is omitted otherwise.
//
// # Addressing
//
// Identities are broker-assigned (name-N). The reserved identity
// "broker" (BrokerID) addresses the broker itself; it is valid in both
// from and to.
//
// # Extensibility
//
// The type enumeration is open. Unknown types decode without error and
// the router forwards them like commands, so agents can speak private
// dialects through the broker without coordination.
package protocol
