// Package protocol implements the hub wire format: the negotiation
// handshake, the Invocation/StreamItem/Completion message set, and the two
// framing strategies that carry them over a duplex byte pipe.
//
// # Design goals
//
//   - Pluggable encoding: the same HubMessage set is carried by either a
//     JSON codec or a MessagePack codec, chosen during negotiation.
//   - No partial messages: ParseMessages only ever returns whole messages;
//     a trailing partial record is left untouched in the caller's buffer.
//   - Minimal allocation on the decode path: the MessagePack codec decodes
//     straight into typed arguments via reflection when a binder supplies
//     parameter types, rather than building an intermediate DOM.
//
// # Framing
//
// Text transports (WebSocket text frames, long-polling, SSE) use
// record-separator framing: each JSON-encoded message is terminated by a
// single 0x1E byte (see recordsep.go). Binary transports use length-prefix
// framing: a 7-bit varint byte count precedes each MessagePack-encoded
// message (see varint.go, msgpack_codec.go).
//
// # Negotiation
//
// Before any hub message flows, the client sends a NegotiationMessage
// (negotiate.go) naming the protocol it wants to speak; the server either
// accepts (by proceeding to exchange hub messages) or closes the
// connection.
//
// # Hub messages
//
// message.go defines the HubMessage sum type (Invocation, StreamItem,
// Completion) and the invariants each codec must uphold. codec.go defines
// the HubProtocol interface implemented by json_codec.go and
// msgpack_codec.go.
//
// # File structure
//
//   - varint.go: varint encoding/decoding, shared by the binary codec
//   - recordsep.go: record-separator (0x1E) text framing
//   - negotiate.go: NegotiationMessage encode/decode
//   - message.go: HubMessage sum type and MessageType discriminator
//   - binder.go: InvocationBinder interface
//   - codec.go: HubProtocol interface and codec registry
//   - json_codec.go: JSON hub protocol codec
//   - msgpack_codec.go: MessagePack hub protocol codec
package protocol
