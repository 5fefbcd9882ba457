// Package grpcstream manages a single bidirectional gRPC stream on behalf of
// higher-level stream types in a client SDK: it drives the stream's lifecycle
// state machine, keeps the stream always listening for server messages, and
// serializes outgoing messages so that at most one write is on the wire at a
// time.
//
// Sent and received messages are raw byte buffers; serialization and
// deserialization are left to the caller. Stream events are delivered to a
// StreamObserver, and every callback runs on a single serialized
// DispatchQueue, so observers never see two events concurrently.
//
// Observers carry a generation counter. A stream captures the observer's
// generation when it is created; once the observer bumps its generation, the
// stream stops notifying it and stops listening for new server messages,
// while writes already accepted are still sent as normal. This is cooperative
// cancellation: nothing in flight is interrupted except during the final
// drain that precedes teardown.
//
// Streams are disposable. Once a stream finishes, whether by the client, the
// server, or a failed operation, it cannot be restarted; create a new stream
// from the GrpcConnection instead.
package grpcstream
