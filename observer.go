package grpcstream

import "google.golang.org/grpc/status"

// StreamObserver gets notified of events on a gRPC stream. Each higher-level
// stream type (a listen stream, a write stream) implements it once. All
// methods are invoked on the stream's DispatchQueue.
type StreamObserver interface {
	// OnStreamStart is called once the stream has been successfully
	// established.
	OnStreamStart()
	// OnStreamRead is called for each message received from the server.
	OnStreamRead(message []byte)
	// OnStreamError is called when the stream has been broken, perhaps by
	// the server. All errors are unrecoverable for the stream instance.
	OnStreamError(st *status.Status)

	// Generation returns an incrementally increasing number used to check
	// whether the observer is still interested in the completion of
	// previously started operations. Streams are tagged with the generation
	// of their observer at creation time; once the observer no longer cares
	// about that stream, it bumps its generation.
	Generation() int
}
