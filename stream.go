package grpcstream

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// streamState values are linearly ordered: a stream can never transition to
// an "earlier" state, only to a "later" one. Intermediate states can be
// skipped (e.g. a stream can go from Starting directly to Finishing).
type streamState int

const (
	streamNotStarted streamState = iota
	streamStarting
	streamOpen
	streamFinishing
	streamFinished
)

func (s streamState) String() string {
	switch s {
	case streamNotStarted:
		return "NotStarted"
	case streamStarting:
		return "Starting"
	case streamOpen:
		return "Open"
	case streamFinishing:
		return "Finishing"
	case streamFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// GrpcStream is a bidirectional gRPC stream that notifies the given observer
// about stream events.
//
// The stream has to be explicitly opened (via Start) before it can be used.
// Once open, the stream is always listening for new messages from the server,
// and messages given to Write are queued and sent out one by one.
//
// The stream will not notify the observer about a finish initiated by the
// client, nor about the final write produced by WriteAndFinish. Once the
// observer bumps its generation past the stream's snapshot, the stream stops
// notifying it entirely and stops listening for new server messages; writes
// already accepted are still sent as normal.
//
// Every method must be invoked on the stream's DispatchQueue. The stream is
// disposable: once it finishes it cannot be restarted.
type GrpcStream struct {
	id    string
	call  transportCall
	queue DispatchQueue
	lg    *zap.Logger

	observer StreamObserver
	// Generation of the observer at the time this stream was created.
	generation int

	writer     *bufferedWriter
	operations []streamOperation

	state streamState
	// True when the stream should finalize as soon as the writer drains
	// (set by WriteAndFinish).
	finishAfterWrite bool

	// Sanity check: at most one read may be outstanding at a time.
	hasPendingRead bool
}

func newGrpcStream(call transportCall, observer StreamObserver, queue DispatchQueue, lg *zap.Logger) *GrpcStream {
	id := uuid.NewString()
	s := &GrpcStream{
		id:         id,
		call:       call,
		queue:      queue,
		lg:         lg.With(zap.String("stream-id", id)),
		observer:   observer,
		generation: observer.Generation(),
	}
	s.writer = newBufferedWriter(s.issueWrite)
	return s
}

// Start opens the stream. May only be called once, on a NotStarted stream.
// Failure to open is reported asynchronously through the observer, never by
// return value.
func (s *GrpcStream) Start() {
	s.assertOnQueue()
	if s.state != streamNotStarted {
		s.fail("Start called on a stream in state %s", s.state)
	}
	s.lg.Debug("starting stream")
	s.state = streamStarting
	s.execute(&startOperation{baseOperation: s.newBase()})
}

// Write queues message for sending. Messages written before the stream opens
// are buffered and flushed on open. Writes on a finishing or finished stream
// are silently dropped.
func (s *GrpcStream) Write(message []byte) {
	s.assertOnQueue()
	if s.state >= streamFinishing {
		s.lg.Debug("dropping write on unusable stream",
			zap.Stringer("state", s.state), zap.Int("bytes", len(message)))
		return
	}
	s.writer.enqueue(message)
}

// Finish tears the stream down: it cancels and drains every outstanding
// operation, closes the client half of the call, and leaves the stream
// Finished. It produces no observer notification. Finish may be called from
// any state before Finished, including before the stream has opened; calling
// it on a finished stream is a programmer error.
//
// Calling Finish while the final write from WriteAndFinish is still pending
// abandons that write and tears the stream down immediately.
func (s *GrpcStream) Finish() {
	s.assertOnQueue()
	if s.state == streamFinished {
		s.fail("Finish called on an already-finished stream")
	}
	s.lg.Debug("finishing stream", zap.Stringer("state", s.state))
	if s.state == streamNotStarted {
		// The call was never started; there is nothing to drain.
		s.call.cancel()
		s.state = streamFinished
		return
	}
	s.finishLocally()
}

// WriteAndFinish writes message and finishes the stream as soon as that
// write succeeds. Queued-but-unissued writes are discarded. Neither the
// write nor the finish notifies the observer.
//
// If the stream has not opened yet, WriteAndFinish is equivalent to Finish
// and the message is discarded. The return value reports whether the write
// was actually attempted.
func (s *GrpcStream) WriteAndFinish(message []byte) bool {
	s.assertOnQueue()
	if s.state != streamOpen {
		s.lg.Debug("WriteAndFinish on unopened stream, discarding message",
			zap.Stringer("state", s.state))
		if s.state < streamFinishing {
			s.Finish()
		}
		return false
	}
	s.writer.discardUnissued()
	s.finishAfterWrite = true
	s.state = streamFinishing
	s.writer.enqueue(message)
	// Covers WriteAndFinish from inside OnStreamStart, where the writer has
	// not been started yet.
	if !s.writer.started {
		s.writer.start()
	}
	return true
}

// IsFinished reports whether the stream has reached its terminal state.
func (s *GrpcStream) IsFinished() bool {
	s.assertOnQueue()
	return s.state == streamFinished
}

// GetResponseHeaders returns the response metadata received from the server.
// It returns nil until the stream has opened.
func (s *GrpcStream) GetResponseHeaders() metadata.MD {
	s.assertOnQueue()
	if s.state < streamOpen {
		return nil
	}
	return s.call.responseHeaders()
}

// Completion handlers, invoked only by stream operations.

func (s *GrpcStream) onStart() {
	if s.state != streamStarting {
		s.fail("start completed in state %s", s.state)
	}
	s.state = streamOpen
	if s.sameGeneration() {
		s.observer.OnStreamStart()
	}
	// The observer may have finished the stream from inside the callback.
	if s.state != streamOpen {
		return
	}
	if s.sameGeneration() {
		s.read()
	}
	// Pending writes go out even if the observer has moved on.
	s.writer.start()
}

func (s *GrpcStream) onRead(message []byte) {
	s.hasPendingRead = false
	if s.state != streamOpen || !s.sameGeneration() {
		// Stale generation or a finish is underway: stop listening. Writes
		// already in flight are unaffected.
		return
	}
	s.observer.OnStreamRead(message)
	if s.state == streamOpen {
		s.read()
	}
}

func (s *GrpcStream) onWrite() {
	s.writer.onWriteSettled()
	if s.finishAfterWrite && s.writer.idle() {
		s.lg.Debug("final write settled")
		s.finishLocally()
	}
}

func (s *GrpcStream) onOperationFailed(err error) {
	if s.state == streamFinished {
		return
	}
	s.lg.Error("stream operation failed", zap.Error(err))
	st := statusFromError(err)
	s.finishWithError(st)
}

func (s *GrpcStream) onFinishedByServer(st *status.Status) {
	if s.state == streamFinished {
		return
	}
	s.lg.Debug("stream finished by server", zap.String("status", st.String()))
	s.finishWithError(st)
}

func (s *GrpcStream) onFinishedByClient() {
	s.state = streamFinished
}

// removeOperation is invoked by an operation as its final act: the stream
// stops owning it and it becomes garbage.
func (s *GrpcStream) removeOperation(op *baseOperation) {
	for i, o := range s.operations {
		if o.base() == op {
			s.operations = append(s.operations[:i], s.operations[i+1:]...)
			return
		}
	}
}

// finishLocally finalizes the stream on behalf of the client: drains all
// in-flight operations, synchronously closes the call, and produces no
// observer notification.
func (s *GrpcStream) finishLocally() {
	s.state = streamFinishing
	s.finishAfterWrite = false
	s.writer.discardUnissued()
	s.fastFinishOperationsBlocking()
	st := s.finishCallBlocking()
	s.lg.Debug("stream finished by client", zap.String("status", st.String()))
	s.onFinishedByClient()
}

// finishWithError finalizes after a server finish or a failed operation and
// notifies the observer unless its generation has moved on.
func (s *GrpcStream) finishWithError(st *status.Status) {
	s.state = streamFinishing
	s.finishAfterWrite = false
	s.writer.discardUnissued()
	s.fastFinishOperationsBlocking()
	s.state = streamFinished
	if s.sameGeneration() {
		s.observer.OnStreamError(st)
	}
}

// fastFinishOperationsBlocking cancels the call and blocks until every
// outstanding operation is off the transport. The call handle must not be
// released while an operation still references it, which is why this drain
// is synchronous. It runs on the dispatch queue, so no completion report can
// race it; reports already scheduled find their observer unset and do
// nothing.
func (s *GrpcStream) fastFinishOperationsBlocking() {
	s.assertOnQueue()
	s.call.cancel()
	for _, op := range s.operations {
		op.unsetObserver()
	}
	for _, op := range s.operations {
		<-op.offQueue()
	}
	s.operations = nil
	s.hasPendingRead = false
}

// finishCallBlocking issues the client-initiated finish operation and waits
// for it. The call context is already cancelled at this point, so the
// transport returns promptly.
func (s *GrpcStream) finishCallBlocking() *status.Status {
	op := &finishOperation{baseOperation: s.newBase()}
	op.unsetObserver()
	s.operations = append(s.operations, op)
	op.run()
	<-op.offQueue()
	s.removeOperation(op.base())
	return op.status
}

func (s *GrpcStream) read() {
	if s.hasPendingRead {
		s.fail("trying to issue a second concurrent read")
	}
	s.hasPendingRead = true
	s.execute(&readOperation{baseOperation: s.newBase()})
}

// issueWrite is the buffered writer's issue callback.
func (s *GrpcStream) issueWrite(message []byte) {
	s.execute(&writeOperation{baseOperation: s.newBase(), message: message})
}

// execute registers an operation as outstanding and submits it to the
// transport.
func (s *GrpcStream) execute(op streamOperation) {
	s.operations = append(s.operations, op)
	op.run()
}

// sameGeneration reports whether this stream still belongs to the same
// generation as its observer. It gates every observer notification and every
// decision to issue a new read.
func (s *GrpcStream) sameGeneration() bool {
	return s.generation == s.observer.Generation()
}

func (s *GrpcStream) assertOnQueue() {
	if !s.queue.RunningOnQueue() {
		panic("grpcstream: stream used off its dispatch queue")
	}
}

// fail reports a contract violation by the embedding code. These are not
// runtime conditions; they are fatal.
func (s *GrpcStream) fail(format string, args ...any) {
	s.lg.Sugar().Panicf("grpcstream: "+format, args...)
}
