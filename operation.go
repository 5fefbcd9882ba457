package grpcstream

import (
	"go.uber.org/zap"
	"google.golang.org/grpc/status"
)

// A streamOperation is one in-flight asynchronous action bound to the
// stream's transport call: a start, a read, a write, or a finish. The stream
// owns every operation it creates until the operation reports completion and
// removes itself.
//
// Each operation runs its blocking transport primitive on its own goroutine.
// When the primitive returns, the operation closes its off channel (the
// signal fastFinishBlocking waits for) and then redispatches its report onto
// the stream's queue. An operation whose observer has been unset still
// completes, but the redispatched report is a no-op.
type streamOperation interface {
	run()
	// unsetObserver detaches the operation from its stream: the pending
	// report, if any, will do nothing. Must be called on the dispatch queue.
	unsetObserver()
	// offQueue is closed once the transport primitive has returned and the
	// operation no longer references the call.
	offQueue() <-chan struct{}
	base() *baseOperation
}

type baseOperation struct {
	stream *GrpcStream
	// Generation of the stream's observer when the operation was created.
	gen   int
	off   chan struct{}
	unset bool
}

func (s *GrpcStream) newBase() baseOperation {
	return baseOperation{
		stream: s,
		gen:    s.generation,
		off:    make(chan struct{}),
	}
}

func (o *baseOperation) unsetObserver() { o.unset = true }

func (o *baseOperation) offQueue() <-chan struct{} { return o.off }

func (o *baseOperation) base() *baseOperation { return o }

// settle marks the operation off the transport and schedules its report. The
// report and the subsequent removal run on the dispatch queue; if the stream
// fast-finished in the meantime, the unset flag suppresses both.
func (o *baseOperation) settle(report func(s *GrpcStream)) {
	close(o.off)
	o.stream.queue.Schedule(func() {
		if o.unset {
			o.stream.lg.Debug("dropping report from a detached operation",
				zap.Int("generation", o.gen))
			return
		}
		report(o.stream)
		o.stream.removeOperation(o)
	})
}

type startOperation struct {
	baseOperation
}

func (o *startOperation) run() {
	go func() {
		err := o.stream.call.start()
		o.settle(func(s *GrpcStream) {
			if err != nil {
				s.onOperationFailed(err)
				return
			}
			s.onStart()
		})
	}()
}

type readOperation struct {
	baseOperation
}

func (o *readOperation) run() {
	go func() {
		message, err := o.stream.call.read()
		o.settle(func(s *GrpcStream) {
			if err != nil {
				// The terminal read error carries the status the server
				// closed the stream with.
				s.onFinishedByServer(serverStatus(err))
				return
			}
			s.onRead(message)
		})
	}()
}

type writeOperation struct {
	baseOperation
	message []byte
}

func (o *writeOperation) run() {
	go func() {
		err := o.stream.call.write(o.message)
		o.settle(func(s *GrpcStream) {
			if err != nil {
				s.onOperationFailed(err)
				return
			}
			s.onWrite()
		})
	}()
}

// finishOperation closes the client half of the call and retrieves the
// terminal status. Unlike the other operations it never reports through the
// queue: the stream runs it during finishLocally and blocks on offQueue
// directly, because teardown must complete synchronously.
type finishOperation struct {
	baseOperation
	status *status.Status
}

func (o *finishOperation) run() {
	go func() {
		o.status = o.stream.call.finish()
		close(o.off)
	}()
}
