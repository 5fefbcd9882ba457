package grpcstream

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// GrpcConnection owns the client connection that stream calls are issued on,
// the dispatch queue their callbacks run on, and the logger they share. It is
// the single teardown entry point: Close finishes every stream it created
// before the connection is released, so no stream operation can outlive the
// memory it references.
type GrpcConnection struct {
	conn     grpc.ClientConnInterface
	queue    DispatchQueue
	lg       *zap.Logger
	callOpts []grpc.CallOption

	// Set when the connection owns the resource and must release it.
	closeConn  func() error
	closeQueue func()

	mu      sync.Mutex
	streams []*GrpcStream
	closed  bool
}

// Dial connects to target and wraps the resulting client connection. The
// connection owns the underlying grpc.ClientConn and will close it.
func Dial(ctx context.Context, target string, opts ...Option) (*GrpcConnection, error) {
	o := buildOptions(opts)
	cc, err := grpc.DialContext(ctx, target, o.dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	c := newConnection(cc, o)
	c.closeConn = cc.Close
	return c, nil
}

// NewGrpcConnection wraps an existing client connection, which stays owned by
// the caller.
func NewGrpcConnection(conn grpc.ClientConnInterface, opts ...Option) *GrpcConnection {
	return newConnection(conn, buildOptions(opts))
}

func newConnection(conn grpc.ClientConnInterface, o *options) *GrpcConnection {
	c := &GrpcConnection{
		conn:     conn,
		queue:    o.queue,
		lg:       o.lg,
		callOpts: o.callOpts,
	}
	if c.queue == nil {
		q := NewSerialQueue(o.lg)
		c.queue = q
		c.closeQueue = q.Close
	}
	return c
}

// Queue returns the dispatch queue stream callbacks run on. Callers use it to
// invoke stream methods from outside the queue.
func (c *GrpcConnection) Queue() DispatchQueue {
	return c.queue
}

// CreateStream returns a NotStarted stream bound to a fresh call on this
// connection. ctx bounds the lifetime of the call; the observer's current
// generation is captured as the stream's snapshot.
func (c *GrpcConnection) CreateStream(ctx context.Context, method string, observer StreamObserver) *GrpcStream {
	call := newGrpcCall(ctx, c.conn, method, c.callOpts)
	s := newGrpcStream(call, observer, c.queue, c.lg.With(zap.String("method", method)))

	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s
}

// Close is the two-phase shutdown: phase one finishes every stream created
// here (draining their in-flight operations), phase two releases the owned
// queue and client connection. The connection is unusable afterwards.
func (c *GrpcConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	c.queue.RunSync(func() {
		for _, s := range streams {
			if !s.IsFinished() {
				s.Finish()
			}
		}
	})
	if c.closeQueue != nil {
		c.closeQueue()
	}
	if c.closeConn != nil {
		return errors.Wrap(c.closeConn(), "close client conn")
	}
	return nil
}
