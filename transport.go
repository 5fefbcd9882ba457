package grpcstream

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// transportCall is the capability set the stream needs from the underlying
// bidirectional RPC. All primitives except cancel block until the transport
// settles them; stream operations run them on their own goroutines and
// redispatch the outcome onto the dispatch queue.
type transportCall interface {
	// start establishes the call and waits for the response headers.
	start() error
	// read blocks until the server sends the next message. A terminal error
	// carries the status the server closed the stream with.
	read() ([]byte, error)
	// write blocks until message is accepted by the transport (on the wire,
	// not necessarily delivered).
	write(message []byte) error
	// finish closes the client half of the call and returns the terminal
	// status. Only called after the call has been cancelled and all other
	// operations have drained.
	finish() *status.Status
	// cancel aborts the call; blocked primitives return promptly.
	cancel()
	// responseHeaders returns the headers captured by start.
	responseHeaders() metadata.MD
}

// grpcCall binds a transportCall to a grpc-go client stream. Messages cross
// the codec boundary untouched: the raw codec hands the byte buffers to the
// HTTP/2 transport as-is.
//
// The call context is owned here and must outlive every primitive; cancel is
// the only way to interrupt one. Field writes in start happen before the
// stream issues reads or writes (the dispatch queue orders them), so no lock
// is needed.
type grpcCall struct {
	conn     grpc.ClientConnInterface
	method   string
	ctx      context.Context
	cancelFn context.CancelFunc
	callOpts []grpc.CallOption

	cs      grpc.ClientStream
	headers metadata.MD
}

func newGrpcCall(ctx context.Context, conn grpc.ClientConnInterface, method string, callOpts []grpc.CallOption) *grpcCall {
	callCtx, cancel := context.WithCancel(ctx)
	opts := make([]grpc.CallOption, 0, len(callOpts)+1)
	opts = append(opts, callOpts...)
	opts = append(opts, grpc.ForceCodec(rawCodec{}))
	return &grpcCall{
		conn:     conn,
		method:   method,
		ctx:      callCtx,
		cancelFn: cancel,
		callOpts: opts,
	}
}

func (c *grpcCall) start() error {
	desc := &grpc.StreamDesc{
		StreamName:    streamName(c.method),
		ClientStreams: true,
		ServerStreams: true,
	}
	cs, err := c.conn.NewStream(c.ctx, desc, c.method, c.callOpts...)
	if err != nil {
		return errors.Wrapf(err, "open stream %s", c.method)
	}
	md, err := cs.Header()
	if err != nil {
		return errors.Wrapf(err, "receive response headers for %s", c.method)
	}
	c.cs = cs
	c.headers = md
	return nil
}

func (c *grpcCall) read() ([]byte, error) {
	var f frame
	if err := c.cs.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f.payload, nil
}

func (c *grpcCall) write(message []byte) error {
	return c.cs.SendMsg(&frame{payload: message})
}

func (c *grpcCall) finish() *status.Status {
	if c.cs == nil {
		return status.New(codes.Canceled, "stream was never established")
	}
	_ = c.cs.CloseSend()
	// Drain until the transport reports the terminal status. The call
	// context is already cancelled, so this does not block on the server.
	for {
		var f frame
		if err := c.cs.RecvMsg(&f); err != nil {
			return serverStatus(err)
		}
	}
}

func (c *grpcCall) cancel() {
	c.cancelFn()
}

func (c *grpcCall) responseHeaders() metadata.MD {
	return c.headers
}

func streamName(method string) string {
	if i := strings.LastIndex(method, "/"); i >= 0 {
		return method[i+1:]
	}
	return method
}

// serverStatus maps a terminal RecvMsg error to the status the server closed
// the stream with. A clean close surfaces as io.EOF with an OK status.
func serverStatus(err error) *status.Status {
	if err == io.EOF {
		return status.New(codes.OK, "server closed the stream")
	}
	return statusFromError(err)
}

// statusFromError derives a status from an operation failure.
func statusFromError(err error) *status.Status {
	cause := errors.Cause(err)
	if st, ok := status.FromError(cause); ok {
		return st
	}
	if cause == context.Canceled || cause == context.DeadlineExceeded {
		return status.FromContextError(cause)
	}
	return status.New(codes.Unknown, err.Error())
}

// frame is the unit the raw codec moves across the transport: an opaque byte
// buffer. This layer never parses message contents.
type frame struct {
	payload []byte
}

// rawCodec is a passthrough grpc codec for frames.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, errors.Errorf("raw codec: unexpected message type %T", v)
	}
	return f.payload, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return errors.Errorf("raw codec: unexpected message type %T", v)
	}
	f.payload = data
	return nil
}

func (rawCodec) Name() string { return "grpcstream-raw" }
