package grpcstream

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Option configures a GrpcConnection and the streams it creates.
type Option interface {
	apply(*options)
}

type options struct {
	lg       *zap.Logger
	queue    DispatchQueue
	dialOpts []grpc.DialOption
	callOpts []grpc.CallOption
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt.apply(o)
	}
	if o.lg == nil {
		o.lg = zap.NewNop()
	}
	return o
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) {
	f(o)
}

// WithLogger sets the logger used by the connection and its streams. The
// default is a no-op logger.
func WithLogger(lg *zap.Logger) Option {
	return optionFunc(func(o *options) {
		o.lg = lg
	})
}

// WithDispatchQueue supplies the queue all stream callbacks run on. When not
// set, the connection creates its own SerialQueue and closes it on Close; a
// supplied queue stays owned by the caller.
func WithDispatchQueue(q DispatchQueue) Option {
	return optionFunc(func(o *options) {
		o.queue = q
	})
}

// WithDialOptions adds grpc dial options used by Dial.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return optionFunc(func(o *options) {
		o.dialOpts = append(o.dialOpts, opts...)
	})
}

// WithCallOptions adds grpc call options applied to every stream's call.
func WithCallOptions(opts ...grpc.CallOption) Option {
	return optionFunc(func(o *options) {
		o.callOpts = append(o.callOpts, opts...)
	})
}
