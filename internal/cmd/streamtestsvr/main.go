// Command streamtestsvr runs a byte-echo server for manually exercising the
// grpcstream package. It serves the same raw-codec Echo service the package
// tests use, so streamtestclient can be pointed at it.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func main() {
	port := flag.Int("port", 26400, "the port on which this server will listen")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	svr := grpc.NewServer(grpc.ForceServerCodec(passthroughCodec{}))
	svr.RegisterService(&grpc.ServiceDesc{
		ServiceName: "grpcstream.test.Echo",
		HandlerType: (*interface{})(nil),
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Pipe",
				Handler:       echo,
				ServerStreams: true,
				ClientStreams: true,
			},
		},
	}, nil)

	lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", *port))
	if err != nil {
		lg.Fatal("failed to listen", zap.Error(err))
	}
	lg.Info("listening", zap.String("addr", lis.Addr().String()))
	// This only returns (and thus program exits) on failure.
	// Otherwise, process is stopped via signal.
	if err := svr.Serve(lis); err != nil {
		lg.Fatal("serve failed", zap.Error(err))
	}
}

func echo(_ interface{}, ss grpc.ServerStream) error {
	if err := ss.SendHeader(metadata.Pairs("echo-server", "ok")); err != nil {
		return err
	}
	for {
		var m rawMessage
		if err := ss.RecvMsg(&m); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := ss.SendMsg(&rawMessage{data: m.data}); err != nil {
			return err
		}
	}
}

type rawMessage struct {
	data []byte
}

// passthroughCodec moves bytes across the transport untouched, matching the
// codec the grpcstream client side uses.
type passthroughCodec struct{}

func (passthroughCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("passthrough codec: unexpected message type %T", v)
	}
	return m.data, nil
}

func (passthroughCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("passthrough codec: unexpected message type %T", v)
	}
	m.data = data
	return nil
}

func (passthroughCodec) Name() string { return "grpcstream-raw" }
