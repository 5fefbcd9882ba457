package grpcstream

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The payloads crossing the stream in these tests are real proto bytes; the
// layer under test never looks inside them.

var echoServiceDesc = grpc.ServiceDesc{
	ServiceName: "grpcstream.test.Echo",
	HandlerType: (*interface{})(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Pipe",
			Handler:       echoHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "Hangup",
			Handler:       hangupHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func echoHandler(_ interface{}, ss grpc.ServerStream) error {
	if err := ss.SendHeader(metadata.Pairs("echo-server", "ok")); err != nil {
		return err
	}
	for {
		var f frame
		if err := ss.RecvMsg(&f); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := ss.SendMsg(&frame{payload: f.payload}); err != nil {
			return err
		}
	}
}

func hangupHandler(_ interface{}, ss grpc.ServerStream) error {
	if err := ss.SendHeader(metadata.Pairs("echo-server", "ok")); err != nil {
		return err
	}
	return status.Error(codes.Unavailable, "hanging up")
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	gs.RegisterService(&echoServiceDesc, nil)
	go func() {
		if err := gs.Serve(l); err != nil {
			t.Logf("error from grpc server: %v", err)
		}
	}()
	t.Cleanup(gs.Stop)
	return l.Addr().String()
}

func TestGrpcStreamEndToEnd(t *testing.T) {
	addr := startEchoServer(t)

	conn, err := Dial(context.Background(), addr,
		WithDialOptions(grpc.WithTransportCredentials(insecure.NewCredentials())))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, conn.Close())
	})
	q := conn.Queue()

	waitOnQueue := func(t *testing.T, cond func() bool, msg string) {
		t.Helper()
		require.Eventually(t, func() bool {
			var ok bool
			q.RunSync(func() { ok = cond() })
			return ok
		}, 5*time.Second, 5*time.Millisecond, msg)
	}

	marshal := func(t *testing.T, s string) []byte {
		t.Helper()
		b, err := proto.Marshal(wrapperspb.String(s))
		require.NoError(t, err)
		return b
	}

	t.Run("echo round trip preserves order", func(t *testing.T) {
		obs := &recordingObserver{}
		s := conn.CreateStream(context.Background(), "/grpcstream.test.Echo/Pipe", obs)

		want := []string{"one", "two", "three"}
		q.RunSync(func() {
			s.Start()
			// Issued before the stream opens: buffered, then flushed in order.
			for _, v := range want {
				s.Write(marshal(t, v))
			}
		})
		waitOnQueue(t, func() bool { return len(obs.reads) == len(want) }, "all echoes should arrive")

		var reads [][]byte
		var headers metadata.MD
		q.RunSync(func() {
			reads = append([][]byte(nil), obs.reads...)
			headers = s.GetResponseHeaders()
		})
		for i, b := range reads {
			var v wrapperspb.StringValue
			require.NoError(t, proto.Unmarshal(b, &v))
			assert.Equal(t, want[i], v.GetValue())
		}
		assert.Equal(t, []string{"ok"}, headers.Get("echo-server"))

		q.RunSync(func() {
			s.Finish()
			assert.True(t, s.IsFinished())
			assert.Empty(t, obs.errs)
		})
	})

	t.Run("write and finish", func(t *testing.T) {
		obs := &recordingObserver{}
		s := conn.CreateStream(context.Background(), "/grpcstream.test.Echo/Pipe", obs)

		q.RunSync(s.Start)
		waitOnQueue(t, func() bool { return obs.starts == 1 }, "stream should open")

		var attempted bool
		q.RunSync(func() {
			attempted = s.WriteAndFinish(marshal(t, "goodbye"))
		})
		require.True(t, attempted)
		waitOnQueue(t, func() bool { return s.IsFinished() }, "stream should finish after the final write")
		q.RunSync(func() {
			assert.Empty(t, obs.errs)
		})
	})

	t.Run("server hangup surfaces status", func(t *testing.T) {
		obs := &recordingObserver{}
		s := conn.CreateStream(context.Background(), "/grpcstream.test.Echo/Hangup", obs)

		q.RunSync(s.Start)
		waitOnQueue(t, func() bool { return s.IsFinished() }, "stream should finish when the server hangs up")
		q.RunSync(func() {
			require.Len(t, obs.errs, 1)
			assert.Equal(t, codes.Unavailable, obs.errs[0].Code())
		})
	})
}

func TestGrpcConnectionCloseFinishesStreams(t *testing.T) {
	addr := startEchoServer(t)

	conn, err := Dial(context.Background(), addr,
		WithDialOptions(grpc.WithTransportCredentials(insecure.NewCredentials())))
	require.NoError(t, err)

	obs := &recordingObserver{}
	s := conn.CreateStream(context.Background(), "/grpcstream.test.Echo/Pipe", obs)
	q := conn.Queue()
	q.RunSync(s.Start)
	require.Eventually(t, func() bool {
		var open bool
		q.RunSync(func() { open = obs.starts == 1 })
		return open
	}, 5*time.Second, 5*time.Millisecond)

	// Close with the stream open and a read in flight: the drain must finish
	// the stream before the conn is released.
	require.NoError(t, conn.Close())
	assert.Empty(t, obs.errs)
	assert.True(t, s.state == streamFinished)

	// Close is idempotent.
	require.NoError(t, conn.Close())
}
