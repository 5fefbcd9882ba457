// Command streamtestclient opens a stream against streamtestsvr, writes a
// handful of messages, and logs the echoes as they come back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/streamlayer/grpcstream"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:26400", "address of streamtestsvr")
	count := flag.Int("n", 3, "number of messages to echo")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	conn, err := grpcstream.Dial(context.Background(), *addr,
		grpcstream.WithLogger(lg),
		grpcstream.WithDialOptions(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		lg.Fatal("dial failed", zap.Error(err))
	}
	defer func() { _ = conn.Close() }()

	obs := &echoObserver{lg: lg, want: *count, done: make(chan struct{})}
	stream := conn.CreateStream(context.Background(), "/grpcstream.test.Echo/Pipe", obs)

	conn.Queue().RunSync(func() {
		stream.Start()
		for i := 0; i < *count; i++ {
			b, err := proto.Marshal(wrapperspb.String(fmt.Sprintf("message-%d", i)))
			if err != nil {
				lg.Fatal("marshal failed", zap.Error(err))
			}
			stream.Write(b)
		}
	})

	select {
	case <-obs.done:
	case <-time.After(10 * time.Second):
		lg.Error("timed out waiting for echoes")
		os.Exit(1)
	}
}

type echoObserver struct {
	lg   *zap.Logger
	want int

	// Touched only on the dispatch queue.
	got    int
	closed bool
	done   chan struct{}
}

func (o *echoObserver) OnStreamStart() {
	o.lg.Info("stream open")
}

func (o *echoObserver) OnStreamRead(message []byte) {
	var v wrapperspb.StringValue
	if err := proto.Unmarshal(message, &v); err != nil {
		o.lg.Warn("undecodable echo", zap.Error(err))
		return
	}
	o.lg.Info("echo", zap.String("value", v.GetValue()))
	o.got++
	if o.got == o.want {
		o.finish()
	}
}

func (o *echoObserver) OnStreamError(st *status.Status) {
	o.lg.Error("stream error", zap.String("status", st.String()))
	o.finish()
}

func (o *echoObserver) Generation() int { return 0 }

func (o *echoObserver) finish() {
	if !o.closed {
		o.closed = true
		close(o.done)
	}
}
