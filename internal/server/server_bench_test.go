package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-serimon/internal/hub"
)

func BenchmarkServerWriterFlush(b *testing.B) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := hub.New()
	h.OutBufSize = 4096
	srv := NewServer(WithListenAddr("127.0.0.1:0"), WithHub(h))
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		b.Fatalf("server not ready")
	}
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		b.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	cl := h.Snapshot()[0]
	r := bufio.NewReader(conn)
	b.ResetTimer()
	go func() {
		// feed the client queue directly so nothing is dropped
		for i := 0; i < b.N; i++ {
			cl.Out <- "temperature=21.5C humidity=40%"
		}
	}()
	for i := 0; i < b.N; i++ {
		if _, err := r.ReadString('\n'); err != nil {
			b.Fatalf("read: %v", err)
		}
	}
}
