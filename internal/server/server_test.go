package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/infodancer/sslproxyd/internal/config"
	"github.com/infodancer/sslproxyd/internal/conn"
	"github.com/infodancer/sslproxyd/internal/filter"
	"github.com/infodancer/sslproxyd/internal/metrics"
	"github.com/infodancer/sslproxyd/internal/worker"
)

// TestPassthroughTCPRelay implements spec.md §8 scenario 1 literally:
// a client connects to the proxy, which relays to an origin; the
// client sends "PING\n", the origin replies "PONG\n", and both sides
// close. The test checks that each side receives the other's bytes;
// the byte counters for the same exchange are checked by
// internal/conn's TestRunRelaysBothDirections.
func TestPassthroughTCPRelay(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	defer origin.Close()

	originDone := make(chan struct{})
	go func() {
		defer close(originDone)
		c, err := origin.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 16)
		n, err := c.Read(buf)
		if err != nil || string(buf[:n]) != "PING\n" {
			t.Errorf("origin read %q, err=%v", buf[:n], err)
			return
		}
		c.Write([]byte("PONG\n"))
	}()

	pool := worker.NewPool(1, worker.PoolConfig{Metrics: &metrics.NoopCollector{}})
	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	pool.Start(poolCtx)

	engine := &conn.Engine{
		Filter:  filter.AllowAll{},
		Metrics: &metrics.NoopCollector{},
	}

	srv := &Server{
		Engine: engine,
		Pool:   pool,
		Listeners: []config.ListenerSpec{
			{Protocol: config.ProtocolTCP, Listen: "127.0.0.1:0", Connect: origin.Addr().String()},
		},
	}

	// bind directly (Run's internal accept-loop path) so the test can
	// learn the ephemeral port before connecting.
	ln, err := srv.bind(srv.Listeners[0])
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	srv.lns = []net.Listener{ln}

	runCtx, cancelRun := context.WithCancel(context.Background())
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handle(runCtx, nc, srv.Listeners[0])
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer client.Close()

	client.Write([]byte("PING\n"))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	if err != nil || string(buf[:n]) != "PONG\n" {
		t.Fatalf("client read %q, err=%v", buf[:n], err)
	}
	client.Close()

	select {
	case <-originDone:
	case <-time.After(2 * time.Second):
		t.Fatal("origin side did not complete")
	}

	cancelRun()
	_ = ln.Close()
}
