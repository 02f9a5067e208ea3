// Package server implements the listener and orchestrator layer
// (spec.md §4.8): one OS listening socket per configured listener spec,
// an accept loop per listener that allocates a connection context,
// dials the origin, runs protocol selection and the handshake-time
// hooks, then hands the connection off to the worker pool for its
// steady-state relay.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/infodancer/sslproxyd/internal/config"
	"github.com/infodancer/sslproxyd/internal/conn"
	"github.com/infodancer/sslproxyd/internal/filter"
	"github.com/infodancer/sslproxyd/internal/logqueue"
	"github.com/infodancer/sslproxyd/internal/privsep"
	"github.com/infodancer/sslproxyd/internal/proto"
	"github.com/infodancer/sslproxyd/internal/worker"
)

// Server coordinates every configured listener and the worker pool
// that drives accepted connections, the Go analogue of the orchestrator
// spec.md §4.8 describes: one bound socket per listener spec, signal
// handling and the GC timer live one level up in cmd/sslproxyd.
type Server struct {
	Engine  *conn.Engine
	Pool    *worker.Pool
	Privsep *privsep.Client

	Listeners []config.ListenerSpec

	DialTimeout time.Duration

	nextID atomic.Uint64

	mu  sync.Mutex
	lns []net.Listener
}

// Run binds every configured listener and accepts connections until ctx
// is canceled, then closes every listener and waits for their accept
// loops to return.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	for _, spec := range s.Listeners {
		ln, err := s.bind(spec)
		if err != nil {
			s.closeAllLocked()
			s.mu.Unlock()
			return fmt.Errorf("binding listener %s: %w", spec.Listen, err)
		}
		s.lns = append(s.lns, ln)
	}
	lns := append([]net.Listener(nil), s.lns...)
	s.mu.Unlock()

	logger := s.logger()
	logger.Info("listeners bound", slog.Int("count", len(lns)))

	var wg sync.WaitGroup
	for i, ln := range lns {
		spec := s.Listeners[i]
		wg.Add(1)
		go func(ln net.Listener, spec config.ListenerSpec) {
			defer wg.Done()
			s.acceptLoop(ctx, ln, spec)
		}(ln, spec)
	}

	<-ctx.Done()
	s.mu.Lock()
	s.closeAllLocked()
	s.mu.Unlock()
	wg.Wait()
	return ctx.Err()
}

func (s *Server) closeAllLocked() {
	for _, ln := range s.lns {
		_ = ln.Close()
	}
	s.lns = nil
}

func (s *Server) bind(spec config.ListenerSpec) (net.Listener, error) {
	if s.Privsep != nil && needsPrivilegedBind(spec.Listen) {
		return s.Privsep.BindListener(context.Background(), spec.Listen)
	}
	return net.Listen("tcp", spec.Listen)
}

// needsPrivilegedBind reports whether addr's port is a low-numbered
// port that, per spec.md §6, is expected to be bound by a privileged
// helper rather than this unprivileged process directly.
func needsPrivilegedBind(addr string) bool {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return false
	}
	return port > 0 && port < 1024
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, spec config.ListenerSpec) {
	logger := s.logger()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// File-descriptor exhaustion and other transient accept
			// errors are logged and the loop continues (spec.md §7.6).
			logger.Warn("accept failed", slog.String("listener", spec.Listen), slog.String("error", err.Error()))
			continue
		}
		go s.handle(ctx, nc, spec)
	}
}

// handle runs one accepted connection's setup: context allocation,
// server-first connect, filter consultation, protocol init/connect, and
// finally dispatch to the worker pool for the steady-state relay
// (spec.md §4.6's Accepted/Init/Server-first-connected phases).
func (s *Server) handle(ctx context.Context, nc net.Conn, spec config.ListenerSpec) {
	logger := s.logger()
	id := s.nextID.Add(1)
	cc := conn.NewContext(id, uuid.NewString(), s.Engine, nc)
	cc.SrcAddr = nc.RemoteAddr()

	handler := proto.Select(spec)
	if err := cc.Init(handler); err != nil {
		logger.Warn("connection init failed", slog.Uint64("conn_id", id), slog.String("error", err.Error()))
		_ = nc.Close()
		return
	}

	var attachedWorker *worker.Worker
	cc.SetTerminateHook(func(c *conn.Context) {
		if attachedWorker != nil {
			attachedWorker.Detach(c)
		}
		s.logConnect(c)
	})

	dialer := &net.Dialer{Timeout: s.dialTimeout()}

	originAddr, err := s.resolveOrigin(spec)
	if err != nil {
		logger.Warn("origin resolution failed", slog.Uint64("conn_id", id), slog.String("error", err.Error()))
		cc.Terminate(conn.RequestorServer)
		return
	}

	w := s.Pool.Assign()
	originAddr, err = s.lookupOrigin(ctx, cc, w, originAddr)
	if err != nil {
		logger.Warn("origin lookup failed", slog.Uint64("conn_id", id), slog.String("error", err.Error()))
		cc.Terminate(conn.RequestorServer)
		return
	}

	if err := cc.ConnectSrvDst(ctx, dialer, originAddr); err != nil {
		logger.Warn("srvdst connect failed", slog.Uint64("conn_id", id), slog.String("addr", originAddr), slog.String("error", err.Error()))
		cc.Terminate(conn.RequestorServer)
		return
	}

	decision := s.Engine.Filter.OnConnect(cc.SrcAddr, cc.DstAddr, cc.SNI)
	cc.ApplyFilterDecision(decision)
	if decision.Action == filter.ActionBlock {
		logger.Info("connection blocked by filter", slog.Uint64("conn_id", id))
		cc.Terminate(conn.RequestorServer)
		return
	}

	if cc.Divert && spec.Divert != "" {
		if err := cc.ConnectDst(ctx, dialer, spec.Divert); err != nil {
			logger.Warn("divert connect failed", slog.Uint64("conn_id", id), slog.String("error", err.Error()))
			cc.Terminate(conn.RequestorServer)
			return
		}
	}

	if err := handler.OnConnect(cc); err != nil {
		logger.Warn("protocol connect failed", slog.Uint64("conn_id", id), slog.String("proto", handler.Kind()), slog.String("error", err.Error()))
		cc.Terminate(conn.RequestorServer)
		return
	}

	// The posted job only attaches the context to w's active set, the
	// short discrete step spec.md §4.5/§4.6 describes; the steady-state
	// relay (cc.Run, which blocks until both directions see EOF) runs on
	// its own goroutine so w's event loop stays free to keep servicing
	// w.jobs and its expiry sweep for every other connection assigned to
	// it, rather than being consumed for this one connection's lifetime.
	job := func() {
		if !cc.OnAttach() {
			return
		}
		attachedWorker = w
		w.Attach(cc)
		go cc.Run()
	}
	if err := w.Submit(ctx, job); err != nil {
		cc.Terminate(conn.RequestorServer)
	}
}

// resolveOrigin returns the address to dial for spec's srvdst socket.
// NAT-engine lookup backends (pf, iptables) are external collaborators
// per spec.md §1; "none" and an empty tag both mean "use Connect
// literally", which is the only backend implemented here.
func (s *Server) resolveOrigin(spec config.ListenerSpec) (string, error) {
	if spec.Connect != "" {
		return spec.Connect, nil
	}
	if spec.NATEngine != "" && spec.NATEngine != "none" {
		return "", fmt.Errorf("nat_engine %q has no lookup backend wired into this build", spec.NATEngine)
	}
	return "", fmt.Errorf("listener %s: no connect address or nat_engine configured", spec.Listen)
}

// lookupOrigin resolves addr's host through w's explicit-nameserver
// Resolver, stamping cc.DNSStart/DNSEnd around the lookup (spec.md
// §4.6), and returns addr unchanged if host is already a literal IP.
func (s *Server) lookupOrigin(ctx context.Context, cc *conn.Context, w *worker.Worker, addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parsing origin address %q: %w", addr, err)
	}
	if net.ParseIP(host) != nil {
		return addr, nil
	}
	if w == nil || w.Resolver == nil {
		return addr, nil
	}

	cc.DNSStart = time.Now()
	addrs, err := w.Resolver.LookupIPAddr(ctx, host)
	cc.DNSEnd = time.Now()
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", host, err)
	}
	return net.JoinHostPort(addrs[0].IP.String(), port), nil
}

func (s *Server) logConnect(c *conn.Context) {
	if !c.LogConnect || s.Engine.Logs.Connect == nil {
		return
	}
	kind := "unknown"
	if c.Handler != nil {
		kind = c.Handler.Kind()
	}
	record := fmt.Sprintf("conn=%d task=%s proto=%s in=%d out=%d requestor=%d\n",
		c.ID(), c.TaskID, kind, c.InBytes.Load(), c.OutBytes.Load(), int(c.TermRequestor))
	s.Engine.Logs.Connect.Submit(&logqueue.Record{Bytes: []byte(record)})
}

func (s *Server) dialTimeout() time.Duration {
	if s.DialTimeout > 0 {
		return s.DialTimeout
	}
	return 10 * time.Second
}

func (s *Server) logger() *slog.Logger {
	if s.Engine != nil && s.Engine.Logger != nil {
		return s.Engine.Logger
	}
	return slog.Default()
}
