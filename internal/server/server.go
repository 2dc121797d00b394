// Package server implements the worker-facing TCP listener: accept loop,
// per-connection handshake and the framed message pump.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/retire-cluster/coordinator/internal/config"
	"github.com/retire-cluster/coordinator/internal/metrics"
	"github.com/retire-cluster/coordinator/internal/registry"
	"github.com/retire-cluster/coordinator/internal/scheduler"
)

const senderID = "coordinator"

// Server accepts and manages worker connections.
type Server struct {
	cfg      config.ServerConfig
	registry *registry.Registry
	sched    *scheduler.Scheduler
	log      *slog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup

	// Counting semaphore bounding concurrent connections.
	slots chan struct{}
}

// New creates a server; Serve starts it.
func New(cfg config.ServerConfig, reg *registry.Registry, sched *scheduler.Scheduler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 100
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		sched:    sched,
		log:      log,
		slots:    make(chan struct{}, maxConns),
	}
}

// Serve listens on the configured address and accepts until ctx is
// cancelled. It returns after every connection handler has finished.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("worker listener started", slog.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error("accept failed", slog.Any("error", err))
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			s.log.Warn("connection limit reached, refusing",
				slog.String("remote", nc.RemoteAddr().String()))
			nc.Close()
			continue
		}

		s.wg.Add(1)
		metrics.ConnectionsActive.Inc()
		go func() {
			defer func() {
				metrics.ConnectionsActive.Dec()
				<-s.slots
				s.wg.Done()
			}()
			newConn(s, nc).handle()
		}()
	}

	s.wg.Wait()
	s.log.Info("worker listener stopped")
	return nil
}

// Addr returns the bound listener address, once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
