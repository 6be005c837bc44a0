package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/framewire/internal/codec"
	"github.com/mattjoyce/framewire/internal/config"
	"github.com/mattjoyce/framewire/internal/dispatch"
	"github.com/mattjoyce/framewire/internal/timer"
	"github.com/mattjoyce/framewire/internal/transport"
)

// ServiceFactory builds the per-connection frame service. Each accepted
// connection gets its own instance so services may keep connection state.
type ServiceFactory func() dispatch.Service

// Server accepts TCP connections and runs one dispatcher per connection
// until its context is cancelled.
type Server struct {
	cfg        *config.Config
	codec      codec.Codec
	newService ServiceFactory
	timer      *timer.Timer
	registry   *Registry
	logger     *slog.Logger
}

// New creates a server. The registry is exposed through Registry() for
// read-only inspection (e.g. the admin API).
func New(cfg *config.Config, c codec.Codec, newService ServiceFactory, tm *timer.Timer, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		codec:      c,
		newService: newService,
		timer:      tm,
		registry:   NewRegistry(),
		logger:     logger,
	}
}

// Registry returns the server's connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start listens on the configured address and accepts connections until
// ctx is cancelled (blocking). Cancellation stops the listener and asks
// every active dispatcher to drain; Start returns once all of them have.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Service.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Service.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("server listening", "listen", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, netConn)
		}()
	}

	s.logger.Info("server draining", "active", s.registry.Len())
	wg.Wait()
	return nil
}

// handle runs one connection to completion.
func (s *Server) handle(ctx context.Context, netConn net.Conn) {
	id := uuid.NewString()
	logger := s.logger.With("conn_id", id, "remote", netConn.RemoteAddr().String())

	st := transport.New(netConn)
	d := dispatch.FromState(s.codec, st, s.newService(), s.timer).
		KeepAliveTimeout(s.cfg.Transport.KeepAliveTimeout).
		DisconnectTimeout(s.cfg.Transport.DisconnectTimeout)

	s.registry.add(&conn{
		id:          id,
		remoteAddr:  netConn.RemoteAddr().String(),
		connectedAt: time.Now(),
		state:       st,
		dispatcher:  d,
	})
	defer s.registry.remove(id)

	logger.Info("connection accepted")
	err := d.Run(ctx)
	in, out := st.Stats()
	if err != nil {
		logger.Warn("connection closed", "error", err, "bytes_in", in, "bytes_out", out)
		return
	}
	logger.Info("connection closed", "bytes_in", in, "bytes_out", out)
}
