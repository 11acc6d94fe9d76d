package chat

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ServerOptions configures a Server. Zero values fall back to package defaults.
type ServerOptions struct {
	Addr             string
	SubscriberBuffer int
	ShutdownTimeout  time.Duration
	Session          SessionOptions
}

type Server struct {
	opts     ServerOptions
	logger   *slog.Logger
	reg      *Registry
	bus      *Bus
	nextID   atomic.Uint64
	listener net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
	acceptWG sync.WaitGroup
	stopOnce sync.Once
}

func NewServer(opts ServerOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:   opts,
		logger: logger,
		reg:    NewRegistry(128, logger),
		bus:    NewBus(opts.SubscriberBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start listens on the configured address and accepts in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.Serve(ln)
	return nil
}

// Serve accepts connections from ln in the background. The server owns ln.
func (s *Server) Serve(ln net.Listener) {
	s.listener = ln

	go s.reg.Run()
	s.acceptWG.Add(1)
	go func() {
		defer s.acceptWG.Done()
		s.acceptLoop(ln)
	}()

	s.logger.Info("server started", "addr", ln.Addr().String())
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, ends every session and waits up to the
// shutdown timeout for them to unwind.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down")

		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.acceptWG.Wait()
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.sessions.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.opts.ShutdownTimeout):
			s.logger.Warn("sessions still running after shutdown timeout")
		}

		s.bus.Close()
		s.reg.Stop()
		if s.listener != nil {
			s.reg.Wait()
		}

		s.logger.Info("shutdown complete")
	})
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			// EMFILE and friends: don't spin.
			select {
			case <-time.After(50 * time.Millisecond):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		id := SessionID(s.nextID.Add(1))
		s.logger.Debug("client connected", "session_id", id, "addr", conn.RemoteAddr().String())

		sess := NewSession(id, conn, s.reg, s.bus, s.opts.Session, s.logger)
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			_ = sess.Run(s.ctx)
		}()
	}
}
