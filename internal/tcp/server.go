// Package tcp is the optional raw TCP ingress. Each message read from a
// connection is handed to the adapter and the resulting updates are
// published to the platform.
package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/developer-mesh/integration-manager/internal/adapter"
	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"golang.org/x/sync/semaphore"
)

// Publisher enqueues updates for the platform
type Publisher interface {
	Publish(ctx context.Context, u models.Update) error
}

// Config configures the listener
type Config struct {
	Address           string
	ConnectionTimeout time.Duration
	DataLength        int
	MaxConnections    int64
}

// Server accepts a bounded number of concurrent connections
type Server struct {
	cfg       Config
	receiver  adapter.TCPReceiver
	publisher Publisher
	logger    observability.Logger
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
}

// New creates a TCP ingress
func New(cfg Config, receiver adapter.TCPReceiver, publisher Publisher, logger observability.Logger) *Server {
	if cfg.DataLength <= 0 {
		cfg.DataLength = 1024
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	return &Server{
		cfg:       cfg,
		receiver:  receiver,
		publisher: publisher,
		logger:    logger.WithPrefix("tcp"),
		sem:       semaphore.NewWeighted(cfg.MaxConnections),
	}
}

// ListenAndServe listens on the configured address and serves until ctx
// is done
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done, then waits for the
// open connections to finish
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("TCP ingress listening", map[string]interface{}{
		"address":         ln.Addr().String(),
		"max_connections": s.cfg.MaxConnections,
	})
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			_ = ln.Close()
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("TCP accept failed", map[string]interface{}{"error": err.Error()})
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	buf := make([]byte, s.cfg.DataLength)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout)); err != nil {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			s.deliver(ctx, remote, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Debug("TCP connection timed out", map[string]interface{}{"remote": remote})
			}
			return
		}
	}
}

func (s *Server) deliver(ctx context.Context, remote string, data []byte) {
	updates, err := s.receiver.TCPMessage(ctx, data)
	if err != nil {
		s.logger.Warn("Adapter rejected TCP message", map[string]interface{}{
			"remote": remote,
			"error":  err.Error(),
		})
		return
	}
	for _, u := range updates {
		if u.IO == "" {
			u.IO = models.IORead
		}
		if err := s.publisher.Publish(ctx, u); err != nil {
			s.logger.Error("Failed to enqueue TCP update", map[string]interface{}{
				"remote": remote,
				"error":  err.Error(),
			})
		}
	}
}
