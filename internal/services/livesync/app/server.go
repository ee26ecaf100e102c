package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/campaign-livesync/internal/platform/timeouts"
	"github.com/louisbranch/campaign-livesync/internal/services/livesync/api/grpc/notification"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Config defines the inputs for the live-sync transport boundary.
type Config struct {
	HTTPAddr string
	// GRPCAddr enables the gRPC notification ingress when set.
	GRPCAddr          string
	WriteTimeout      time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the live-sync HTTP/WebSocket listener and, optionally, the
// gRPC notification listener. Both share one coordinator hub.
type Server struct {
	httpAddr        string
	grpcAddr        string
	shutdownTimeout time.Duration
	hub             *coordinatorHub
	httpServer      *http.Server
	grpcServer      *gogrpc.Server
	health          *health.Server
}

// NewServer builds a configured live-sync server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = timeouts.WebSocketWrite
	}

	hub := newCoordinatorHub()
	server := &Server{
		httpAddr:        httpAddr,
		grpcAddr:        strings.TrimSpace(config.GRPCAddr),
		shutdownTimeout: config.ShutdownTimeout,
		hub:             hub,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           newHandler(hub, config.WriteTimeout),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
	}

	if server.grpcAddr != "" {
		server.grpcServer = gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
		notification.RegisterServer(server.grpcServer, newNotificationService(hub))
		server.health = health.NewServer()
		grpc_health_v1.RegisterHealthServer(server.grpcServer, server.health)
		server.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		server.health.SetServingStatus(notification.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return server, nil
}

// Run creates and serves a live-sync server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init livesync server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve livesync: %w", err)
	}
	return nil
}

// ListenAndServe runs the listeners until the context ends or one fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("livesync server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	var grpcListener net.Listener
	if s.grpcServer != nil {
		listener, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", s.grpcAddr, err)
		}
		grpcListener = listener
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("livesync: http listening on %s", s.httpAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	if grpcListener != nil {
		group.Go(func() error {
			log.Printf("livesync: grpc listening on %s", grpcListener.Addr())
			if err := s.grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, gogrpc.ErrServerStopped) {
				return fmt.Errorf("serve grpc: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.shutdown(shutdownCtx)
	})
	return group.Wait()
}

func (s *Server) shutdown(ctx context.Context) error {
	if s.grpcServer != nil {
		s.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	// Hijacked websocket connections are not tracked by http.Server.
	s.hub.closeAll()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Close releases live connections that are still open.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.hub.closeAll()
}
