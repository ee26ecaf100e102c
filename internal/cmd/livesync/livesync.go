// Package livesync parses live-sync command flags and composes transport entrypoints.
package livesync

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/campaign-livesync/internal/platform/cmd"
	server "github.com/louisbranch/campaign-livesync/internal/services/livesync/app"
)

// Config holds live-sync command configuration. Environment variables carry
// the LIVESYNC_ prefix.
type Config struct {
	HTTPAddr       string        `env:"HTTP_ADDR"        envDefault:":8090"`
	GRPCAddr       string        `env:"GRPC_ADDR"        envDefault:":8091"`
	WSWriteTimeout time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "live-sync HTTP/WebSocket listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "notification gRPC listen address (empty disables)")
	fs.DurationVar(&cfg.WSWriteTimeout, "ws-write-timeout", cfg.WSWriteTimeout, "per-frame websocket write deadline")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the live-sync listeners until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLiveSync, func(ctx context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:     cfg.HTTPAddr,
			GRPCAddr:     cfg.GRPCAddr,
			WriteTimeout: cfg.WSWriteTimeout,
		}); err != nil {
			return fmt.Errorf("serve livesync: %w", err)
		}
		return nil
	})
}
