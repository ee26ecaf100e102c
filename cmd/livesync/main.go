// Package main starts the campaign live-sync service and handles termination.
//
// The process relays campaign changes to connected tables; durable campaign
// state stays with the write-path services that notify it.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	livesynccmd "github.com/louisbranch/campaign-livesync/internal/cmd/livesync"
)

func main() {
	cfg, err := livesynccmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[LIVESYNC] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := livesynccmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
