// Package timeouts defines shared timeout constants for the live-sync process.
package timeouts

import "time"

// GRPCDial caps the wait time when a write-path client dials the notification endpoint.
const GRPCDial = 2 * time.Second

// GRPCRequest caps a single notification call from a write-path client.
const GRPCRequest = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during graceful shutdown.
const Shutdown = 5 * time.Second

// WebSocketWrite bounds a single event send to one live connection.
const WebSocketWrite = 5 * time.Second
