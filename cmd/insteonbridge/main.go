// Insteon Bridge
//
// This is the main entry point for the Insteon bridge. The bridge owns a
// PowerLinc modem (serial, TCP hub port or websocket tunnel), keeps every
// device's all-link table cached in SQLite, and exposes the network on an
// MQTT broker:
//   - group broadcasts become retained state messages
//   - JSON commands on {prefix}/command/{device} are executed and acknowledged
//   - link tables are reconciled with a declarative scenes file
//
// The same binary carries maintenance commands (db dump, sync,
// import-scenes) that run against the cache or the live network without
// the MQTT side.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

func main() {
	// Cancel on Ctrl+C and SIGTERM so every command shuts down cleanly.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
