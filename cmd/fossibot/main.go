// Fossibot - Sydpower power station controller
//
// This is the main entry point for the fossibot binary. It signs in to the
// Sydpower cloud, keeps an MQTT-over-WebSocket stream to the account's power
// stations and exposes their state over HTTP, WebSocket and Prometheus.
//
// Commands:
//
//	fossibot run                        long-running controller with the HTTP API
//	fossibot devices                    list the stations on the account
//	fossibot read <device>              poll one station and print its state
//	fossibot write <device> <field> <v> set one field and wait for the ack
//	fossibot fields                     print the register map
//	fossibot version                    print build information
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

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
