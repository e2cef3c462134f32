// nat64d is the stateful NAT64 translator daemon.
//
// It maintains the Binding Information Base and session database of
// RFC 6146 and serves the admin HTTP API. Packet forwarding is driven by
// an external dataplane through the daemon's engine surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/nat64io/nat64d/pkg/daemon"
)

func main() {
	configFile := flag.String("config", "/etc/nat64d/nat64d.yaml", "configuration file path")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		APIAddr:    *apiAddr,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "nat64d: %v\n", err)
		os.Exit(1)
	}
}
