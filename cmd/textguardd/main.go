// cmd/textguardd/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/colebrumley/textguard/internal/config"
	"github.com/colebrumley/textguard/internal/daemon"
)

const defaultConfigPath = "/etc/textguard/config.yaml"

func main() {
	configPath := os.Getenv(config.EnvConfig)
	if configPath == "" {
		configPath = defaultConfigPath
	}

	d := daemon.New(configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// stdout belongs to the MCP client.
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nReceived shutdown signal")
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		os.Exit(1)
	}
}
