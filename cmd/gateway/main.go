package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/minasoft/abdm-relay/internal/config"
	"github.com/minasoft/abdm-relay/internal/gateway"
	"github.com/minasoft/abdm-relay/internal/nats"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Configuration could not be loaded", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start embedded NATS server
	natsServer, err := nats.NewEmbeddedServer(cfg.GatewayDataDir)
	if err != nil {
		slog.Error("NATS server could not be started", "error", err)
		os.Exit(1)
	}
	defer natsServer.Shutdown()

	js := natsServer.JetStream()

	if err := natsServer.SetupGatewayStores(ctx); err != nil {
		slog.Error("Gateway stores could not be created", "error", err)
		os.Exit(1)
	}

	// Registry with seeded client credentials
	registry, err := gateway.NewRegistry(ctx, js, cfg.JWTSecret, cfg.JWTExpiry())
	if err != nil {
		slog.Error("Registry could not be created", "error", err)
		os.Exit(1)
	}
	if err := registry.SeedClients(ctx, cfg.ClientCredentials); err != nil {
		slog.Error("Client credentials could not be seeded", "error", err)
		os.Exit(1)
	}

	// Outbound webhook dispatcher
	dispatcher := gateway.NewDispatcher(js, registry, cfg.RequestTimeout)
	if err := dispatcher.Start(ctx); err != nil {
		slog.Error("Dispatcher could not be started", "error", err)
		os.Exit(1)
	}

	links, err := gateway.NewLinkRelay(ctx, js, registry, dispatcher)
	if err != nil {
		slog.Error("Link relay could not be created", "error", err)
		os.Exit(1)
	}

	correlator, err := gateway.NewCorrelator(ctx, js, links, registry, dispatcher)
	if err != nil {
		slog.Error("Correlator could not be created", "error", err)
		os.Exit(1)
	}

	notices, err := gateway.NewNoticeBoard(ctx, js, dispatcher)
	if err != nil {
		slog.Error("Notice board could not be created", "error", err)
		os.Exit(1)
	}

	// Start HTTP server
	server := gateway.NewServer(js, cfg, registry, links, correlator, notices)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			slog.Error("Gateway server error", "error", err)
		}
	}()

	slog.Info("Gateway started", "port", cfg.GatewayPort)
	printStartupInfo(cfg)

	// Wait for shutdown signal
	<-sigChan
	slog.Info("Shutdown signal received, stopping...")

	cancel()
	wg.Wait()

	slog.Info("Gateway stopped")
}

func printStartupInfo(cfg *config.Config) {
	info := `
╔═══════════════════════════════════════════════════════════════╗
║                       Gateway Started                         ║
╠═══════════════════════════════════════════════════════════════╣
║ API                  : http://localhost:%-21d ║
║ Seeded Clients       : %-39d ║
║ Data Directory       : %-39s ║
╚═══════════════════════════════════════════════════════════════╝
`
	fmt.Printf(info,
		cfg.GatewayPort,
		len(cfg.ClientCredentials),
		cfg.GatewayDataDir,
	)
}
