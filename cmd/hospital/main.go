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
	"github.com/minasoft/abdm-relay/internal/gwclient"
	"github.com/minasoft/abdm-relay/internal/hospital"
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
	natsServer, err := nats.NewEmbeddedServer(cfg.HospitalDataDir)
	if err != nil {
		slog.Error("NATS server could not be started", "error", err)
		os.Exit(1)
	}
	defer natsServer.Shutdown()

	js := natsServer.JetStream()

	if err := natsServer.SetupHospitalStores(ctx); err != nil {
		slog.Error("Hospital stores could not be created", "error", err)
		os.Exit(1)
	}

	store, err := hospital.NewStore(ctx, js)
	if err != nil {
		slog.Error("Store could not be created", "error", err)
		os.Exit(1)
	}

	gw := gwclient.New(cfg.GatewayBaseURL, cfg.ClientID, cfg.ClientSecret, cfg.CMID, cfg.RequestTimeout)
	engine := hospital.NewLinkingEngine(store, gw, cfg.BridgeID)
	records := hospital.NewRecords(store, engine, gw, cfg.BridgeID)

	// Inbound webhook queue and its handlers
	queue, err := hospital.NewQueue(ctx, js)
	if err != nil {
		slog.Error("Webhook queue could not be created", "error", err)
		os.Exit(1)
	}
	hospital.RegisterHandlers(queue, store, engine, records, gw)
	if err := queue.Start(ctx); err != nil {
		slog.Error("Webhook consumer could not be started", "error", err)
		os.Exit(1)
	}

	// Announce this node at the gateway. Best-effort: the gateway may not
	// be up yet, and local operation does not depend on it.
	go registerBridge(ctx, cfg, gw)

	// Start HTTP server
	server := hospital.NewServer(js, cfg, store, engine, records, queue, gw)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			slog.Error("Hospital server error", "error", err)
		}
	}()

	slog.Info("Hospital node started",
		"port", cfg.HospitalPort,
		"bridgeId", cfg.BridgeID,
		"gatewayBaseURL", cfg.GatewayBaseURL,
	)
	printStartupInfo(cfg)

	// Wait for shutdown signal
	<-sigChan
	slog.Info("Shutdown signal received, stopping...")

	cancel()
	wg.Wait()

	slog.Info("Hospital node stopped")
}

func registerBridge(ctx context.Context, cfg *config.Config, gw *gwclient.Client) {
	if _, err := gw.Authenticate(ctx); err != nil {
		slog.Warn("Gateway authentication failed, bridge not registered", "error", err)
		return
	}

	err := gw.RegisterBridge(ctx, gwclient.RegisterBridgeRequest{
		BridgeID:    cfg.BridgeID,
		Role:        cfg.BridgeRole,
		Name:        cfg.BridgeName,
		CallbackURL: cfg.CallbackURL,
	})
	if err != nil {
		slog.Warn("Bridge registration failed", "bridgeId", cfg.BridgeID, "error", err)
		return
	}

	if err := gw.UpdateBridgeURL(ctx, cfg.BridgeID, cfg.CallbackURL); err != nil {
		slog.Warn("Callback URL update failed", "bridgeId", cfg.BridgeID, "error", err)
		return
	}

	slog.Info("Bridge registered at gateway",
		"bridgeId", cfg.BridgeID,
		"role", cfg.BridgeRole,
		"callbackUrl", cfg.CallbackURL)
}

func printStartupInfo(cfg *config.Config) {
	info := `
╔═══════════════════════════════════════════════════════════════╗
║                    Hospital Node Started                      ║
╠═══════════════════════════════════════════════════════════════╣
║ API                  : http://localhost:%-21d ║
║ Bridge ID            : %-39s ║
║ Role                 : %-39s ║
║ Gateway              : %-39s ║
╚═══════════════════════════════════════════════════════════════╝
`
	fmt.Printf(info,
		cfg.HospitalPort,
		cfg.BridgeID,
		cfg.BridgeRole,
		cfg.GatewayBaseURL,
	)
}
