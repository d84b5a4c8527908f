package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/havoice/havoice/internal/config"
	"github.com/havoice/havoice/internal/session"
	sipengine "github.com/havoice/havoice/internal/sip"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting havoice",
		"sip_server", cfg.SIPServerAddr(),
		"sip_username", cfg.SIPUsername,
		"sip_port", cfg.SIPPort,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax),
		"model", cfg.OpenAIModel,
	)

	tables, err := config.LoadTables(cfg.CallerConfigPath, cfg.ToolConfigPath)
	if err != nil {
		slog.Error("failed to load caller/tool tables", "error", err)
		os.Exit(1)
	}
	slog.Info("tables loaded",
		"callers", len(tables.Callers),
		"profiles", len(tables.Profiles),
		"tools", len(tables.Tools),
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	engine, err := sipengine.NewEngine(cfg)
	if err != nil {
		slog.Error("failed to create sip engine", "error", err)
		os.Exit(1)
	}

	manager := session.NewManager(cfg, tables, engine, logger)

	if err := engine.Start(appCtx); err != nil {
		slog.Error("failed to start sip engine", "error", err)
		os.Exit(1)
	}

	// Wait for interrupt or a fatal registration failure.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-engine.Fatal():
		slog.Error("registration abandoned", "error", err)
		exitCode = 1
	}

	slog.Info("shutting down",
		"active_calls", manager.ActiveCount(),
		"registration", string(engine.Registrar().Status().State),
	)
	manager.Shutdown()
	engine.Stop()

	slog.Info("havoice stopped")
	os.Exit(exitCode)
}
