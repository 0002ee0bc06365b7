package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/callsign/internal/banner"
	"github.com/sebas/callsign/internal/logger"
	"github.com/sebas/callsign/internal/webphone/app"
	"github.com/sebas/callsign/internal/webphone/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("WEBPHONE", []banner.ConfigLine{
		{Label: "Extension", Value: cfg.Extension},
		{Label: "Domain", Value: cfg.Domain},
		{Label: "PBX API", Value: cfg.PBXURL},
		{Label: "SIP Listen", Value: cfg.SIPListenAddr},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	phone, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to create webphone", "error", err)
		os.Exit(1)
	}

	if err := phone.Start(ctx); err != nil {
		slog.Error("Failed to start webphone", "error", err)
		os.Exit(1)
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := phone.Stop(stopCtx); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}
	cancel()
}
