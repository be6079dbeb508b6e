// Package main is the entry point for the multi-user WhatsApp service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"

	"github.com/Dymas00/whatsapp-multi-user-temp/internal/bus"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/config"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/feed"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/health"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/provider"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/store"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/supervisor"
)

var (
	configPath = flag.String("config", "", "Path to config file (default: ./config.yaml if present)")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	autostart  = flag.Bool("autostart", true, "Restart sessions that were running before the last shutdown")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)

	logger.Info("WhatsApp multi-user service starting",
		"config", *configPath,
		"log_level", cfg.LogLevel,
	)

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0700); err != nil {
		logger.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.SessionsDir, 0700); err != nil {
		logger.Error("Failed to create sessions directory", "error", err)
		os.Exit(1)
	}

	storeDB, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		logger.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer storeDB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := bus.New(logger)
	defer events.Close()

	monitor := health.NewMonitor(prometheus.DefaultRegisterer)
	for _, cat := range []bus.Category{bus.CategoryMessage, bus.CategorySession, bus.CategoryContact} {
		events.Subscribe(bus.WildcardTopic(cat), func(bus.Event) { monitor.EventPublished() })
	}

	sup := supervisor.New(cfg, storeDB, events, provider.NewWhatsmeow, monitor, logger)

	// Render pairing codes on the terminal and save a scannable PNG next to
	// the store, one file per session.
	events.Subscribe(bus.WildcardTopic(bus.CategorySession), func(evt bus.Event) {
		if evt.Type != supervisor.EventSessionQR {
			return
		}
		payload, ok := evt.Payload.(map[string]string)
		if !ok {
			return
		}
		renderPairingCode(logger, cfg, evt.SessionID, payload["rawCode"])
	})

	var metricsSrv *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/health", monitor.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler: mux,
		}
		go func() {
			logger.Info("metrics server listening", "port", cfg.MetricsPort)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	var feedSrv *feed.Server
	var feedHTTP *http.Server
	if cfg.FeedEnabled {
		feedSrv = feed.NewServer(events, logger)
		mux := http.NewServeMux()
		mux.Handle("/ws", feedSrv.Handler())
		feedHTTP = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.FeedPort),
			Handler: mux,
		}
		go func() {
			logger.Info("event feed listening", "port", cfg.FeedPort)
			if err := feedHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("feed server error", "error", err)
			}
		}()
	}

	if *autostart {
		restartSessions(ctx, sup, storeDB, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	sup.Shutdown(shutdownCtx)
	if feedSrv != nil {
		feedSrv.Close()
		feedHTTP.Shutdown(shutdownCtx)
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info("WhatsApp multi-user service stopped")
}

func setupLogging(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// restartSessions brings back every session that was running when the
// previous process exited.
func restartSessions(ctx context.Context, sup *supervisor.Supervisor, storeDB *store.SQLiteStore, logger *slog.Logger) {
	sessions, err := storeDB.Sessions.List(ctx, "")
	if err != nil {
		logger.Error("Failed to list sessions for autostart", "error", err)
		return
	}

	for _, sess := range sessions {
		if !sess.State.IsRunning() {
			continue
		}
		if _, err := sup.Start(ctx, sess.SessionID); err != nil {
			logger.Error("Failed to restart session", "session_id", sess.SessionID, "error", err)
			continue
		}
		logger.Info("session restarted", "session_id", sess.SessionID, "owner_id", sess.OwnerID)
	}
}

func renderPairingCode(logger *slog.Logger, cfg *config.Config, sessionID, code string) {
	if code == "" {
		return
	}

	qrFile := filepath.Join(filepath.Dir(cfg.StorePath), fmt.Sprintf("qrcode-%s.png", sessionID))
	if err := qrcode.WriteFile(code, qrcode.Medium, 256, qrFile); err != nil {
		logger.Error("Failed to save QR code to file", "session_id", sessionID, "error", err)
	} else {
		logger.Info("QR code saved to file - open this file to scan",
			"session_id", sessionID,
			"path", qrFile,
		)
	}

	fmt.Fprintf(os.Stderr, "\nScan this QR code with WhatsApp Mobile (session %s):\n", sessionID)
	qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stderr)
	fmt.Fprintln(os.Stderr, "")
}
