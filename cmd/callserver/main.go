package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/lmittmann/tint"

	"github.com/sparebook/callkit/internal/call"
	"github.com/sparebook/callkit/internal/config"
	"github.com/sparebook/callkit/internal/gateway"
	"github.com/sparebook/callkit/internal/history"
	"github.com/sparebook/callkit/internal/media"
	"github.com/sparebook/callkit/internal/metrics"
	"github.com/sparebook/callkit/internal/session"
	"github.com/sparebook/callkit/internal/store"
	"github.com/sparebook/callkit/internal/store/memory"
	"github.com/sparebook/callkit/internal/store/redisstore"
	"github.com/sparebook/callkit/internal/transport"
)

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.TimeOnly,
	})))

	configDir := "conf"
	if dir := os.Getenv("CALLKIT_CONFIG_DIR"); dir != "" {
		configDir = dir
	}
	cfgManager, err := config.NewManager(configDir)
	if err != nil {
		slog.Error("failed to load configuration", "dir", configDir, "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	signalingStore, err := newStore(cfg.Store)
	if err != nil {
		slog.Error("failed to initialize signaling store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	registry := session.NewRegistry(signalingStore)

	capturer, err := media.NewDeviceCapturer()
	if err != nil {
		slog.Error("failed to initialize media capturer", "error", err)
		os.Exit(1)
	}
	factory, err := transport.NewPionFactory(cfg.WebRTC, capturer.PopulateEngine)
	if err != nil {
		slog.Error("failed to initialize transport", "error", err)
		os.Exit(1)
	}

	var hist history.Repository
	if cfg.History.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.History.Path), 0o755); err != nil {
			slog.Error("failed to create history directory", "error", err)
			os.Exit(1)
		}
		hist, err = history.NewSQLiteRepository(cfg.History.Path)
		if err != nil {
			slog.Error("failed to open call history", "path", cfg.History.Path, "error", err)
			os.Exit(1)
		}
		defer hist.Close()
	}

	manager := call.NewManager(registry, factory, capturer, cfg.Timeouts, hist)
	defer manager.Close()

	app := fiber.New(fiber.Config{
		BodyLimit: 1024 * 1024,
	})
	server := gateway.NewServer(&cfg, app, manager, registry)
	defer server.Close()
	server.Setup()

	metrics.StartTime.Set(float64(time.Now().Unix()))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if cfg.Server.TLSCrtFile != nil && cfg.Server.TLSKeyFile != nil {
		slog.Info("starting TLS server", "addr", addr)
		err = app.ListenTLS(addr, *cfg.Server.TLSCrtFile, *cfg.Server.TLSKeyFile)
	} else {
		slog.Info("starting server", "addr", addr)
		err = app.Listen(addr)
	}
	if err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.New(), nil
	case "redis":
		return redisstore.New(cfg.RedisAddr), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
