package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"lockhub/internal/fleet"
	"lockhub/internal/store"
	"lockhub/internal/transport"
	"lockhub/internal/transport/bleproxy"
	"lockhub/internal/transport/bluez"
	"lockhub/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Transport struct {
		Backend string `yaml:"backend"` // "bleproxy" or "bluez"
		Port    string `yaml:"port"`    // serial port of the BLE proxy
		Baud    int    `yaml:"baud"`
		Adapter string `yaml:"adapter"` // BlueZ adapter, e.g. "hci0"
	} `yaml:"transport"`
	Scan struct {
		AutoStop  string `yaml:"auto_stop"` // discovery runtime before auto-stop
		MaxCycles int    `yaml:"max_cycles"`
	} `yaml:"scan"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Transport.Backend {
	case "bleproxy", "":
		if c.Transport.Port == "" {
			return fmt.Errorf("transport.port is required for the bleproxy backend")
		}
	case "bluez":
	default:
		return fmt.Errorf("unknown transport backend: %q (supported: bleproxy, bluez)", c.Transport.Backend)
	}
	if c.Scan.AutoStop != "" {
		if _, err := time.ParseDuration(c.Scan.AutoStop); err != nil {
			return fmt.Errorf("scan.auto_stop: %w", err)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("lockhub starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Create BLE transport based on config
	tr, err := createTransport(cfg, logger)
	if err != nil {
		logger.Error("create transport", "err", err)
		os.Exit(1)
	}
	defer tr.Close()

	// Create orchestrator
	events := fleet.NewEventBus(logger)
	orch := fleet.New(tr, db, events, fleetConfig(cfg), logger)

	// Start orchestrator: rehydrate paired locks and begin monitoring.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := orch.Start(ctx); err != nil {
		logger.Error("start orchestrator", "err", err)
		cancel()
		tr.Close()
		os.Exit(1)
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(orch, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer, err := web.NewServer(orch, logger, webOpts...)
	if err != nil {
		logger.Error("create web server", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(orch, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	orch.Stop()

	logger.Info("goodbye")
}

func createTransport(cfg *Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Backend {
	case "bleproxy", "":
		logger.Info("using BLE serial proxy", "port", cfg.Transport.Port, "baud", cfg.Transport.Baud)
		proxy, err := bleproxy.New(cfg.Transport.Port, cfg.Transport.Baud, logger)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		firmware, err := proxy.Handshake(ctx)
		if err != nil {
			proxy.Close()
			return nil, fmt.Errorf("proxy handshake: %w", err)
		}
		logger.Info("BLE proxy ready", "firmware", firmware)
		return proxy, nil
	case "bluez":
		logger.Info("using BlueZ backend", "adapter", cfg.Transport.Adapter)
		return bluez.New(cfg.Transport.Adapter, logger)
	default:
		return nil, fmt.Errorf("unknown transport backend: %q (supported: bleproxy, bluez)", cfg.Transport.Backend)
	}
}

func fleetConfig(cfg *Config) fleet.Config {
	fc := fleet.Config{MaxScanCycles: cfg.Scan.MaxCycles}
	if cfg.Scan.AutoStop != "" {
		// validate() already rejected unparsable values.
		if d, err := time.ParseDuration(cfg.Scan.AutoStop); err == nil {
			fc.ScanAutoStop = d
		}
	}
	return fc
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "lockhub.db"
	}
	if cfg.Transport.Baud == 0 {
		cfg.Transport.Baud = 115200
	}
	if cfg.Transport.Adapter == "" {
		cfg.Transport.Adapter = "hci0"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "lockhub"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
