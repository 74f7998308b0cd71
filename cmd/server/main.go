package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	forexwebui "github.com/MegaGrindStone/forex-web-ui"
	"github.com/MegaGrindStone/forex-web-ui/internal/chat"
	"github.com/MegaGrindStone/forex-web-ui/internal/handlers"
	"github.com/MegaGrindStone/forex-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

const errLoggerKey = "err"

type closer interface {
	Close() error
}

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "forexwebui")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfg, err := loadConfig(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		log.Fatal(err)
	}

	logger := cfg.logger()

	ctx := context.Background()
	streamer, err := cfg.LLM.streamer(ctx, cfg.SystemPrompt, logger)
	if err != nil {
		logger.Error("Failed to create llm", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	var images chat.ImageGenerator
	if cfg.Chart != nil {
		images, err = cfg.Chart.imageGenerator(ctx, logger)
		if err != nil {
			logger.Error("Failed to create chart generator", slog.String(errLoggerKey, err.Error()))
			os.Exit(1)
		}
	} else {
		logger.Warn("No chart provider configured, chart requests will fail")
	}

	store, err := openStore(cfg.Store, cfgPath)
	if err != nil {
		logger.Error("Failed to open store", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	var opts []handlers.Option
	if cfg.SessionIdleTimeout > 0 {
		opts = append(opts, handlers.WithSessionIdleTimeout(cfg.SessionIdleTimeout))
	}
	m, err := handlers.NewMain(streamer, images, store, logger, opts...)
	if err != nil {
		logger.Error("Failed to create handlers", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	// Serve static files
	staticFS, err := fs.Sub(forexwebui.StaticFS, "static")
	if err != nil {
		logger.Error("Failed to load static files", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/reset", m.HandleReset)
	mux.HandleFunc("/strategy", m.HandleStrategy)
	mux.HandleFunc("/sse", m.HandleSSE)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sessions", slog.String(errLoggerKey, err.Error()))
		}
		if c, ok := store.(closer); ok {
			if err := c.Close(); err != nil {
				logger.Error("Failed to close store", slog.String(errLoggerKey, err.Error()))
			}
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", slog.String(errLoggerKey, err.Error()))
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
}

func loadConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured store. Relative paths are resolved against dir.
func openStore(cfg storeConfig, dir string) (chat.Store, error) {
	path := cfg.Path
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}

	switch cfg.Type {
	case "bolt":
		if path == "" {
			path = filepath.Join(dir, "store.db")
		}
		return services.NewBoltDB(path)
	case "sqlite":
		if path == "" {
			path = filepath.Join(dir, "store.sqlite")
		}
		return services.NewSQLite(path)
	case "none":
		return services.NopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
