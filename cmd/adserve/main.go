// Command adserve runs the ad decision engine over HTTP.
//
// Configuration comes from the YAML file named by ADSERVE_CONFIG (optional)
// and then environment overrides: PORT, DATA_DIR, STORAGE, DB_PATH,
// OPTIMIZER_URL, OPTIMIZER_ALLOW_PRIVATE, METRICS_DB, LOG_LEVEL and
// ADSERVE_ENV (development turns on catalog hot reload).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hazyhaar/adserve/adengine"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(env("LOG_LEVEL", "info"))}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := adengine.Open(cfg, adengine.WithLogger(logger))
	if err != nil {
		slog.Error("open engine", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		slog.Error("start engine", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Serve may wait on the optimizer: three 10s attempts plus backoff.
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting",
			"addr", cfg.Listen,
			"storage", cfg.Storage,
			"optimizer", cfg.Optimizer.URL != "",
			"hot_reload", cfg.HotReload)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// loadConfig reads the optional YAML file then applies environment overrides.
func loadConfig(getenv func(string) string) (*adengine.Config, error) {
	cfg := adengine.DefaultConfig()
	if path := getenv("ADSERVE_CONFIG"); path != "" {
		var err error
		if cfg, err = adengine.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if v := getenv("PORT"); v != "" {
		cfg.Listen = ":" + v
	}
	if v := getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv("STORAGE"); v != "" {
		cfg.Storage = v
	}
	if v := getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("OPTIMIZER_URL"); v != "" {
		cfg.Optimizer.URL = v
	}
	// Optimizers usually sit on a private network; loopback and private
	// addresses are refused unless this is set.
	if v := getenv("OPTIMIZER_ALLOW_PRIVATE"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("OPTIMIZER_ALLOW_PRIVATE: %w", err)
		}
		cfg.Optimizer.AllowPrivate = allow
	}
	if v := getenv("METRICS_DB"); v != "" {
		cfg.MetricsDB = v
	}
	if getenv("ADSERVE_ENV") == "development" {
		cfg.HotReload = true
	}
	return cfg, cfg.Validate()
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
