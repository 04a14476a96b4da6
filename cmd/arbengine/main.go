// Command arbengine runs the cross-venue latency-arbitrage trading engine.
//
// It loads configuration, wires up the engine, starts every background
// worker, and blocks until SIGINT/SIGTERM, at which point it drains
// in-flight work and exits.
package main

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/crossbook/arbengine/internal/config"
	"github.com/crossbook/arbengine/internal/engine"
)

func main() {
	configDir := flag.String("config-dir", "configs", "directory containing common.json / {env}.json / {env}.local.json")
	env := flag.String("e", "dev", "deployment environment (dev, test, prod)")
	flag.StringVar(env, "env", "dev", "deployment environment (dev, test, prod)")
	flag.Parse()

	cfg, err := config.Load(*configDir, config.Env(*env))
	if err != nil {
		slog.Error("failed to load config", "error", err, "dir", *configDir, "env", *env)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog()

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("arbengine started", "env", string(cfg.Env), "order_mode", cfg.OrderMode, "symbols", len(cfg.Symbols))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	done := make(chan struct{})
	go func() {
		eng.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown did not complete within budget, exiting anyway")
	}
}

// newLogger builds the process logger from cfg.Log: JSON records written to
// both stdout and a file under cfg.Log.Dir, at the configured level. The
// returned closer flushes and closes the log file.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	level := parseLogLevel(cfg.Log.Level)

	if err := os.MkdirAll(cfg.Log.Dir, 0o755); err != nil {
		return nil, nil, err
	}
	logPath := filepath.Join(cfg.Log.Dir, "arbengine.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, f), &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)

	return logger, func() { f.Close() }, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
