// Command orchestratord is the multi-agent orchestration kernel's entry
// point: it loads configuration, wires every component via
// internal/supervisor, and runs until an interrupt or terminate signal.
//
// Adapted from the teacher's cmd/nodemanager/main.go: the same
// config-dir flag and APP_ENV-driven config.Load, the same
// signal.Notify(SIGINT, SIGTERM) -> context.WithCancel shutdown wiring,
// minus the teacher's Setup Wizard mode (this kernel has no interactive
// first-run flow — every configuration key has a documented default).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"orchestratord/internal/config"
	"orchestratord/internal/logging"
	"orchestratord/internal/supervisor"
)

func main() {
	configDir := flag.String("config", "", "configuration directory (overrides CONFIG_DIR/default search path)")
	debug := flag.Bool("debug", false, "force debug log level regardless of configuration")
	flag.Parse()

	if *configDir != "" {
		config.SetConfigDir(*configDir)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration_error: %v", err)
	}

	level := cfg.LogLevel
	if *debug {
		level = "debug"
	}
	logger := logging.New(logging.Config{
		Level:     level,
		Format:    cfg.LogFormat,
		Output:    "stdout",
		Component: "orchestratord",
	})

	logger.Info("orchestratord: starting", "env", cfg.Env, "num_agents", cfg.NumAgents, "config", cfg.String())

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("orchestratord: failed to wire kernel")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("orchestratord: received shutdown signal")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		logger.WithError(err).Error("orchestratord: exited with error")
		os.Exit(1)
	}
	logger.Info("orchestratord: stopped")
}
