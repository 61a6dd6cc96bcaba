package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"antenna-tracker/internal/config"
	"antenna-tracker/internal/logging"
	"antenna-tracker/internal/web"
)

func main() {
	var configPath string
	var summaryPath string
	var summaryChecksum string
	flag.StringVar(&configPath, "config", "./antenna-tracker.yaml", "Path to YAML config")
	flag.StringVar(&summaryPath, "log-summary", "", "Print a summary of a recorded telemetry log and exit")
	flag.StringVar(&summaryChecksum, "checksum", "crc32", "Checksum used by -log-summary (crc32 or crc8)")
	flag.Parse()

	if summaryPath != "" {
		if err := printLogSummary(os.Stdout, summaryPath, summaryChecksum); err != nil {
			log.Fatalf("log summary failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(cfg.Log.BufferLines)
	logger, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}, logs)
	if err != nil {
		log.Fatalf("logging init failed: %v", err)
	}
	defer logger.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, configPath, logger.Logger, logs)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	logger.Info("antenna-tracker starting", "config", configPath, "web", rt.webAddr())
	if err := rt.Run(ctx); err != nil {
		logger.Error("antenna-tracker stopped", "err", err)
		rt.Close()
		os.Exit(1)
	}
	logger.Info("antenna-tracker stopping")
}
