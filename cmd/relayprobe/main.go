// Package main provides a probe client that runs a scripted session against a
// relay server and reports ping latency.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/observability"
	"github.com/cory-johannsen/relay/internal/relayclient"
)

func main() {
	url := flag.String("url", "ws://localhost:3001/ws", "relay websocket URL")
	scenarioPath := flag.String("scenario", "", "path to a YAML scenario file (required)")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall run timeout")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := observability.NewLogger(config.LoggingConfig{Level: *level, Format: "console"})
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	if *scenarioPath == "" {
		logger.Fatal("missing -scenario")
	}
	scenario, err := relayclient.LoadScenarioFromFile(*scenarioPath)
	if err != nil {
		logger.Fatal("loading scenario", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client, err := relayclient.Dial(ctx, *url, nil)
	if err != nil {
		logger.Fatal("connecting", zap.String("url", *url), zap.Error(err))
	}
	defer client.Close()
	logger.Info("connected", zap.String("url", *url))

	start := time.Now()
	report, err := scenario.Run(ctx, client, logger)
	fields := []zap.Field{
		zap.Any("received", report.Received),
		zap.Int("pings", len(report.RTTs)),
		zap.Duration("median_rtt", report.MedianRTT()),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		logger.Error("scenario failed", append(fields, zap.Error(err))...)
		os.Exit(1)
	}
	logger.Info("scenario complete", fields...)
}
