// Package main provides the relay server binary: a websocket room relay with
// an HTTP status surface and an optional PostgreSQL chat archive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/archive"
	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/observability"
	"github.com/cory-johannsen/relay/internal/relay"
	"github.com/cory-johannsen/relay/internal/server"
	"github.com/cory-johannsen/relay/internal/status"
	"github.com/cory-johannsen/relay/internal/storage/postgres"
	"github.com/cory-johannsen/relay/internal/transport/ws"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (defaults and RELAY_* env when empty)")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting relay server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("ws_path", cfg.WebSocket.Path),
		zap.Bool("archive", cfg.Archive.Enabled),
	)

	lifecycle := server.NewLifecycle(logger, server.WithShutdownTimeout(cfg.Server.ShutdownTimeout))

	// Optional chat archive.
	var (
		chatObserver relay.ChatObserver
		chatHistory  status.ChatHistory
	)
	if cfg.Archive.Enabled {
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		chatRepo := postgres.NewChatRepository(pool.DB())
		archiver := archive.New(chatRepo, cfg.Archive, logger)
		chatObserver = archiver
		chatHistory = chatRepo

		watch := stoppable(func(ctx context.Context) error {
			return pool.Watch(ctx, logger)
		})
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: watch.StartFn,
			StopFn: func(ctx context.Context) error {
				err := watch.StopFn(ctx)
				pool.Close()
				return err
			},
		})
		lifecycle.Add("archive", stoppable(func(ctx context.Context) error {
			err := archiver.Run(ctx)
			written, dropped, failed := archiver.Stats()
			logger.Info("chat archive stopped",
				zap.Int64("written", written),
				zap.Int64("dropped", dropped),
				zap.Int64("failed", failed),
			)
			return err
		}))
	}

	// Relay core. The hub is created after the relay, so the sender
	// resolves it lazily.
	var hub *ws.Hub
	sender := relay.SenderFunc(func(connID string, evt relay.Outbound) error {
		if hub == nil {
			return ws.ErrUnknownConnection
		}
		return hub.Send(connID, evt)
	})
	rl := relay.New(relay.NewRegistry(), sender, logger, relay.Options{
		QueueSize:      cfg.Relay.QueueSize,
		DefaultModelID: cfg.Relay.DefaultModelID,
		Chat:           chatObserver,
		Physics:        relay.NopPhysics,
	})
	hub = ws.NewHub(cfg.WebSocket, rl, logger)
	lifecycle.Add("relay", stoppable(rl.Run))

	ticks := relay.NewTickManager()
	ticks.Register("sweep", cfg.Relay.SweepInterval, rl.Sweep)
	if cfg.Relay.TickInterval > 0 {
		ticks.Register("physics", cfg.Relay.TickInterval, rl.Tick)
	}
	lifecycle.Add("ticks", stoppable(func(ctx context.Context) error {
		ticks.Start(ctx)
		<-ctx.Done()
		ticks.Wait()
		return nil
	}))

	lifecycle.Add("websocket", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		StopFn: func(context.Context) error {
			logger.Info("closing websocket connections",
				zap.Int("hub_connections", hub.ConnectionCount()),
				zap.Int("relay_connections", rl.Connections()),
			)
			hub.Stop()
			return nil
		},
	})

	statusHandler := status.NewHandler(rl.Registry(), chatHistory, cfg.WebSocket.AllowedOrigins, logger)
	statusHandler.Handle(cfg.WebSocket.Path, hub)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           statusHandler.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	lifecycle.Add("http", &server.FuncService{
		StartFn: func(context.Context) error {
			lis, err := net.Listen("tcp", cfg.Server.Addr())
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.Server.Addr(), err)
			}
			logger.Info("http server listening", zap.String("addr", lis.Addr().String()))
			if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})

	logger.Info("relay server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Duration("sweep_interval", cfg.Relay.SweepInterval),
		zap.Duration("tick_interval", cfg.Relay.TickInterval),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// stoppable runs fn under its own context so Stop can end it before the
// services registered earlier are stopped.
func stoppable(fn func(ctx context.Context) error) *server.FuncService {
	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
		ready  = make(chan struct{})
	)
	return &server.FuncService{
		StartFn: func(ctx context.Context) error {
			ctx, cancel = context.WithCancel(ctx)
			close(ready)
			defer close(done)
			return fn(ctx)
		},
		StopFn: func(ctx context.Context) error {
			select {
			case <-ready:
			case <-ctx.Done():
				return ctx.Err()
			}
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}
