// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdm/backend/config"
	"github.com/efchatnet/efdm/backend/integration"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/storage"
	badgerstore "github.com/efchatnet/efdm/backend/storage/badger"
	"github.com/efchatnet/efdm/backend/storage/postgres"
	redisstore "github.com/efchatnet/efdm/backend/storage/redis"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "efdm terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	logger := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer store.Close()

	dmConfig := &integration.Config{
		Store:                store,
		JWTSecret:            cfg.JWTSecret,
		JWTIssuer:            cfg.JWTIssuer,
		AllowedOrigins:       cfg.AllowedOrigins,
		MaxMessageLength:     cfg.MaxMessageLength,
		SendBuffer:           cfg.SendBuffer,
		AggregateConcurrency: cfg.AggregateConcurrency,
		Logger:               logger,
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return exitConfig, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return exitRuntime, fmt.Errorf("failed to connect to redis: %w", err)
		}
		instanceID := uuid.NewString()
		dmConfig.Presence = redisstore.NewPresenceStore(rdb, instanceID)
		notifier := redisstore.NewDMNotifier(rdb, instanceID)
		dmConfig.Notifier = notifier
		dmConfig.Feed = notifier
		logger.Info("Redis presence and notifications enabled", "instance_id", instanceID)
	}

	dm, err := integration.NewDMIntegration(dmConfig)
	if err != nil {
		return exitConfig, err
	}

	dm.Start(ctx)

	r := mux.NewRouter()
	dm.RegisterRoutes(r, nil)

	// Outside the router so preflight requests that match no route still get CORS headers.
	handler := middleware.RequestLogger(logger)(middleware.CORS(cfg.AllowedOrigins)(r))

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("DM server starting", "addr", srv.Addr, "store", cfg.StoreDriver, "jwt_issuer", cfg.JWTIssuer)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return exitRuntime, fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server.
	dm.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitRuntime, fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("DM server stopped")
	return exitOK, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverBadger:
		store, err := badgerstore.Open(cfg.BadgerPath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Using badger store", "path", cfg.BadgerPath)
		return store, nil
	default:
		store, err := postgres.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		logger.Info("Using postgres store")
		return store, nil
	}
}
