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

package integration

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efdm/backend/conversations"
	"github.com/efchatnet/efdm/backend/handlers"
	"github.com/efchatnet/efdm/backend/hub"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/storage"
)

const (
	feedRetry    = time.Second
	relayTimeout = 5 * time.Second
)

// DMIntegration provides real-time direct messaging as a plugin for efchat
type DMIntegration struct {
	store      storage.Store
	registry   *hub.Registry
	router     *hub.Router
	aggregator *conversations.Aggregator
	dmHandler  *handlers.DMHandler
	wsHandler  *handlers.WSHandler
	profiles   *middleware.ProfileSync
	feed       storage.MessageFeed
	auth       middleware.JWTConfig
	log        *slog.Logger
}

// Config holds configuration for the DM integration
type Config struct {
	Store    storage.Store
	Presence storage.PresenceStore // optional, shared presence across instances
	Notifier storage.Notifier      // optional, out-of-process new message feed
	Feed     storage.MessageFeed   // optional, messages persisted by other instances

	JWTSecret      string
	JWTIssuer      string
	AllowedOrigins []string

	MaxMessageLength     int
	SendBuffer           int
	AggregateConcurrency int

	Logger *slog.Logger
}

// NewDMIntegration creates a new DM integration that can be embedded into efchat
func NewDMIntegration(config *Config) (*DMIntegration, error) {
	if err := validate(config); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := hub.NewRegistry(logger, config.Presence)
	opts := []hub.RouterOption{hub.WithMaxMessageLength(config.MaxMessageLength)}
	if config.Notifier != nil {
		opts = append(opts, hub.WithNotifier(config.Notifier))
	}
	router := hub.NewRouter(config.Store, registry, logger, opts...)
	aggregator := conversations.NewAggregator(config.Store, config.Store, config.AggregateConcurrency, logger)
	auth := middleware.JWTConfig{Secret: config.JWTSecret, Issuer: config.JWTIssuer}
	profiles := middleware.NewProfileSync(config.Store, logger)

	return &DMIntegration{
		store:      config.Store,
		registry:   registry,
		router:     router,
		aggregator: aggregator,
		dmHandler:  handlers.NewDMHandler(config.Store, config.Store, aggregator, router, registry, config.Presence),
		wsHandler:  handlers.NewWSHandler(auth, registry, router, profiles, config.AllowedOrigins, config.SendBuffer, logger),
		profiles:   profiles,
		feed:       config.Feed,
		auth:       auth,
		log:        logger,
	}, nil
}

func validate(config *Config) error {
	if config == nil || config.Store == nil {
		return &ValidationError{Message: "store is not configured"}
	}
	if config.JWTSecret == "" {
		return &ValidationError{Message: "JWT secret is not configured"}
	}
	return nil
}

// RegisterRoutes adds DM routes to an existing router
// If authMiddleware is nil, it will use the built-in JWT validation
func (e *DMIntegration) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	// The WebSocket endpoint checks its own token so browsers can pass it as a query parameter
	router.Handle("/ws", e.wsHandler).Methods("GET")
	router.HandleFunc("/health", e.Health).Methods("GET")

	api := router.PathPrefix("/api/dm").Subrouter()
	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(e.auth.Secret, e.auth.Issuer))
	}
	api.Use(e.profiles.Middleware)
	e.dmHandler.RegisterRoutes(api)
}

// Start relays messages persisted by other instances to this instance's
// connections until ctx is done. Without a feed it does nothing.
func (e *DMIntegration) Start(ctx context.Context) {
	if e.feed == nil {
		return
	}
	go func() {
		for {
			err := e.feed.Listen(ctx, e.relay)
			if ctx.Err() != nil {
				return
			}
			e.log.Warn("Message feed stopped, resubscribing", "error", err, "retry_in", feedRetry)
			select {
			case <-ctx.Done():
				return
			case <-time.After(feedRetry):
			}
		}
	}()
}

func (e *DMIntegration) relay(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()

	msg, err := e.store.Get(ctx, messageID)
	if err != nil {
		e.log.Warn("Failed to load relayed message", "message_id", messageID, "error", err)
		return
	}
	e.router.Deliver(msg)
}

// Health reports whether the store is reachable.
func (e *DMIntegration) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := e.store.Ping(ctx); err != nil {
		e.log.Warn("Health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Store unavailable"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Shutdown closes every live connection. The store is owned by the caller.
func (e *DMIntegration) Shutdown() {
	e.registry.CloseAll()
}

func (e *DMIntegration) GetRegistry() *hub.Registry {
	return e.registry
}

func (e *DMIntegration) GetRouter() *hub.Router {
	return e.router
}

func (e *DMIntegration) GetAggregator() *conversations.Aggregator {
	return e.aggregator
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
