// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/efchatnet/efdm/backend/hub"
	"github.com/efchatnet/efdm/backend/middleware"
)

// WSHandler upgrades authenticated requests to a live DM connection.
// The token is checked once, before the upgrade.
type WSHandler struct {
	auth       middleware.JWTConfig
	registry   *hub.Registry
	sender     hub.MessageSender
	upgrader   websocket.Upgrader
	sendBuffer int
	profiles   *middleware.ProfileSync
	log        *slog.Logger
}

// NewWSHandler builds the upgrade endpoint. profiles may be nil.
func NewWSHandler(auth middleware.JWTConfig, registry *hub.Registry, sender hub.MessageSender, profiles *middleware.ProfileSync, allowedOrigins []string, sendBuffer int, logger *slog.Logger) *WSHandler {
	origins := newOriginPolicy(allowedOrigins)
	return &WSHandler{
		auth:     auth,
		registry: registry,
		sender:   sender,
		profiles: profiles,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.allows,
		},
		sendBuffer: sendBuffer,
		log:        logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, err := h.auth.Authenticate(r, true)
	if err != nil {
		h.log.Debug("WebSocket authentication failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if h.profiles != nil {
		if err := h.profiles.Sync(r.Context(), claims); err != nil {
			h.log.Warn("Failed to sync profile", "user_id", claims.UserID, "error", err)
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "user_id", claims.UserID, "error", err)
		return
	}

	conn := hub.NewConn(ws, claims.UserID, h.sendBuffer, h.log)
	h.log.Info("Connection opened", "user_id", claims.UserID, "handle_id", conn.ID())
	conn.Serve(r.Context(), h.registry, h.sender)
	h.log.Info("Connection closed", "user_id", claims.UserID, "handle_id", conn.ID())
}

// originPolicy admits requests without an Origin header (non-browser
// clients authenticate by token alone) and browser origins on the list.
type originPolicy struct {
	allowAll bool
	allowed  map[string]bool
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]bool)}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		if normalized, ok := normalizeOrigin(trimmed); ok {
			p.allowed[normalized] = true
		}
	}
	return p
}

func (p originPolicy) allows(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(header)
	return ok && p.allowed[normalized]
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
