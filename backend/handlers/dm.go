// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efdm/backend/conversations"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

// Sender delivers a message on behalf of an authenticated user.
type Sender interface {
	Send(ctx context.Context, senderID, receiverID, content string) (models.Message, error)
}

// OnlineChecker reports whether a user holds a live connection.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

type DMHandler struct {
	messages   storage.MessageStore
	profiles   storage.ProfileStore
	aggregator *conversations.Aggregator
	sender     Sender
	local      OnlineChecker
	presence   storage.PresenceStore
}

// NewDMHandler wires the REST surface. presence may be nil, in which case
// presence is answered from this instance's connections only.
func NewDMHandler(
	messages storage.MessageStore,
	profiles storage.ProfileStore,
	aggregator *conversations.Aggregator,
	sender Sender,
	local OnlineChecker,
	presence storage.PresenceStore,
) *DMHandler {
	return &DMHandler{
		messages:   messages,
		profiles:   profiles,
		aggregator: aggregator,
		sender:     sender,
		local:      local,
		presence:   presence,
	}
}

// RegisterRoutes mounts the handlers on an already authenticated router.
func (h *DMHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/messages", h.SendMessage).Methods("POST")
	r.HandleFunc("/messages/with/{userId}", h.GetMessagesWith).Methods("GET")
	r.HandleFunc("/messages/unread-counts", h.GetUnreadCounts).Methods("GET")
	r.HandleFunc("/messages/{messageId}/read", h.MarkRead).Methods("PUT")
	r.HandleFunc("/conversations", h.GetConversations).Methods("GET")
	r.HandleFunc("/users/search", h.SearchUsers).Methods("GET")
	r.HandleFunc("/users/all", h.GetAllUsers).Methods("GET")
	r.HandleFunc("/users/me", h.GetCurrentUser).Methods("GET")
	r.HandleFunc("/users/{userId}", h.GetUser).Methods("GET")
	r.HandleFunc("/presence/{userId}", h.GetPresence).Methods("GET")
}

// SendMessage sends over HTTP for clients without a live connection. The
// result is pushed to live connections exactly like a WebSocket send.
func (h *DMHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, models.ErrAuthentication)
		return
	}

	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := h.sender.Send(r.Context(), userID, req.ReceiverID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// GetMessagesWith returns one page of history with another user, oldest first.
func (h *DMHandler) GetMessagesWith(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, models.ErrAuthentication)
		return
	}
	otherUserID := mux.Vars(r)["userId"]

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", storage.DefaultPageSize)

	messages, hasMore, err := h.messages.RangeForPair(r.Context(), userID, otherUserID, page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.HistoryPage{Messages: messages, HasMore: hasMore})
}

func (h *DMHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, models.ErrAuthentication)
		return
	}
	messageID := mux.Vars(r)["messageId"]

	if err := h.messages.MarkRead(r.Context(), messageID, userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *DMHandler) GetUnreadCounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, models.ErrAuthentication)
		return
	}

	counts, err := h.messages.UnreadCountsFor(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *DMHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, models.ErrAuthentication)
		return
	}

	summaries, err := h.aggregator.ConversationsFor(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *DMHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	profile, err := h.profiles.GetProfile(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// SearchUsers finds other users by name or email.
func (h *DMHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, models.ErrAuthentication)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, fmt.Errorf("%w: search query cannot be empty", models.ErrValidation))
		return
	}

	profiles, err := h.profiles.SearchProfiles(r.Context(), query, userID, storage.SearchLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

// GetAllUsers lists everyone but the caller, capped at one page.
func (h *DMHandler) GetAllUsers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, models.ErrAuthentication)
		return
	}

	profiles, err := h.profiles.SearchProfiles(r.Context(), "", userID, storage.MaxPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (h *DMHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, models.ErrAuthentication)
		return
	}

	profile, err := h.profiles.GetProfile(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *DMHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	online := h.local.IsOnline(userID)
	if !online && h.presence != nil {
		var err error
		online, err = h.presence.IsOnline(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "online": online})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
