// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

// APIError is a non-2xx response from the DM REST API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dm api: status %d", e.Status)
	}
	return fmt.Sprintf("dm api: status %d: %s", e.Status, e.Message)
}

// Unwrap lets callers test API failures with the models sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return models.ErrValidation
	case http.StatusUnauthorized:
		return models.ErrAuthentication
	case http.StatusForbidden:
		return models.ErrForbidden
	case http.StatusNotFound:
		return models.ErrNotFound
	default:
		return models.ErrStorage
	}
}

// API talks to the REST half of the DM service on behalf of one user.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *API) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+"/api/dm"+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var event models.ErrorEvent
		if raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)); json.Unmarshal(raw, &event) == nil {
			apiErr.Code, apiErr.Message = event.Code, event.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (a *API) Send(ctx context.Context, receiverID, content string) (models.Message, error) {
	body, err := json.Marshal(models.SendRequest{ReceiverID: receiverID, Content: content})
	if err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	err = a.do(ctx, http.MethodPost, "/messages", bytes.NewReader(body), &msg)
	return msg, err
}

func (a *API) History(ctx context.Context, counterpartID string, page, pageSize int) (models.HistoryPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))

	var result models.HistoryPage
	err := a.do(ctx, http.MethodGet, "/messages/with/"+url.PathEscape(counterpartID)+"?"+q.Encode(), nil, &result)
	return result, err
}

func (a *API) MarkRead(ctx context.Context, messageID string) error {
	return a.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}

func (a *API) UnreadCounts(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{}
	err := a.do(ctx, http.MethodGet, "/messages/unread-counts", nil, &counts)
	return counts, err
}

func (a *API) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var summaries []models.ConversationSummary
	err := a.do(ctx, http.MethodGet, "/conversations", nil, &summaries)
	return summaries, err
}

func (a *API) User(ctx context.Context, userID string) (models.UserProfile, error) {
	var profile models.UserProfile
	err := a.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &profile)
	return profile, err
}

// SearchUsers finds other users by name or email.
func (a *API) SearchUsers(ctx context.Context, query string) ([]models.UserProfile, error) {
	var profiles []models.UserProfile
	err := a.do(ctx, http.MethodGet, "/users/search?"+url.Values{"query": {query}}.Encode(), nil, &profiles)
	return profiles, err
}

func (a *API) AllUsers(ctx context.Context) ([]models.UserProfile, error) {
	var profiles []models.UserProfile
	err := a.do(ctx, http.MethodGet, "/users/all", nil, &profiles)
	return profiles, err
}

func (a *API) Me(ctx context.Context) (models.UserProfile, error) {
	var profile models.UserProfile
	err := a.do(ctx, http.MethodGet, "/users/me", nil, &profile)
	return profile, err
}

func (a *API) Online(ctx context.Context, userID string) (bool, error) {
	var presence struct {
		Online bool `json:"online"`
	}
	err := a.do(ctx, http.MethodGet, "/presence/"+url.PathEscape(userID), nil, &presence)
	return presence.Online, err
}
