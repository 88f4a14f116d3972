// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/samber/lo"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

// ProfileFromClaims builds the profile a token vouches for. ok is false
// when the token carries neither a name nor an email.
func ProfileFromClaims(claims *Claims) (models.UserProfile, bool) {
	if claims == nil || claims.UserID == "" || (claims.Username == "" && claims.Email == "") {
		return models.UserProfile{}, false
	}
	profile := models.UserProfile{
		ID:       claims.UserID,
		FullName: claims.Username,
		Email:    claims.Email,
	}
	if claims.Avatar != "" {
		profile.AvatarURL = lo.ToPtr(claims.Avatar)
	}
	return profile, true
}

// ProfileSync keeps the profile store in line with the identity carried by
// verified tokens. The identity provider owns profiles; this service only
// mirrors them.
type ProfileSync struct {
	profiles storage.ProfileStore
	log      *slog.Logger

	mu     sync.Mutex
	synced map[string]models.UserProfile
}

func NewProfileSync(profiles storage.ProfileStore, logger *slog.Logger) *ProfileSync {
	return &ProfileSync{
		profiles: profiles,
		log:      logger,
		synced:   make(map[string]models.UserProfile),
	}
}

// Sync stores the profile carried by claims. A profile this instance already
// wrote is not written again.
func (p *ProfileSync) Sync(ctx context.Context, claims *Claims) error {
	profile, ok := ProfileFromClaims(claims)
	if !ok {
		return nil
	}

	p.mu.Lock()
	last, seen := p.synced[profile.ID]
	p.mu.Unlock()
	if seen && sameProfile(last, profile) {
		return nil
	}

	if err := p.profiles.UpsertProfile(ctx, profile); err != nil {
		return err
	}

	p.mu.Lock()
	p.synced[profile.ID] = profile
	p.mu.Unlock()
	p.log.Debug("profile synced from token", "user_id", profile.ID)
	return nil
}

// Middleware syncs the profile of every authenticated request. It runs
// after the auth middleware; a failed sync is logged and the request goes on.
func (p *ProfileSync) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := GetClaims(r); ok {
			if err := p.Sync(r.Context(), claims); err != nil {
				p.log.Warn("Failed to sync profile", "user_id", claims.UserID, "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func sameProfile(a, b models.UserProfile) bool {
	return a.ID == b.ID &&
		a.FullName == b.FullName &&
		a.Email == b.Email &&
		lo.FromPtr(a.AvatarURL) == lo.FromPtr(b.AvatarURL)
}
