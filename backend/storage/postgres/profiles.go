// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) GetProfile(ctx context.Context, userID string) (models.UserProfile, error) {
	var profile models.UserProfile
	var avatar sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, full_name, email, avatar_url FROM user_profiles
		WHERE user_id = $1`, userID).Scan(&profile.ID, &profile.FullName, &profile.Email, &avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserProfile{}, fmt.Errorf("%w: user %s", models.ErrNotFound, userID)
	}
	if err != nil {
		return models.UserProfile{}, storageErr("get profile", err)
	}
	if avatar.Valid {
		profile.AvatarURL = &avatar.String
	}
	return profile, nil
}

func (s *Store) UpsertProfile(ctx context.Context, profile models.UserProfile) error {
	if profile.ID == "" {
		return fmt.Errorf("%w: profile id is required", models.ErrValidation)
	}
	var avatar sql.NullString
	if profile.AvatarURL != nil {
		avatar = sql.NullString{String: *profile.AvatarURL, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, full_name, email, avatar_url, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET full_name = $2, email = $3, avatar_url = $4, updated_at = NOW()`,
		profile.ID, profile.FullName, profile.Email, avatar)
	if err != nil {
		return classify("upsert profile", err)
	}
	return nil
}

func (s *Store) SearchProfiles(ctx context.Context, query, excludeID string, limit int) ([]models.UserProfile, error) {
	pattern := "%" + likeEscaper.Replace(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, full_name, email, avatar_url FROM user_profiles
		WHERE user_id <> $1 AND (full_name ILIKE $2 OR email ILIKE $2)
		ORDER BY full_name, user_id
		LIMIT $3`, excludeID, pattern, storage.NormalizeLimit(limit))
	if err != nil {
		return nil, storageErr("search profiles", err)
	}
	defer rows.Close()

	profiles := []models.UserProfile{}
	for rows.Next() {
		var profile models.UserProfile
		var avatar sql.NullString
		if err := rows.Scan(&profile.ID, &profile.FullName, &profile.Email, &avatar); err != nil {
			return nil, storageErr("scan profile", err)
		}
		if avatar.Valid {
			profile.AvatarURL = &avatar.String
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("search profiles", err)
	}
	return profiles, nil
}
