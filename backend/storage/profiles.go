// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package storage

import (
	"sort"
	"strings"

	"github.com/efchatnet/efdm/backend/models"
)

// SearchLimit caps a user search.
const SearchLimit = 20

// MatchProfile reports whether query occurs in the profile's name or email,
// ignoring case.
func MatchProfile(p models.UserProfile, query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(p.FullName), q) || strings.Contains(strings.ToLower(p.Email), q)
}

func SortProfiles(profiles []models.UserProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		if profiles[i].FullName != profiles[j].FullName {
			return profiles[i].FullName < profiles[j].FullName
		}
		return profiles[i].ID < profiles[j].ID
	})
}

func NormalizeLimit(limit int) int {
	if limit < 1 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
