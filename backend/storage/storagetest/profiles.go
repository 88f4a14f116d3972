// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package storagetest

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

type ProfileFactory func(t *testing.T) storage.ProfileStore

func RunProfileStore(t *testing.T, newStore ProfileFactory) {
	t.Run("search matches name or email ignoring case", func(t *testing.T) { testSearchMatches(t, newStore(t)) })
	t.Run("search excludes the caller and honours the limit", func(t *testing.T) { testSearchExcludeAndLimit(t, newStore(t)) })
	t.Run("search treats wildcards literally", func(t *testing.T) { testSearchWildcards(t, newStore(t)) })
}

// seedProfiles stores three profiles sharing a tag unique to this run:
// two carry it in their name, one only in its email.
func seedProfiles(t *testing.T, s storage.ProfileStore) (string, []models.UserProfile) {
	t.Helper()
	tag := "zq" + uuid.NewString()[:8]
	profiles := []models.UserProfile{
		{ID: UserID("ann"), FullName: "Ann " + tag, Email: "ann@example.com"},
		{ID: UserID("bob"), FullName: "Bob " + tag, Email: "bob@example.com"},
		{ID: UserID("cyd"), FullName: "Cyd Other", Email: "cyd@" + tag + ".example"},
	}
	for _, p := range profiles {
		require.NoError(t, s.UpsertProfile(context.Background(), p))
	}
	return tag, profiles
}

func profileIDs(profiles []models.UserProfile) []string {
	return lo.Map(profiles, func(p models.UserProfile, _ int) string { return p.ID })
}

func testSearchMatches(t *testing.T, s storage.ProfileStore) {
	req := require.New(t)
	ctx := context.Background()
	tag, seeded := seedProfiles(t, s)

	found, err := s.SearchProfiles(ctx, strings.ToUpper(tag), "", storage.SearchLimit)
	req.NoError(err)
	req.Equal(profileIDs(seeded), profileIDs(found))

	found, err = s.SearchProfiles(ctx, "Cyd Other", "", storage.SearchLimit)
	req.NoError(err)
	req.Contains(profileIDs(found), seeded[2].ID)
}

func testSearchExcludeAndLimit(t *testing.T, s storage.ProfileStore) {
	req := require.New(t)
	ctx := context.Background()
	tag, seeded := seedProfiles(t, s)

	found, err := s.SearchProfiles(ctx, tag, seeded[0].ID, storage.SearchLimit)
	req.NoError(err)
	req.Equal([]string{seeded[1].ID, seeded[2].ID}, profileIDs(found))

	found, err = s.SearchProfiles(ctx, tag, "", 1)
	req.NoError(err)
	req.Equal([]string{seeded[0].ID}, profileIDs(found))
}

func testSearchWildcards(t *testing.T, s storage.ProfileStore) {
	req := require.New(t)
	tag, _ := seedProfiles(t, s)

	for _, query := range []string{tag + "%", tag + "_", "%" + tag[2:] + "\\"} {
		found, err := s.SearchProfiles(context.Background(), query, "", storage.SearchLimit)
		req.NoError(err)
		req.Empty(found, "query %q", query)
	}
}
