// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package conversations derives per-user conversation summaries from the
// message store. Nothing here is stored; every call recomputes.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const DefaultConcurrency = 8

type Aggregator struct {
	messages    storage.MessageStore
	profiles    storage.ProfileStore
	concurrency int
	log         *slog.Logger
}

// NewAggregator builds an aggregator. profiles may be nil, in which case
// every counterpart gets a bare profile.
func NewAggregator(messages storage.MessageStore, profiles storage.ProfileStore, concurrency int, logger *slog.Logger) *Aggregator {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Aggregator{
		messages:    messages,
		profiles:    profiles,
		concurrency: concurrency,
		log:         logger,
	}
}

// ConversationsFor returns userID's conversations, most recent first.
// Ties on lastMessageAt are broken by counterpart id.
func (a *Aggregator) ConversationsFor(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	counterparts, err := a.messages.DistinctCounterparts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list counterparts for %s: %w", userID, err)
	}

	summaries := make([]*models.ConversationSummary, len(counterparts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, counterpartID := range counterparts {
		g.Go(func() error {
			summary, err := a.summarize(gctx, userID, counterpartID)
			if err != nil {
				return err
			}
			summaries[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make([]models.ConversationSummary, 0, len(summaries))
	for _, s := range summaries {
		if s != nil {
			result = append(result, *s)
		}
	}
	Sort(result)
	return result, nil
}

func (a *Aggregator) summarize(ctx context.Context, userID, counterpartID string) (*models.ConversationSummary, error) {
	last, err := a.messages.LastMessageBetween(ctx, userID, counterpartID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last message with %s: %w", counterpartID, err)
	}

	unread, err := a.messages.UnreadCountFrom(ctx, userID, counterpartID)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread from %s: %w", counterpartID, err)
	}

	return &models.ConversationSummary{
		CounterpartID:      counterpartID,
		CounterpartProfile: a.profile(ctx, counterpartID),
		LastMessage: &models.LastMessage{
			Content:   last.Content,
			Timestamp: last.Timestamp,
			IsRead:    last.IsRead,
		},
		LastMessageAt: last.Timestamp,
		UnreadCount:   unread,
	}, nil
}

func (a *Aggregator) profile(ctx context.Context, userID string) models.UserProfile {
	if a.profiles == nil {
		return models.UserProfile{ID: userID}
	}
	profile, err := a.profiles.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			a.log.Warn("Failed to load profile, using bare profile", "user_id", userID, "error", err)
		}
		return models.UserProfile{ID: userID}
	}
	return profile
}

// Sort orders summaries most recent first, ties by counterpart id.
func Sort(summaries []models.ConversationSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.CounterpartID < b.CounterpartID
	})
}
