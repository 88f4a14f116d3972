// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presencePrefix = "presence:" // presence:{userId} - set of instance ids holding a connection

	// PresenceTTL bounds how long a crashed instance can keep a user online.
	PresenceTTL = 24 * time.Hour
)

// PresenceStore tracks which server instances hold a live connection for a
// user. A user is online while at least one instance is in the set.
type PresenceStore struct {
	rdb        *redis.Client
	instanceID string
}

func NewPresenceStore(rdb *redis.Client, instanceID string) *PresenceStore {
	return &PresenceStore{rdb: rdb, instanceID: instanceID}
}

func presenceKey(userID string) string {
	return presencePrefix + userID
}

func (p *PresenceStore) SetOnline(ctx context.Context, userID string) error {
	key := presenceKey(userID)
	pipe := p.rdb.TxPipeline()
	pipe.SAdd(ctx, key, p.instanceID)
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set %s online: %w", userID, err)
	}
	return nil
}

func (p *PresenceStore) SetOffline(ctx context.Context, userID string) error {
	if err := p.rdb.SRem(ctx, presenceKey(userID), p.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to set %s offline: %w", userID, err)
	}
	return nil
}

func (p *PresenceStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := p.rdb.SCard(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read presence for %s: %w", userID, err)
	}
	return n > 0, nil
}
