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

//go:generate go run go.uber.org/mock/mockgen -source=interface.go -destination=../mocks/mock_storage.go -package=mocks

package storage

import (
	"context"

	"github.com/efchatnet/efdm/backend/models"
)

type MessageStore interface {
	// Append validates and persists msg, assigning its id (when empty),
	// timestamp and read flag. The stored message is returned.
	Append(ctx context.Context, msg models.Message) (models.Message, error)
	Get(ctx context.Context, messageID string) (models.Message, error)

	// RangeForPair returns one page of the pair's history, oldest first,
	// and whether older pages follow.
	RangeForPair(ctx context.Context, userA, userB string, page, pageSize int) ([]models.Message, bool, error)
	MarkRead(ctx context.Context, messageID, requesterID string) error

	UnreadCountsFor(ctx context.Context, userID string) (map[string]int, error)
	UnreadCountFrom(ctx context.Context, userID, counterpartID string) (int, error)
	DistinctCounterparts(ctx context.Context, userID string) ([]string, error)
	LastMessageBetween(ctx context.Context, userA, userB string) (models.Message, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (models.UserProfile, error)
	UpsertProfile(ctx context.Context, profile models.UserProfile) error

	// SearchProfiles returns up to limit profiles whose name or email contains
	// query, ignoring case, ordered by name then id. An empty query matches
	// everyone. excludeID is never returned.
	SearchProfiles(ctx context.Context, query, excludeID string, limit int) ([]models.UserProfile, error)
}

// PresenceStore mirrors online/offline transitions of the connection registry.
// Calls must be idempotent.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Notifier announces persisted messages to interested out-of-process listeners.
type Notifier interface {
	NotifyMessage(ctx context.Context, msg models.Message) error
}

// MessageFeed hands over the ids of messages persisted by other instances.
// Listen blocks until ctx is done or the feed fails.
type MessageFeed interface {
	Listen(ctx context.Context, deliver func(messageID string)) error
}

type Store interface {
	MessageStore
	ProfileStore
	Ping(ctx context.Context) error
	Close() error
}
