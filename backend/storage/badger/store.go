// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package badger is an embedded MessageStore for single-node deployments.
//
// Layout (parts joined by NUL):
//
//	msg     {id}                           -> JSON message
//	pair    {low} {high} {unixnano} {id}   -> empty, ordered history index
//	unread  {receiver} {sender} {id}       -> empty, present while unread
//	peer    {user} {counterpart}           -> empty
//	profile {user}                         -> JSON profile
//
// The unixnano part is zero padded to 19 digits so lexicographic key order
// is chronological order.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const (
	msgPrefix     = "msg"
	pairPrefix    = "pair"
	unreadPrefix  = "unread"
	peerPrefix    = "peer"
	profilePrefix = "profile"

	sep = "\x00"

	maxConflictRetries = 5
)

type Store struct {
	db    *badger.DB
	clock *storage.Clock
	log   *slog.Logger
}

// Open opens (or creates) a store at path. An empty path keeps everything in memory.
func Open(path string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", path, err)
	}
	return NewStore(db, logger), nil
}

func NewStore(db *badger.DB, logger *slog.Logger) *Store {
	return &Store{db: db, clock: storage.NewClock(), log: logger}
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger is closed")
	}
	return nil
}

func (s *Store) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, sep))
}

func prefix(parts ...string) []byte {
	return append(key(parts...), sep...)
}

func splitKey(k []byte) []string {
	return strings.Split(string(k), sep)
}

func orderedPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func pairPrefixFor(a, b string) []byte {
	low, high := orderedPair(a, b)
	return prefix(pairPrefix, low, high)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrStorage, op, err)
}

func (s *Store) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	msg, err := storage.PrepareAppend(msg, s.clock)
	if err != nil {
		return models.Message{}, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, storageErr("marshal message", err)
	}

	low, high := orderedPair(msg.SenderID, msg.ReceiverID)
	at := fmt.Sprintf("%019d", msg.Timestamp.UnixNano())

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(msgPrefix, msg.ID)); err == nil {
			return fmt.Errorf("%w: message %s already exists", models.ErrValidation, msg.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entries := [][]byte{
			key(pairPrefix, low, high, at, msg.ID),
			key(unreadPrefix, msg.ReceiverID, msg.SenderID, msg.ID),
			key(peerPrefix, msg.SenderID, msg.ReceiverID),
			key(peerPrefix, msg.ReceiverID, msg.SenderID),
		}
		if err := txn.Set(key(msgPrefix, msg.ID), data); err != nil {
			return err
		}
		for _, k := range entries {
			if err := txn.Set(k, []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, models.ErrValidation) {
		return models.Message{}, err
	}
	if err != nil {
		return models.Message{}, storageErr("store message", err)
	}

	s.log.Debug("message stored", "message_id", msg.ID, "sender_id", msg.SenderID, "receiver_id", msg.ReceiverID)
	return msg, nil
}

func getMessage(txn *badger.Txn, messageID string) (models.Message, error) {
	item, err := txn.Get(key(msgPrefix, messageID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.Message{}, fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}
	if err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	})
	return msg, err
}

func (s *Store) Get(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		msg, err = getMessage(txn, messageID)
		return err
	})
	if errors.Is(err, models.ErrNotFound) {
		return models.Message{}, err
	}
	if err != nil {
		return models.Message{}, storageErr("get message", err)
	}
	return msg, nil
}

func (s *Store) RangeForPair(ctx context.Context, userA, userB string, page, pageSize int) ([]models.Message, bool, error) {
	page, pageSize, offset := storage.NormalizePage(page, pageSize)
	p := pairPrefixFor(userA, userB)

	messages := []models.Message{}
	total := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if total >= offset && total < offset+pageSize {
				parts := splitKey(it.Item().Key())
				ids = append(ids, parts[len(parts)-1])
			}
			total++
		}

		for _, id := range ids {
			msg, err := getMessage(txn, id)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, false, storageErr("range messages", err)
	}
	return messages, total > page*pageSize, nil
}

func (s *Store) MarkRead(ctx context.Context, messageID, requesterID string) error {
	if _, err := uuid.Parse(messageID); err != nil {
		return fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			msg, err := getMessage(txn, messageID)
			if err != nil {
				return err
			}
			if msg.ReceiverID != requesterID {
				return fmt.Errorf("%w: only the receiver can mark message %s as read", models.ErrForbidden, messageID)
			}
			if msg.IsRead {
				return nil
			}
			msg.IsRead = true
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := txn.Set(key(msgPrefix, msg.ID), data); err != nil {
				return err
			}
			return txn.Delete(key(unreadPrefix, msg.ReceiverID, msg.SenderID, msg.ID))
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrForbidden):
		return err
	default:
		return storageErr("mark read", err)
	}
}

// keysWithPrefix calls fn with the split key of every entry under p.
func (s *Store) keysWithPrefix(p []byte, fn func(parts []string)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			fn(splitKey(it.Item().Key()))
		}
		return nil
	})
}

func (s *Store) UnreadCountsFor(ctx context.Context, userID string) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.keysWithPrefix(prefix(unreadPrefix, userID), func(parts []string) {
		counts[parts[2]]++
	})
	if err != nil {
		return nil, storageErr("unread counts", err)
	}
	return counts, nil
}

func (s *Store) UnreadCountFrom(ctx context.Context, userID, counterpartID string) (int, error) {
	count := 0
	err := s.keysWithPrefix(prefix(unreadPrefix, userID, counterpartID), func([]string) {
		count++
	})
	if err != nil {
		return 0, storageErr("unread count", err)
	}
	return count, nil
}

func (s *Store) DistinctCounterparts(ctx context.Context, userID string) ([]string, error) {
	counterparts := []string{}
	err := s.keysWithPrefix(prefix(peerPrefix, userID), func(parts []string) {
		counterparts = append(counterparts, parts[2])
	})
	if err != nil {
		return nil, storageErr("distinct counterparts", err)
	}
	return counterparts, nil
}

func (s *Store) LastMessageBetween(ctx context.Context, userA, userB string) (models.Message, error) {
	p := pairPrefixFor(userA, userB)

	var msg models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte{}, p...), 0xff))
		if !it.ValidForPrefix(p) {
			return fmt.Errorf("%w: no messages between %s and %s", models.ErrNotFound, userA, userB)
		}
		parts := splitKey(it.Item().Key())
		var err error
		msg, err = getMessage(txn, parts[len(parts)-1])
		return err
	})
	if errors.Is(err, models.ErrNotFound) {
		return models.Message{}, err
	}
	if err != nil {
		return models.Message{}, storageErr("last message", err)
	}
	return msg, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (models.UserProfile, error) {
	var profile models.UserProfile
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(profilePrefix, userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &profile)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.UserProfile{}, fmt.Errorf("%w: user %s", models.ErrNotFound, userID)
	}
	if err != nil {
		return models.UserProfile{}, storageErr("get profile", err)
	}
	return profile, nil
}

func (s *Store) UpsertProfile(ctx context.Context, profile models.UserProfile) error {
	if profile.ID == "" {
		return fmt.Errorf("%w: profile id is required", models.ErrValidation)
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return storageErr("marshal profile", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(profilePrefix, profile.ID), data)
	})
	if err != nil {
		return storageErr("upsert profile", err)
	}
	return nil
}

func (s *Store) SearchProfiles(ctx context.Context, query, excludeID string, limit int) ([]models.UserProfile, error) {
	profiles := []models.UserProfile{}
	err := s.db.View(func(txn *badger.Txn) error {
		p := prefix(profilePrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			var profile models.UserProfile
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &profile)
			}); err != nil {
				return err
			}
			if profile.ID != excludeID && storage.MatchProfile(profile, query) {
				profiles = append(profiles, profile)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("search profiles", err)
	}

	storage.SortProfiles(profiles)
	if limit = storage.NormalizeLimit(limit); len(profiles) > limit {
		profiles = profiles[:limit]
	}
	return profiles, nil
}
