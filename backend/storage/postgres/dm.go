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

	"github.com/google/uuid"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const messageColumns = `id, sender_id, receiver_id, content, created_at, is_read`

const pairPredicate = `((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var msg models.Message
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.Timestamp, &msg.IsRead); err != nil {
		return models.Message{}, err
	}
	msg.Timestamp = msg.Timestamp.UTC()
	return msg, nil
}

func (s *Store) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	msg, err := storage.PrepareAppend(msg, s.clock)
	if err != nil {
		return models.Message{}, err
	}

	// Every instance shares the database clock, so timestamps from different
	// processes order consistently.
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, sender_id, receiver_id, content, created_at, is_read)
		VALUES ($1, $2, $3, $4, clock_timestamp(), FALSE)
		RETURNING created_at`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Content).Scan(&msg.Timestamp)
	if err != nil {
		return models.Message{}, classify("store message", err)
	}
	msg.Timestamp = msg.Timestamp.UTC()

	s.log.Debug("message stored", "message_id", msg.ID, "sender_id", msg.SenderID, "receiver_id", msg.ReceiverID)
	return msg, nil
}

func (s *Store) Get(ctx context.Context, messageID string) (models.Message, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return models.Message{}, fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}
	if err != nil {
		return models.Message{}, storageErr("get message", err)
	}
	return msg, nil
}

func (s *Store) RangeForPair(ctx context.Context, userA, userB string, page, pageSize int) ([]models.Message, bool, error) {
	page, pageSize, offset := storage.NormalizePage(page, pageSize)

	// The page and the total must come from the same snapshot or hasMore can lie.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, false, storageErr("begin range", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE `+pairPredicate+`
		ORDER BY created_at ASC, id ASC
		LIMIT $3 OFFSET $4`,
		userA, userB, pageSize, offset)
	if err != nil {
		return nil, false, storageErr("range messages", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, storageErr("scan message", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, storageErr("range messages", err)
	}

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE `+pairPredicate, userA, userB).Scan(&total); err != nil {
		return nil, false, storageErr("count messages", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, storageErr("commit range", err)
	}
	return messages, total > page*pageSize, nil
}

func (s *Store) MarkRead(ctx context.Context, messageID, requesterID string) error {
	if _, err := uuid.Parse(messageID); err != nil {
		return fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin mark read", err)
	}
	defer tx.Rollback()

	var receiverID string
	var isRead bool
	err = tx.QueryRowContext(ctx, `SELECT receiver_id, is_read FROM messages WHERE id = $1 FOR UPDATE`, messageID).
		Scan(&receiverID, &isRead)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}
	if err != nil {
		return storageErr("lock message", err)
	}
	if receiverID != requesterID {
		return fmt.Errorf("%w: only the receiver can mark message %s as read", models.ErrForbidden, messageID)
	}
	if isRead {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET is_read = TRUE WHERE id = $1`, messageID); err != nil {
		return storageErr("mark read", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit mark read", err)
	}
	return nil
}

func (s *Store) UnreadCountsFor(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_id, COUNT(*) FROM messages
		WHERE receiver_id = $1 AND is_read = FALSE
		GROUP BY sender_id`, userID)
	if err != nil {
		return nil, storageErr("unread counts", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var senderID string
		var count int
		if err := rows.Scan(&senderID, &count); err != nil {
			return nil, storageErr("scan unread count", err)
		}
		counts[senderID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("unread counts", err)
	}
	return counts, nil
}

func (s *Store) UnreadCountFrom(ctx context.Context, userID, counterpartID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE receiver_id = $1 AND sender_id = $2 AND is_read = FALSE`,
		userID, counterpartID).Scan(&count)
	if err != nil {
		return 0, storageErr("unread count", err)
	}
	return count, nil
}

func (s *Store) DistinctCounterparts(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END
		FROM messages
		WHERE sender_id = $1 OR receiver_id = $1`, userID)
	if err != nil {
		return nil, storageErr("distinct counterparts", err)
	}
	defer rows.Close()

	counterparts := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan counterpart", err)
		}
		counterparts = append(counterparts, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("distinct counterparts", err)
	}
	return counterparts, nil
}

func (s *Store) LastMessageBetween(ctx context.Context, userA, userB string) (models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE `+pairPredicate+`
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, userA, userB)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, fmt.Errorf("%w: no messages between %s and %s", models.ErrNotFound, userA, userB)
	}
	if err != nil {
		return models.Message{}, storageErr("last message", err)
	}
	return msg, nil
}
