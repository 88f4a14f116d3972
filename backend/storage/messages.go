// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package storage

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/efchatnet/efdm/backend/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// NormalizePage clamps paging parameters and returns the row offset.
func NormalizePage(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize, (page - 1) * pageSize
}

// PrepareAppend checks msg and fills in the server-assigned fields.
func PrepareAppend(msg models.Message, clock *Clock) (models.Message, error) {
	if strings.TrimSpace(msg.SenderID) == "" {
		return models.Message{}, fmt.Errorf("%w: sender is required", models.ErrValidation)
	}
	if strings.TrimSpace(msg.ReceiverID) == "" {
		return models.Message{}, fmt.Errorf("%w: receiver is required", models.ErrValidation)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return models.Message{}, fmt.Errorf("%w: content is required", models.ErrValidation)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	} else if _, err := uuid.Parse(msg.ID); err != nil {
		return models.Message{}, fmt.Errorf("%w: invalid message id %q", models.ErrValidation, msg.ID)
	}
	msg.Timestamp = clock.Now()
	msg.IsRead = false
	return msg, nil
}

// Clock is the single point where message timestamps are taken.
// It returns UTC instants at microsecond precision that never repeat and
// never go backwards, so messages persisted through one store keep the
// order in which they were appended.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	source := time.Now
	if c.now != nil {
		source = c.now
	}
	now := source().UTC().Truncate(time.Microsecond)
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}
