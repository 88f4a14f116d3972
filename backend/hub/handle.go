// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package hub tracks live connections per user and routes persisted
// messages to them.
package hub

import (
	"errors"

	"github.com/efchatnet/efdm/backend/models"
)

var (
	ErrHandleClosed   = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Handle is one live connection of a user. Push must not block: it either
// queues the envelope for the connection's writer or fails.
type Handle interface {
	ID() string
	UserID() string
	Push(env models.Envelope) error
	Close()
}
