// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/samber/lo"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const (
	DefaultMaxMessageLength = 4000
	notifyTimeout           = 2 * time.Second
)

type sendRequest struct {
	SenderID   string `validate:"required"`
	ReceiverID string `validate:"required"`
	Content    string `validate:"notblank"`
}

// Router persists messages and pushes them to the live connections of both
// participants. Only validation and persistence failures reach the caller;
// pushes are best effort and the store remains the source of truth.
type Router struct {
	store     storage.MessageStore
	registry  *Registry
	notifier  storage.Notifier
	validate  *validator.Validate
	maxLength int
	log       *slog.Logger
}

type RouterOption func(*Router)

// WithNotifier publishes every persisted message to n after the pushes.
func WithNotifier(n storage.Notifier) RouterOption {
	return func(r *Router) { r.notifier = n }
}

// WithMaxMessageLength caps content length in runes.
func WithMaxMessageLength(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.maxLength = n
		}
	}
}

func NewRouter(store storage.MessageStore, registry *Registry, logger *slog.Logger, opts ...RouterOption) *Router {
	validate := validator.New()
	// notblank is only registered on a fresh instance, so this cannot fail.
	_ = validate.RegisterValidation("notblank", validators.NotBlank)

	r := &Router{
		store:     store,
		registry:  registry,
		validate:  validate,
		maxLength: DefaultMaxMessageLength,
		log:       logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send validates, persists and delivers one message. senderID must come
// from the authenticated connection, never from the client payload.
func (r *Router) Send(ctx context.Context, senderID, receiverID, content string) (models.Message, error) {
	if err := r.check(sendRequest{SenderID: senderID, ReceiverID: strings.TrimSpace(receiverID), Content: content}); err != nil {
		return models.Message{}, err
	}

	msg, err := r.store.Append(ctx, models.Message{
		SenderID:   senderID,
		ReceiverID: strings.TrimSpace(receiverID),
		Content:    content,
	})
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			return models.Message{}, err
		}
		if !errors.Is(err, models.ErrStorage) {
			err = fmt.Errorf("%w: %w", models.ErrStorage, err)
		}
		r.log.Error("Failed to persist message", "sender_id", senderID, "receiver_id", receiverID, "error", err)
		return models.Message{}, err
	}

	r.Deliver(msg)
	r.notify(ctx, msg)
	return msg, nil
}

// Deliver pushes an already persisted message to this instance's connections
// of both participants.
func (r *Router) Deliver(msg models.Message) {
	r.push(msg.ReceiverID, models.EventReceiveMessage, msg)
	r.push(msg.SenderID, models.EventMessageSent, msg)
}

func (r *Router) check(req sendRequest) error {
	if err := r.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			failed := lo.Map(fieldErrs, func(fe validator.FieldError, _ int) string {
				return fmt.Sprintf("%s is %s", fe.Field(), describeTag(fe.Tag()))
			})
			return fmt.Errorf("%w: %s", models.ErrValidation, strings.Join(failed, ", "))
		}
		return fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	if err := r.validate.Var(req.Content, fmt.Sprintf("max=%d", r.maxLength)); err != nil {
		return fmt.Errorf("%w: Content exceeds %d characters", models.ErrValidation, r.maxLength)
	}
	return nil
}

func describeTag(tag string) string {
	switch tag {
	case "required", "notblank":
		return "required"
	default:
		return "invalid (" + tag + ")"
	}
}

func (r *Router) push(userID, eventType string, msg models.Message) {
	handles := r.registry.ActiveHandlesFor(userID)
	if len(handles) == 0 {
		return
	}
	env, err := models.NewEnvelope(eventType, msg)
	if err != nil {
		r.log.Warn("Delivery skipped", "event", eventType, "message_id", msg.ID, "error", err)
		return
	}
	for _, h := range handles {
		if err := h.Push(env); err != nil {
			r.log.Warn("Delivery failed, message stays in history",
				"event", eventType, "message_id", msg.ID, "user_id", userID, "handle_id", h.ID(), "error", err)
			if errors.Is(err, ErrSendBufferFull) {
				r.registry.Unregister(userID, h)
			}
		}
	}
}

func (r *Router) notify(ctx context.Context, msg models.Message) {
	if r.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := r.notifier.NotifyMessage(ctx, msg); err != nil {
		r.log.Warn("Failed to publish message notification", "message_id", msg.ID, "error", err)
	}
}
