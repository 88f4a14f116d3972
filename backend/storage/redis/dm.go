// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdm/backend/models"
)

const dmNotifyPrefix = "dm:notify:" // dm:notify:{userId} - pub/sub channel

// Notification is the record published for every persisted DM.
type Notification struct {
	Type       string    `json:"type"`
	Origin     string    `json:"origin"`
	MessageID  string    `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// DMNotifier publishes persisted messages and listens for the ones other
// instances publish. instanceID tells the two apart.
type DMNotifier struct {
	rdb        *redis.Client
	instanceID string
}

func NewDMNotifier(rdb *redis.Client, instanceID string) *DMNotifier {
	return &DMNotifier{rdb: rdb, instanceID: instanceID}
}

func NotifyChannel(userID string) string {
	return dmNotifyPrefix + userID
}

// NotifyMessage publishes a new_dm record on the receiver's channel.
func (n *DMNotifier) NotifyMessage(ctx context.Context, msg models.Message) error {
	payload, err := json.Marshal(Notification{
		Type:       "new_dm",
		Origin:     n.instanceID,
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Timestamp:  msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := n.rdb.Publish(ctx, NotifyChannel(msg.ReceiverID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Listen calls deliver for every message published by another instance.
// Records this instance published are skipped; their pushes already happened.
func (n *DMNotifier) Listen(ctx context.Context, deliver func(messageID string)) error {
	pubsub := n.rdb.PSubscribe(ctx, dmNotifyPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("notification subscription closed")
			}
			note, err := DecodeNotification(msg.Payload)
			if err != nil || note.Origin == n.instanceID {
				continue
			}
			deliver(note.MessageID)
		}
	}
}

// DecodeNotification parses a payload received on a notify channel.
func DecodeNotification(payload string) (Notification, error) {
	var note Notification
	if err := json.Unmarshal([]byte(payload), &note); err != nil {
		return Notification{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	return note, nil
}
