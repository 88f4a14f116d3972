// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import "time"

// Message is a direct message between two users.
// Everything except IsRead is fixed at creation; IsRead only ever goes from
// false to true, and only the receiver can flip it.
type Message struct {
	ID         string    `json:"id" db:"id"`
	SenderID   string    `json:"senderId" db:"sender_id"`
	ReceiverID string    `json:"receiverId" db:"receiver_id"`
	Content    string    `json:"content" db:"content"`
	Timestamp  time.Time `json:"timestamp" db:"created_at"`
	IsRead     bool      `json:"isRead" db:"is_read"`
}

// Involves reports whether userID is one of the two participants.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// Counterpart returns the other participant relative to userID.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// UserProfile is the display profile owned by the identity provider.
type UserProfile struct {
	ID        string  `json:"id" db:"user_id"`
	FullName  string  `json:"fullName" db:"full_name"`
	Email     string  `json:"email" db:"email"`
	AvatarURL *string `json:"avatarUrl,omitempty" db:"avatar_url"`
}

// LastMessage is the preview shown next to a conversation.
type LastMessage struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    bool      `json:"isRead"`
}

// ConversationSummary is derived per request from the message store, never stored.
type ConversationSummary struct {
	CounterpartID      string       `json:"counterpartId"`
	CounterpartProfile UserProfile  `json:"counterpartProfile"`
	LastMessage        *LastMessage `json:"lastMessage,omitempty"`
	LastMessageAt      time.Time    `json:"lastMessageAt"`
	UnreadCount        int          `json:"unreadCount"`
}

// HistoryPage is one page of a pair's history, oldest first.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}
