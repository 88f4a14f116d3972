// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import (
	"encoding/json"
	"fmt"
)

// Frame types exchanged over the persistent connection.
const (
	EventSendMessage    = "SendMessage"    // client -> server
	EventReceiveMessage = "ReceiveMessage" // server -> receiver ("message-to-you")
	EventMessageSent    = "MessageSent"    // server -> sender ("send-confirmed")
	EventError          = "Error"          // server -> sender, rejected send
)

// Envelope wraps every frame on the wire.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SendRequest is the payload of a SendMessage frame. The sender is never
// part of it: it comes from the authenticated connection.
type SendRequest struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// ErrorEvent tells a sender why a send was rejected.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Data: data}, nil
}

// DecodeMessage returns the message carried by a ReceiveMessage or MessageSent envelope.
func (e Envelope) DecodeMessage() (Message, error) {
	var msg Message
	if err := json.Unmarshal(e.Data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return msg, nil
}
