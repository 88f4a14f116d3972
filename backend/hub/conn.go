// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/efchatnet/efdm/backend/models"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	maxFrameSize = 64 * 1024

	DefaultSendBuffer = 256
)

// MessageSender is the part of Router a connection needs.
type MessageSender interface {
	Send(ctx context.Context, senderID, receiverID, content string) (models.Message, error)
}

// Conn is a Handle backed by a WebSocket. One goroutine reads frames and
// turns them into sends; another drains the outbound queue, so pushes reach
// the socket in the order they were queued.
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	log    *slog.Logger
}

func NewConn(ws *websocket.Conn, userID string, bufferSize int, logger *slog.Logger) *Conn {
	if bufferSize < 1 {
		bufferSize = DefaultSendBuffer
	}
	id := uuid.NewString()
	return &Conn{
		id:     id,
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, bufferSize),
		done:   make(chan struct{}),
		log:    logger.With("user_id", userID, "handle_id", id),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// Push queues env without blocking. A connection that cannot keep up is
// closed rather than allowed to stall the sender.
func (c *Conn) Push(env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrHandleClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.Close()
		return ErrSendBufferFull
	}
}

func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// Serve registers the connection, runs both pumps and blocks until the
// connection ends. It unregisters before returning.
func (c *Conn) Serve(ctx context.Context, registry *Registry, sender MessageSender) {
	registry.Register(c.userID, c)
	defer registry.Unregister(c.userID, c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()

	c.readPump(ctx, sender)
	c.Close()
	wg.Wait()
}

func (c *Conn) readPump(ctx context.Context, sender MessageSender) {
	c.ws.SetReadLimit(maxFrameSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("Failed to set read deadline", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.handleFrame(ctx, sender, raw)
	}
}

func (c *Conn) handleFrame(ctx context.Context, sender MessageSender, raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.rejectSend(models.ErrValidation, "malformed frame")
		return
	}
	if env.Type != models.EventSendMessage {
		c.rejectSend(models.ErrValidation, "unsupported frame type "+env.Type)
		return
	}
	var req models.SendRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		c.rejectSend(models.ErrValidation, "malformed SendMessage payload")
		return
	}
	if _, err := sender.Send(ctx, c.userID, req.ReceiverID, req.Content); err != nil {
		msg := err.Error()
		if errors.Is(err, models.ErrStorage) {
			msg = "message could not be stored"
		}
		c.rejectSend(err, msg)
	}
}

func (c *Conn) rejectSend(err error, message string) {
	env, encErr := models.NewEnvelope(models.EventError, models.ErrorEvent{
		Code:    models.ErrorCode(err),
		Message: message,
	})
	if encErr != nil {
		return
	}
	if pushErr := c.Push(env); pushErr != nil {
		c.log.Warn("Failed to report rejected send", "error", pushErr)
	}
}

func (c *Conn) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Frame exceeded maximum size", "limit", maxFrameSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
		errors.Is(err, io.EOF):
		c.log.Debug("Connection closed by client")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Warn("Unexpected close", "error", err)
	default:
		c.log.Debug("Connection read ended", "error", err)
	}
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	stop := ctx.Done()
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if !c.write(websocket.TextMessage, data) {
				c.Close()
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-stop:
			stop = nil
			c.Close()
		}
	}
}

// flush writes whatever was queued before the connection was closed.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if !c.write(websocket.TextMessage, data) {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("Failed to set write deadline", "error", err)
		return false
	}
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		c.log.Debug("Write failed", "error", err)
		return false
	}
	return true
}
