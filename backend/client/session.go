// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package client is the consuming side of the DM service: one logical
// connection per user that reconnects on its own, plus the local view of
// the open conversation, the conversation list and unread counters.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const (
	DefaultBackoff     = 5 * time.Second
	DefaultEventBuffer = 64

	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	maxFrameSize    = 64 * 1024
	markReadLimit   = 4
	markReadTimeout = 5 * time.Second

	// openWindow bounds how much of the open conversation is held locally.
	openWindow = storage.MaxPageSize
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrSendAmbiguous = errors.New("connection dropped during send, message may have been stored")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type EventType string

const (
	EventStateChanged EventType = "state"
	EventMessage      EventType = "message"
	EventError        EventType = "error"
)

// Event is what observers receive on Session.Events.
type Event struct {
	Type    EventType
	State   State
	Message *models.Message
	Err     error
}

// RejectedError is an Error frame sent back by the server for a send.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("send rejected (%s): %s", e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error {
	switch e.Code {
	case "validation":
		return models.ErrValidation
	case "authentication":
		return models.ErrAuthentication
	case "forbidden":
		return models.ErrForbidden
	case "not_found":
		return models.ErrNotFound
	default:
		return models.ErrStorage
	}
}

type Option func(*Session)

func WithBackoff(d time.Duration) Option {
	return func(s *Session) { s.backoff = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.log = logger }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

type Session struct {
	baseURL string
	wsURL   string
	dialer  *websocket.Dialer
	backoff time.Duration
	log     *slog.Logger
	events  chan Event

	mu            sync.Mutex
	token         string
	selfID        string
	api           *API
	state         State
	conn          *websocket.Conn
	cancel        context.CancelFunc
	done          chan struct{}
	open          string
	messages      []models.Message
	seen          map[string]struct{}
	conversations []models.ConversationSummary
	unread        map[string]int

	// gorilla/websocket allows one concurrent writer
	writeMu sync.Mutex
}

// NewSession prepares a session against the DM service at baseURL
// (http or https). Nothing is dialed until Connect.
func NewSession(baseURL string, opts ...Option) (*Session, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}
	u.Path += "/ws"

	s := &Session{
		baseURL: baseURL,
		wsURL:   u.String(),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff: DefaultBackoff,
		log:     slog.Default(),
		events:  make(chan Event, DefaultEventBuffer),
		seen:    make(map[string]struct{}),
		unread:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// subject reads the user id out of token. The server verifies the signature.
func subject(token string) (string, error) {
	var claims middleware.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrAuthentication, err)
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("%w: token has no user_id", models.ErrAuthentication)
	}
	return claims.UserID, nil
}

// Connect starts the connection loop for token. It returns once the loop is
// running; failed attempts are reported on Events and retried after the
// backoff until Disconnect or ctx is done.
func (s *Session) Connect(ctx context.Context, token string) error {
	selfID, err := subject(token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.token, s.selfID = token, selfID
	s.api = NewAPI(s.baseURL, token)
	s.cancel, s.done = cancel, done
	s.state = StateConnecting
	s.mu.Unlock()

	s.emit(Event{Type: EventStateChanged, State: StateConnecting})
	go s.run(loopCtx, token, done)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel, conn, done := s.cancel, s.conn, s.done
	changed := s.state != StateDisconnected
	if cancel != nil {
		cancel()
	}
	s.cancel, s.conn, s.done = nil, nil, nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	if changed {
		s.emit(Event{Type: EventStateChanged, State: StateDisconnected})
	}
}

func (s *Session) run(ctx context.Context, token string, done chan struct{}) {
	defer s.stopped(done)

	attached := false
	for {
		conn, err := s.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("Connection attempt failed", "error", err, "retry_in", s.backoff)
			s.emit(Event{Type: EventError, Err: err})
			if !sleep(ctx, s.backoff) {
				return
			}
			continue
		}

		if !s.attach(ctx, conn) {
			_ = conn.Close()
			return
		}
		if attached {
			// Anything sent while we were away is in the store, not on the wire.
			go s.resync(ctx)
		}
		attached = true

		unwatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
		s.readLoop(conn)
		unwatch()
		if !s.detach(ctx, conn) {
			return
		}
		s.log.Info("Connection lost, reconnecting", "retry_in", s.backoff)
		if !sleep(ctx, s.backoff) {
			return
		}
	}
}

// stopped runs when the connection loop exits. Unless Disconnect already
// took the session down, the loop ended because the Connect context is done,
// and the session goes back to Disconnected so Connect works again.
func (s *Session) stopped(done chan struct{}) {
	s.mu.Lock()
	changed := false
	if s.done == done {
		if s.cancel != nil {
			s.cancel()
		}
		changed = s.state != StateDisconnected
		s.conn, s.cancel, s.done = nil, nil, nil
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	close(done)
	if changed {
		s.emit(Event{Type: EventStateChanged, State: StateDisconnected})
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Session) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := s.dialer.DialContext(ctx, s.wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: server refused token: %w", models.ErrAuthentication, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", s.wsURL, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

func (s *Session) attach(ctx context.Context, conn *websocket.Conn) bool {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	s.log.Info("Connected", "user_id", s.SelfID())
	s.emit(Event{Type: EventStateChanged, State: StateConnected})
	return true
}

// detach forgets conn and reports whether the loop should keep going.
func (s *Session) detach(ctx context.Context, conn *websocket.Conn) bool {
	_ = conn.Close()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	if ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.emit(Event{Type: EventStateChanged, State: StateConnecting})
	return true
}

func (s *Session) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("Read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleEnvelope(env)
	}
}

func (s *Session) handleEnvelope(env models.Envelope) {
	switch env.Type {
	case models.EventReceiveMessage, models.EventMessageSent:
		msg, err := env.DecodeMessage()
		if err != nil {
			s.log.Warn("Dropping malformed frame", "type", env.Type, "error", err)
			return
		}
		s.apply(msg)
	case models.EventError:
		var rejected models.ErrorEvent
		if err := json.Unmarshal(env.Data, &rejected); err != nil {
			s.log.Warn("Dropping malformed frame", "type", env.Type, "error", err)
			return
		}
		s.emit(Event{Type: EventError, Err: &RejectedError{Code: rejected.Code, Message: rejected.Message}})
	default:
		s.log.Debug("Ignoring frame", "type", env.Type)
	}
}

// apply folds a pushed message into local state. A message id is applied at
// most once.
func (s *Session) apply(msg models.Message) {
	s.mu.Lock()
	if !msg.Involves(s.selfID) {
		s.mu.Unlock()
		s.log.Warn("Dropping message for another user", "message_id", msg.ID)
		return
	}
	if _, dup := s.seen[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[msg.ID] = struct{}{}

	counterpart := msg.Counterpart(s.selfID)
	inOpen := s.open != "" && counterpart == s.open
	if inOpen {
		s.messages = insertOrdered(s.messages, msg)
	}
	if msg.ReceiverID == s.selfID && msg.SenderID != s.open {
		s.unread[msg.SenderID]++
	}
	s.bumpLocked(counterpart, msg)

	markRead := inOpen && msg.ReceiverID == s.selfID && msg.SenderID == s.open && !msg.IsRead
	api := s.api
	s.mu.Unlock()

	s.emit(Event{Type: EventMessage, Message: &msg})
	if markRead {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
			defer cancel()
			if err := api.MarkRead(ctx, msg.ID); err != nil {
				s.log.Warn("Failed to mark message read", "message_id", msg.ID, "error", err)
			}
		}()
	}
}

func insertOrdered(messages []models.Message, msg models.Message) []models.Message {
	i := sort.Search(len(messages), func(i int) bool {
		return messages[i].Timestamp.After(msg.Timestamp)
	})
	return append(messages[:i], append([]models.Message{msg}, messages[i:]...)...)
}

// bumpLocked moves counterpart's summary to the top with msg as its preview.
func (s *Session) bumpLocked(counterpart string, msg models.Message) {
	summary := models.ConversationSummary{
		CounterpartID:      counterpart,
		CounterpartProfile: models.UserProfile{ID: counterpart},
	}
	if existing, i, ok := lo.FindIndexOf(s.conversations, func(c models.ConversationSummary) bool {
		return c.CounterpartID == counterpart
	}); ok {
		summary = existing
		s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
	}
	summary.LastMessage = &models.LastMessage{Content: msg.Content, Timestamp: msg.Timestamp, IsRead: msg.IsRead}
	summary.LastMessageAt = msg.Timestamp
	summary.UnreadCount = s.unread[counterpart]
	s.conversations = append([]models.ConversationSummary{summary}, s.conversations...)
}

// SendMessage writes a SendMessage frame. The stored copy comes back as a
// MessageSent event.
func (s *Session) SendMessage(receiverID, content string) error {
	if strings.TrimSpace(receiverID) == "" || strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: receiver and content are required", models.ErrValidation)
	}

	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	env, err := models.NewEnvelope(models.EventSendMessage, models.SendRequest{ReceiverID: receiverID, Content: content})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %w", ErrSendAmbiguous, err)
	}
	return nil
}

// OpenConversation makes counterpartID the open conversation, clears its
// unread counter and loads the most recent history. Every unread message
// from the counterpart is marked read on the server.
func (s *Session) OpenConversation(ctx context.Context, counterpartID string) error {
	s.mu.Lock()
	api := s.api
	if api == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.open = counterpartID
	s.messages = nil
	delete(s.unread, counterpartID)
	for i := range s.conversations {
		if s.conversations[i].CounterpartID == counterpartID {
			s.conversations[i].UnreadCount = 0
		}
	}
	s.mu.Unlock()

	return s.loadOpen(ctx, api, counterpartID)
}

func (s *Session) loadOpen(ctx context.Context, api *API, counterpartID string) error {
	s.mu.Lock()
	selfID := s.selfID
	s.mu.Unlock()

	recent, unread, err := latestHistory(ctx, api, selfID, counterpartID)
	if err != nil {
		return fmt.Errorf("failed to load history with %s: %w", counterpartID, err)
	}

	s.mu.Lock()
	if s.open != counterpartID {
		s.mu.Unlock()
		return nil
	}
	// Pushes that raced the fetch are kept.
	merged := append([]models.Message(nil), recent...)
	loaded := lo.SliceToMap(recent, func(m models.Message) (string, struct{}) { return m.ID, struct{}{} })
	for _, m := range s.messages {
		if _, ok := loaded[m.ID]; !ok {
			merged = insertOrdered(merged, m)
		}
	}
	for _, m := range merged {
		s.seen[m.ID] = struct{}{}
	}
	s.messages = merged
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(markReadLimit)
	for _, m := range unread {
		g.Go(func() error {
			return api.MarkRead(gctx, m.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to mark history read: %w", err)
	}
	return nil
}

// latestHistory pages through the pair's history up to the newest message.
// It returns the newest openWindow messages, oldest first, and every message
// from counterpartID to selfID that is still unread, wherever it sits.
func latestHistory(ctx context.Context, api *API, selfID, counterpartID string) ([]models.Message, []models.Message, error) {
	var recent, unread []models.Message
	for page := 1; ; page++ {
		p, err := api.History(ctx, counterpartID, page, storage.MaxPageSize)
		if err != nil {
			return nil, nil, err
		}
		unread = append(unread, lo.Filter(p.Messages, func(m models.Message, _ int) bool {
			return !m.IsRead && m.ReceiverID == selfID && m.SenderID == counterpartID
		})...)
		recent = append(recent, p.Messages...)
		if len(recent) > openWindow {
			recent = append([]models.Message(nil), recent[len(recent)-openWindow:]...)
		}
		if !p.HasMore || len(p.Messages) == 0 {
			return recent, unread, nil
		}
	}
}

// SearchUsers looks up peers to start a conversation with.
func (s *Session) SearchUsers(ctx context.Context, query string) ([]models.UserProfile, error) {
	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	if api == nil {
		return nil, ErrNotConnected
	}
	return api.SearchUsers(ctx, query)
}

// StartConversation puts a placeholder for counterpartID at the head of the
// conversation list and opens it. LoadConversations replaces the placeholder
// once the store has messages for the pair.
func (s *Session) StartConversation(ctx context.Context, counterpartID string) error {
	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	if api == nil {
		return ErrNotConnected
	}

	profile, err := api.User(ctx, counterpartID)
	if errors.Is(err, models.ErrNotFound) {
		profile = models.UserProfile{ID: counterpartID}
	} else if err != nil {
		return err
	}

	s.mu.Lock()
	if !lo.ContainsBy(s.conversations, func(c models.ConversationSummary) bool { return c.CounterpartID == counterpartID }) {
		placeholder := models.ConversationSummary{CounterpartID: counterpartID, CounterpartProfile: profile}
		s.conversations = append([]models.ConversationSummary{placeholder}, s.conversations...)
	}
	s.mu.Unlock()

	return s.OpenConversation(ctx, counterpartID)
}

// LoadConversations replaces the local list with the server's. Placeholders
// the server does not know about yet stay at the head.
func (s *Session) LoadConversations(ctx context.Context) error {
	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	if api == nil {
		return ErrNotConnected
	}

	summaries, err := api.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	known := lo.SliceToMap(summaries, func(c models.ConversationSummary) (string, struct{}) { return c.CounterpartID, struct{}{} })
	placeholders := lo.Filter(s.conversations, func(c models.ConversationSummary, _ int) bool {
		_, ok := known[c.CounterpartID]
		return c.LastMessage == nil && !ok
	})
	s.conversations = append(placeholders, summaries...)
	return nil
}

// LoadUnreadCounts replaces the local counters with the server's.
func (s *Session) LoadUnreadCounts(ctx context.Context) error {
	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	if api == nil {
		return ErrNotConnected
	}

	counts, err := api.UnreadCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load unread counts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = counts
	for i := range s.conversations {
		s.conversations[i].UnreadCount = counts[s.conversations[i].CounterpartID]
	}
	return nil
}

func (s *Session) resync(ctx context.Context) {
	s.mu.Lock()
	api, open := s.api, s.open
	s.mu.Unlock()

	if open != "" {
		if err := s.loadOpen(ctx, api, open); err != nil && ctx.Err() == nil {
			s.emit(Event{Type: EventError, Err: err})
		}
	}
	if err := s.LoadUnreadCounts(ctx); err != nil && ctx.Err() == nil {
		s.emit(Event{Type: EventError, Err: err})
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug("Event dropped, observer is not keeping up", "type", ev.Type)
	}
}

// Events delivers state changes, messages and errors. Events are dropped
// when the buffer is full.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

func (s *Session) OpenCounterpart() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Messages returns the open conversation, oldest first.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

func (s *Session) Conversations() []models.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConversationSummary(nil), s.conversations...)
}

func (s *Session) UnreadCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.unread)
}

// API exposes the REST client once Connect has been called.
func (s *Session) API() *API {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.api
}
