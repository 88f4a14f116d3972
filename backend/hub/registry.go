// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package hub

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/efchatnet/efdm/backend/storage"
)

const (
	shardCount      = 32
	presenceTimeout = 2 * time.Second
)

type shard struct {
	mu      sync.RWMutex
	handles map[string]map[string]Handle // userID -> handleID -> handle

	// presenceMu orders presence writes for users in this shard.
	presenceMu sync.Mutex
}

// Registry maps users to their live connections. Users are spread over
// independently locked shards so connect and disconnect churn for one user
// never waits on another shard.
type Registry struct {
	shards   [shardCount]*shard
	presence storage.PresenceStore
	log      *slog.Logger
}

// NewRegistry creates an empty registry. presence may be nil.
func NewRegistry(logger *slog.Logger, presence storage.PresenceStore) *Registry {
	r := &Registry{presence: presence, log: logger}
	for i := range r.shards {
		r.shards[i] = &shard{handles: make(map[string]map[string]Handle)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds h to userID's live set.
func (r *Registry) Register(userID string, h Handle) {
	s := r.shardFor(userID)

	s.mu.Lock()
	set, ok := s.handles[userID]
	if !ok {
		set = make(map[string]Handle)
		s.handles[userID] = set
	}
	set[h.ID()] = h
	cameOnline := len(set) == 1
	s.mu.Unlock()

	r.log.Debug("connection registered", "user_id", userID, "handle_id", h.ID())
	if cameOnline {
		r.syncPresence(s, userID)
	}
}

// Unregister removes h from userID's live set and reports whether it was there.
func (r *Registry) Unregister(userID string, h Handle) bool {
	s := r.shardFor(userID)

	s.mu.Lock()
	set, ok := s.handles[userID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, ok := set[h.ID()]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(set, h.ID())
	wentOffline := len(set) == 0
	if wentOffline {
		delete(s.handles, userID)
	}
	s.mu.Unlock()

	r.log.Debug("connection unregistered", "user_id", userID, "handle_id", h.ID())
	if wentOffline {
		r.syncPresence(s, userID)
	}
	return true
}

// ActiveHandlesFor returns a snapshot of userID's live handles.
func (r *Registry) ActiveHandlesFor(userID string) []Handle {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.handles[userID]
	handles := make([]Handle, 0, len(set))
	for _, h := range set {
		handles = append(handles, h)
	}
	return handles
}

func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles[userID]) > 0
}

// Count returns the number of live handles across all users.
func (r *Registry) Count() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.handles {
			total += len(set)
		}
		s.mu.RUnlock()
	}
	return total
}

// CloseAll closes every registered handle. Handles unregister themselves
// as their connections wind down.
func (r *Registry) CloseAll() {
	var all []Handle
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.handles {
			for _, h := range set {
				all = append(all, h)
			}
		}
		s.mu.RUnlock()
	}
	for _, h := range all {
		h.Close()
	}
}

// syncPresence writes the user's current state, read under presenceMu, so
// racing transitions always leave the presence store with the latest one.
func (r *Registry) syncPresence(s *shard, userID string) {
	if r.presence == nil {
		return
	}
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	var err error
	if r.IsOnline(userID) {
		err = r.presence.SetOnline(ctx, userID)
	} else {
		err = r.presence.SetOffline(ctx, userID)
	}
	if err != nil {
		r.log.Warn("failed to update presence", "user_id", userID, "error", err)
	}
}
