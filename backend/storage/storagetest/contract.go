// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package storagetest holds the behaviour every MessageStore implementation
// must share. Store packages call RunMessageStore from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

// Factory returns a fresh store for one subtest.
type Factory func(t *testing.T) storage.MessageStore

// UserID returns an id unique to this run so shared databases stay isolated.
func UserID(name string) string {
	return fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
}

func RunMessageStore(t *testing.T, newStore Factory) {
	t.Run("append then range returns the message once", func(t *testing.T) { testAppendThenRange(t, newStore(t)) })
	t.Run("append rejects invalid messages", func(t *testing.T) { testAppendValidation(t, newStore(t)) })
	t.Run("range is ascending and stable", func(t *testing.T) { testRangeOrdering(t, newStore(t)) })
	t.Run("range pages", func(t *testing.T) { testRangePaging(t, newStore(t)) })
	t.Run("mark read is idempotent", func(t *testing.T) { testMarkReadIdempotent(t, newStore(t)) })
	t.Run("mark read checks receiver", func(t *testing.T) { testMarkReadForbidden(t, newStore(t)) })
	t.Run("mark read unknown message", func(t *testing.T) { testMarkReadNotFound(t, newStore(t)) })
	t.Run("unread accounting", func(t *testing.T) { testUnreadAccounting(t, newStore(t)) })
	t.Run("distinct counterparts", func(t *testing.T) { testDistinctCounterparts(t, newStore(t)) })
	t.Run("last message between", func(t *testing.T) { testLastMessageBetween(t, newStore(t)) })
	t.Run("hi hello scenario", func(t *testing.T) { testHiHello(t, newStore(t)) })
}

func send(t *testing.T, s storage.MessageStore, from, to, content string) models.Message {
	t.Helper()
	msg, err := s.Append(context.Background(), models.Message{SenderID: from, ReceiverID: to, Content: content})
	require.NoError(t, err)
	return msg
}

func testAppendThenRange(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()
	alice, bob := UserID("alice"), UserID("bob")

	invokedAt := time.Now().UTC().Truncate(time.Microsecond)
	stored := send(t, s, alice, bob, "hello bob")
	req.NotEmpty(stored.ID)
	req.False(stored.IsRead)
	req.False(stored.Timestamp.Before(invokedAt))

	messages, hasMore, err := s.RangeForPair(ctx, alice, bob, 1, 50)
	req.NoError(err)
	req.False(hasMore)
	req.Len(messages, 1)
	req.Equal(stored.ID, messages[0].ID)
	req.Equal(alice, messages[0].SenderID)
	req.Equal(bob, messages[0].ReceiverID)
	req.Equal("hello bob", messages[0].Content)
	req.True(stored.Timestamp.Equal(messages[0].Timestamp))

	got, err := s.Get(ctx, stored.ID)
	req.NoError(err)
	req.Equal(stored.ID, got.ID)
}

func testAppendValidation(t *testing.T, s storage.MessageStore) {
	ctx := context.Background()
	alice, bob := UserID("alice"), UserID("bob")
	invalid := []models.Message{
		{SenderID: alice, ReceiverID: bob, Content: ""},
		{SenderID: alice, ReceiverID: bob, Content: " \n\t"},
		{SenderID: alice, ReceiverID: "", Content: "hi"},
		{SenderID: "", ReceiverID: bob, Content: "hi"},
	}
	for _, msg := range invalid {
		_, err := s.Append(ctx, msg)
		require.True(t, errors.Is(err, models.ErrValidation), "expected validation error, got %v", err)
	}

	messages, _, err := s.RangeForPair(ctx, alice, bob, 1, 50)
	require.NoError(t, err)
	require.Empty(t, messages)
}

func testRangeOrdering(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()
	alice, bob := UserID("alice"), UserID("bob")

	const perSide = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*perSide)
	for i := 0; i < perSide; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, models.Message{SenderID: alice, ReceiverID: bob, Content: fmt.Sprintf("a-%02d", i)})
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, models.Message{SenderID: bob, ReceiverID: alice, Content: fmt.Sprintf("b-%02d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	first, _, err := s.RangeForPair(ctx, alice, bob, 1, 2*perSide)
	req.NoError(err)
	req.Len(first, 2*perSide)
	req.True(sort.SliceIsSorted(first, func(i, j int) bool {
		return first[i].Timestamp.Before(first[j].Timestamp)
	}))

	second, _, err := s.RangeForPair(ctx, bob, alice, 1, 2*perSide)
	req.NoError(err)
	req.Equal(ids(first), ids(second))
}

func testRangePaging(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()
	alice, bob := UserID("alice"), UserID("bob")

	var sent []string
	for i := 0; i < 5; i++ {
		sent = append(sent, send(t, s, alice, bob, fmt.Sprintf("m%d", i)).ID)
	}

	page1, more, err := s.RangeForPair(ctx, alice, bob, 1, 2)
	req.NoError(err)
	req.True(more)
	req.Equal(sent[0:2], ids(page1))

	page3, more, err := s.RangeForPair(ctx, alice, bob, 3, 2)
	req.NoError(err)
	req.False(more)
	req.Equal(sent[4:], ids(page3))

	page4, more, err := s.RangeForPair(ctx, alice, bob, 4, 2)
	req.NoError(err)
	req.False(more)
	req.Empty(page4)
}

func testMarkReadIdempotent(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()
	alice, bob := UserID("alice"), UserID("bob")
	msg := send(t, s, alice, bob, "read me")

	req.NoError(s.MarkRead(ctx, msg.ID, bob))
	got, err := s.Get(ctx, msg.ID)
	req.NoError(err)
	req.True(got.IsRead)

	req.NoError(s.MarkRead(ctx, msg.ID, bob))
	got, err = s.Get(ctx, msg.ID)
	req.NoError(err)
	req.True(got.IsRead)
}

func testMarkReadForbidden(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()
	alice, bob, eve := UserID("alice"), UserID("bob"), UserID("eve")
	msg := send(t, s, alice, bob, "private")

	req.ErrorIs(s.MarkRead(ctx, msg.ID, alice), models.ErrForbidden)
	req.ErrorIs(s.MarkRead(ctx, msg.ID, eve), models.ErrForbidden)

	got, err := s.Get(ctx, msg.ID)
	req.NoError(err)
	req.False(got.IsRead)
}

func testMarkReadNotFound(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()

	req.ErrorIs(s.MarkRead(ctx, uuid.NewString(), UserID("bob")), models.ErrNotFound)
	req.ErrorIs(s.MarkRead(ctx, "definitely-not-an-id", UserID("bob")), models.ErrNotFound)

	_, err := s.Get(ctx, uuid.NewString())
	req.ErrorIs(err, models.ErrNotFound)
}

func testUnreadAccounting(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()
	alice, bob, carol := UserID("alice"), UserID("bob"), UserID("carol")

	const k, j = 5, 3
	var fromAlice []models.Message
	for i := 0; i < k; i++ {
		fromAlice = append(fromAlice, send(t, s, alice, bob, fmt.Sprintf("unread %d", i)))
	}
	send(t, s, carol, bob, "from carol")
	send(t, s, bob, alice, "bob's own message")

	for _, msg := range fromAlice[:j] {
		req.NoError(s.MarkRead(ctx, msg.ID, bob))
	}

	counts, err := s.UnreadCountsFor(ctx, bob)
	req.NoError(err)
	req.Equal(map[string]int{alice: k - j, carol: 1}, counts)

	fromAliceCount, err := s.UnreadCountFrom(ctx, bob, alice)
	req.NoError(err)
	req.Equal(k-j, fromAliceCount)

	aliceCounts, err := s.UnreadCountsFor(ctx, alice)
	req.NoError(err)
	req.Equal(map[string]int{bob: 1}, aliceCounts)
}

func testDistinctCounterparts(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()
	alice, bob, carol, dave := UserID("alice"), UserID("bob"), UserID("carol"), UserID("dave")

	send(t, s, alice, bob, "1")
	send(t, s, bob, alice, "2")
	send(t, s, carol, alice, "3")
	send(t, s, bob, dave, "4")

	counterparts, err := s.DistinctCounterparts(ctx, alice)
	req.NoError(err)
	req.ElementsMatch([]string{bob, carol}, counterparts)

	none, err := s.DistinctCounterparts(ctx, UserID("nobody"))
	req.NoError(err)
	req.Empty(none)
}

func testLastMessageBetween(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()
	alice, bob, carol := UserID("alice"), UserID("bob"), UserID("carol")

	_, err := s.LastMessageBetween(ctx, alice, bob)
	req.ErrorIs(err, models.ErrNotFound)

	send(t, s, alice, bob, "first")
	send(t, s, alice, carol, "other pair")
	last := send(t, s, bob, alice, "second")

	got, err := s.LastMessageBetween(ctx, alice, bob)
	req.NoError(err)
	req.Equal(last.ID, got.ID)
	req.Equal("second", got.Content)
}

func testHiHello(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()
	alice, bob := UserID("alice"), UserID("bob")

	hi := send(t, s, alice, bob, "hi")
	hello := send(t, s, bob, alice, "hello")
	req.True(hello.Timestamp.After(hi.Timestamp))

	messages, _, err := s.RangeForPair(ctx, alice, bob, 1, 50)
	req.NoError(err)
	req.Equal([]string{"hi", "hello"}, contents(messages))

	unread, err := s.UnreadCountFrom(ctx, alice, bob)
	req.NoError(err)
	req.Equal(1, unread)
}

func ids(messages []models.Message) []string {
	return lo.Map(messages, func(m models.Message, _ int) string { return m.ID })
}

func contents(messages []models.Message) []string {
	return lo.Map(messages, func(m models.Message, _ int) string { return m.Content })
}
