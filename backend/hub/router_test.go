package hub

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/efchatnet/efdm/backend/mocks"
	"github.com/efchatnet/efdm/backend/models"
	badgerstore "github.com/efchatnet/efdm/backend/storage/badger"
)

func newBadgerStore(t *testing.T) *badgerstore.Store {
	t.Helper()
	s, err := badgerstore.Open("", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func decode(t *testing.T, env models.Envelope) models.Message {
	t.Helper()
	msg, err := env.DecodeMessage()
	require.NoError(t, err)
	return msg
}

func TestRouterDeliversToReceiverAndAcknowledgesSender(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := NewRegistry(testLogger(), nil)
	router := NewRouter(newBadgerStore(t), registry, testLogger())

	aliceTab := newFakeHandle("alice")
	bobTab1, bobTab2 := newFakeHandle("bob"), newFakeHandle("bob")
	registry.Register("alice", aliceTab)
	registry.Register("bob", bobTab1)
	registry.Register("bob", bobTab2)

	invokedAt := time.Now().UTC().Truncate(time.Microsecond)
	msg, err := router.Send(ctx, "alice", "bob", "hi bob")
	req.NoError(err)
	req.NotEmpty(msg.ID)
	req.False(msg.Timestamp.Before(invokedAt))

	for _, tab := range []*fakeHandle{bobTab1, bobTab2} {
		envs := tab.envelopes()
		req.Len(envs, 1)
		req.Equal(models.EventReceiveMessage, envs[0].Type)
		req.Equal(msg.ID, decode(t, envs[0]).ID)
	}

	acks := aliceTab.envelopes()
	req.Len(acks, 1)
	req.Equal(models.EventMessageSent, acks[0].Type)
	ack := decode(t, acks[0])
	req.Equal(msg.ID, ack.ID)
	req.Equal("alice", ack.SenderID)
	req.Equal("hi bob", ack.Content)
}

func TestRouterOfflineReceiverStillSucceeds(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newBadgerStore(t)
	registry := NewRegistry(testLogger(), nil)
	router := NewRouter(store, registry, testLogger())

	msg, err := router.Send(ctx, "alice", "bob", "are you there?")
	req.NoError(err)

	bob := newFakeHandle("bob")
	registry.Register("bob", bob)
	req.Empty(bob.envelopes())

	history, _, err := store.RangeForPair(ctx, "bob", "alice", 1, 50)
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(msg.ID, history[0].ID)
}

func TestRouterRejectsInvalidSendsWithoutPersisting(t *testing.T) {
	ctrl := gomock.NewController(t)
	// No expectations: any store call fails the test.
	store := mocks.NewMockMessageStore(ctrl)
	registry := NewRegistry(testLogger(), nil)
	router := NewRouter(store, registry, testLogger(), WithMaxMessageLength(5))

	alice := newFakeHandle("alice")
	registry.Register("alice", alice)

	cases := []struct {
		name              string
		receiver, content string
	}{
		{"empty content", "bob", ""},
		{"blank content", "bob", " \t\n"},
		{"missing receiver", "", "hi"},
		{"blank receiver", "   ", "hi"},
		{"too long", "bob", "toolong"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := router.Send(context.Background(), "alice", tc.receiver, tc.content)
			require.ErrorIs(t, err, models.ErrValidation)
		})
	}
	require.Empty(t, alice.envelopes())
}

func TestRouterLengthCountsRunes(t *testing.T) {
	router := NewRouter(newBadgerStore(t), NewRegistry(testLogger(), nil), testLogger(), WithMaxMessageLength(5))
	_, err := router.Send(context.Background(), "alice", "bob", "héllö")
	require.NoError(t, err)
}

func TestRouterStorageFailureSkipsDelivery(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	notifier := mocks.NewMockNotifier(ctrl)
	registry := NewRegistry(testLogger(), nil)
	router := NewRouter(store, registry, testLogger(), WithNotifier(notifier))

	alice, bob := newFakeHandle("alice"), newFakeHandle("bob")
	registry.Register("alice", alice)
	registry.Register("bob", bob)

	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(models.Message{}, errors.New("disk on fire"))

	_, err := router.Send(context.Background(), "alice", "bob", "hello")
	req.ErrorIs(err, models.ErrStorage)
	req.Empty(alice.envelopes())
	req.Empty(bob.envelopes())
}

func TestRouterPushFailureDoesNotFailSend(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(testLogger(), nil)
	router := NewRouter(newBadgerStore(t), registry, testLogger())

	broken, healthy := newFakeHandle("bob"), newFakeHandle("bob")
	broken.failWith(ErrHandleClosed)
	registry.Register("bob", broken)
	registry.Register("bob", healthy)

	msg, err := router.Send(context.Background(), "alice", "bob", "hello")
	req.NoError(err)
	req.Len(healthy.envelopes(), 1)
	req.Equal(msg.ID, decode(t, healthy.envelopes()[0]).ID)
	req.True(registry.IsOnline("bob"))
}

func TestRouterDropsSlowConnections(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(testLogger(), nil)
	router := NewRouter(newBadgerStore(t), registry, testLogger())

	slow := newFakeHandle("bob")
	slow.failWith(ErrSendBufferFull)
	registry.Register("bob", slow)

	_, err := router.Send(context.Background(), "alice", "bob", "hello")
	req.NoError(err)
	req.False(registry.IsOnline("bob"))
}

func TestRouterNotifies(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockNotifier(ctrl)
	router := NewRouter(newBadgerStore(t), NewRegistry(testLogger(), nil), testLogger(), WithNotifier(notifier))

	var notified models.Message
	notifier.EXPECT().NotifyMessage(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msg models.Message) error {
			notified = msg
			return nil
		}).Times(1)

	msg, err := router.Send(context.Background(), "alice", "bob", "ping")
	req.NoError(err)
	req.Equal(msg.ID, notified.ID)
}

func TestRouterNotifyFailureIsIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockNotifier(ctrl)
	router := NewRouter(newBadgerStore(t), NewRegistry(testLogger(), nil), testLogger(), WithNotifier(notifier))

	notifier.EXPECT().NotifyMessage(gomock.Any(), gomock.Any()).Return(errors.New("redis down"))

	_, err := router.Send(context.Background(), "alice", "bob", "ping")
	require.NoError(t, err)
}

func TestRouterSenderOrderIsPreserved(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newBadgerStore(t)
	registry := NewRegistry(testLogger(), nil)
	router := NewRouter(store, registry, testLogger())

	bob := newFakeHandle("bob")
	registry.Register("bob", bob)

	want := []string{"one", "two", "three", "four", "five"}
	for _, content := range want {
		_, err := router.Send(ctx, "alice", "bob", content)
		req.NoError(err)
	}

	var pushed []string
	for _, env := range bob.envelopes() {
		pushed = append(pushed, decode(t, env).Content)
	}
	req.Equal(want, pushed)

	history, _, err := store.RangeForPair(ctx, "alice", "bob", 1, 50)
	req.NoError(err)
	var stored []string
	for _, msg := range history {
		stored = append(stored, msg.Content)
	}
	req.Equal(strings.Join(want, ","), strings.Join(stored, ","))
}
