package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/integration"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
	badgerstore "github.com/efchatnet/efdm/backend/storage/badger"
)

const (
	testSecret  = "session-test-secret"
	testBackoff = 50 * time.Millisecond
	waitFor     = 3 * time.Second
	tick        = 10 * time.Millisecond
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	*httptest.Server
	dm    *integration.DMIntegration
	store *badgerstore.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := badgerstore.Open("", testLogger())
	require.NoError(t, err)

	dm, err := integration.NewDMIntegration(&integration.Config{
		Store:     store,
		JWTSecret: testSecret,
		JWTIssuer: "efchat",
		Logger:    testLogger(),
	})
	require.NoError(t, err)

	router := mux.NewRouter()
	dm.RegisterRoutes(router, nil)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		dm.Shutdown()
		srv.Close()
		_ = store.Close()
	})
	return &testServer{Server: srv, dm: dm, store: store}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := middleware.JWTConfig{Secret: testSecret, Issuer: "efchat"}.Issue(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func connect(t *testing.T, srv *testServer, userID string) *Session {
	t.Helper()
	s, err := NewSession(srv.URL, WithBackoff(testBackoff), WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background(), token(t, userID)))
	t.Cleanup(s.Disconnect)
	require.Eventually(t, func() bool { return s.State() == StateConnected }, waitFor, tick)
	require.Eventually(t, func() bool { return srv.dm.GetRegistry().IsOnline(userID) }, waitFor, tick)
	return s
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == EventStateChanged && ev.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("session never reached %s", want)
		}
	}
}

func contents(messages []models.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Content)
	}
	return out
}

func TestNewSessionRejectsBadURL(t *testing.T) {
	_, err := NewSession("ftp://example.com")
	require.Error(t, err)

	s, err := NewSession("https://efchat.net/dm/")
	require.NoError(t, err)
	require.Equal(t, "wss://efchat.net/dm/ws", s.wsURL)
}

func TestConnectAndDisconnect(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	s := connect(t, srv, "alice")
	req.Equal("alice", s.SelfID())

	s.Disconnect()
	req.Equal(StateDisconnected, s.State())
	req.Eventually(func() bool { return !srv.dm.GetRegistry().IsOnline("alice") }, waitFor, tick)

	// No automatic reconnect after an explicit disconnect.
	time.Sleep(4 * testBackoff)
	req.Equal(StateDisconnected, s.State())
	req.False(srv.dm.GetRegistry().IsOnline("alice"))
}

func TestConnectRejectsMalformedToken(t *testing.T) {
	s, err := NewSession("http://127.0.0.1:1")
	require.NoError(t, err)
	require.ErrorIs(t, s.Connect(context.Background(), "not-a-token"), models.ErrAuthentication)
	require.Equal(t, StateDisconnected, s.State())
}

func TestConnectKeepsRetryingRejectedToken(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	forged, err := middleware.JWTConfig{Secret: "wrong-secret", Issuer: "efchat"}.Issue("alice", time.Hour)
	req.NoError(err)

	s, err := NewSession(srv.URL, WithBackoff(testBackoff), WithLogger(testLogger()))
	req.NoError(err)
	req.NoError(s.Connect(context.Background(), forged))
	defer s.Disconnect()

	failures := 0
	deadline := time.After(waitFor)
	for failures < 2 {
		select {
		case ev := <-s.Events():
			if ev.Type == EventError {
				req.ErrorIs(ev.Err, models.ErrAuthentication)
				failures++
			}
		case <-deadline:
			t.Fatal("expected repeated authentication failures")
		}
	}
	req.Equal(StateConnecting, s.State())

	s.Disconnect()
	req.Equal(StateDisconnected, s.State())
}

func TestSendMessageRequiresConnection(t *testing.T) {
	s, err := NewSession("http://127.0.0.1:1")
	require.NoError(t, err)
	require.ErrorIs(t, s.SendMessage("bob", "hi"), ErrNotConnected)
	require.ErrorIs(t, s.SendMessage("bob", "  "), models.ErrValidation)
	require.ErrorIs(t, s.OpenConversation(context.Background(), "bob"), ErrNotConnected)
}

func TestSendAndReceive(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")
	ctx := context.Background()

	req.NoError(alice.OpenConversation(ctx, "bob"))
	req.NoError(bob.OpenConversation(ctx, "alice"))

	req.NoError(alice.SendMessage("bob", "hi"))
	req.Eventually(func() bool { return len(bob.Messages()) == 1 }, waitFor, tick)
	req.Eventually(func() bool { return len(alice.Messages()) == 1 }, waitFor, tick)

	req.NoError(bob.SendMessage("alice", "hello"))
	req.Eventually(func() bool { return len(alice.Messages()) == 2 }, waitFor, tick)
	req.Eventually(func() bool { return len(bob.Messages()) == 2 }, waitFor, tick)

	req.Equal([]string{"hi", "hello"}, contents(alice.Messages()))
	req.Equal([]string{"hi", "hello"}, contents(bob.Messages()))
	req.Empty(alice.UnreadCounts())
	req.Empty(bob.UnreadCounts())

	conversations := alice.Conversations()
	req.Len(conversations, 1)
	req.Equal("bob", conversations[0].CounterpartID)
	req.Equal("hello", conversations[0].LastMessage.Content)
}

func TestRejectedSendIsReported(t *testing.T) {
	srv := newTestServer(t)
	alice := connect(t, srv, "alice")

	long := strings.Repeat("x", 4001)
	require.NoError(t, alice.SendMessage("bob", long))

	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-alice.Events():
			if ev.Type != EventError {
				continue
			}
			require.ErrorIs(t, ev.Err, models.ErrValidation)
			return
		case <-deadline:
			t.Fatal("expected an Error frame")
		}
	}
}

func TestDuplicatePushIsAppliedOnce(t *testing.T) {
	req := require.New(t)
	s, err := NewSession("http://127.0.0.1:1")
	req.NoError(err)
	s.selfID = "bob"
	s.open = "alice"

	msg := models.Message{ID: "m-1", SenderID: "alice", ReceiverID: "bob", Content: "hi", Timestamp: time.Now().UTC(), IsRead: true}
	s.apply(msg)
	s.apply(msg)

	req.Len(s.Messages(), 1)
	req.Empty(s.UnreadCounts())
	req.Len(s.Conversations(), 1)
}

func TestUnreadCountsOnlyOutsideOpenConversation(t *testing.T) {
	req := require.New(t)
	s, err := NewSession("http://127.0.0.1:1")
	req.NoError(err)
	s.selfID = "bob"
	s.open = "carol"
	now := time.Now().UTC()

	s.apply(models.Message{ID: "1", SenderID: "alice", ReceiverID: "bob", Content: "a1", Timestamp: now, IsRead: true})
	s.apply(models.Message{ID: "2", SenderID: "alice", ReceiverID: "bob", Content: "a2", Timestamp: now.Add(time.Millisecond), IsRead: true})
	s.apply(models.Message{ID: "3", SenderID: "bob", ReceiverID: "alice", Content: "mine", Timestamp: now.Add(2 * time.Millisecond)})
	s.apply(models.Message{ID: "4", SenderID: "carol", ReceiverID: "bob", Content: "open", Timestamp: now.Add(3 * time.Millisecond), IsRead: true})

	req.Equal(map[string]int{"alice": 2}, s.UnreadCounts())
	req.Equal([]string{"open"}, contents(s.Messages()))

	conversations := s.Conversations()
	req.Equal("carol", conversations[0].CounterpartID)
	req.Equal("alice", conversations[1].CounterpartID)
	req.Equal(2, conversations[1].UnreadCount)
}

func TestOpenConversationClearsAndMarksRead(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")
	ctx := context.Background()

	req.NoError(alice.SendMessage("bob", "one"))
	req.NoError(alice.SendMessage("bob", "two"))
	req.Eventually(func() bool { return bob.UnreadCounts()["alice"] == 2 }, waitFor, tick)

	req.NoError(bob.OpenConversation(ctx, "alice"))
	req.Empty(bob.UnreadCounts())
	req.Equal([]string{"one", "two"}, contents(bob.Messages()))

	counts, err := bob.API().UnreadCounts(ctx)
	req.NoError(err)
	req.Empty(counts)

	// Live messages into the open conversation are read on arrival.
	req.NoError(alice.SendMessage("bob", "three"))
	req.Eventually(func() bool { return len(bob.Messages()) == 3 }, waitFor, tick)
	req.Eventually(func() bool {
		counts, err := bob.API().UnreadCounts(ctx)
		return err == nil && len(counts) == 0
	}, waitFor, tick)
	req.Empty(bob.UnreadCounts())
}

func TestOpenConversationLoadsNewestHistory(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	ctx := context.Background()

	total := openWindow + 50
	for i := range total {
		_, err := srv.store.Append(ctx, models.Message{SenderID: "alice", ReceiverID: "bob", Content: fmt.Sprintf("m-%d", i)})
		req.NoError(err)
	}

	bob := connect(t, srv, "bob")
	req.NoError(bob.OpenConversation(ctx, "alice"))

	messages := bob.Messages()
	req.Len(messages, openWindow)
	req.Equal("m-50", messages[0].Content)
	req.Equal(fmt.Sprintf("m-%d", total-1), messages[len(messages)-1].Content)

	// Unread messages outside the local window are marked read too.
	counts, err := bob.API().UnreadCounts(ctx)
	req.NoError(err)
	req.Empty(counts)

	req.NoError(bob.LoadUnreadCounts(ctx))
	req.Empty(bob.UnreadCounts())
}

func TestApplyDropsMessagesForOtherUsers(t *testing.T) {
	req := require.New(t)
	s, err := NewSession("http://127.0.0.1:1")
	req.NoError(err)
	s.selfID = "bob"

	s.apply(models.Message{ID: "1", SenderID: "alice", ReceiverID: "carol", Content: "not yours", Timestamp: time.Now().UTC()})

	req.Empty(s.UnreadCounts())
	req.Empty(s.Conversations())
}

func TestStartConversationPlaceholder(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	ctx := context.Background()
	req.NoError(srv.store.UpsertProfile(ctx, models.UserProfile{ID: "carol", FullName: "Carol", Email: "carol@example.com"}))

	alice := connect(t, srv, "alice")
	req.NoError(alice.StartConversation(ctx, "carol"))
	req.Equal("carol", alice.OpenCounterpart())

	conversations := alice.Conversations()
	req.Len(conversations, 1)
	req.Equal("Carol", conversations[0].CounterpartProfile.FullName)
	req.Nil(conversations[0].LastMessage)
	req.Zero(conversations[0].UnreadCount)

	// Still a placeholder while the store has nothing for the pair.
	req.NoError(alice.LoadConversations(ctx))
	req.Len(alice.Conversations(), 1)
	req.Nil(alice.Conversations()[0].LastMessage)

	_, err := alice.API().Send(ctx, "carol", "first")
	req.NoError(err)
	req.NoError(alice.LoadConversations(ctx))
	conversations = alice.Conversations()
	req.Len(conversations, 1)
	req.NotNil(conversations[0].LastMessage)
	req.Equal("first", conversations[0].LastMessage.Content)
}

func TestSearchUsersThenStartConversation(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	ctx := context.Background()

	carolToken, err := middleware.JWTConfig{Secret: testSecret, Issuer: "efchat"}.IssueClaims(
		middleware.Claims{UserID: "carol", Username: "Carol Danvers", Email: "carol@example.com"}, time.Hour)
	req.NoError(err)
	_, err = NewAPI(srv.URL, carolToken).Me(ctx)
	req.NoError(err)

	alice := connect(t, srv, "alice")
	found, err := alice.SearchUsers(ctx, "danv")
	req.NoError(err)
	req.Len(found, 1)

	req.NoError(alice.StartConversation(ctx, found[0].ID))
	req.Equal("carol", alice.OpenCounterpart())
	req.Equal("Carol Danvers", alice.Conversations()[0].CounterpartProfile.FullName)

	idle, err := NewSession(srv.URL)
	req.NoError(err)
	_, err = idle.SearchUsers(ctx, "danv")
	req.ErrorIs(err, ErrNotConnected)
}

func TestReconnectReloadsHistory(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	bob := connect(t, srv, "bob")
	ctx := context.Background()
	req.NoError(bob.OpenConversation(ctx, "alice"))

	aliceAPI := NewAPI(srv.URL, token(t, "alice"))

	// Drop every connection server side.
	srv.dm.Shutdown()
	waitForState(t, bob, StateConnecting)

	// Usually sent while bob is away, in which case only the store has it.
	_, err := aliceAPI.Send(ctx, "bob", "while you were out")
	req.NoError(err)

	req.Eventually(func() bool { return bob.State() == StateConnected }, waitFor, tick)
	req.Eventually(func() bool {
		return len(bob.Messages()) == 1 && bob.Messages()[0].Content == "while you were out"
	}, waitFor, tick)
}

func TestCancelledConnectContextResetsSession(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	s, err := NewSession(srv.URL, WithBackoff(testBackoff), WithLogger(testLogger()))
	req.NoError(err)
	t.Cleanup(s.Disconnect)

	ctx, cancel := context.WithCancel(context.Background())
	req.NoError(s.Connect(ctx, token(t, "alice")))
	waitForState(t, s, StateConnected)

	cancel()
	waitForState(t, s, StateDisconnected)
	req.Equal(StateDisconnected, s.State())
	req.Eventually(func() bool { return !srv.dm.GetRegistry().IsOnline("alice") }, waitFor, tick)
	req.ErrorIs(s.SendMessage("bob", "hi"), ErrNotConnected)

	// A fresh Connect brings the session back.
	req.NoError(s.Connect(context.Background(), token(t, "alice")))
	waitForState(t, s, StateConnected)
	req.Eventually(func() bool { return srv.dm.GetRegistry().IsOnline("alice") }, waitFor, tick)
	req.NoError(s.SendMessage("bob", "hi"))
}

func TestSendOnBrokenConnectionIsAmbiguous(t *testing.T) {
	req := require.New(t)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	req.NoError(err)
	req.NoError(ws.UnderlyingConn().Close())

	s, err := NewSession(srv.URL)
	req.NoError(err)
	s.conn = ws
	s.state = StateConnected

	req.ErrorIs(s.SendMessage("bob", "lost?"), ErrSendAmbiguous)
}

func TestAPIErrorsMapToSentinels(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	ctx := context.Background()
	api := NewAPI(srv.URL, token(t, "bob"))

	_, err := api.User(ctx, "nobody")
	req.ErrorIs(err, models.ErrNotFound)

	_, err = api.Send(ctx, "alice", "   ")
	req.ErrorIs(err, models.ErrValidation)

	msg, err := NewAPI(srv.URL, token(t, "alice")).Send(ctx, "bob", "hi")
	req.NoError(err)
	req.ErrorIs(NewAPI(srv.URL, token(t, "carol")).MarkRead(ctx, msg.ID), models.ErrForbidden)

	_, err = NewAPI(srv.URL, "garbage").Conversations(ctx)
	req.ErrorIs(err, models.ErrAuthentication)

	online, err := api.Online(ctx, "alice")
	req.NoError(err)
	req.False(online)
}
