package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/models"
)

// newWSServer identifies users by the ?user= query parameter; auth is
// covered by the handlers package.
func newWSServer(t *testing.T, registry *Registry, sender MessageSender) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewConn(ws, r.URL.Query().Get("user"), 16, testLogger()).Serve(context.Background(), registry, sender)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialAs(t *testing.T, srv *httptest.Server, registry *Registry, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + userID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.Eventually(t, func() bool { return registry.IsOnline(userID) }, 2*time.Second, 10*time.Millisecond)
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) models.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env models.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func writeSend(t *testing.T, ws *websocket.Conn, receiverID, content string) {
	t.Helper()
	env, err := models.NewEnvelope(models.EventSendMessage, models.SendRequest{ReceiverID: receiverID, Content: content})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

func TestConnEndToEnd(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(testLogger(), nil)
	router := NewRouter(newBadgerStore(t), registry, testLogger())
	srv := newWSServer(t, registry, router)

	alice := dialAs(t, srv, registry, "alice")
	bob := dialAs(t, srv, registry, "bob")

	writeSend(t, alice, "bob", "hi")

	received := readEnvelope(t, bob)
	req.Equal(models.EventReceiveMessage, received.Type)
	got, err := received.DecodeMessage()
	req.NoError(err)
	req.Equal("alice", got.SenderID)
	req.Equal("hi", got.Content)

	ack := readEnvelope(t, alice)
	req.Equal(models.EventMessageSent, ack.Type)
	acked, err := ack.DecodeMessage()
	req.NoError(err)
	req.Equal(got.ID, acked.ID)
}

func TestConnSenderComesFromConnection(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(testLogger(), nil)
	router := NewRouter(newBadgerStore(t), registry, testLogger())
	srv := newWSServer(t, registry, router)

	alice := dialAs(t, srv, registry, "alice")
	bob := dialAs(t, srv, registry, "bob")

	// A spoofed senderId in the payload is ignored.
	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"SendMessage","data":{"senderId":"mallory","receiverId":"bob","content":"hey"}}`)))

	got, err := readEnvelope(t, bob).DecodeMessage()
	req.NoError(err)
	req.Equal("alice", got.SenderID)
}

func TestConnReportsRejectedSends(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(testLogger(), nil)
	router := NewRouter(newBadgerStore(t), registry, testLogger())
	srv := newWSServer(t, registry, router)

	alice := dialAs(t, srv, registry, "alice")

	writeSend(t, alice, "bob", "   ")
	env := readEnvelope(t, alice)
	req.Equal(models.EventError, env.Type)
	req.Contains(string(env.Data), `"code":"validation"`)

	req.NoError(alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	env = readEnvelope(t, alice)
	req.Equal(models.EventError, env.Type)
}

func TestConnUnregistersOnDisconnect(t *testing.T) {
	registry := NewRegistry(testLogger(), nil)
	router := NewRouter(newBadgerStore(t), registry, testLogger())
	srv := newWSServer(t, registry, router)

	bob := dialAs(t, srv, registry, "bob")
	require.NoError(t, bob.Close())

	require.Eventually(t, func() bool { return !registry.IsOnline("bob") }, 2*time.Second, 10*time.Millisecond)
}

func TestConnCloseAllEndsConnections(t *testing.T) {
	registry := NewRegistry(testLogger(), nil)
	router := NewRouter(newBadgerStore(t), registry, testLogger())
	srv := newWSServer(t, registry, router)

	bob := dialAs(t, srv, registry, "bob")
	registry.CloseAll()

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := bob.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Eventually(t, func() bool { return registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnPushWithoutWriter(t *testing.T) {
	req := require.New(t)
	c := NewConn(nil, "alice", 1, testLogger())
	env, err := models.NewEnvelope(models.EventMessageSent, models.Message{ID: "1"})
	req.NoError(err)

	req.NoError(c.Push(env))
	req.ErrorIs(c.Push(env), ErrSendBufferFull)
	req.ErrorIs(c.Push(env), ErrHandleClosed)
}
