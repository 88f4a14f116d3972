package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/hub"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
	badgerstore "github.com/efchatnet/efdm/backend/storage/badger"
)

var testAuth = middleware.JWTConfig{Secret: "ws-test-secret", Issuer: "efchat"}

func newWSTestServer(t *testing.T, origins []string) (*httptest.Server, *hub.Registry) {
	t.Helper()
	store, err := badgerstore.Open("", testLogger())
	require.NoError(t, err)

	registry := hub.NewRegistry(testLogger(), nil)
	sender := hub.NewRouter(store, registry, testLogger())
	srv := httptest.NewServer(NewWSHandler(testAuth, registry, sender, middleware.NewProfileSync(store, testLogger()), origins, 16, testLogger()))
	t.Cleanup(func() {
		registry.CloseAll()
		srv.Close()
		_ = store.Close()
	})
	return srv, registry
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func issue(t *testing.T, userID string) string {
	t.Helper()
	tok, err := testAuth.Issue(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestWSHandlerAuthenticates(t *testing.T) {
	srv, registry := newWSTestServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, registry.Count())

	header := http.Header{"Authorization": {"Bearer " + issue(t, "alice")}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return registry.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)
}

func TestWSHandlerSendsAndReceives(t *testing.T) {
	req := require.New(t)
	srv, registry := newWSTestServer(t, nil)

	bob, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?access_token="+issue(t, "bob"), nil)
	req.NoError(err)
	defer bob.Close()
	alice, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?access_token="+issue(t, "alice"), nil)
	req.NoError(err)
	defer alice.Close()
	req.Eventually(func() bool { return registry.IsOnline("alice") && registry.IsOnline("bob") }, 2*time.Second, 10*time.Millisecond)

	env, err := models.NewEnvelope(models.EventSendMessage, models.SendRequest{ReceiverID: "bob", Content: "hi"})
	req.NoError(err)
	req.NoError(alice.WriteJSON(env))

	var ack models.Envelope
	req.NoError(alice.SetReadDeadline(time.Now().Add(2 * time.Second)))
	req.NoError(alice.ReadJSON(&ack))
	req.Equal(models.EventMessageSent, ack.Type)

	var received models.Envelope
	req.NoError(bob.SetReadDeadline(time.Now().Add(2 * time.Second)))
	req.NoError(bob.ReadJSON(&received))
	req.Equal(models.EventReceiveMessage, received.Type)

	sent, err := ack.DecodeMessage()
	req.NoError(err)
	got, err := received.DecodeMessage()
	req.NoError(err)
	req.Equal(sent.ID, got.ID)
}

func TestWSHandlerSyncsProfileOnUpgrade(t *testing.T) {
	req := require.New(t)
	store, err := badgerstore.Open("", testLogger())
	req.NoError(err)
	registry := hub.NewRegistry(testLogger(), nil)
	handler := NewWSHandler(testAuth, registry, hub.NewRouter(store, registry, testLogger()), middleware.NewProfileSync(store, testLogger()), nil, 16, testLogger())
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		registry.CloseAll()
		srv.Close()
		_ = store.Close()
	})

	tok, err := testAuth.IssueClaims(middleware.Claims{UserID: "dana", Username: "Dana", Email: "dana@example.com"}, time.Hour)
	req.NoError(err)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?access_token="+tok, nil)
	req.NoError(err)
	defer ws.Close()

	profile, err := store.GetProfile(context.Background(), "dana")
	req.NoError(err)
	req.Equal("Dana", profile.FullName)
	req.Equal("dana@example.com", profile.Email)
}

func TestWSHandlerChecksOrigin(t *testing.T) {
	srv, _ := newWSTestServer(t, []string{"https://efchat.net"})
	url := wsURL(srv) + "?access_token=" + issue(t, "alice")

	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://EFCHAT.net"}})
	require.NoError(t, err)
	ws.Close()

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWSHandlerRejectsNonGet(t *testing.T) {
	srv, _ := newWSTestServer(t, nil)

	resp, err := http.Post(srv.URL, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin header", []string{"https://efchat.net"}, "", true},
		{"exact", []string{"https://efchat.net"}, "https://efchat.net", true},
		{"case insensitive", []string{"https://efchat.net"}, "HTTPS://EfChat.Net", true},
		{"trailing path ignored", []string{"https://efchat.net/"}, "https://efchat.net", true},
		{"other host", []string{"https://efchat.net"}, "https://example.com", false},
		{"other scheme", []string{"https://efchat.net"}, "http://efchat.net", false},
		{"wildcard", []string{"*"}, "https://anything.example", true},
		{"nothing configured", nil, "https://efchat.net", false},
		{"malformed", []string{"https://efchat.net"}, "efchat.net", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			require.Equal(t, tt.want, newOriginPolicy(tt.allowed).allows(r))
		})
	}
}
