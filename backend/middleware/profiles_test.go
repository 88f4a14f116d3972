package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/efchatnet/efdm/backend/mocks"
	"github.com/efchatnet/efdm/backend/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProfileFromClaims(t *testing.T) {
	req := require.New(t)

	_, ok := ProfileFromClaims(&Claims{UserID: "alice"})
	req.False(ok)
	_, ok = ProfileFromClaims(nil)
	req.False(ok)

	profile, ok := ProfileFromClaims(&Claims{UserID: "alice", Username: "Alice", Email: "alice@example.com", Avatar: "https://cdn.example/a.png"})
	req.True(ok)
	req.Equal("alice", profile.ID)
	req.Equal("Alice", profile.FullName)
	req.Equal("alice@example.com", profile.Email)
	req.NotNil(profile.AvatarURL)
	req.Equal("https://cdn.example/a.png", *profile.AvatarURL)
}

func TestProfileSyncWritesOnlyChanges(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	profiles := mocks.NewMockProfileStore(ctrl)
	sync := NewProfileSync(profiles, quietLogger())

	first := models.UserProfile{ID: "alice", FullName: "Alice", Email: "alice@example.com"}
	renamed := models.UserProfile{ID: "alice", FullName: "Alice Renamed", Email: "alice@example.com"}
	gomock.InOrder(
		profiles.EXPECT().UpsertProfile(gomock.Any(), first).Return(nil),
		profiles.EXPECT().UpsertProfile(gomock.Any(), renamed).Return(nil),
	)

	req.NoError(sync.Sync(ctx, &Claims{UserID: "alice"}))
	req.NoError(sync.Sync(ctx, &Claims{UserID: "alice", Username: "Alice", Email: "alice@example.com"}))
	req.NoError(sync.Sync(ctx, &Claims{UserID: "alice", Username: "Alice", Email: "alice@example.com"}))
	req.NoError(sync.Sync(ctx, &Claims{UserID: "alice", Username: "Alice Renamed", Email: "alice@example.com"}))
}

func TestProfileSyncRetriesAfterFailure(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	profiles := mocks.NewMockProfileStore(ctrl)
	sync := NewProfileSync(profiles, quietLogger())
	claims := &Claims{UserID: "bob", Username: "Bob"}

	gomock.InOrder(
		profiles.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).Return(errors.New("database down")),
		profiles.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).Return(nil),
	)

	req.Error(sync.Sync(ctx, claims))
	req.NoError(sync.Sync(ctx, claims))
}

func TestProfileSyncMiddleware(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	profiles := mocks.NewMockProfileStore(ctrl)
	profiles.EXPECT().UpsertProfile(gomock.Any(), gomock.Any()).Return(errors.New("database down"))

	cfg := JWTConfig{Secret: testSecret, Issuer: "efchat"}
	token, err := cfg.IssueClaims(Claims{UserID: "carol", Username: "Carol"}, time.Hour)
	req.NoError(err)

	handler := NewAuthMiddleware(testSecret, "efchat")(NewProfileSync(profiles, quietLogger()).Middleware(http.HandlerFunc(echoUser)))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	// A failed sync does not fail the request.
	req.Equal(http.StatusOK, w.Code)
	req.Equal("carol", w.Body.String())
}
