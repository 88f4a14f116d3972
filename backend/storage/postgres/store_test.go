package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/backend/storage/storagetest"
)

// Set EFDM_TEST_DATABASE_URL to run these against a real PostgreSQL.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("EFDM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("EFDM_TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMessageStoreContract(t *testing.T) {
	storagetest.RunMessageStore(t, func(t *testing.T) storage.MessageStore {
		return openTestStore(t)
	})
}

func TestProfileStoreContract(t *testing.T) {
	storagetest.RunProfileStore(t, func(t *testing.T) storage.ProfileStore {
		return openTestStore(t)
	})
}

func TestLongUserIDsAreStored(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := openTestStore(t)
	sender := storagetest.UserID(strings.Repeat("s", 300))

	msg, err := s.Append(ctx, models.Message{SenderID: sender, ReceiverID: storagetest.UserID("bob"), Content: "hi"})
	req.NoError(err)
	got, err := s.Get(ctx, msg.ID)
	req.NoError(err)
	req.Equal(sender, got.SenderID)
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestGetWithMalformedIDIsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestProfiles(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := openTestStore(t)
	id := storagetest.UserID("alice")

	_, err := s.GetProfile(ctx, id)
	req.ErrorIs(err, models.ErrNotFound)

	avatar := "https://cdn.example/alice.png"
	req.NoError(s.UpsertProfile(ctx, models.UserProfile{ID: id, FullName: "Alice", Email: "alice@example.com", AvatarURL: &avatar}))

	profile, err := s.GetProfile(ctx, id)
	req.NoError(err)
	req.Equal("Alice", profile.FullName)
	req.NotNil(profile.AvatarURL)
	req.Equal(avatar, *profile.AvatarURL)

	req.NoError(s.UpsertProfile(ctx, models.UserProfile{ID: id, FullName: "Alice Renamed"}))
	profile, err = s.GetProfile(ctx, id)
	req.NoError(err)
	req.Equal("Alice Renamed", profile.FullName)
	req.Nil(profile.AvatarURL)
}

func TestClassifyMapsConstraintViolations(t *testing.T) {
	req := require.New(t)

	err := classify("store message", &pq.Error{Code: uniqueViolation, Message: "duplicate key"})
	req.ErrorIs(err, models.ErrValidation)

	err = classify("store message", &pq.Error{Code: checkViolation, Message: "empty content"})
	req.ErrorIs(err, models.ErrValidation)

	err = classify("upsert profile", &pq.Error{Code: stringDataRightTruncate, Message: "value too long"})
	req.ErrorIs(err, models.ErrValidation)

	err = classify("store message", errors.New("connection reset"))
	req.ErrorIs(err, models.ErrStorage)
	req.NotErrorIs(err, models.ErrValidation)
}
