package hub

import (
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/efchatnet/efdm/backend/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHandle records pushed envelopes and can be told to fail.
type fakeHandle struct {
	id     string
	userID string

	mu     sync.Mutex
	pushed []models.Envelope
	err    error
	closed bool
}

func newFakeHandle(userID string) *fakeHandle {
	return &fakeHandle{id: uuid.NewString(), userID: userID}
}

func (f *fakeHandle) ID() string     { return f.id }
func (f *fakeHandle) UserID() string { return f.userID }

func (f *fakeHandle) Push(env models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pushed = append(f.pushed, env)
	return nil
}

func (f *fakeHandle) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeHandle) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeHandle) envelopes() []models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Envelope(nil), f.pushed...)
}

func (f *fakeHandle) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
