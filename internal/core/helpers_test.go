package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gwi.com/duskchat/internal/store"
)

func newTestHandle(t *testing.T) store.Handle {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Release() })
	return h
}

// fakeCompleter answers every call with reply and records the histories it saw.
type fakeCompleter struct {
	mu    sync.Mutex
	reply string
	calls [][]ChatMessage
}

func (f *fakeCompleter) Complete(_ context.Context, history []ChatMessage) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]ChatMessage(nil), history...))
	return f.reply
}
