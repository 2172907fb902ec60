package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_LoadMissingReturnsNil(t *testing.T) {
	store := newTestSQLiteStore(t)

	p, err := store.Load(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSQLiteStore_SaveThenLoad(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	reply := time.Now().Truncate(time.Millisecond)
	in := Persisted{
		Energy:        0.45,
		Mood:          -0.2,
		LastReplyTime: reply,
		LastResetDate: "2026-08-29",
	}
	require.NoError(t, store.Save(ctx, "chat-1", in))

	out, err := store.Load(ctx, "chat-1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in.Energy, out.Energy)
	assert.Equal(t, in.Mood, out.Mood)
	assert.Equal(t, in.LastResetDate, out.LastResetDate)
	assert.Equal(t, reply.UnixMilli(), out.LastReplyTime.UnixMilli())
	assert.True(t, out.LastMoodDecay.IsZero())
}

func TestSQLiteStore_SaveUpserts(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "chat-1", Persisted{Energy: 0.8}))
	require.NoError(t, store.Save(ctx, "chat-1", Persisted{Energy: 0.2, Mood: 0.9}))

	out, err := store.Load(ctx, "chat-1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 0.2, out.Energy)
	assert.Equal(t, 0.9, out.Mood)
}
