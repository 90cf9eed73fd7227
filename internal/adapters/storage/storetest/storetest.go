// Package storetest holds the behavior every domain.Store backend must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/threadchat/internal/domain"
)

// Factory returns a fresh, empty store. Stores are closed by Run.
type Factory func(t *testing.T) domain.Store

// Run exercises a backend against the shared contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyStore", func(t *testing.T) { testEmpty(t, newStore(t)) })
	t.Run("ThreadRoundTrip", func(t *testing.T) { testThreadRoundTrip(t, newStore(t)) })
	t.Run("SaveOverwrites", func(t *testing.T) { testSaveOverwrites(t, newStore(t)) })
	t.Run("DeleteThread", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("SettingsRoundTrip", func(t *testing.T) { testSettings(t, newStore(t)) })
}

// SampleThread returns a thread with a user turn carrying an attachment and
// a model reply. Timestamps carry sub-millisecond precision on purpose.
func SampleThread(id domain.ThreadID) *domain.Thread {
	base := time.Date(2025, 3, 6, 15, 14, 54, 123456789, time.UTC)
	th := &domain.Thread{
		ID:          id,
		Title:       "Xin chào",
		Mode:        domain.ModeTutor,
		CreatedAt:   base,
		LastUpdated: base,
	}
	th.Append(&domain.Message{
		ID:        domain.MessageID(string(id) + "-u"),
		Role:      domain.RoleUser,
		Text:      "Xin chào",
		Timestamp: base.Add(time.Millisecond),
		Attachment: &domain.Attachment{
			Name:     "cat.png",
			MIMEType: "image/png",
			Data:     []byte{0x89, 'P', 'N', 'G'},
		},
	})
	th.Append(&domain.Message{
		ID:        domain.MessageID(string(id) + "-m"),
		Role:      domain.RoleModel,
		Text:      "Chào bạn!",
		Timestamp: base.Add(2 * time.Millisecond),
	})
	return th
}

func closeStore(t *testing.T, s domain.Store) {
	t.Helper()
	t.Cleanup(func() { _ = s.Close() })
}

func testEmpty(t *testing.T, s domain.Store) {
	closeStore(t, s)
	ctx := context.Background()

	threads, err := s.LoadThreads(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads)

	settings, err := s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, settings)
}

func testThreadRoundTrip(t *testing.T, s domain.Store) {
	closeStore(t, s)
	ctx := context.Background()

	want := SampleThread("t-roundtrip")
	require.NoError(t, s.SaveThread(ctx, want))

	threads, err := s.LoadThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)

	AssertThreadEqual(t, want, threads[0])
}

func testSaveOverwrites(t *testing.T, s domain.Store) {
	closeStore(t, s)
	ctx := context.Background()

	th := SampleThread("t-overwrite")
	require.NoError(t, s.SaveThread(ctx, th))

	th.Messages[1].Text = "Chào bạn! Tôi có thể giúp gì?"
	th.Remove(th.Messages[0].ID)
	require.NoError(t, s.SaveThread(ctx, th))

	threads, err := s.LoadThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	AssertThreadEqual(t, th, threads[0])
}

func testDelete(t *testing.T, s domain.Store) {
	closeStore(t, s)
	ctx := context.Background()

	require.NoError(t, s.SaveThread(ctx, SampleThread("t-a")))
	require.NoError(t, s.SaveThread(ctx, SampleThread("t-b")))

	require.NoError(t, s.DeleteThread(ctx, "t-a"))
	assert.ErrorIs(t, s.DeleteThread(ctx, "t-a"), domain.ErrThreadNotFound)

	threads, err := s.LoadThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, domain.ThreadID("t-b"), threads[0].ID)
}

func testSettings(t *testing.T, s domain.Store) {
	closeStore(t, s)
	ctx := context.Background()

	want := &domain.Settings{Credential: "key-123", Locale: "vi", Mode: domain.ModeCoder, SearchEnabled: true}
	require.NoError(t, s.SaveSettings(ctx, want))

	got, err := s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.SearchEnabled = false
	require.NoError(t, s.SaveSettings(ctx, want))
	got, err = s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.False(t, got.SearchEnabled)
}

// AssertThreadEqual compares two threads field by field, timestamps to the
// millisecond.
func AssertThreadEqual(t *testing.T, want, got *domain.Thread) {
	t.Helper()

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Title, got.Title)
	assert.Equal(t, want.Mode, got.Mode)
	assert.WithinDuration(t, want.CreatedAt, got.CreatedAt, time.Millisecond)
	assert.WithinDuration(t, want.LastUpdated, got.LastUpdated, time.Millisecond)

	require.Len(t, got.Messages, len(want.Messages))
	for i, wm := range want.Messages {
		gm := got.Messages[i]
		assert.Equal(t, wm.ID, gm.ID)
		assert.Equal(t, wm.ThreadID, gm.ThreadID)
		assert.Equal(t, wm.Role, gm.Role)
		assert.Equal(t, wm.Text, gm.Text)
		assert.WithinDuration(t, wm.Timestamp, gm.Timestamp, time.Millisecond)
		assert.Equal(t, wm.Attachment, gm.Attachment)
	}
}
