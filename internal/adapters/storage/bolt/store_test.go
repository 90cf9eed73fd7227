package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/PabloGalante/threadchat/internal/adapters/storage/storetest"
	"github.com/PabloGalante/threadchat/internal/domain"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "threadchat.db"))
	require.NoError(t, err)
	return s
}

func putRaw(t *testing.T, s *Store, bucket, key, value []byte) {
	t.Helper()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
	require.NoError(t, err)
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.Store {
		return openTemp(t)
	})
}

func TestReopenKeepsThreads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threadchat.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	want := storetest.SampleThread("t-persist")
	require.NoError(t, s.SaveThread(ctx, want))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	threads, err := s.LoadThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	storetest.AssertThreadEqual(t, want, threads[0])
}

func TestCorruptThreadIsDropped(t *testing.T) {
	s := openTemp(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.SaveThread(ctx, storetest.SampleThread("t-good")))
	putRaw(t, s, threadsBucket, []byte("t-bad"), []byte("{not json"))

	threads, err := s.LoadThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, domain.ThreadID("t-good"), threads[0].ID)

	// The broken record is gone for good.
	assert.ErrorIs(t, s.DeleteThread(ctx, "t-bad"), domain.ErrThreadNotFound)
}

func TestCorruptSettingsResetToNil(t *testing.T) {
	s := openTemp(t)
	defer s.Close()

	putRaw(t, s, settingsBucket, settingsKey, []byte("garbage"))

	settings, err := s.LoadSettings(context.Background())
	require.NoError(t, err)
	assert.Nil(t, settings)
}
