// Package bolt persists threads and settings in a single bbolt file.
// Each logical dataset lives in its own bucket, suffixed with the schema
// version; bumping the version starts from an empty bucket.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/PabloGalante/threadchat/internal/domain"
	"github.com/PabloGalante/threadchat/internal/observability"
)

var (
	threadsBucket  = []byte("threads.v2")
	settingsBucket = []byte("settings.v2")
	settingsKey    = []byte("default")
)

type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the bolt file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt file: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{threadsBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LoadThreads decodes every thread. Malformed entries are dropped instead of
// failing the whole load.
func (s *Store) LoadThreads(ctx context.Context) ([]*domain.Thread, error) {
	log := observability.LoggerFromContext(ctx)

	var (
		out     []*domain.Thread
		corrupt [][]byte
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(threadsBucket).ForEach(func(k, v []byte) error {
			var th domain.Thread
			if err := json.Unmarshal(v, &th); err != nil || th.ID == "" {
				log.Warn("dropping unreadable thread record", "key", string(k), "error", err)
				corrupt = append(corrupt, append([]byte(nil), k...))
				return nil
			}
			out = append(out, &th)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt LoadThreads: %w", err)
	}

	if len(corrupt) > 0 {
		err = s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(threadsBucket)
			for _, k := range corrupt {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("bolt LoadThreads cleanup: %w", err)
		}
	}

	return out, nil
}

func (s *Store) SaveThread(_ context.Context, thread *domain.Thread) error {
	data, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("bolt SaveThread encode: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(threadsBucket).Put([]byte(thread.ID), data)
	})
	if err != nil {
		return fmt.Errorf("bolt SaveThread: %w", err)
	}
	return nil
}

func (s *Store) DeleteThread(_ context.Context, id domain.ThreadID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(threadsBucket)
		if b.Get([]byte(id)) == nil {
			return domain.ErrThreadNotFound
		}
		return b.Delete([]byte(id))
	})
}

// LoadSettings returns nil when nothing was saved or the record is unreadable.
func (s *Store) LoadSettings(ctx context.Context) (*domain.Settings, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(settingsBucket).Get(settingsKey); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt LoadSettings: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var settings domain.Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		observability.LoggerFromContext(ctx).Warn("resetting unreadable settings record", "error", err)
		return nil, nil
	}
	return &settings, nil
}

func (s *Store) SaveSettings(_ context.Context, settings *domain.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("bolt SaveSettings encode: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put(settingsKey, data)
	})
	if err != nil {
		return fmt.Errorf("bolt SaveSettings: %w", err)
	}
	return nil
}
