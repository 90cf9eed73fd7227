package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PabloGalante/threadchat/internal/domain"
	"github.com/PabloGalante/threadchat/internal/observability"
)

const (
	threadsCollection  = "threads_v2"
	settingsCollection = "settings_v2"
	settingsDocID      = "default"
)

type Store struct {
	client *firestore.Client
}

// NewStore creates a Firestore store.
// Uses the project passed (THREADCHAT_GCP_PROJECT).
func NewStore(ctx context.Context, projectID string) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (s *Store) threadsCol() *firestore.CollectionRef {
	return s.client.Collection(threadsCollection)
}

func (s *Store) threadDoc(id domain.ThreadID) *firestore.DocumentRef {
	return s.threadsCol().Doc(string(id))
}

func (s *Store) messagesCol(threadID domain.ThreadID) *firestore.CollectionRef {
	return s.threadDoc(threadID).Collection("messages")
}

func (s *Store) settingsDoc() *firestore.DocumentRef {
	return s.client.Collection(settingsCollection).Doc(settingsDocID)
}

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

type threadDoc struct {
	Title       string    `firestore:"title"`
	Mode        string    `firestore:"mode"`
	CreatedAt   time.Time `firestore:"created_at"`
	LastUpdated time.Time `firestore:"last_updated"`
}

type messageDoc struct {
	Position  int       `firestore:"position"`
	Role      string    `firestore:"role"`
	Text      string    `firestore:"text"`
	Timestamp time.Time `firestore:"timestamp"`

	AttachmentName string `firestore:"attachment_name,omitempty"`
	AttachmentMIME string `firestore:"attachment_mime,omitempty"`
	AttachmentData []byte `firestore:"attachment_data,omitempty"`
}

type settingsDoc struct {
	Credential    string `firestore:"credential"`
	Locale        string `firestore:"locale"`
	Mode          string `firestore:"mode"`
	SearchEnabled bool   `firestore:"search_enabled"`
}

func toMessageDoc(pos int, m *domain.Message) messageDoc {
	doc := messageDoc{
		Position:  pos,
		Role:      string(m.Role),
		Text:      m.Text,
		Timestamp: m.Timestamp,
	}
	if m.Attachment != nil {
		doc.AttachmentName = m.Attachment.Name
		doc.AttachmentMIME = m.Attachment.MIMEType
		doc.AttachmentData = m.Attachment.Data
	}
	return doc
}

func (d messageDoc) toMessage(id string, threadID domain.ThreadID) *domain.Message {
	msg := &domain.Message{
		ID:        domain.MessageID(id),
		ThreadID:  threadID,
		Role:      domain.Role(d.Role),
		Text:      d.Text,
		Timestamp: d.Timestamp,
	}
	if d.AttachmentMIME != "" {
		msg.Attachment = &domain.Attachment{
			Name:     d.AttachmentName,
			MIMEType: d.AttachmentMIME,
			Data:     d.AttachmentData,
		}
	}
	return msg
}

// ─────────────────────────────────────────
// ThreadStore implementation
// ─────────────────────────────────────────

func (s *Store) LoadThreads(ctx context.Context) ([]*domain.Thread, error) {
	log := observability.LoggerFromContext(ctx)

	iter := s.threadsCol().Documents(ctx)
	defer iter.Stop()

	var out []*domain.Thread
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("firestore LoadThreads: %w", err)
		}

		th, err := s.loadThread(ctx, snap)
		if err != nil {
			log.Warn("dropping unreadable thread record", "thread_id", snap.Ref.ID, "error", err)
			if delErr := s.DeleteThread(ctx, domain.ThreadID(snap.Ref.ID)); delErr != nil {
				return nil, fmt.Errorf("firestore LoadThreads cleanup: %w", delErr)
			}
			continue
		}
		out = append(out, th)
	}
	return out, nil
}

func (s *Store) loadThread(ctx context.Context, snap *firestore.DocumentSnapshot) (*domain.Thread, error) {
	var doc threadDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode threadDoc: %w", err)
	}

	th := &domain.Thread{
		ID:          domain.ThreadID(snap.Ref.ID),
		Title:       doc.Title,
		Mode:        domain.InteractionMode(doc.Mode),
		CreatedAt:   doc.CreatedAt,
		LastUpdated: doc.LastUpdated,
	}

	iter := s.messagesCol(th.ID).OrderBy("position", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	for {
		msnap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("firestore messages: %w", err)
		}

		var mdoc messageDoc
		if err := msnap.DataTo(&mdoc); err != nil {
			return nil, fmt.Errorf("decode messageDoc: %w", err)
		}
		th.Messages = append(th.Messages, mdoc.toMessage(msnap.Ref.ID, th.ID))
	}
	return th, nil
}

// SaveThread writes the thread and its messages in one transaction, removing
// messages that are no longer part of the thread.
func (s *Store) SaveThread(ctx context.Context, thread *domain.Thread) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := tx.Documents(s.messagesCol(thread.ID)).GetAll()
		if err != nil {
			return err
		}

		keep := make(map[string]bool, len(thread.Messages))
		for _, m := range thread.Messages {
			keep[string(m.ID)] = true
		}

		for _, snap := range existing {
			if !keep[snap.Ref.ID] {
				if err := tx.Delete(snap.Ref); err != nil {
					return err
				}
			}
		}

		doc := threadDoc{
			Title:       thread.Title,
			Mode:        string(thread.Mode),
			CreatedAt:   thread.CreatedAt,
			LastUpdated: thread.LastUpdated,
		}
		if err := tx.Set(s.threadDoc(thread.ID), doc); err != nil {
			return err
		}

		for i, m := range thread.Messages {
			if err := tx.Set(s.messagesCol(thread.ID).Doc(string(m.ID)), toMessageDoc(i, m)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("firestore SaveThread: %w", err)
	}
	return nil
}

func (s *Store) DeleteThread(ctx context.Context, id domain.ThreadID) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(s.threadDoc(id)); err != nil {
			if status.Code(err) == codes.NotFound {
				return domain.ErrThreadNotFound
			}
			return err
		}

		msgs, err := tx.Documents(s.messagesCol(id)).GetAll()
		if err != nil {
			return err
		}
		for _, snap := range msgs {
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
		}
		return tx.Delete(s.threadDoc(id))
	})
	if errors.Is(err, domain.ErrThreadNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("firestore DeleteThread: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────
// SettingsStore implementation
// ─────────────────────────────────────────

func (s *Store) LoadSettings(ctx context.Context) (*domain.Settings, error) {
	snap, err := s.settingsDoc().Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("firestore LoadSettings: %w", err)
	}

	var doc settingsDoc
	if err := snap.DataTo(&doc); err != nil {
		observability.LoggerFromContext(ctx).Warn("resetting unreadable settings record", "error", err)
		return nil, nil
	}

	return &domain.Settings{
		Credential:    doc.Credential,
		Locale:        doc.Locale,
		Mode:          domain.InteractionMode(doc.Mode),
		SearchEnabled: doc.SearchEnabled,
	}, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings *domain.Settings) error {
	doc := settingsDoc{
		Credential:    settings.Credential,
		Locale:        settings.Locale,
		Mode:          string(settings.Mode),
		SearchEnabled: settings.SearchEnabled,
	}

	if _, err := s.settingsDoc().Set(ctx, doc); err != nil {
		return fmt.Errorf("firestore SaveSettings: %w", err)
	}
	return nil
}
