// Package conversation drives request/response exchanges between the user
// and the generation client and keeps every thread consistent with the
// progress of its exchange.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PabloGalante/threadchat/internal/app/threads"
	"github.com/PabloGalante/threadchat/internal/domain"
	"github.com/PabloGalante/threadchat/internal/observability"
)

// ErrShuttingDown is returned for exchanges requested after Shutdown.
var ErrShuttingDown = errors.New("conversation service is shutting down")

// Options configures a Service.
type Options struct {
	// Defaults are the settings in effect until the user saves their own.
	Defaults domain.Settings
	// WelcomeMessage, when set, is the first model message of every thread
	// created with NewThread.
	WelcomeMessage string
}

type Service struct {
	llm      domain.GenerationClient
	repo     *threads.Repository
	settings domain.SettingsStore
	events   *Broker

	defaults domain.Settings
	welcome  string

	now   func() time.Time
	newID func() string

	// base is canceled on Shutdown and ends every exchange.
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	inflight map[domain.ThreadID]*exchange
}

// exchange is the in-flight state of one thread.
type exchange struct {
	ctx       context.Context
	cancel    context.CancelFunc
	stopAfter func() bool
	done      chan struct{}
	err       error
}

func NewService(
	llm domain.GenerationClient,
	repo *threads.Repository,
	settings domain.SettingsStore,
	events *Broker,
	opts Options,
) *Service {
	if events == nil {
		events = NewBroker()
	}
	base, stop := context.WithCancel(context.Background())

	return &Service{
		llm:      llm,
		repo:     repo,
		settings: settings,
		events:   events,
		defaults: opts.Defaults,
		welcome:  opts.WelcomeMessage,
		now:      time.Now,
		newID:    uuid.NewString,
		base:     base,
		stop:     stop,
		inflight: make(map[domain.ThreadID]*exchange),
	}
}

// Events returns the broker the service publishes on.
func (s *Service) Events() *Broker {
	return s.events
}

// Exchange describes a response that has been started. The reply keeps
// streaming in the background after the call that started it returns.
type Exchange struct {
	// Thread is the thread right after the placeholder was appended.
	Thread      *domain.Thread
	UserMessage *domain.Message
	ResponseID  domain.MessageID

	ex *exchange
}

// Done is closed once the response completed, failed or was canceled.
func (e *Exchange) Done() <-chan struct{} {
	return e.ex.done
}

// Wait blocks until the exchange ends and returns its failure, if any.
func (e *Exchange) Wait(ctx context.Context) error {
	select {
	case <-e.ex.done:
		return e.ex.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type SendInput struct {
	// ThreadID is empty to start a new thread.
	ThreadID   domain.ThreadID
	Text       string
	Attachment *domain.Attachment
}

// SendUserInput records the user's turn and starts streaming the reply into
// a placeholder message. It fails with domain.ErrThreadBusy while the thread
// already has a response in flight.
func (s *Service) SendUserInput(ctx context.Context, in SendInput) (*Exchange, error) {
	if in.Attachment != nil && !in.Attachment.Valid() {
		return nil, domain.ErrInvalidAttachment
	}
	if strings.TrimSpace(in.Text) == "" && in.Attachment == nil {
		return nil, domain.ErrEmptyInput
	}
	if s.base.Err() != nil {
		return nil, ErrShuttingDown
	}

	settings, err := s.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	threadID := in.ThreadID
	created := threadID == ""
	if created {
		th, err := s.createThread(ctx, settings.Mode, domain.DeriveTitle(in.Text, in.Attachment, settings.Mode), "")
		if err != nil {
			return nil, err
		}
		threadID = th.ID
	}

	log := observability.LoggerFromContext(ctx).With("thread_id", threadID)

	// A thread created for this send is dropped again if the send fails
	// before the user's turn is stored.
	discard := func() {
		if !created {
			return
		}
		if err := s.repo.Delete(context.WithoutCancel(ctx), threadID); err != nil {
			log.Warn("failed to drop unused thread", "error", err)
		}
	}

	ex, err := s.reserve(ctx, threadID)
	if err != nil {
		discard()
		return nil, err
	}

	userMsg := &domain.Message{
		ID:         domain.MessageID(s.newID()),
		ThreadID:   threadID,
		Role:       domain.RoleUser,
		Text:       in.Text,
		Timestamp:  s.now(),
		Attachment: in.Attachment.Clone(),
	}

	th, err := s.repo.Update(ctx, threadID, func(th *domain.Thread) error {
		if !hasUserMessages(th) {
			th.Title = domain.DeriveTitle(in.Text, in.Attachment, th.Mode)
		}
		th.Append(userMsg.Clone())
		return nil
	})
	if err != nil {
		s.release(threadID, ex, err)
		log.Error("failed to append user message", "error", err)
		discard()
		return nil, err
	}
	s.events.Publish(Event{Type: EventMessage, ThreadID: threadID, MessageID: userMsg.ID, Message: userMsg.Clone()})

	history := th.Messages[:len(th.Messages)-1]
	turn := domain.Turn{History: history, Text: in.Text, Attachment: in.Attachment}

	return s.respond(ctx, ex, th, userMsg, turn, settings)
}

type EditInput struct {
	ThreadID  domain.ThreadID
	MessageID domain.MessageID
	Text      string
}

// EditAndResend drops the user message and everything after it, appends the
// revised message and regenerates the reply. The revised message keeps the
// original id, timestamp and attachment.
func (s *Service) EditAndResend(ctx context.Context, in EditInput) (*Exchange, error) {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	log := observability.LoggerFromContext(ctx).With(
		"thread_id", in.ThreadID,
		"message_id", in.MessageID,
	)

	ex, err := s.reserve(ctx, in.ThreadID)
	if err != nil {
		return nil, err
	}

	var revised *domain.Message
	th, err := s.repo.Update(ctx, in.ThreadID, func(th *domain.Thread) error {
		i := th.IndexOf(in.MessageID)
		if i < 0 {
			return domain.ErrMessageNotFound
		}
		orig := th.Messages[i]
		if orig.Role != domain.RoleUser {
			return domain.ErrNotUserMessage
		}
		if strings.TrimSpace(in.Text) == "" && !orig.Attachment.Valid() {
			return domain.ErrEmptyInput
		}

		revised = orig.Clone()
		revised.Text = in.Text
		revised.ThreadID = th.ID

		th.TruncateBefore(i)
		th.Append(revised.Clone())
		th.LastUpdated = s.now()
		return nil
	})
	if err != nil {
		s.release(in.ThreadID, ex, err)
		log.Warn("edit rejected", "error", err)
		return nil, err
	}
	log.Info("message edited, regenerating", "message_count", len(th.Messages))

	s.events.Publish(Event{Type: EventMessage, ThreadID: th.ID, MessageID: revised.ID, Message: revised.Clone()})

	history := th.Messages[:len(th.Messages)-1]
	turn := domain.Turn{History: history, Text: revised.Text, Attachment: revised.Attachment}

	return s.respond(ctx, ex, th, revised, turn, settings)
}

// respond appends the placeholder and starts streaming into it. The caller
// holds the thread's reservation.
func (s *Service) respond(
	ctx context.Context,
	ex *exchange,
	th *domain.Thread,
	userMsg *domain.Message,
	turn domain.Turn,
	settings domain.Settings,
) (*Exchange, error) {
	threadID := th.ID
	placeholder := &domain.Message{
		ID:        domain.MessageID(s.newID()),
		ThreadID:  threadID,
		Role:      domain.RoleModel,
		Timestamp: s.now(),
	}

	th, err := s.repo.Update(ctx, threadID, func(th *domain.Thread) error {
		th.Append(placeholder.Clone())
		return nil
	})
	if err != nil {
		s.release(threadID, ex, err)
		observability.LoggerFromContext(ctx).Error("failed to append placeholder",
			"thread_id", threadID,
			"error", err,
		)
		return nil, err
	}

	s.events.Publish(Event{Type: EventMessage, ThreadID: th.ID, MessageID: placeholder.ID, Message: placeholder.Clone()})
	s.events.Publish(Event{Type: EventTyping, ThreadID: th.ID, MessageID: placeholder.ID, Typing: true})

	cfg := domain.SessionConfig{
		Credential:    settings.Credential,
		Locale:        settings.Locale,
		Mode:          th.Mode,
		SearchEnabled: settings.SearchEnabled,
	}

	go func() {
		err := s.stream(ex.ctx, threadID, placeholder.ID, cfg, turn)
		s.release(threadID, ex, err)
		s.events.Publish(Event{Type: EventTyping, ThreadID: threadID, Typing: false})
	}()

	return &Exchange{
		Thread:      th,
		UserMessage: userMsg.Clone(),
		ResponseID:  placeholder.ID,
		ex:          ex,
	}, nil
}

// stream folds fragments into the placeholder, persisting after each one.
// On any failure the placeholder is removed and the error returned.
func (s *Service) stream(
	ctx context.Context,
	threadID domain.ThreadID,
	placeholderID domain.MessageID,
	cfg domain.SessionConfig,
	turn domain.Turn,
) error {
	log := observability.LoggerFromContext(ctx).With(
		"thread_id", threadID,
		"message_id", placeholderID,
		"mode", cfg.Mode,
	)
	start := s.now()

	var acc strings.Builder
	err := func() error {
		if ctx.Err() != nil {
			return domain.NewGenerationError(domain.KindCanceled, ctx.Err())
		}
		sess, err := s.llm.OpenSession(ctx, cfg)
		if err != nil {
			return err
		}

		for frag, err := range sess.StreamTurn(ctx, turn) {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return domain.NewGenerationError(domain.KindCanceled, ctx.Err())
			}

			acc.WriteString(frag)
			text := acc.String()
			_, uerr := s.repo.Update(ctx, threadID, func(th *domain.Thread) error {
				i := th.IndexOf(placeholderID)
				if i < 0 {
					return domain.ErrMessageNotFound
				}
				th.Messages[i].Text = text
				th.LastUpdated = s.now()
				return nil
			})
			if uerr != nil {
				return uerr
			}

			s.events.Publish(Event{
				Type:      EventFragment,
				ThreadID:  threadID,
				MessageID: placeholderID,
				Typing:    true,
				Delta:     frag,
				Text:      text,
			})
		}
		return nil
	}()

	if err == nil {
		log.Info("response completed",
			"chars", acc.Len(),
			"duration_ms", s.now().Sub(start).Milliseconds(),
		)
		th, getErr := s.repo.Get(threadID)
		var final *domain.Message
		if getErr == nil {
			if i := th.IndexOf(placeholderID); i >= 0 {
				final = th.Messages[i]
			}
		}
		s.events.Publish(Event{Type: EventDone, ThreadID: threadID, MessageID: placeholderID, Message: final, Text: acc.String()})
		return nil
	}

	kind := domain.KindOf(err)
	if ctx.Err() != nil {
		kind = domain.KindCanceled
	}
	log.Warn("response failed, rolling back placeholder", "error_kind", kind, "error", err)

	// The rollback must run even though ctx may already be canceled.
	persistCtx := context.WithoutCancel(ctx)
	_, rbErr := s.repo.Update(persistCtx, threadID, func(th *domain.Thread) error {
		th.Remove(placeholderID)
		return nil
	})
	if rbErr != nil && !errors.Is(rbErr, domain.ErrThreadNotFound) {
		log.Error("failed to roll back placeholder", "error", rbErr)
	}

	s.events.Publish(Event{
		Type:         EventError,
		ThreadID:     threadID,
		MessageID:    placeholderID,
		ErrorKind:    kind,
		ErrorMessage: kind.UserMessage(cfg.Locale),
	})

	if domain.KindOf(err) != kind {
		return domain.NewGenerationError(kind, err)
	}
	return err
}

// reserve claims the thread for one exchange. The exchange context outlives
// the request that started it: it keeps the request's values for logging but
// not its deadline, and ends on CancelResponse or Shutdown.
func (s *Service) reserve(ctx context.Context, id domain.ThreadID) (*exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.base.Err() != nil {
		return nil, ErrShuttingDown
	}
	if _, busy := s.inflight[id]; busy {
		return nil, domain.ErrThreadBusy
	}

	exCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ex := &exchange{
		ctx:       exCtx,
		cancel:    cancel,
		stopAfter: context.AfterFunc(s.base, cancel),
		done:      make(chan struct{}),
	}
	s.inflight[id] = ex
	s.wg.Add(1)
	return ex, nil
}

func (s *Service) release(id domain.ThreadID, ex *exchange, err error) {
	ex.stopAfter()
	ex.cancel()

	s.mu.Lock()
	if s.inflight[id] == ex {
		delete(s.inflight, id)
	}
	s.mu.Unlock()

	ex.err = err
	close(ex.done)
	s.wg.Done()
}

// IsTyping reports whether the thread has a response in flight.
func (s *Service) IsTyping(id domain.ThreadID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// CancelResponse stops the thread's in-flight response, if any, and waits
// until its placeholder has been rolled back.
func (s *Service) CancelResponse(ctx context.Context, id domain.ThreadID) error {
	if _, err := s.repo.Get(id); err != nil {
		return err
	}

	s.mu.Lock()
	ex, ok := s.inflight[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	observability.LoggerFromContext(ctx).Info("canceling response", "thread_id", id)
	ex.cancel()

	select {
	case <-ex.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewThread starts an empty thread. An empty mode means the current
// settings' mode.
func (s *Service) NewThread(ctx context.Context, mode domain.InteractionMode) (*domain.Thread, error) {
	if mode == "" {
		settings, err := s.GetSettings(ctx)
		if err != nil {
			return nil, err
		}
		mode = settings.Mode
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("mode %q: %w", mode, domain.ErrInvalidMode)
	}
	return s.createThread(ctx, mode, mode.DisplayName(), s.welcome)
}

func (s *Service) createThread(ctx context.Context, mode domain.InteractionMode, title, welcome string) (*domain.Thread, error) {
	now := s.now()
	th := &domain.Thread{
		ID:          domain.ThreadID(s.newID()),
		Title:       title,
		Mode:        mode,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if welcome != "" {
		th.Append(&domain.Message{
			ID:        domain.MessageID(s.newID()),
			Role:      domain.RoleModel,
			Text:      welcome,
			Timestamp: now,
		})
	}

	created, err := s.repo.Create(ctx, th)
	if err != nil {
		observability.LoggerFromContext(ctx).Error("failed to create thread", "error", err)
		return nil, err
	}
	observability.LoggerFromContext(ctx).Info("thread created", "thread_id", created.ID, "mode", mode)
	return created, nil
}

func (s *Service) GetThread(_ context.Context, id domain.ThreadID) (*domain.Thread, error) {
	return s.repo.Get(id)
}

// ListThreads returns every thread, most recently updated first.
func (s *Service) ListThreads(_ context.Context) []*domain.Thread {
	return s.repo.List()
}

// DeleteThread stops any in-flight response before removing the thread.
func (s *Service) DeleteThread(ctx context.Context, id domain.ThreadID) error {
	if err := s.CancelResponse(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	observability.LoggerFromContext(ctx).Info("thread deleted", "thread_id", id)
	return nil
}

// SetThreadMode changes the mode of an idle thread.
func (s *Service) SetThreadMode(ctx context.Context, id domain.ThreadID, mode domain.InteractionMode) (*domain.Thread, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("mode %q: %w", mode, domain.ErrInvalidMode)
	}

	ex, err := s.reserve(ctx, id)
	if err != nil {
		return nil, err
	}
	th, err := s.repo.Update(ctx, id, func(th *domain.Thread) error {
		if !hasUserMessages(th) && th.Title == th.Mode.DisplayName() {
			th.Title = mode.DisplayName()
		}
		th.Mode = mode
		return nil
	})
	s.release(id, ex, err)
	return th, err
}

// GetSettings returns the saved settings, or the defaults when none have
// been saved or the saved record is unreadable.
func (s *Service) GetSettings(ctx context.Context) (domain.Settings, error) {
	saved, err := s.settings.LoadSettings(ctx)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("loading settings: %w", err)
	}
	if saved == nil {
		return s.defaults, nil
	}
	return *saved, nil
}

// UpdateSettings validates and persists new settings. They apply to the next
// exchange; threads keep their own mode.
func (s *Service) UpdateSettings(ctx context.Context, settings domain.Settings) (domain.Settings, error) {
	if settings.Mode == "" {
		settings.Mode = s.defaults.Mode
	}
	if settings.Locale == "" {
		settings.Locale = s.defaults.Locale
	}
	if !settings.Mode.Valid() {
		return domain.Settings{}, fmt.Errorf("mode %q: %w", settings.Mode, domain.ErrInvalidMode)
	}
	if !domain.ValidLocale(settings.Locale) {
		return domain.Settings{}, fmt.Errorf("locale %q: %w", settings.Locale, domain.ErrInvalidLocale)
	}

	if err := s.settings.SaveSettings(ctx, &settings); err != nil {
		return domain.Settings{}, fmt.Errorf("saving settings: %w", err)
	}
	observability.LoggerFromContext(ctx).Info("settings updated",
		"locale", settings.Locale,
		"mode", settings.Mode,
		"search_enabled", settings.SearchEnabled,
	)
	return settings, nil
}

// Shutdown cancels every in-flight response and waits for their rollback.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stop()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func hasUserMessages(th *domain.Thread) bool {
	for _, m := range th.Messages {
		if m.Role == domain.RoleUser {
			return true
		}
	}
	return false
}
