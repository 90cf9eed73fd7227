package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	httpadapter "github.com/PabloGalante/threadchat/internal/adapters/http"
	"github.com/PabloGalante/threadchat/internal/adapters/llm"
	boltstore "github.com/PabloGalante/threadchat/internal/adapters/storage/bolt"
	firestorestore "github.com/PabloGalante/threadchat/internal/adapters/storage/firestore"
	memstore "github.com/PabloGalante/threadchat/internal/adapters/storage/memory"
	sqlitestore "github.com/PabloGalante/threadchat/internal/adapters/storage/sqlite"
	"github.com/PabloGalante/threadchat/internal/app/conversation"
	"github.com/PabloGalante/threadchat/internal/app/threads"
	"github.com/PabloGalante/threadchat/internal/config"
	"github.com/PabloGalante/threadchat/internal/domain"
	"github.com/PabloGalante/threadchat/internal/observability"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		observability.Logger().Error("threadchat exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	observability.Init(os.Stdout, cfg.LogLevel)
	log := observability.Logger()

	llmClient, err := newGenerationClient(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("error closing store", "error", err)
		}
	}()

	repo := threads.NewRepository(store)
	if err := repo.Load(ctx); err != nil {
		return err
	}

	svc := conversation.NewService(llmClient, repo, store, nil, conversation.Options{
		Defaults:       cfg.DefaultSettings(),
		WelcomeMessage: cfg.WelcomeMessage,
	})

	handler := httpadapter.NewServer(svc, httpadapter.Options{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		TrustProxy:     cfg.TrustProxy,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("threadchat API listening", "port", cfg.Port, "mode", cfg.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop in-flight responses first so their placeholders are rolled back
	// before the store closes.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error("conversation shutdown incomplete", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func newGenerationClient(ctx context.Context, cfg *config.Config) (domain.GenerationClient, error) {
	log := observability.Logger()

	switch cfg.LLMBackend {
	case "mock":
		log.Info("using mock LLM client", "delay_ms", cfg.MockDelayMS)
		return llm.NewMockLLM(time.Duration(cfg.MockDelayMS) * time.Millisecond), nil
	default:
		vertex := cfg.LLMBackend == "vertex"
		log.Info("using Gemini LLM client",
			"vertex", vertex,
			"model", cfg.ModelName,
			"pro_model", cfg.ProModelName,
		)
		client, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			Vertex:      vertex,
			ProjectID:   cfg.GCPProjectID,
			Location:    cfg.GCPLocation,
			PersonaName: cfg.PersonaName,
			Profiles: llm.Profiles{
				DefaultModel: cfg.ModelName,
				ProModel:     cfg.ProModelName,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("initializing Gemini client: %w", err)
		}
		return client, nil
	}
}

func openStore(ctx context.Context, cfg *config.Config) (domain.Store, error) {
	log := observability.Logger()

	switch cfg.StorageBackend {
	case "memory":
		log.Info("using in-memory storage")
		return memstore.NewStore(), nil

	case "firestore":
		log.Info("using Firestore storage", "project", cfg.GCPProjectID)
		s, err := firestorestore.NewStore(ctx, cfg.GCPProjectID)
		if err != nil {
			return nil, fmt.Errorf("initializing Firestore store: %w", err)
		}
		return s, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	if cfg.StorageBackend == "sqlite" {
		path := filepath.Join(cfg.DataDir, "threadchat.sqlite")
		log.Info("using SQLite storage", "path", path)
		s, err := sqlitestore.Open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("initializing SQLite store: %w", err)
		}
		return s, nil
	}

	path := filepath.Join(cfg.DataDir, "threadchat.db")
	log.Info("using bbolt storage", "path", path)
	s, err := boltstore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("initializing bbolt store: %w", err)
	}
	return s, nil
}
