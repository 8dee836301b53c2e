package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xaenox/chatdigest/internal/ingest"
	"github.com/xaenox/chatdigest/internal/session"
	"github.com/xaenox/chatdigest/internal/storage"
	"github.com/xaenox/chatdigest/internal/summarizer"
	"github.com/xaenox/chatdigest/pkg/config"
)

const maxSummaryTopics = 5

type app struct {
	store    storage.Storage
	manager  *session.Manager
	sweeper  *session.Sweeper
	ingester *ingest.Ingester
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := openStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	manager := session.NewManager(store, newSummarizer(cfg, logger), session.Config{
		MaxMessagesPerSession: cfg.Session.MaxMessagesPerSession,
		SessionTimeout:        cfg.Session.Timeout(),
		MinMessagesForSummary: cfg.Session.MinMessagesForSummary,
		SummaryTimeout:        cfg.Session.SummaryTimeout,
	}, logger, session.WithBackgroundSummaries(cfg.Session.SummaryWorkers))

	sweeper := session.NewSweeper(manager, store, session.SweeperConfig{
		Interval:          cfg.Sweeper.Interval,
		Concurrency:       cfg.Sweeper.Concurrency,
		StaleSummaryAfter: cfg.Sweeper.StaleSummaryAfter,
	}, logger)

	return &app{
		store:    store,
		manager:  manager,
		sweeper:  sweeper,
		ingester: ingest.New(store, manager, logger),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func openStorage(cfg *config.Config, logger *zap.Logger) (storage.Storage, error) {
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}

	logger.Info("Using PostgreSQL storage")
	if err := storage.RunMigrations(cfg.Database.DSN()); err != nil {
		return nil, err
	}
	store, err := storage.NewPostgresStorage(storage.DatabaseConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

// newSummarizer falls back to the offline keyword summarizer when no OpenAI
// key is configured.
func newSummarizer(cfg *config.Config, logger *zap.Logger) summarizer.Summarizer {
	if cfg.OpenAI.APIKey == "" {
		logger.Warn("No OpenAI API key configured, using keyword summarizer")
		return summarizer.NewKeywordSummarizer(maxSummaryTopics)
	}
	return summarizer.NewGPTSummarizer(summarizer.GPTConfig{
		APIKey:            cfg.OpenAI.APIKey,
		BaseURL:           cfg.OpenAI.BaseURL,
		Model:             cfg.OpenAI.Model,
		MaxTokens:         cfg.OpenAI.MaxTokens,
		Temperature:       cfg.OpenAI.Temperature,
		RequestsPerMinute: cfg.OpenAI.RequestsPerMinute,
		MaxTopics:         maxSummaryTopics,
	}, logger)
}
