// Package main is the entry point for the kudos Slack bot.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kudos-bot/internal/config"
	"kudos-bot/internal/handler"
	"kudos-bot/internal/pkg/db"
	"kudos-bot/internal/pkg/metrics"
	"kudos-bot/internal/pkg/retry"
	"kudos-bot/internal/repository"
	"kudos-bot/internal/scheduler"
	"kudos-bot/internal/service"
	"kudos-bot/internal/slackclient"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Slack.BotToken == "" {
		log.Fatal().Msg("slack.bot_token is required")
	}
	if cfg.Slack.SigningSecret == "" {
		log.Warn().Msg("slack.signing_secret is empty, request signatures will not be verified")
	}

	log.Info().Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	if err := db.Migrate(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	store := repository.NewPostgres(dbPool.Pool)
	calendar := service.NewCalendar(cfg.Points.Location())

	policy := &retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		Multiplier:  cfg.Retry.Multiplier,
		MaxDelay:    cfg.Retry.MaxDelay,
		Retryable:   slackclient.IsRateLimited,
		OnRetry: func(op string, _ int, _ error) {
			metrics.ObserveWorkspaceRetry(op)
		},
	}

	workspace := slackclient.New(cfg.Slack.BotToken)
	directory := service.NewUserDirectory(workspace, store, policy, cfg.Directory.CacheTTL, calendar.Now)
	messenger := service.NewMessenger(workspace, policy, cfg.Slack.DonateChannel)

	ledger := service.NewLedger(store, cfg.Points.MaxPerCycle, calendar)
	txlog := service.NewTransactionLog(store, calendar)
	donations := service.NewDonationService(store, ledger, txlog, directory, messenger, service.DonationRules{
		VelocityWindow: cfg.Points.VelocityWindow,
		VelocityLimit:  cfg.Points.VelocityLimit,
		LockTimeout:    cfg.Points.LockTimeout,
	}, calendar)
	cycles := service.NewCycleManager(store, cfg.Points.MaxPerCycle, calendar)

	// Warm the directory so the first command does not pay for users.list
	if err := directory.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial user directory load failed")
	}

	sched, err := scheduler.New(scheduler.Config{
		ResetCron:       cfg.Schedule.ResetCron,
		MaintenanceCron: cfg.Schedule.MaintenanceCron,
		Location:        calendar.Location,
	}, cycles, dbPool)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure scheduler")
	}
	sched.Start()

	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: handler.NewRouter(donations, dbPool, handler.Options{
			SigningSecret:     cfg.Slack.SigningSecret,
			RequestsPerMinute: cfg.HTTP.RequestsPerMinute,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("Bot is starting...")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Scheduler shutdown failed")
	}

	log.Info().Msg("Bot stopped gracefully")
}
