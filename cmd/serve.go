package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/commitpool/settlement-service/internal/api"
	"github.com/commitpool/settlement-service/internal/app"
	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/commitpool/settlement-service/internal/logger"
	"github.com/commitpool/settlement-service/internal/scheduler"
	rmrabbit "github.com/commitpool/settlement-service/pkg/rabbitmq"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the attestation consumer and the sweep scheduler",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("migrate", false, "Apply the database schema before serving")
	serveCmd.Flags().Bool("scheduler", true, "Run the close and settlement sweeps on their cron schedules")
	serveCmd.Flags().Bool("sweep-on-start", true, "Run one close and settle pass at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	migrate, _ := cmd.Flags().GetBool("migrate")
	withScheduler, _ := cmd.Flags().GetBool("scheduler")
	sweepOnStart, _ := cmd.Flags().GetBool("sweep-on-start")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		return errors.New("internal api key must be configured (INTERNAL_API_KEY)")
	}
	if strings.TrimSpace(cfg.JWKSURL) == "" {
		return errors.New("jwks url must be configured (JWKS_URL)")
	}

	log := logger.GetForComponent("bootstrap")
	log.Info().Str("port", cfg.ServerPort).Str("storage", cfg.StorageDriver).Str("payout_mode", cfg.PayoutMode).Msg("starting settlement-service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildComponents(ctx, cfg, migrate)
	if err != nil {
		return err
	}
	defer c.Close()

	if open, err := c.service.SyncOpenPoolsGauge(ctx); err != nil {
		log.Warn().Err(err).Msg("open pools gauge not seeded")
	} else {
		log.Info().Int("open_pools", open).Msg("open pools gauge seeded")
	}

	// Verifier attestations can also arrive over HTTP, so a missing broker is not fatal.
	attestations := app.NewAttestationConsumer(c.service, logger.GetForComponent("attestation_consumer"))
	consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Warn().Err(err).Msg("rabbitmq consumer unavailable; attestations accepted over http only")
	} else {
		defer consumer.Close()
		if len(cfg.AttestationPublishers) == 0 {
			log.Warn().Msg("ATTESTATION_PUBLISHERS is empty; any broker credential with publish rights on the exchange can attest")
		}
		consumer.RequirePublishers(cfg.AttestationPublishers...)
		bindings := map[string]func([]byte) bool{
			domain.EventVerificationAttested: attestations.HandleMessage,
		}
		if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.OutcomeEventQueue, bindings); err != nil {
			return fmt.Errorf("attestation consumer start failed: %w", err)
		}
		log.Info().Str("queue", cfg.OutcomeEventQueue).Msg("attestation consumer started")
	}

	jobs := scheduler.NewJobs(c.service, logger.GetForComponent("scheduler"), cfg)
	if sweepOnStart {
		jobs.RunOnce()
	}
	if withScheduler {
		sched := scheduler.NewScheduler(jobs, logger.GetForComponent("scheduler"), cfg)
		if scheduled := sched.Start(); scheduled == 0 {
			log.Warn().Msg("no sweep jobs scheduled; pools must be closed and settled by callers")
		}
		defer func() {
			select {
			case <-sched.Stop().Done():
			case <-time.After(30 * time.Second):
				log.Warn().Msg("timed out waiting for running sweeps")
			}
		}()
	}

	authenticate := api.JWTAuthMiddleware(api.JWTConfig{
		JWKSURL:  cfg.JWKSURL,
		Audience: cfg.JWTAudience,
		Issuer:   cfg.JWTIssuer,
	})
	router := api.NewRouter(api.NewPoolHandlers(c.service), authenticate, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	httpLog := logger.GetForComponent("http")
	go func() {
		httpLog.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server stopped unexpectedly: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown started")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
	log.Info().Msg("shutdown complete")
	return nil
}
