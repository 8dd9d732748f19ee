package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sstlabs/esocial-engine/internal/audit"
	"github.com/sstlabs/esocial-engine/internal/blob"
	"github.com/sstlabs/esocial-engine/internal/config"
	"github.com/sstlabs/esocial-engine/internal/events"
	"github.com/sstlabs/esocial-engine/internal/hooks"
	"github.com/sstlabs/esocial-engine/internal/lifecycle"
	"github.com/sstlabs/esocial-engine/internal/log"
	"github.com/sstlabs/esocial-engine/internal/masterdata"
	"github.com/sstlabs/esocial-engine/internal/secrets"
	"github.com/sstlabs/esocial-engine/internal/server"
	"github.com/sstlabs/esocial-engine/internal/store/postgres"
	"github.com/sstlabs/esocial-engine/internal/submission"
	"github.com/sstlabs/esocial-engine/internal/syncsched"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the engine HTTP server and sync scheduler",
	GroupID: "system",
	// Runs in-process; no API client.
	PersistentPreRunE: noClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log.Configure(log.Config{Level: cfg.LogLevel, Version: cfg.AppVersion})
		logger := log.WithComponent("serve")
		ctx := context.Background()

		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		// Certificate containers.
		var blobs blob.Store
		if cfg.BlobBucket != "" {
			s3, err := blob.NewS3(ctx, blob.S3Options{
				Bucket:    cfg.BlobBucket,
				Region:    cfg.BlobRegion,
				Endpoint:  cfg.BlobEndpoint,
				AccessKey: cfg.BlobAccessKey,
				SecretKey: cfg.BlobSecretKey,
			})
			if err != nil {
				return err
			}
			blobs = s3
			logger.Info().Str("bucket", cfg.BlobBucket).Msg("certificate blobs in S3")
		} else {
			blobs = blob.NewMemory()
			logger.Warn().Msg("certificate blobs kept in memory (ESOCIAL_BLOB_BUCKET not set)")
		}

		// Certificate passwords.
		var resolver secrets.Resolver
		if cfg.SecretsRegion != "" {
			sm, err := secrets.NewSecretsManager(ctx, cfg.SecretsRegion)
			if err != nil {
				return err
			}
			resolver = sm
			logger.Info().Str("region", cfg.SecretsRegion).Msg("certificate passwords in Secrets Manager")
		} else {
			resolver = secrets.NewMemory()
			logger.Warn().Msg("certificate passwords kept in memory (ESOCIAL_SECRETS_REGION not set)")
		}

		remote, err := submission.New(submission.Options{
			Environment: cfg.Environment,
			Timeout:     cfg.SubmitTimeout,
			Rate:        cfg.RemoteRate,
			InsecureTLS: cfg.TLSInsecure,
			Logger:      log.WithComponent("submission"),
		})
		if err != nil {
			return err
		}
		if cfg.TLSInsecure {
			logger.Warn().Msg("remote TLS verification disabled")
		}

		// Lifecycle events go to the SSE stream and, when configured, NATS.
		stream := server.NewStream(log.WithComponent("stream"))
		publisher := events.Fanout{stream}
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				return err
			}
			publisher = append(publisher, pub)
			logger.Info().Str("nats_url", cfg.NATSURL).Msg("events enabled")
		} else {
			logger.Info().Msg("NATS events disabled (ESOCIAL_NATS_URL not set)")
		}

		maxRetries := cfg.SubmitMaxRetries
		if maxRetries == 0 {
			maxRetries = -1
		}
		// Every attempt may run to the timeout, plus a capped backoff between them.
		attempts := time.Duration(max(maxRetries, 0) + 1)
		svc, err := lifecycle.New(lifecycle.Config{
			Environment:  cfg.Environment,
			AppVersion:   cfg.AppVersion,
			MaxRetries:   maxRetries,
			URLTTL:       cfg.BlobURLTTL,
			AttemptLease: attempts*(cfg.SubmitTimeout+30*time.Second) + time.Minute,
		}, lifecycle.Deps{
			Store:     store,
			Blobs:     blobs,
			Secrets:   resolver,
			Remote:    remote,
			Publisher: publisher,
			Audit:     audit.NewSink(store, log.WithComponent("audit")),
			Logger:    log.WithComponent("lifecycle"),
		})
		if err != nil {
			return err
		}

		var claimer syncsched.Claimer
		if cfg.RedisAddr != "" {
			rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return err
			}
			claimer = syncsched.NewRedisClaimer(rdb, 0)
			logger.Info().Str("redis_addr", cfg.RedisAddr).Msg("sync claims shared through Redis")
		}

		scheduler := syncsched.New(syncsched.Config{
			MaxConcurrent: cfg.SyncMaxConcurrent,
			Interval:      cfg.SyncInterval,
			Retention:     cfg.SyncRetention,
		}, store, masterdata.New(store, svc, log.WithComponent("masterdata")), claimer, publisher, log.WithComponent("syncsched"))
		if cfg.SyncInterval > 0 {
			scheduler.Start()
			logger.Info().Dur("interval", cfg.SyncInterval).Msg("automatic sync enabled")
		}

		// Processed admissions queue a sync through the bus.
		var hooksCancel context.CancelFunc
		if cfg.NATSURL != "" && cfg.SyncOnProcessed {
			hooksSub, err := events.NewNATSSubscriber(cfg.NATSURL)
			if err != nil {
				logger.Error().Err(err).Msg("failed to create hooks subscriber")
			} else {
				handler := hooks.NewHandler(store, scheduler, log.WithComponent("hooks"))
				var hooksCtx context.Context
				hooksCtx, hooksCancel = context.WithCancel(context.Background())
				go func() {
					if err := handler.StartSubscriber(hooksCtx, hooksSub); err != nil {
						logger.Error().Err(err).Msg("hooks subscriber error")
					}
					hooksSub.Close()
				}()
			}
		}

		rateLimit := cfg.HTTPRateLimit
		if rateLimit == 0 {
			rateLimit = -1
		}
		srv := server.New(svc, scheduler, server.Options{
			AuthToken: cfg.AuthToken,
			RateLimit: rateLimit,
			Stream:    stream,
		}, log.WithComponent("http"))
		if cfg.AuthToken == "" {
			logger.Warn().Msg("HTTP authentication disabled (ESOCIAL_AUTH_TOKEN not set)")
		}

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		serveErr := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.HTTPAddr).Str("environment", string(cfg.Environment)).Msg("HTTP server listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		case err = <-serveErr:
			logger.Error().Err(err).Msg("HTTP server error")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if hooksCancel != nil {
			hooksCancel()
			logger.Info().Msg("hooks subscriber stopped")
		}

		// Open event streams never finish on their own.
		_ = stream.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		}
		logger.Info().Msg("HTTP server stopped")

		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("sync scheduler shutdown error")
		}
		logger.Info().Msg("sync scheduler stopped")

		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing publisher")
		}

		logger.Info().Msg("shutdown complete")
		return err
	},
}
