package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/segmentio/kafka-go"

	"healthsync/services/pipeline-api/internal/blob"
	"healthsync/services/pipeline-api/internal/config"
	"healthsync/services/pipeline-api/internal/httpapi"
	"healthsync/services/pipeline-api/internal/ingest"
	"healthsync/services/pipeline-api/internal/llm"
	"healthsync/services/pipeline-api/internal/metrics"
	"healthsync/services/pipeline-api/internal/notify"
	"healthsync/services/pipeline-api/internal/outbox"
	"healthsync/services/pipeline-api/internal/push"
	"healthsync/services/pipeline-api/internal/store"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 120 * time.Second
	idleTimeout  = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(dbCtx); err != nil {
		cancel()
		logger.Error("failed to connect database", "error", err)
		os.Exit(1)
	}
	cancel()

	if cfg.RunMigrations {
		migrateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := store.Migrate(migrateCtx, db, logger)
		cancel()
		if err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	}

	pg := store.New(db, cfg.TopicClinicalEventIngested)

	var blobs ingest.BlobRemover
	if cfg.MinioEndpoint != "" {
		s, err := blob.New(blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Secure:    cfg.MinioSecure,
			Bucket:    cfg.ReportsBucket,
		})
		if err != nil {
			logger.Error("failed to init minio client", "error", err)
			os.Exit(1)
		}
		blobs = s
	} else {
		logger.Warn("object store not configured, duplicate uploads will not be deleted")
	}

	var model ingest.Model
	if c := llm.New(llm.Config{
		APIKey:    cfg.AnthropicAPIKey,
		BaseURL:   cfg.AnthropicBaseURL,
		Model:     cfg.AIModel,
		MaxTokens: cfg.AIMaxTokens,
	}, logger); c != nil {
		model = c
	} else {
		logger.Warn("ANTHROPIC_API_KEY not set, report processing will fail")
	}

	var (
		tokens notify.TokenSource
		sender notify.Sender
	)
	if cfg.PushEnabled() {
		sa := cfg.ServiceAccount
		src, err := push.NewCredentialSource(sa.ClientEmail, sa.PrivateKey, sa.TokenURI, logger)
		if err != nil {
			logger.Error("failed to init push credentials", "error", err)
			os.Exit(1)
		}
		tokens = src
		sender = push.NewSender(cfg.FCMEndpoint, sa.ProjectID)
	} else {
		logger.Warn("FIREBASE_SERVICE_ACCOUNT not set, donor notifications will fail")
	}

	pipeline := ingest.NewPipeline(
		ingest.NewGatekeeper(pg, blobs, logger),
		ingest.NewNormalizer(model, pg, ingest.NormalizerOptions{
			Timeout:     cfg.AITimeout,
			MaxAttempts: cfg.AIMaxAttempts,
		}, logger),
		logger,
	)
	resolver := notify.NewResolver(pg, cfg.DonorTokenMinLength, logger)
	dispatcher := notify.NewDispatcher(tokens, sender, notify.DispatcherOptions{
		Timeout:     cfg.PushTimeout,
		MaxAttempts: cfg.PushMaxAttempts,
		MaxInFlight: cfg.PushMaxInFlight,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.KafkaBrokers) > 0 {
		kafkaWriter := &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Balancer: &kafka.LeastBytes{},
		}
		defer func() {
			_ = kafkaWriter.Close()
		}()
		publisher := outbox.NewPublisher(db, kafkaWriter, outbox.Hooks{
			Published: metrics.RecordOutboxPublished,
			Failed:    metrics.RecordOutboxFailure,
		}, logger)
		go publisher.Run(ctx)
	} else {
		logger.Warn("KAFKA_BROKERS not set, outbox events stay pending")
	}

	var auth func(http.Handler) http.Handler
	if cfg.AuthEnabled() {
		auth = httpapi.AuthMiddleware(httpapi.AuthConfig{
			Env:      cfg.Env,
			Issuer:   cfg.JwtIssuer,
			Audience: cfg.JwtAudience,
			Secret:   cfg.JwtSecret,
		})
	}

	handler := httpapi.New(logger, pipeline, resolver, dispatcher)
	router := handler.Routes(auth)
	router.Handle("/metrics", metrics.Handler(db))

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		logger.Info("pipeline api listening", "addr", cfg.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
