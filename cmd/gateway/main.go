package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/lib/pq"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/api"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/audit"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/cache"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/config"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/crypto"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/gateway"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/metrics"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/notifications"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider/anthropic"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider/bedrock"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider/gemini"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider/groq"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider/openai"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider/openrouter"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/ratelimit"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/repository"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/router"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/secrets"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/telemetry"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/vault"
)

const (
	version             = "0.1.0"
	cleanupInterval     = 10 * time.Minute
	healthCheckInterval = time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting gateway", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hostname, _ := os.Hostname()
	metrics.InitInstanceMetrics(hostname, version)

	shutdownTracing, err := telemetry.Init(ctx, "gateway", version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	enc, err := crypto.NewEncryptor(cfg.EncryptionSecret)
	if err != nil {
		slog.Error("failed to create encryptor", "error", err)
		os.Exit(1)
	}

	var checkers []api.HealthChecker

	var credRepo repository.CredentialRepository
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		pg := repository.NewPostgresCredentialRepository(db)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		credRepo = pg
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres credential repository")
	} else {
		credRepo = repository.NewInMemoryCredentialRepository()
		slog.Warn("using in-memory credential repository, stored keys are lost on restart")
	}

	var notifier notifications.Notifier = notifications.LogNotifier{}
	if cfg.AlertTopicARN != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
		if err != nil {
			slog.Error("failed to create SNS notifier", "error", err)
			os.Exit(1)
		}
		slog.Info("sending alerts to SNS", "topic", cfg.AlertTopicARN)
	}

	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedisLimiter(cfg.RedisURL, nil)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rl.Close()
		if err := rl.Ping(ctx); err != nil {
			slog.Error("redis is not reachable", "error", err)
			os.Exit(1)
		}
		rl.OnAlert(notifications.AlertHandler(notifier))
		limiter = rl

		redisCheck, err := api.NewRedisHealthChecker(cfg.RedisURL)
		if err == nil {
			defer redisCheck.Close()
			checkers = append(checkers, redisCheck)
		}
		slog.Info("using redis rate limiter")
	} else {
		ml := ratelimit.NewInMemoryLimiter(nil)
		ml.OnAlert(notifications.AlertHandler(notifier))
		ml.StartCleanup(ctx, cleanupInterval)
		limiter = ml
		slog.Info("using in-memory rate limiter")
	}

	var auditPublisher audit.Publisher = audit.LogPublisher{}
	if cfg.AuditQueueURL != "" {
		auditPublisher, err = audit.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.AuditQueueURL)
		if err != nil {
			slog.Error("failed to create SQS publisher", "error", err)
			os.Exit(1)
		}
		slog.Info("publishing audit events to SQS", "queue", cfg.AuditQueueURL)
	}

	var secretStore secrets.SecretStore = secrets.NewEnvSecretStore()
	if cfg.SecretsBackend == config.SecretsBackendAWS {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion, cfg.SecretsPrefix)
		if err != nil {
			slog.Error("failed to create secrets manager client", "error", err)
			os.Exit(1)
		}
		sm.SetCacheTTL(cfg.CredentialCacheTTL)
		secretStore = secrets.ChainStore{sm, secrets.NewEnvSecretStore()}
		slog.Info("reading operator credentials from AWS Secrets Manager", "prefix", cfg.SecretsPrefix)
	}

	credCache := cache.New(cfg.CredentialCacheTTL)
	credCache.StartCleanup(ctx, cleanupInterval)

	providerRouter := router.New()
	credentialVault := vault.New(vault.Config{
		Encryptor:     enc,
		Repository:    credRepo,
		Cache:         credCache,
		Secrets:       secretStore,
		Limiter:       limiter,
		Tester:        providerRouter,
		Audit:         auditPublisher,
		RotationToken: cfg.RotationToken,
	})

	providerRouter.Register(openai.New(credentialVault, openai.Config{
		BaseURL:     cfg.OpenAIBaseURL,
		IdleTimeout: cfg.StreamIdleTimeout,
	}))
	providerRouter.Register(anthropic.New(credentialVault, anthropic.Config{
		BaseURL:     cfg.AnthropicBaseURL,
		IdleTimeout: cfg.StreamIdleTimeout,
	}))
	providerRouter.Register(gemini.New(credentialVault, gemini.Config{
		BaseURL:     cfg.GeminiBaseURL,
		IdleTimeout: cfg.StreamIdleTimeout,
	}))
	providerRouter.Register(openrouter.New(credentialVault, openrouter.Config{
		BaseURL:     cfg.OpenRouterBaseURL,
		Referer:     cfg.OpenRouterReferer,
		Title:       cfg.OpenRouterTitle,
		CatalogTTL:  cfg.CatalogTTL,
		IdleTimeout: cfg.StreamIdleTimeout,
	}))
	providerRouter.Register(groq.New(credentialVault, groq.Config{
		BaseURL:     cfg.GroqBaseURL,
		CatalogTTL:  cfg.CatalogTTL,
		IdleTimeout: cfg.StreamIdleTimeout,
	}))

	if cfg.BedrockEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			slog.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		providerRouter.Register(bedrock.New(awsCfg, cfg.StreamIdleTimeout))
	}
	slog.Info("registered providers", "providers", providerRouter.ListProviders())

	gw := gateway.New(gateway.Config{
		Registry: providerRouter,
		Notifier: notifier,
	})
	gw.StartHealthChecks(ctx, healthCheckInterval)

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:     gw,
		Credentials: credentialVault,
		ProxySecret: cfg.ProxySecret,
		Checkers:    checkers,
		Version:     version,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// no WriteTimeout: streams may run for minutes
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	cancel()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
