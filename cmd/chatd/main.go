package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"support-chat/handler"
	"support-chat/internal/cache"
	"support-chat/internal/integrations/openai"
	"support-chat/internal/integrations/paramstore"
	"support-chat/internal/ratelimit"
	"support-chat/internal/repository"
	"support-chat/internal/usecase"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	listenAddr := envStr("LISTEN_ADDR", ":8080")
	stateTable := mustEnv(logger, "STATE_TABLE")
	paramPrefix := mustEnv(logger, "PARAM_PREFIX")
	openaiModel := envStr("OPENAI_MODEL", "gpt-4o-mini")
	redisAddr := os.Getenv("REDIS_ADDR") // optional; empty disables caching and rate-limit counters

	pipelineCfg := usecase.Config{
		ContextWindow:   envInt("CONTEXT_WINDOW", 5),
		MaxMessageLen:   envInt("MAX_MESSAGE_LENGTH", 2000),
		HistoryCacheTTL: envDuration("HISTORY_CACHE_TTL", 10*time.Minute),
		LLMTimeout:      envDuration("LLM_TIMEOUT", 30*time.Second),
		LLMMaxAttempts:  envInt("LLM_MAX_ATTEMPTS", 3),
		LLMBaseDelay:    envDuration("LLM_BASE_DELAY", time.Second),
		LLMMaxDelay:     envDuration("LLM_MAX_DELAY", 8*time.Second),
	}
	addrWindow := envDuration("ADDR_RATE_WINDOW", time.Minute)
	addrMax := envInt("ADDR_RATE_MAX", 20)
	sessionWindow := envDuration("SESSION_RATE_WINDOW", time.Minute)
	sessionMax := envInt("SESSION_RATE_MAX", 10)

	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load AWS config")
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create SSM client")
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), stateTable)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create state client")
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix, openaiModel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create OpenAI client")
	}

	var rdb redis.UniversalClient
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
	} else {
		logger.Warn().Msg("REDIS_ADDR not set; running without cache and rate-limit counters")
	}
	store := cache.New(rdb, "chat", logger)

	addrLimiter, err := ratelimit.New(store, "addr", addrWindow, int64(addrMax), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create address rate limiter")
	}
	sessionLimiter, err := ratelimit.New(store, "session", sessionWindow, int64(sessionMax), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create session rate limiter")
	}

	// ---- Pipeline and handler ----
	chatService, err := usecase.NewChatService(stateClient, stateClient, store, openaiClient, ssmClient, paramPrefix, pipelineCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create chat service")
	}
	h, err := handler.NewHandler(chatService, stateClient, addrLimiter, sessionLimiter, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create handler")
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// Generous write timeout: one request may span the full retry budget.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  time.Minute,
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", listenAddr).Msg("chat backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-shutdownCtx.Done()
	logger.Info().Msg("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
}

func mustEnv(logger zerolog.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Fatal().Str("key", key).Msg("required environment variable is not set")
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
