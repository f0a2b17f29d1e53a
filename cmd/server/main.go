package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	chatrepo "github.com/minare/tokenchat-backend/internal/data/repos/chat"
	ledgerrepo "github.com/minare/tokenchat-backend/internal/data/repos/ledger"
	userrepo "github.com/minare/tokenchat-backend/internal/data/repos/user"
	"github.com/minare/tokenchat-backend/internal/db"
	"github.com/minare/tokenchat-backend/internal/handlers"
	"github.com/minare/tokenchat-backend/internal/llm"
	"github.com/minare/tokenchat-backend/internal/middleware"
	"github.com/minare/tokenchat-backend/internal/observability"
	"github.com/minare/tokenchat-backend/internal/pkg/envutil"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
	"github.com/minare/tokenchat-backend/internal/rag"
	"github.com/minare/tokenchat-backend/internal/server"
	"github.com/minare/tokenchat-backend/internal/services"
	"github.com/minare/tokenchat-backend/internal/transport"
)

func main() {
	_ = godotenv.Load()

	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	jwtSecret := envutil.String("JWT_SECRET_KEY", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET_KEY is required")
	}
	accessTTL := time.Duration(envutil.Int("ACCESS_TOKEN_TTL", 86400)) * time.Second
	signupGrant := int64(envutil.Int("SIGNUP_TOKEN_GRANT", 100))

	// Tracing
	shutdownOtel := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "tokenchat-backend",
		Environment: envutil.String("APP_ENV", "development"),
		Version:     envutil.String("APP_VERSION", "dev"),
	})

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos...")
	userRepo := userrepo.NewUserRepo(thePG, log)
	balanceRepo := ledgerrepo.NewTokenBalanceRepo(thePG, log)
	txRepo := ledgerrepo.NewTokenTransactionRepo(thePG, log)
	convRepo := chatrepo.NewConversationRepo(thePG, log)
	msgRepo := chatrepo.NewMessageRepo(thePG, log)

	// LLM + retrieval
	llmClient, err := llm.NewClientFromEnv(log)
	if err != nil {
		log.Fatal("Could not init completion client", "error", err)
	}
	embedder, err := llm.NewEmbedderFromEnv(log)
	if err != nil {
		log.Fatal("Could not init embedder", "error", err)
	}
	retriever, err := rag.NewRetrieverFromEnv(log, embedder)
	if err != nil {
		log.Fatal("Could not init retriever", "error", err)
	}

	// Services
	log.Info("Setting up services...")
	ledgerService := services.NewTokenLedgerService(thePG, log, balanceRepo, txRepo)
	authService := services.NewAuthService(thePG, log, userRepo, ledgerService, jwtSecret, accessTTL, signupGrant)
	conversationService := services.NewConversationService(thePG, log, convRepo, msgRepo)
	activeStreams := services.NewActiveStreams()
	turnService := services.NewTurnService(log, ledgerService, conversationService, retriever, llmClient, activeStreams)

	var idempotency services.IdempotencyStore
	if redisStore, redisErr := services.NewRedisIdempotencyStore(log); redisErr != nil {
		log.Warn("redis unavailable, using in-memory webhook idempotency", "error", redisErr)
		idempotency = services.NewMemoryIdempotencyStore()
	} else {
		idempotency = redisStore
	}
	billingService := services.NewBillingService(thePG, log, ledgerService, idempotency)

	// Handlers + router
	router := server.NewRouter(server.RouterConfig{
		AuthHandler:         handlers.NewAuthHandler(authService),
		AuthMiddleware:      middleware.NewAuthMiddleware(log, authService),
		ConversationHandler: handlers.NewConversationHandler(conversationService),
		TokenHandler:        handlers.NewTokenHandler(ledgerService),
		BillingHandler:      handlers.NewBillingHandler(billingService),
		HealthHandler:       handlers.NewHealthHandler(thePG),
		WSHandler:           transport.NewWSHandler(log, authService, turnService, activeStreams),
		SSEHandler:          transport.NewSSEHandler(log, turnService),
	})

	addr := ":" + envutil.String("PORT", "8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	if shutdownOtel != nil {
		_ = shutdownOtel(ctx)
	}
}
