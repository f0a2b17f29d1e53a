package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/minare/tokenchat-backend/internal/handlers"
	"github.com/minare/tokenchat-backend/internal/middleware"
	"github.com/minare/tokenchat-backend/internal/pkg/envutil"
	"github.com/minare/tokenchat-backend/internal/transport"
)

type RouterConfig struct {
	AuthHandler         *handlers.AuthHandler
	AuthMiddleware      *middleware.AuthMiddleware
	ConversationHandler *handlers.ConversationHandler
	TokenHandler        *handlers.TokenHandler
	BillingHandler      *handlers.BillingHandler
	HealthHandler       *handlers.HealthHandler
	WSHandler           *transport.WSHandler
	SSEHandler          *transport.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware("tokenchat-backend"))

	origins := strings.Split(envutil.String("CORS_ALLOW_ORIGINS", "http://localhost:3000,http://localhost:5173"), ",")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{"X-Conversation-Id", "X-Token-Balance"},
		AllowCredentials: true,
	}))

	// Public
	router.GET("/healthcheck", cfg.HealthHandler.Check)
	api := router.Group("/api")
	{
		api.POST("/auth/register", cfg.AuthHandler.Register)
		api.POST("/auth/login", cfg.AuthHandler.Login)
		// Authenticated by signature, not bearer token.
		api.POST("/billing/webhook", cfg.BillingHandler.Webhook)
		// The websocket handshake authenticates in-handler so it can reject
		// before upgrading.
		api.GET("/chat/ws", cfg.WSHandler.Handle)
	}

	// Protected
	protected := api.Group("/")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	{
		protected.POST("/chat/stream", cfg.SSEHandler.Handle)

		protected.GET("/conversations", cfg.ConversationHandler.List)
		protected.GET("/conversations/:id", cfg.ConversationHandler.Get)
		protected.GET("/conversations/:id/messages", cfg.ConversationHandler.History)
		protected.PATCH("/conversations/:id", cfg.ConversationHandler.Rename)
		protected.DELETE("/conversations/:id", cfg.ConversationHandler.Delete)

		protected.GET("/tokens/balance", cfg.TokenHandler.Balance)
		protected.GET("/tokens/transactions", cfg.TokenHandler.Transactions)
	}

	return router
}
