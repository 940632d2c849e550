package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/Bokuhoggie/PhantomEx/internal/agents"
	"github.com/Bokuhoggie/PhantomEx/internal/approval"
	"github.com/Bokuhoggie/PhantomEx/internal/auth"
	"github.com/Bokuhoggie/PhantomEx/internal/config"
	"github.com/Bokuhoggie/PhantomEx/internal/database"
	"github.com/Bokuhoggie/PhantomEx/internal/decision"
	"github.com/Bokuhoggie/PhantomEx/internal/executor"
	"github.com/Bokuhoggie/PhantomEx/internal/hub"
	"github.com/Bokuhoggie/PhantomEx/internal/ledger"
	"github.com/Bokuhoggie/PhantomEx/internal/market"
	"github.com/Bokuhoggie/PhantomEx/internal/model"
	"github.com/Bokuhoggie/PhantomEx/internal/scheduler"
	"github.com/Bokuhoggie/PhantomEx/internal/session"
	"github.com/Bokuhoggie/PhantomEx/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the agent trading server with graceful shutdown
// support. It wires the ledger, decision pipeline, per-agent scheduler,
// market feed and live channel, then serves the REST API.
func main() {
	cfg := config.Load()

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register development credentials
	authService.RegisterCredentials(auth.DevOperatorKey, auth.DevOperatorSecret)

	eventHub := hub.New()
	ollamaClient := model.NewOllamaClient(cfg.OllamaHost, cfg.ModelTimeout)
	ledgerService := ledger.NewService(db)

	coinGecko := market.NewCoinGeckoClient()
	marketFeed := market.NewFeed(coinGecko, db, eventHub, cfg.MarketInterval)
	marketHandlers := market.NewGinHandlers(marketFeed, coinGecko)
	modelHandlers := model.NewGinHandlers(ollamaClient)

	sessionService := session.NewService(db, ledgerService, marketFeed, ollamaClient, zlog.Logger)
	sessionHandlers := session.NewGinHandlers(sessionService)

	gate := approval.NewGate()
	executorService := executor.NewService(ledgerService, eventHub, executor.DefaultRiskPolicy())
	decisionEngine := decision.NewEngine(ollamaClient)

	// Background context shared by the market feed and all agent timers
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	schedulerService := scheduler.NewService(
		processorCtx, decisionEngine, executorService, gate,
		ledgerService, eventHub, marketFeed, sessionService,
	)
	eventHub.SetSnapshot(schedulerService.Snapshot)

	agentService := agents.NewService(db, ledgerService, schedulerService, sessionService, eventHub)
	agentHandlers := agents.NewGinHandlers(agentService, schedulerService)

	// Resume agents that were running at last shutdown
	if _, err := agentService.RestoreActive(); err != nil {
		zlog.Error().Err(err).Msg("Failed to restore active agents")
	}

	go marketFeed.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg, authHandlers, agentHandlers, marketHandlers, modelHandlers, sessionHandlers, eventHub, schedulerService)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()
	zlog.Info().Str("port", cfg.Port).Msg("PhantomEx server started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop agent timers and the market feed, then drain HTTP
	processorCancel()
	schedulerService.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for operator authentication
// - Agent and session routes: Protected by JWT authentication
// - Market, model and live-channel routes: Public read access
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	agentHandlers *agents.GinHandlers,
	marketHandlers *market.GinHandlers,
	modelHandlers *model.GinHandlers,
	sessionHandlers *session.GinHandlers,
	eventHub *hub.Hub,
	resolver hub.DecisionResolver,
) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
	})

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Live channel; approvals over it are still operator actions, but
		// browsers cannot set headers on websocket upgrades, so the JWT
		// guard does not apply here
		v1.GET("/ws", hub.WebsocketHandler(eventHub, resolver))

		// Agent routes
		agentGroup := v1.Group("/agents")
		agentGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			agentGroup.POST("", agentHandlers.CreateAgentHandler())
			agentGroup.GET("", agentHandlers.ListAgentsHandler())
			agentGroup.GET("/:agent_id", agentHandlers.GetAgentHandler())
			agentGroup.DELETE("/:agent_id", agentHandlers.DeleteAgentHandler())
			agentGroup.PUT("/:agent_id/mode", agentHandlers.SetModeHandler())
			agentGroup.PUT("/:agent_id/risk", agentHandlers.SetRiskHandler())
			agentGroup.PUT("/:agent_id/interval", agentHandlers.SetIntervalHandler())
			agentGroup.POST("/:agent_id/deposit", agentHandlers.DepositHandler())
			agentGroup.POST("/:agent_id/trigger", agentHandlers.TriggerHandler())
			agentGroup.POST("/:agent_id/approve", agentHandlers.ApproveHandler())
			agentGroup.POST("/:agent_id/reject", agentHandlers.RejectHandler())
			agentGroup.GET("/:agent_id/trades", agentHandlers.TradesHandler())
			agentGroup.GET("/:agent_id/equity", agentHandlers.EquityHandler())
		}

		// Cross-agent trade feed for the dashboard activity view
		v1.GET("/trades", middleware.JWTAuth(cfg.JWTSecret), agentHandlers.RecentTradesHandler())

		// Market data routes
		marketGroup := v1.Group("/market")
		{
			marketGroup.GET("/symbols", marketHandlers.SymbolsHandler())
			marketGroup.GET("/prices", marketHandlers.PricesHandler())
			marketGroup.GET("/history/:symbol", marketHandlers.HistoryHandler())
			marketGroup.GET("/candles/:symbol", marketHandlers.CandlesHandler())
		}

		// Model backend routes
		v1.GET("/models", modelHandlers.ListModelsHandler())

		// Session routes
		sessionGroup := v1.Group("/sessions")
		sessionGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			sessionGroup.POST("", sessionHandlers.SaveSessionHandler())
			sessionGroup.POST("/recover", sessionHandlers.RecoverSessionHandler())
			sessionGroup.POST("/:session_id/recapture", sessionHandlers.RecaptureSessionHandler())
			sessionGroup.GET("", sessionHandlers.ListSessionsHandler())
			sessionGroup.GET("/:session_id", sessionHandlers.GetSessionHandler())
			sessionGroup.DELETE("/:session_id", sessionHandlers.DeleteSessionHandler())
		}
	}
}
