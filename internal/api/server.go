// Package api implements the read-only HTTP status API of the flagrun
// server: lobby and game state, match history and host health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/flagrun/internal/config"
	"github.com/energizer-project/flagrun/internal/db"
	intnet "github.com/energizer-project/flagrun/internal/network"
	"github.com/energizer-project/flagrun/internal/server"
)

// Lobby is the view of the running lobby the API reads.
type Lobby interface {
	Snapshot() *server.LobbySnapshot
}

// History is the match history the API reads. It may be nil when history
// is disabled.
type History interface {
	Recent(limit int) ([]db.Match, error)
	Match(gameID uint32) (db.Match, error)
	Stats() (db.HistoryStats, error)
}

// Server is the REST API server.
type Server struct {
	cfg     *config.Config
	lobby   Lobby
	history History

	// HTTP server
	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, lobby Lobby, history History) *Server {
	// Set Gin mode based on log level
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		lobby:   lobby,
		history: history,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, for serving without a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.GetAPI().Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Create listener with SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}

	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	apiCfg := s.cfg.GetAPI()
	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(apiCfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleGetInfo)
	}

	api := router.Group("/api")
	{
		api.GET("/lobby", s.handleGetLobby)
		api.GET("/games", s.handleGetGames)
		api.GET("/games/:id", s.handleGetGame)

		api.GET("/history", s.handleGetHistory)
		api.GET("/history/stats", s.handleGetHistoryStats)
		api.GET("/history/:id", s.handleGetHistoryMatch)

		api.GET("/system", s.handleGetSystem)
		api.GET("/logs", s.handleGetLogEntries)

		api.GET("/config", s.handleGetConfig)
		api.GET("/config/validate", s.handleValidateConfig)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "flagrun status API, see /api/lobby"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
