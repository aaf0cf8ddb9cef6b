package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/calmframe/meditate-pipeline/internal/apperr"
	"github.com/calmframe/meditate-pipeline/internal/cache"
	"github.com/calmframe/meditate-pipeline/internal/config"
	"github.com/calmframe/meditate-pipeline/internal/database"
	"github.com/calmframe/meditate-pipeline/internal/ledger"
	"github.com/calmframe/meditate-pipeline/internal/logging"
	"github.com/calmframe/meditate-pipeline/internal/middleware"
	"github.com/calmframe/meditate-pipeline/internal/progress"
	"github.com/calmframe/meditate-pipeline/internal/queue"
	"github.com/calmframe/meditate-pipeline/internal/submission"
	"github.com/calmframe/meditate-pipeline/pkg/models"
)

// Submitter is the submission surface the handlers call.
type Submitter interface {
	Submit(ctx context.Context, userID string, in submission.Request) (*models.GenerationRequest, error)
	List(ctx context.Context, userID string, page, limit int) ([]*models.GenerationRequest, error)
}

// ProgressReporter answers owner-scoped progress queries.
type ProgressReporter interface {
	Get(ctx context.Context, userID, requestID string) (*progress.Snapshot, error)
}

// HealthChecker reports one dependency's liveness.
type HealthChecker func(ctx context.Context) error

// API bundles the handlers' collaborators.
type API struct {
	submitter Submitter
	progress  ProgressReporter
	health    map[string]HealthChecker
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := logging.NewDefaultLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	middleware.SetJWTSecret(cfg.Auth.JWTSecret)

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	repo := database.NewRepository(db)

	redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer redisCache.Close()

	q, err := queue.New(cfg.Queue, redisCache, appLogger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to queue")
	}
	defer q.Close()

	creditLedger := ledger.New(db, repo)
	submitService := submission.New(db, creditLedger, repo, q)
	reporter := progress.New(repo, redisCache)

	api := &API{
		submitter: submitService,
		progress:  reporter,
		health: map[string]HealthChecker{
			"database": db.Health,
			"cache":    redisCache.Ping,
			"queue":    func(ctx context.Context) error { return q.Ping() },
		},
	}

	router := setupRouter(api)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setupRouter(api *API) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())

	router.GET("/health", api.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := middleware.NewRateLimiter(10, 20)

	authed := router.Group("/api", middleware.JWTAuth())
	{
		authed.POST("/generations", middleware.RateLimit(limiter), api.submitGeneration)
		authed.GET("/generations", api.listGenerations)
		authed.GET("/generations/:id/progress", api.getProgress)
	}

	return router
}

func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	for name, check := range api.health {
		if err := check(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "unhealthy",
				"component": name,
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (api *API) submitGeneration(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var in submission.Request
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	req, err := api.submitter.Submit(c.Request.Context(), userID, in)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, req)
}

func (api *API) listGenerations(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", 20)

	requests, err := api.submitter.List(c.Request.Context(), userID, page, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if requests == nil {
		requests = []*models.GenerationRequest{}
	}

	c.JSON(http.StatusOK, gin.H{
		"generations": requests,
		"page":        page,
		"limit":       limit,
	})
}

func (api *API) getProgress(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	snap, err := api.progress.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

// writeError maps the error taxonomy to status codes. Internal causes are
// logged but never echoed to the client.
func writeError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("unclassified handler error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	switch appErr.Kind {
	case apperr.KindValidation:
		body := gin.H{"error": appErr.Message}
		if len(appErr.Details) > 0 {
			body["error"] = appErr.Details
		}
		c.JSON(http.StatusBadRequest, body)
	case apperr.KindInsufficientFunds:
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":    appErr.Message,
			"required": appErr.Required,
		})
	case apperr.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": appErr.Message})
	case apperr.KindAuth:
		c.JSON(http.StatusUnauthorized, gin.H{"error": appErr.Message})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
