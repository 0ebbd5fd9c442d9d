package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/geocode"
	"github.com/cityconnect/ecocoins_backend/middlewares"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/cityconnect/ecocoins_backend/rewardsync"
	"github.com/cityconnect/ecocoins_backend/utils"
	"github.com/cityconnect/ecocoins_backend/verifier"
	"github.com/cityconnect/ecocoins_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// application holds the wired workflows the handlers close over.
type application struct {
	db         *gorm.DB
	logger     *logrus.Logger
	settings   config.Settings
	registry   *prometheus.Registry
	evidence   utils.EvidenceStore
	syncClient *rewardsync.Client
	dispatcher *workflow.OutboxDispatcher
	pipeline   *workflow.SubmissionPipeline
	engine     *workflow.RedemptionEngine
	resolution *workflow.ResolutionWorkflow
	now        func() time.Time
}

func newApplication(db *gorm.DB, logger *logrus.Logger, settings config.Settings, evidence utils.EvidenceStore, judge verifier.Verifier) *application {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := workflow.NewMetrics(registry)

	syncClient := rewardsync.NewClient(settings.SyncURL, settings.SyncAPIKey, settings.SyncTimeout)
	dispatcher := workflow.NewOutboxDispatcher(db, logger, workflow.NewDeliverer(syncClient))
	dispatcher.Metrics = metrics

	// A nil *OutboxDispatcher inside the interface would not read as nil.
	var notifier workflow.RewardNotifier
	if config.ImmediateSyncEnabled() {
		notifier = dispatcher
	}

	// Set ECO_GEOCODER_URL to an empty value to store issues without a looked-up place name.
	var geocoder geocode.Geocoder
	if strings.TrimSpace(settings.GeocoderURL) != "" {
		geocoder = geocode.NewNominatimClient(settings.GeocoderURL, settings.GeocoderUserAgent, settings.GeocoderTimeout)
	}

	now := func() time.Time { return time.Now().UTC() }
	return &application{
		db:         db,
		logger:     logger,
		settings:   settings,
		registry:   registry,
		evidence:   evidence,
		syncClient: syncClient,
		dispatcher: dispatcher,
		pipeline: &workflow.SubmissionPipeline{
			DB:              db,
			Verifier:        judge,
			Geocoder:        geocoder,
			Evidence:        evidence,
			Sync:            notifier,
			Logger:          logger,
			Metrics:         metrics,
			Now:             now,
			LeaderboardSize: settings.LeaderboardSize,
		},
		engine: &workflow.RedemptionEngine{
			DB:                 db,
			Locker:             config.GetRedisLock(),
			Logger:             logger,
			Metrics:            metrics,
			Now:                now,
			MaxVoucherAttempts: settings.MaxVoucherAttempts,
			LeaderboardSize:    settings.LeaderboardSize,
		},
		resolution: &workflow.ResolutionWorkflow{
			DB:              db,
			Sync:            notifier,
			Logger:          logger,
			Metrics:         metrics,
			Now:             now,
			ResolutionBonus: settings.ResolutionBonus,
			LeaderboardSize: settings.LeaderboardSize,
		},
		now: now,
	}
}

// routes registers the API. Session resolution is installed by the caller.
func (app *application) routes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{})))
	r.POST("/pubsub/reward-sync", rewardsync.PubSubPushHandler(workflow.ProcessPushedRewardSync(app.db, app.syncClient, app.logger)))

	api := r.Group("/api", middlewares.RequireUser())
	api.POST("/issues", createIssueHandler(app.pipeline))
	api.POST("/tasks", createTaskHandler(app.pipeline))
	api.GET("/submissions", listSubmissionsHandler())
	api.GET("/evidence", evidenceObjectHandler(app.evidence))
	api.GET("/offers", listOffersHandler(app.now))
	api.GET("/offers/:id", offerDetailHandler(app.now))
	api.POST("/offers/:id/redeem", redeemHandler(app.engine))
	api.GET("/redemptions", redemptionHistoryHandler())
	api.GET("/redemptions/export", redemptionExportHandler())
	api.GET("/vouchers/:code", voucherHandler())
	api.GET("/me", profileHandler())
	api.GET("/me/balance", balanceHandler())
	api.GET("/leaderboard", leaderboardHandler(app.settings.LeaderboardSize, app.settings.LeaderboardTTL))

	admin := api.Group("/admin", middlewares.RequireAdmin())
	admin.GET("/issues", departmentIssuesHandler())
	admin.POST("/issues/:id/status", resolveIssueHandler(app.resolution))
	admin.POST("/offers", createOfferHandler())
	admin.PUT("/offers/:id/stock", restockOfferHandler())
	admin.PUT("/offers/:id/active", setOfferActiveHandler())
	admin.POST("/redemptions/:id/status", redemptionStatusHandler())
	admin.POST("/reconcile", reconcileHandler(app.db, app.logger, app.settings.LeaderboardSize))
	admin.POST("/outbox/replay", outboxReplayHandler(app.db))
	admin.GET("/outbox/status", outboxStatusHandler(app.db))

	r.NoRoute(customNotFoundHandler)
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
}

func corsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Deny all if not configured in production.
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", idempotencyKeyHeader, middlewares.CorrelationIdHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.CorrelationIdHeader)
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	return corsConfig
}

func newRouter(app *application, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(cors.New(corsConfig()))

	// Optional rate limiting.
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(config.GetRedisDB(), limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.LoaderMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	app.routes(r)
	return r
}

// startingHandler answers while dependencies connect: probes pass, everything else is 503.
func startingHandler(ready *atomic.Pointer[http.Handler]) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if h := ready.Load(); h != nil {
			(*h).ServeHTTP(w, req)
			return
		}
		if req.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings, err := config.LoadSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err.Error())
	}

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start listening immediately; until DB/Redis are ready app endpoints return 503.
	var ready atomic.Pointer[http.Handler]
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: startingHandler(&ready),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables; run it as a separate job (ecoctl migrate) when SKIP_MIGRATIONS=true.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	if config.DatabaseDriver() == config.DriverMySQL {
		setReadCommitted(db, logger)
	}

	evidence, err := utils.NewEvidenceStore(settings.EvidenceBackend, settings.EvidenceDir)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "evidence"}).Fatal(err.Error())
	}
	judge := verifier.New(verifier.Config{
		GeminiAPIKey:  settings.GeminiAPIKey,
		GeminiModel:   settings.GeminiModel,
		GeminiBaseURL: settings.GeminiBaseURL,
		HFAPIToken:    settings.HFAPIToken,
		HFModelURL:    settings.HFModelURL,
		Timeout:       settings.VerifierTimeout,
	})
	if judge.Method() == "none" {
		logger.WithFields(logrus.Fields{"field": "verifier"}).Warn("no verifier configured; submissions will stay pending")
	}

	app := newApplication(db, logger, settings, evidence, judge)
	var handler http.Handler = newRouter(app, logger)
	ready.Store(&handler)

	// Outbox dispatcher publishes AFTER commit.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if config.OutboxDispatcherEnabled() {
		go app.dispatcher.Run(dispatcherCtx)
	}

	logger.WithFields(logrus.Fields{
		"info":     "Connection Established",
		"verifier": judge.Method(),
		"sync":     app.dispatcher.Deliverer.Name(),
	}).Info("listening on :", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// setReadCommitted retries until the session isolation level is applied.
func setReadCommitted(db *gorm.DB, logger *logrus.Logger) {
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			return
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"path":           c.FullPath(),
				"status":         c.Writer.Status(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware counts requests per client IP in a fixed window.
// Without Redis every request passes.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	if rl.client == nil {
		c.Next()
		return
	}
	key := "ratelimit:" + c.ClientIP()
	ctx := c.Request.Context()

	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if count == 1 {
		if err := rl.client.Expire(ctx, key, rl.window).Err(); err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
