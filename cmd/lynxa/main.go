package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lynxa/internal/admin"
	"lynxa/internal/auth"
	"lynxa/internal/billing"
	"lynxa/internal/chat"
	"lynxa/internal/config"
	"lynxa/internal/db"
	"lynxa/internal/keycodec"
	"lynxa/internal/keys"
	"lynxa/internal/logger"
	"lynxa/internal/metrics"
	"lynxa/internal/ratelimit"
	"lynxa/internal/scheduler"
	"lynxa/internal/upstream"
	"lynxa/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, warnings, err := config.LoadConfig("config.yaml")
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Debug)
	slog.SetDefault(log)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	dbService, err := db.NewService(cfg.Database)
	if err != nil {
		log.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	pool, err := upstream.NewPool(dbService, cfg, log, m)
	if err != nil {
		log.Error("Failed to initialize provider key pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	proxy, err := chat.NewProxy(pool, cfg, log)
	if err != nil {
		log.Error("Failed to initialize chat proxy", "error", err)
		os.Exit(1)
	}

	codec, err := keycodec.New(cfg.Auth)
	if err != nil {
		log.Error("Failed to initialize key codec", "error", err)
		os.Exit(1)
	}

	pricing, err := billing.NewPricing(cfg.Billing)
	if err != nil {
		log.Error("Failed to initialize pricing", "error", err)
		os.Exit(1)
	}

	recorder := usage.NewRecorder(dbService, log, m)
	defer recorder.Close()

	sched, err := scheduler.New(dbService, pool, cfg.Scheduler, log)
	if err != nil {
		log.Error("Failed to initialize scheduler", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	router := setupRouter(cfg, log, dbService, m, registry, pool, proxy, codec, pricing, recorder)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		log.Info("Starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Forced shutdown", "error", err)
	}
	log.Info("Server exited")
}

// setupRouter wires every route group. Split out of main so handler tests
// can spin up the full routing table against an in-memory database.
func setupRouter(
	cfg *config.Config,
	log *slog.Logger,
	dbService db.Service,
	m *metrics.Metrics,
	registry *prometheus.Registry,
	pool upstream.Manager,
	proxy *chat.Proxy,
	codec keycodec.Codec,
	pricing billing.Pricing,
	recorder *usage.Recorder,
) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(customRecovery(log))
	router.Use(m.GinMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	validator := auth.NewValidator(codec, dbService)
	accountant := ratelimit.NewAccountant(dbService, cfg.RateLimit.WindowSeconds, log)
	authenticated := []gin.HandlerFunc{
		auth.Middleware(validator),
		ratelimit.Middleware(accountant, m),
	}

	keysHandler := keys.NewHandler(codec, dbService, cfg, log)
	keys.RegisterRoutes(router, keysHandler, auth.AdminMiddleware(cfg.Admin.Password))

	chatGroup := router.Group("/v1/chat", authenticated...)
	chatGroup.POST("/completions", proxy.CompletionHandler(recorder))

	usageHandler := usage.NewHandler(dbService, pricing)
	usageGroup := router.Group("/v1/usage", authenticated...)
	usageGroup.GET("", usageHandler.Summary)
	usageGroup.GET("/daily", usageHandler.Daily)

	webhookHandler := billing.NewWebhookHandler(dbService, cfg.Billing.StripeWebhookSecret, log)
	router.POST("/v1/billing/webhook", webhookHandler.Handle)

	admin.SetupRoutes(router, dbService, pool, cfg)

	return router
}

// customRecovery logs panics through slog instead of gin's default writer.
func customRecovery(log *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("Panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal", "message": "internal server error"},
		})
	})
}
