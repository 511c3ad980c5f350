// Package main is the entry point for the DjinnBot core. The single binary
// runs the HTTP surface and the long-lived workers (reconciler, pulse
// scheduler, webhook consumer, dashboard hub) on shared infrastructure.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/djinnbot/djinnbot/internal/agent/lifecycle"
	"github.com/djinnbot/djinnbot/internal/agent/registry"
	"github.com/djinnbot/djinnbot/internal/common/config"
	"github.com/djinnbot/djinnbot/internal/common/httpmw"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/db"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
	gatewayws "github.com/djinnbot/djinnbot/internal/gateway/websocket"
	"github.com/djinnbot/djinnbot/internal/inbox"
	"github.com/djinnbot/djinnbot/internal/layout"
	"github.com/djinnbot/djinnbot/internal/pipeline"
	"github.com/djinnbot/djinnbot/internal/project"
	"github.com/djinnbot/djinnbot/internal/resolve"
	"github.com/djinnbot/djinnbot/internal/retrieval"
	"github.com/djinnbot/djinnbot/internal/run"
	"github.com/djinnbot/djinnbot/internal/session"
	"github.com/djinnbot/djinnbot/internal/tracing"
	"github.com/djinnbot/djinnbot/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting DjinnBot core...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: Redis when configured, in-memory for single-process mode.
	var eventBus bus.EventBus
	if cfg.Redis.URL != "" {
		redisBus, err := bus.NewRedisBus(ctx, cfg.Redis.URL, log)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		eventBus = redisBus
		log.Info("Connected to Redis event bus")
	} else {
		eventBus = bus.NewMemoryBus()
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// State store.
	pool, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err))
	}
	defer pool.Close()

	runRepo := run.NewSQLRepository(pool)
	projectRepo := project.NewSQLRepository(pool)
	sessionRepo := session.NewSQLRepository(pool)
	webhookRepo := webhook.NewSQLRepository(pool)
	retrievalRepo := retrieval.NewSQLRepository(pool)

	// Filesystem layout + agent registry.
	paths := layout.New(cfg.Paths)
	if cfg.Paths.MountPrefix != "" {
		paths = paths.WithMountTranslation(cfg.Paths.DataPath, cfg.Paths.MountPrefix)
	}
	agentRegistry := registry.New(paths, cfg.Lifecycle)

	pipelinesDir := cfg.Paths.PipelinesDir
	if pipelinesDir == "" {
		pipelinesDir = cfg.Paths.DataPath + "/pipelines"
	}
	pipelines, err := pipeline.NewRegistry(pipelinesDir)
	if err != nil {
		log.Fatal("Failed to load pipeline definitions", zap.Error(err))
	}
	log.Info("Pipeline registry loaded",
		zap.String("dir", pipelinesDir),
		zap.Int("pipelines", len(pipelines.List())))

	// Services.
	projectSvc := project.NewService(projectRepo, eventBus, log)
	dispatcher := run.NewDispatcher(runRepo, pipelines, eventBus, log)
	reconciler := run.NewReconciler(runRepo, eventBus, projectSvc, log)

	controller := lifecycle.NewController(eventBus, agentRegistry, log)
	pulseScheduler := lifecycle.NewPulseScheduler(controller, agentRegistry, eventBus, log)

	sessionRouter := session.NewRouter(eventBus, log)
	chatSvc := session.NewChatService(sessionRepo, sessionRouter, eventBus, agentRegistry, log)

	// Session events drive the agent state machine. The session row maps the
	// session back to its agent.
	sessionRouter.SetStateObserver(func(ctx context.Context, sessionID, eventType string, payload json.RawMessage) {
		sess, err := sessionRepo.GetSession(ctx, sessionID)
		if err != nil {
			return
		}
		var work *lifecycle.WorkRef
		if len(payload) > 0 {
			var ref lifecycle.WorkRef
			if json.Unmarshal(payload, &ref) == nil && (ref.Step != "" || ref.RunID != "") {
				work = &ref
			}
		}
		if err := controller.ApplySessionEvent(ctx, sess.AgentID, eventType, work); err != nil {
			log.Warn("lifecycle update from session event failed",
				zap.String("agent_id", sess.AgentID), zap.Error(err))
		}
		// A session that ends on its own frees its pulse concurrency slot
		// here; the scheduler's deadline timer is the backstop.
		switch eventType {
		case events.SessionComplete, events.SessionResponseAborted, events.SessionContainerIdle:
			if err := controller.EndPulseSession(ctx, sess.AgentID, sessionID); err != nil {
				log.Warn("failed to free pulse slot",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	})

	limiter := webhook.NewSourceLimiter(cfg.Webhook.RateLimitPerMinute)
	ingress := webhook.NewIngressService(webhookRepo, eventBus, limiter,
		[]byte(cfg.GitHub.WebhookSecret), log)
	consumer := webhook.NewConsumer(webhookRepo, projectSvc, projectRepo,
		controller, eventBus, cfg.Webhook.ReviewAgent, log)

	inboxSvc := inbox.NewService(eventBus, log)
	retrievalSvc := retrieval.NewService(retrievalRepo, log)
	resolveSvc := resolve.NewService(dispatcher, log)

	hub := gatewayws.NewHub(log)

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "djinnbot"))
	router.Use(httpmw.CORS(cfg.CORS))
	router.Use(httpmw.OtelTracing("djinnbot"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "djinnbot"})
	})

	v1 := router.Group("/v1")
	v1.Use(httpmw.Auth(cfg.Auth))

	run.NewHandler(dispatcher).RegisterRoutes(v1)
	session.NewHandler(sessionRouter, chatSvc, eventBus).RegisterRoutes(v1)
	lifecycle.NewHandler(controller).RegisterRoutes(v1)
	inbox.NewHandler(inboxSvc).RegisterRoutes(v1)
	webhook.NewHandler(ingress).RegisterRoutes(v1)
	retrieval.NewHandler(retrievalSvc).RegisterRoutes(v1)
	resolve.NewHandler(resolveSvc).RegisterRoutes(v1)
	gatewayws.NewHandler(hub, log).RegisterRoutes(v1)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// Workers.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return reconciler.Run(groupCtx) })
	group.Go(func() error { return pulseScheduler.Run(groupCtx) })
	group.Go(func() error { return consumer.Run(groupCtx) })
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		hub.Tail(groupCtx, eventBus)
		return nil
	})

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down DjinnBot core...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Error("Worker shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("DjinnBot core stopped")
}
