package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-sync/internal/config"
	"chat-sync/internal/db"
	"chat-sync/internal/engine"
	"chat-sync/internal/handlers"
	"chat-sync/internal/middleware"
	"chat-sync/internal/observability"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/realtime"
	"chat-sync/internal/redisbus"
	"chat-sync/internal/repositories"
	"chat-sync/internal/storage"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/transport"
	"chat-sync/internal/ws"
)

type closableBroadcaster interface {
	transport.Broadcaster
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.Environment, cfg.Tracing.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("tracer shutdown: %v", err)
		}
	}()

	database, err := db.Connect(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	messageRepo := repositories.NewMessageRepo(database)
	conversationRepo := repositories.NewConversationRepo(database)

	var feed transport.LiveFeed
	switch cfg.Feed.Mode {
	case config.FeedWebsocket:
		feed = realtime.NewWSFeed(cfg.Feed.WSURL, cfg.Session.Token)
	default:
		feed = realtime.NewPGFeed(cfg.Database.DSN)
	}
	log.Printf("live feed mode=%s", cfg.Feed.Mode)

	broadcaster := newBroadcaster(ctx, cfg.Broadcast)
	var audit *telemetry.AuditEmitter
	deps := engine.Deps{
		Snapshots: messageRepo,
		Feed:      feed,
		Writer:    messageRepo,
		Directory: conversationRepo,
	}
	if broadcaster != nil {
		defer broadcaster.Close()
		deps.Broadcaster = broadcaster
		audit = telemetry.NewAuditEmitter(broadcaster, telemetry.AuditRoutingKey, cfg.ServiceName, cfg.Environment, cfg.Session.UserID)
		deps.Audit = audit
	}
	if cfg.Storage.URL != "" {
		deps.Uploader = storage.NewUploader(cfg.Storage.URL, cfg.Storage.Bucket, cfg.Storage.Token)
	} else {
		log.Printf("attachments disabled: STORAGE_URL not set")
	}

	eng := engine.New(engine.Session{UserID: cfg.Session.UserID, Token: cfg.Session.Token}, deps, engine.Options{
		TypingTTL:         cfg.Timing.TypingTTL,
		TypingDebounce:    cfg.Timing.TypingDebounce,
		CorrelationWindow: cfg.Timing.CorrelationWindow,
		ReceiptTimeout:    cfg.Timing.ReceiptTimeout,
	})
	if err := eng.LoadConversations(ctx); err != nil {
		log.Printf("initial conversation load failed: %v", err)
	}

	hub := ws.NewHub(audit)
	go hub.Pump(ctx, eng.Updates())

	syncHandler := handlers.NewSyncHandler(eng, conversationRepo)
	updatesWS := ws.NewUpdatesHandler(hub)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(middleware.RequestID())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "degraded": eng.Degraded()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/", middleware.AuthMiddleware(cfg.Control.Token, cfg.Session.UserID))
	api.GET("/conversations", syncHandler.ListConversations)
	api.POST("/conversations", syncHandler.CreateConversation)
	api.DELETE("/conversations/active", syncHandler.Deactivate)
	api.POST("/conversations/active/refresh", syncHandler.Refresh)
	api.POST("/conversations/:conversation_id/activate", syncHandler.Activate)
	api.GET("/conversations/:conversation_id/messages", syncHandler.GetMessages)
	api.POST("/conversations/:conversation_id/messages", syncHandler.PostMessage)
	api.POST("/conversations/:conversation_id/attachments", syncHandler.PostAttachment)
	api.PATCH("/conversations/:conversation_id/messages/:message_id", syncHandler.EditMessage)
	api.DELETE("/conversations/:conversation_id/messages/:message_id", syncHandler.DeleteMessage)
	api.POST("/conversations/:conversation_id/messages/:message_id/retry", syncHandler.RetryMessage)
	api.DELETE("/conversations/:conversation_id/messages/:message_id/pending", syncHandler.DiscardMessage)
	api.POST("/conversations/:conversation_id/messages/:message_id/read", syncHandler.MarkRead)
	api.POST("/typing", syncHandler.Typing)
	api.GET("/conversations/:conversation_id/typing", syncHandler.TypingUsers)
	api.GET("/ws/updates", updatesWS.Handle)
	handlers.RegisterDebugRoutes(api, eng, audit, !cfg.IsProduction())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("chat-sync listening on :%s user=%s", cfg.Port, cfg.Session.UserID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	eng.Close()
}

// newBroadcaster returns nil when broadcasting is disabled or unavailable;
// typing presence and audit events are then skipped.
func newBroadcaster(ctx context.Context, cfg config.BroadcastConfig) closableBroadcaster {
	switch cfg.Driver {
	case config.BroadcastAMQP:
		broker := rabbitmq.NewBroker(cfg.AMQPURL, cfg.AMQPExchange)
		if rabbitmq.BrokerMode(broker) != "amqp" {
			log.Printf("typing broadcast disabled: %s", rabbitmq.BrokerNoopReason(broker))
			return nil
		}
		return broker
	case config.BroadcastRedis:
		bus, err := redisbus.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Printf("typing broadcast disabled: %v", err)
			return nil
		}
		return bus
	default:
		return nil
	}
}
