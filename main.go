package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"marketplace-chat/internal/auth"
	"marketplace-chat/internal/config"
	"marketplace-chat/internal/db"
	"marketplace-chat/internal/delivery"
	grpcserver "marketplace-chat/internal/grpc"
	"marketplace-chat/internal/handlers"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/rabbitmq"
	"marketplace-chat/internal/repositories"
	"marketplace-chat/internal/telemetry"
	"marketplace-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown failed: %v", err)
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open store driver=%s: %v", cfg.StoreDriver, err)
	}
	defer store.Close()

	eventPublisher := openEventPublisher(cfg)
	if eventPublisher != nil {
		defer eventPublisher.Close()
	}

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer auditPublisher.Close()
	mode, reason := rabbitmq.Describe(auditPublisher)
	log.Printf("audit publisher mode=%s reason=%q", mode, reason)
	audit := telemetry.NewAuditEmitter(auditPublisher, "audit.chat", cfg.ServiceName, cfg.Environment)

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("failed to build token verifier: %v", err)
	}

	policy, err := delivery.ParsePolicy(cfg.DeleteForMePolicy)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	registry := presence.NewRegistry(cfg.TypingTTL)
	coordinator := delivery.NewCoordinator(store, registry, delivery.Config{DeleteForMePolicy: policy})

	chatHandler := handlers.NewChatHandler(coordinator, audit)
	chatWS := ws.NewChatWebSocketHandler(coordinator, verifier, cfg.SendBuffer)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(handlers.RequestIDMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online_users": registry.OnlineCount()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", chatWS.Handle)

	api := router.Group("/", middleware.AuthMiddleware(verifier))
	chatHandler.Register(api)

	handlers.RegisterDebugRoutes(router, audit, registry, cfg.DebugRoutes)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := grpcserver.NewServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("http server listening addr=%s store=%s events=%s", httpServer.Addr, cfg.StoreDriver, cfg.EventsDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		grpcSrv.SetServing(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return err
		}
		return grpcSrv.Serve(gctx, lis)
	})
	g.Go(func() error {
		return coordinator.RunTypingSweeper(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("server error: %v", err)
	}
	log.Printf("shutdown complete")
}

func openStore(cfg *config.Config) (repositories.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreBolt:
		boltDB, err := db.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		store, err := repositories.NewBoltStore(boltDB)
		if err != nil {
			_ = boltDB.Close()
			return nil, err
		}
		return store, nil
	default:
		database, err := db.Connect(cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		return repositories.NewPostgresStore(database), nil
	}
}

// openEventPublisher installs the domain event publisher. Broker failures degrade to no events.
func openEventPublisher(cfg *config.Config) observability.Publisher {
	var (
		publisher observability.Publisher
		err       error
	)
	switch cfg.EventsDriver {
	case config.EventsAMQP:
		publisher, err = observability.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	case config.EventsKafka:
		publisher, err = observability.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	default:
		log.Printf("domain events disabled driver=%s", cfg.EventsDriver)
		return nil
	}
	if err != nil {
		log.Printf("domain events disabled driver=%s err=%v", cfg.EventsDriver, err)
		return nil
	}
	observability.SetPublisher(publisher, cfg.EventsDriver)
	log.Printf("domain events enabled driver=%s", cfg.EventsDriver)
	return publisher
}
