package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crowdfund-service/config"
	"crowdfund-service/internal/api"
	"crowdfund-service/internal/audit"
	"crowdfund-service/internal/broker"
	"crowdfund-service/internal/campaign"
	"crowdfund-service/internal/gateway"
	"crowdfund-service/internal/ledger"
	"crowdfund-service/internal/redisclient"
	"crowdfund-service/internal/store"
	"crowdfund-service/internal/util"
	"crowdfund-service/internal/webhook"
	"crowdfund-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting crowdfund service")

	tp, err := util.InitTracer("crowdfund-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicSettlement)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	var paymentGateway gateway.PaymentGateway
	if cfg.Gateway.Mock {
		paymentGateway = gateway.NewMockGateway(0.9)
		log.Println("Using mock payment gateway")
	} else {
		paymentGateway = gateway.NewHTTPGateway(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)
	}

	pledgeLedger := ledger.NewLedger(db, paymentGateway, redisClient)
	settler := campaign.NewSettler(db, pledgeLedger, eventPublisher)
	auditor := audit.NewAuditor(db)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweepWorker := worker.NewSweepWorker(settler, auditor, redisClient, cfg.Sweep.Schedule, cfg.Sweep.LeaseTTL)
	go func() {
		if err := sweepWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Sweep worker error: %v", err)
		}
	}()

	notifyConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSettlement, cfg.Kafka.ConsumerGroup)
	notifyWorker := worker.NewNotificationWorker(notifyConsumer)
	go func() {
		if err := notifyWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Notification worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(pledgeLedger, db, settler, redisClient, eventPublisher)
	handler.SetupRoutes(router)

	webhookHandler := webhook.NewHandler(pledgeLedger, db, cfg.Gateway.WebhookSecret)
	webhookHandler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	sweepWorker.Stop()
	notifyWorker.Stop()

	log.Println("Server exited")
}
