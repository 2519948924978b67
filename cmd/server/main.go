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

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/commission"
	"checkout-service/internal/gateway"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/shipping"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	tp, err := util.InitTracer(cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	pricing, err := buildPricing(cfg.Checkout)
	if err != nil {
		logger.Fatal("Invalid checkout rates", zap.Error(err))
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		if err := db.RunMigrations(); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		logger.Info("Migrations applied")
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicCheckout))

	eventPublisher := broker.NewEventPublisher(producer)

	var hub *gateway.Hub
	var gw gateway.Gateway
	switch cfg.Gateway.Mode {
	case "hosted":
		hub = gateway.NewHub()
		gw = gateway.NewHosted(cfg.Gateway.BaseURL, cfg.Gateway.SecretKey, cfg.Gateway.RequestTimeout, hub)
	case "simulated":
		gw = gateway.NewSimulator(cfg.Gateway.SimulatedSuccessRate)
	default:
		logger.Fatal("Unknown gateway mode", zap.String("mode", cfg.Gateway.Mode))
	}
	gw = gateway.NewBreaker(gw, cfg.Gateway.BreakerMaxFailures, cfg.Gateway.BreakerOpenTimeout)
	logger.Info("Payment gateway initialized", zap.String("mode", cfg.Gateway.Mode))

	partitioner := service.NewPartitioner(db, db, pricing)
	orderWriter := service.NewOrderWriter(db, eventPublisher, eventPublisher, cfg.Checkout.NotificationMaxLen)
	orchestrator := service.NewOrchestrator(redisClient, redisClient, gw, orderWriter, redisClient, eventPublisher, service.OrchestratorConfig{
		AdvanceDelay:    cfg.Checkout.AdvanceDelay,
		RunTTL:          cfg.Checkout.RunTTL,
		CompletedRunTTL: cfg.Checkout.CompletedRunTTL,
		LockTTL:         cfg.Checkout.LockTTL,
	})
	checkoutService := service.NewCheckoutService(redisClient, redisClient, redisClient, partitioner, orchestrator,
		cfg.Checkout.Currency, cfg.Checkout.RunTTL)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, db)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(checkoutService, redisClient, db, hub, cfg.Gateway.SecretKey, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Error("Failed to stop notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

func buildPricing(cfg config.CheckoutConfig) (service.Pricing, error) {
	serviceCharge, err := decimal.NewFromString(cfg.ServiceChargeRate)
	if err != nil {
		return service.Pricing{}, fmt.Errorf("service charge rate: %w", err)
	}
	vat, err := decimal.NewFromString(cfg.VATRate)
	if err != nil {
		return service.Pricing{}, fmt.Errorf("vat rate: %w", err)
	}
	surcharge, err := decimal.NewFromString(cfg.SmallOrderSurchargeRate)
	if err != nil {
		return service.Pricing{}, fmt.Errorf("small order surcharge rate: %w", err)
	}

	return service.Pricing{
		Commission: commission.NewCalculator(serviceCharge),
		Shipping:   shipping.NewAggregator(cfg.SmallOrderThreshold, surcharge),
		VATRate:    vat,
	}, nil
}
