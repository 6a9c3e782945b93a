package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Bossciano/SIMPLE-ECOMMERCE/cache"
	"github.com/Bossciano/SIMPLE-ECOMMERCE/database"
	"github.com/Bossciano/SIMPLE-ECOMMERCE/handlers"
	"github.com/Bossciano/SIMPLE-ECOMMERCE/kafka"
	"github.com/Bossciano/SIMPLE-ECOMMERCE/middleware"
	"github.com/Bossciano/SIMPLE-ECOMMERCE/payments"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database
	db, err := database.InitDB(logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis
	redisClient, err := cache.InitRedis(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	defer redisClient.Close()

	// Initialize Kafka producer
	producer, err := kafka.InitProducer(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("storefront")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	// Payment processor client
	paymentsClient := payments.NewClient(logger)

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("storefront"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	// Health check endpoint
	router.GET("/health", handlers.HealthCheck)

	// Metrics endpoint
	router.GET("/metrics", middleware.PrometheusHandler())

	// Auth endpoints
	authHandler := handlers.NewAuthHandler(db, logger)
	router.POST("/auth/register", authHandler.Register)
	router.POST("/auth/login", authHandler.Login)

	// Catalog endpoints (public, read-only)
	productHandler := handlers.NewProductHandler(db, redisClient, logger)
	router.GET("/products", productHandler.GetProducts)
	router.GET("/products/:id", productHandler.GetProduct)

	// Cart endpoints (authenticated)
	cartHandler := handlers.NewCartHandler(db, logger)
	authed := router.Group("/", middleware.RequireAuth())
	authed.GET("/cart", cartHandler.GetCart)
	authed.POST("/cart/items", cartHandler.AddItem)
	authed.PUT("/cart/items/:productId", cartHandler.UpdateItem)
	authed.DELETE("/cart/items/:productId", cartHandler.RemoveItem)
	authed.DELETE("/cart", cartHandler.ClearCart)

	// Checkout and order endpoints (authenticated)
	checkoutHandler := handlers.NewCheckoutHandler(db, paymentsClient, producer, logger)
	authed.POST("/checkout", checkoutHandler.Checkout)

	orderHandler := handlers.NewOrderHandler(db, logger)
	authed.GET("/orders", orderHandler.GetOrders)
	authed.GET("/orders/:id", orderHandler.GetOrder)

	// Payment processor webhook (no user session; signature-verified)
	webhookHandler := handlers.NewWebhookHandler(db, paymentsClient, producer, logger)
	router.POST("/webhooks/payments", webhookHandler.HandlePaymentEvent)

	srv := &http.Server{
		Addr:    ":" + getEnv("PORT", "8080"),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Storefront started", zap.String("addr", srv.Addr))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
