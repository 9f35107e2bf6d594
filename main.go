// Kiro Gateway - Go Implementation
// A proxy gateway for Kiro API (Amazon Q Developer / AWS CodeWhisperer)
// Providing OpenAI and Anthropic compatible interfaces
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kiro-gateway/api"
	"kiro-gateway/config"
	"kiro-gateway/credpool"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func main() {
	// Parse command line arguments
	host := flag.String("host", "", "Server host address")
	port := flag.Int("port", 0, "Server port")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Kiro Gateway v%s\n", config.AppVersion)
		os.Exit(0)
	}

	// Load configuration
	cfg := config.Load()

	// Override with CLI arguments
	if *host != "" {
		cfg.ServerHost = *host
	}
	if *port != 0 {
		cfg.ServerPort = *port
	}

	// Setup logging
	setupLogging(cfg.LogLevel)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Print startup banner
	printBanner(cfg.ServerHost, cfg.ServerPort)

	// Initialize the credential pool from every configured account and start
	// its background token refreshers.
	pool, err := credpool.NewPool(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize credential pool: %v", err)
	}

	startupCtx, cancelStartup := context.WithCancel(context.Background())
	defer cancelStartup()
	pool.StartBackgroundRefreshers(startupCtx)

	// Create API server
	server := api.NewServer(cfg, pool)

	// Load models from the Kiro upstream, falling back to the configured
	// fallback list on failure.
	if err := server.ModelCache.Refresh(context.Background(), server.HttpClient); err != nil {
		log.Warnf("Failed to load models from Kiro API, using fallback list: %v", err)
	}

	// Setup Gin router
	if cfg.LogLevel == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// Setup routes
	server.SetupRoutes(router)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.StreamingReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.StreamingReadTimeout) * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infof("Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server shutdown error: %v", err)
	}

	log.Info("Server stopped")
}

func setupLogging(level string) {
	switch level {
	case "DEBUG":
		log.SetLevel(log.DebugLevel)
	case "WARNING":
		log.SetLevel(log.WarnLevel)
	case "ERROR":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

func printBanner(host string, port int) {
	displayHost := host
	if host == "0.0.0.0" {
		displayHost = "localhost"
	}

	fmt.Println()
	fmt.Printf("  Kiro Gateway v%s\n", config.AppVersion)
	fmt.Println()
	fmt.Println("  Server running at:")
	fmt.Printf("  ->  http://%s:%d\n", displayHost, port)
	fmt.Println()
	fmt.Printf("  Models:        http://%s:%d/v1/models\n", displayHost, port)
	fmt.Printf("  Health Check:  http://%s:%d/health\n", displayHost, port)
	fmt.Println("  ────────────────────────────────────────────────────────")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Requested-With, Accept")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

