package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandboxgw/sandboxgw/internal/common/config"
	"github.com/sandboxgw/sandboxgw/internal/common/logger"
	"github.com/sandboxgw/sandboxgw/internal/events/bus"
	"github.com/sandboxgw/sandboxgw/internal/gateway/api"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/ingest"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/k8s"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/proxy"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/provisioner"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/reaper"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/registry"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
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

	log.Info("Starting sandbox gateway...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	if cfg.Server.IsSandbox {
		runSandboxMode(ctx, cfg, log, router)
		return
	}
	runGatewayMode(ctx, cancel, cfg, log, router)
}

// runSandboxMode wires only the health endpoint: a process running
// IS_SANDBOX is a workload, and the kernel executor that answers
// /execute in that role is a separate program (§4.5 is interface-only).
func runSandboxMode(ctx context.Context, cfg *config.Config, log *logger.Logger, router *gin.Engine) {
	handler := api.NewHandler(nil, nil, nil, nil, log)
	api.SetupSandboxRoutes(router, handler)
	serve(ctx, cfg, log, router)
}

func runGatewayMode(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, log *logger.Logger, router *gin.Engine) {
	// 4. Connect to the lifecycle event bus (NATS if configured, in-memory otherwise)
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()
	log.Info("Event bus ready")

	// 5. Initialize the Orchestrator Driver
	driver, err := k8s.NewDriver(cfg.Kubernetes, cfg.Sandbox, log)
	if err != nil {
		log.Fatal("Failed to initialize Kubernetes driver", zap.Error(err))
	}
	log.Info("Connected to Kubernetes API", zap.String("namespace", cfg.Kubernetes.Namespace))

	// 6. Initialize the Session Registry
	reg := registry.New()

	// 7. Initialize the Sandbox Provisioner
	provisionerSvc := provisioner.New(driver, reg, cfg.Sandbox, eventBus, log)

	// 8. Initialize the Execution Proxy
	proxySvc := proxy.New(provisionerSvc, driver, reg, cfg.Sandbox, log)

	// 9. Initialize the File Ingestor
	ingestSvc := ingest.New(driver, reg, cfg.Sandbox, log)

	// 10. Initialize and start the Idle Reaper
	reaperSvc := reaper.New(driver, reg, cfg.Reaper, eventBus, log)
	reaperSvc.Start(ctx)

	// 11. Register API routes. spec.md §6 lists every path bare
	// (/sandboxes, /sessions/{id}/initialize, ...); mount directly on the
	// engine rather than behind a versioned subgroup.
	api.SetupRoutes(router, provisionerSvc, proxySvc, ingestSvc, driver, log)

	handler := api.NewHandler(provisionerSvc, proxySvc, ingestSvc, driver, log)
	router.GET("/health", handler.HealthCheck)

	// 12. Create HTTP server
	port := cfg.Server.Port
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down sandbox gateway...")

	// 15. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	reaperSvc.Stop()

	log.Info("Sandbox gateway stopped")
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger, router *gin.Engine) {
	port := cfg.Server.Port
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening (sandbox mode)", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down sandbox workload process...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
}
