package api

import (
	"github.com/gin-gonic/gin"

	"github.com/sandboxgw/sandboxgw/internal/common/logger"
)

// SetupRoutes configures the gateway's HTTP routes for the full
// (non-in-sandbox) surface: sandbox lifecycle, execution, file transfer,
// and session initialization.
func SetupRoutes(router gin.IRouter, p Provisioner, exec Executor, ing Ingestor, driver WorkloadReader, log *logger.Logger) {
	handler := NewHandler(p, exec, ing, driver, log)

	sandboxes := router.Group("/sandboxes")
	{
		sandboxes.POST("", handler.CreateSandbox)
		sandboxes.GET("", handler.ListSandboxes)
		sandboxes.GET("/:id", handler.GetSandbox)
		sandboxes.DELETE("/:id", handler.DeleteSandbox)
		sandboxes.POST("/:id/execute", handler.Execute)
		sandboxes.POST("/:id/upload", handler.UploadFile)
		sandboxes.GET("/:id/files", handler.ListFiles)
	}

	sessions := router.Group("/sessions")
	{
		sessions.POST("/:id/initialize", handler.InitializeSession)
	}
}

// SetupSandboxRoutes configures the minimal surface exposed when this
// process is running inside a workload (IS_SANDBOX set). It registers the
// health endpoint only; the in-sandbox /execute is served by the kernel
// executor, a separate process this binary never implements (§4.5 is an
// interface-only contract).
func SetupSandboxRoutes(router gin.IRouter, handler *Handler) {
	router.GET("/health", handler.HealthCheck)
}
