package api

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/sandboxgw/sandboxgw/internal/common/errors"
	"github.com/sandboxgw/sandboxgw/internal/common/logger"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/ingest"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/k8s"
)

// Provisioner creates workloads, either directly (no session) or lazily
// bound to a session id.
type Provisioner interface {
	CreateSandbox(ctx context.Context) (string, error)
	EnsureWorkload(ctx context.Context, session string) (string, error)
	EnsureWorkloadStatus(ctx context.Context, session string) (id string, created bool, err error)
}

// Executor streams a code-execution request into a workload.
type Executor interface {
	Execute(ctx context.Context, id, code string, dst io.Writer) error
}

// Ingestor writes and lists files inside a workload.
type Ingestor interface {
	Upload(ctx context.Context, id, filename string, content []byte) (*ingest.UploadResult, error)
	ListFiles(ctx context.Context, id string) (string, error)
}

// WorkloadReader is the subset of the Orchestrator Driver the gateway
// needs for direct sandbox lookups, listing, and deletion.
type WorkloadReader interface {
	ReadWorkload(ctx context.Context, name string) (*k8s.Descriptor, error)
	ListLabelled(ctx context.Context, selector string) ([]*k8s.Descriptor, error)
	DeleteWorkload(ctx context.Context, name string) error
}

// Handler contains the gateway's HTTP handlers.
type Handler struct {
	provisioner Provisioner
	executor    Executor
	ingestor    Ingestor
	driver      WorkloadReader
	logger      *logger.Logger
}

// NewHandler builds a Handler.
func NewHandler(p Provisioner, exec Executor, ing Ingestor, driver WorkloadReader, log *logger.Logger) *Handler {
	return &Handler{
		provisioner: p,
		executor:    exec,
		ingestor:    ing,
		driver:      driver,
		logger:      log.WithComponent("gateway-api"),
	}
}

func writeAppError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// CreateSandbox provisions a new workload independent of any session.
// POST /sandboxes
func (h *Handler) CreateSandbox(c *gin.Context) {
	var req CreateSandboxRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	if req.Lang != "" && req.Lang != "python" {
		writeAppError(c, apperrors.InvalidArgument("unsupported lang: "+req.Lang))
		return
	}

	id, err := h.provisioner.CreateSandbox(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to create sandbox", zap.Error(err))
		writeAppError(c, err)
		return
	}

	// CreateSandbox returns as soon as the pod+service exist, before
	// readiness is known; readiness is awaited lazily on first execute
	// (§4.4 step 3), so the only honest status here is "creating".
	c.JSON(http.StatusCreated, SandboxResponse{ID: id, Name: id, Status: "creating", Ready: false})
}

// ListSandboxes lists every workload this process manages.
// GET /sandboxes
func (h *Handler) ListSandboxes(c *gin.Context) {
	workloads, err := h.driver.ListLabelled(c.Request.Context(), k8s.SelectorLabelled)
	if err != nil {
		h.logger.Error("failed to list sandboxes", zap.Error(err))
		writeAppError(c, err)
		return
	}

	resp := make([]SandboxResponse, 0, len(workloads))
	for _, w := range workloads {
		resp = append(resp, SandboxResponse{ID: w.Name, Name: w.Name, Status: string(w.Status), Ready: w.Ready})
	}
	c.JSON(http.StatusOK, gin.H{"sandboxes": resp})
}

// GetSandbox returns a single workload's status.
// GET /sandboxes/:id
func (h *Handler) GetSandbox(c *gin.Context) {
	id := c.Param("id")

	desc, err := h.driver.ReadWorkload(c.Request.Context(), id)
	if err != nil {
		writeAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     desc.Name,
		"name":   desc.Name,
		"status": string(desc.Status),
		"ip":     desc.Addr,
		"ready":  desc.Ready,
	})
}

// DeleteSandbox destroys a workload. Idempotent: deleting an
// already-gone workload still reports success (P7).
// DELETE /sandboxes/:id
func (h *Handler) DeleteSandbox(c *gin.Context) {
	id := c.Param("id")

	if err := h.driver.DeleteWorkload(c.Request.Context(), id); err != nil {
		writeAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "sandbox deleted"})
}

// Execute streams a code-execution request into the sandbox's kernel
// executor and relays the NDJSON response chunk by chunk.
// POST /sandboxes/:id/execute
func (h *Handler) Execute(c *gin.Context) {
	id := c.Param("id")

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.InvalidArgument("invalid request body: " + err.Error())
		writeAppError(c, appErr)
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	if err := h.executor.Execute(c.Request.Context(), id, req.Code, c.Writer); err != nil {
		h.logger.Error("execute failed", zap.String("sandbox_id", id), zap.Error(err))
		// The response may already be partially written; a streaming
		// caller is expected to treat a short read as a failure rather
		// than rely on a trailing status code here.
		return
	}
}

// UploadFile writes an uploaded file into the sandbox's upload directory.
// POST /sandboxes/:id/upload
func (h *Handler) UploadFile(c *gin.Context) {
	id := c.Param("id")

	fileHeader, err := c.FormFile("file")
	if err != nil {
		writeAppError(c, apperrors.InvalidArgument("file is required"))
		return
	}

	content, err := readMultipartFile(fileHeader)
	if err != nil {
		writeAppError(c, apperrors.Internal("failed to read uploaded file", err))
		return
	}

	result, err := h.ingestor.Upload(c.Request.Context(), id, fileHeader.Filename, content)
	if err != nil {
		h.logger.Error("upload failed", zap.String("sandbox_id", id), zap.Error(err))
		writeAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, UploadResponse{
		Message:  "file '" + result.Filename + "' uploaded to sandbox",
		Filename: result.Filename,
		Size:     result.Size,
		Path:     result.Path,
	})
}

// ListFiles lists the contents of the sandbox's upload directory.
// GET /sandboxes/:id/files
func (h *Handler) ListFiles(c *gin.Context) {
	id := c.Param("id")

	out, err := h.ingestor.ListFiles(c.Request.Context(), id)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": out})
}

// InitializeSession lazily provisions (or reuses) the workload bound to a
// session id.
// POST /sessions/:id/initialize
func (h *Handler) InitializeSession(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		writeAppError(c, apperrors.InvalidArgument("session id is required"))
		return
	}

	sandboxID, created, err := h.provisioner.EnsureWorkloadStatus(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("session initialize failed", zap.String("session_id", sessionID), zap.Error(err))
		writeAppError(c, err)
		return
	}

	status := "exists"
	if created {
		status = "created"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"session_id": sessionID,
		"sandbox_id": sandboxID,
	})
}

// HealthCheck returns health status.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
