// Package ingest implements the File Ingestor: it writes uploaded file
// content into a session's workload by shelling a base64-encoded payload
// through the Orchestrator Driver's exec, and lists the upload directory's
// contents on request.
package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/sandboxgw/sandboxgw/internal/common/config"
	apperrors "github.com/sandboxgw/sandboxgw/internal/common/errors"
	"github.com/sandboxgw/sandboxgw/internal/common/logger"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/k8s"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/registry"
)

// Driver is the subset of the Orchestrator Driver the ingestor needs.
type Driver interface {
	ReadWorkload(ctx context.Context, name string) (*k8s.Descriptor, error)
	Exec(ctx context.Context, name string, argv []string) (stdout, stderr string, err error)
}

// Ingestor writes files into and lists files within a session's workload.
type Ingestor struct {
	driver   Driver
	registry *registry.Registry
	cfg      config.SandboxConfig
	logger   *logger.Logger
}

// UploadResult is the outcome of a successful upload.
type UploadResult struct {
	Filename string
	Size     int
	Path     string
}

// New builds an Ingestor.
func New(driver Driver, reg *registry.Registry, cfg config.SandboxConfig, log *logger.Logger) *Ingestor {
	return &Ingestor{driver: driver, registry: reg, cfg: cfg, logger: log}
}

// Upload implements §4.7: resolve the session's workload, require it to be
// Running, and write content to uploadDir/filename via a base64 pipe
// through exec.
func (i *Ingestor) Upload(ctx context.Context, session, filename string, content []byte) (*UploadResult, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}

	workloadID, ok := i.registry.Get(session)
	if !ok {
		return nil, apperrors.NotFound("session", session)
	}

	desc, err := i.driver.ReadWorkload(ctx, workloadID)
	if err != nil {
		return nil, err
	}
	if desc.Status != k8s.StatusRunning {
		return nil, apperrors.Unavailable("sandbox not ready", nil)
	}

	path := fmt.Sprintf("%s/%s", strings.TrimSuffix(i.cfg.UploadDir, "/"), filename)
	encoded := base64.StdEncoding.EncodeToString(content)
	argv := []string{"sh", "-c", fmt.Sprintf(`echo "%s" | base64 -d > %s`, encoded, path)}

	if _, stderr, err := i.driver.Exec(ctx, workloadID, argv); err != nil {
		return nil, apperrors.Internal(fmt.Sprintf("file upload failed: %s", stderr), err)
	}

	i.registry.Touch(workloadID)

	return &UploadResult{Filename: filename, Size: len(content), Path: path}, nil
}

// ListFiles implements the supplemented GET /sandboxes/{id}/files: an
// `ls -la` of the upload directory inside the session's workload.
func (i *Ingestor) ListFiles(ctx context.Context, session string) (string, error) {
	workloadID, ok := i.registry.Get(session)
	if !ok {
		return "", apperrors.NotFound("session", session)
	}

	desc, err := i.driver.ReadWorkload(ctx, workloadID)
	if err != nil {
		return "", err
	}
	if desc.Status != k8s.StatusRunning {
		return "", apperrors.Unavailable("sandbox not ready", nil)
	}

	stdout, stderr, err := i.driver.Exec(ctx, workloadID, []string{"ls", "-la", i.cfg.UploadDir})
	if err != nil {
		return "", apperrors.Internal(fmt.Sprintf("file listing failed: %s", stderr), err)
	}
	return stdout, nil
}

// validateFilename rejects path traversal and empty names; uploads land
// directly in uploadDir, never in a subdirectory the caller names.
func validateFilename(filename string) error {
	if filename == "" {
		return apperrors.InvalidArgument("filename is required")
	}
	if strings.ContainsAny(filename, "/\\") || filename == "." || filename == ".." {
		return apperrors.InvalidArgument("filename must not contain path separators")
	}
	return nil
}
