// Package proxy implements the Execution Proxy: given a session and code,
// it resolves the session's workload, forwards the request to the
// workload's kernel executor, and streams the NDJSON response back to the
// caller unchanged while bumping the workload's last-activity timestamp
// on every successful chunk.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxgw/sandboxgw/internal/common/config"
	apperrors "github.com/sandboxgw/sandboxgw/internal/common/errors"
	"github.com/sandboxgw/sandboxgw/internal/common/logger"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/k8s"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/registry"
)

// Resolver resolves a session to a ready workload id, provisioning on
// demand (the Sandbox Provisioner).
type Resolver interface {
	EnsureWorkload(ctx context.Context, session string) (string, error)
}

// StatusWaiter is the subset of the Orchestrator Driver the proxy needs to
// read a workload's current address/status and, if necessary, wait for a
// short readiness window before forwarding.
type StatusWaiter interface {
	ReadWorkload(ctx context.Context, name string) (*k8s.Descriptor, error)
	WaitReady(ctx context.Context, name string, deadline time.Time) (string, error)
}

// Proxy streams code-execution requests into a session's workload.
type Proxy struct {
	resolver Resolver
	driver   StatusWaiter
	registry *registry.Registry
	cfg      config.SandboxConfig
	client   *http.Client
	logger   *logger.Logger
}

// executeRequest is the wire body sent to the kernel executor.
type executeRequest struct {
	Code string `json:"code"`
}

// New builds a Proxy.
func New(resolver Resolver, driver StatusWaiter, reg *registry.Registry, cfg config.SandboxConfig, log *logger.Logger) *Proxy {
	// Only the connect is bounded (cfg.ConnectTimeout; zero means no limit).
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   cfg.ConnectTimeoutDuration(),
		KeepAlive: 30 * time.Second,
	}).DialContext

	return &Proxy{
		resolver: resolver,
		driver:   driver,
		registry: reg,
		cfg:      cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   0, // the execute stream is unbounded; cancellation is via context
		},
		logger: log,
	}
}

// Execute resolves session's workload, opens a streaming POST to its
// kernel executor's /execute, and copies the NDJSON response to dst as it
// arrives. It returns once the upstream stream closes or ctx is
// cancelled (a downstream disconnect cancels ctx, which cancels the
// upstream read within one scheduler tick).
func (p *Proxy) Execute(ctx context.Context, session, code string, dst io.Writer) error {
	if code == "" {
		return apperrors.InvalidArgument("missing 'code' field")
	}

	workloadID, err := p.resolver.EnsureWorkload(ctx, session)
	if err != nil {
		return err
	}

	desc, err := p.driver.ReadWorkload(ctx, workloadID)
	if err != nil {
		return err
	}

	if desc.Status != k8s.StatusRunning {
		deadline := time.Now().Add(p.cfg.ExecuteWaitDuration())
		if _, err := p.driver.WaitReady(ctx, workloadID, deadline); err != nil {
			return err
		}
		desc, err = p.driver.ReadWorkload(ctx, workloadID)
		if err != nil {
			return err
		}
	}

	body, err := json.Marshal(executeRequest{Code: code})
	if err != nil {
		return apperrors.Internal("failed to encode execute request", err)
	}

	url := fmt.Sprintf("http://%s:%d/execute", desc.Addr, p.cfg.Port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Internal("failed to build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		classified := classifyConnectError(err)
		p.logger.WithError(err).Warn("upstream connect failed", zap.String("workload_id", workloadID))
		return classified
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.Upstream(resp.StatusCode, fmt.Sprintf("kernel executor returned %s", resp.Status))
	}

	if err := streamCopy(dst, resp.Body, func() { p.registry.Touch(workloadID) }); err != nil {
		return apperrors.UpstreamProtocol("mid-stream disconnect from kernel executor", err)
	}

	return nil
}

// streamCopy passes upstream bytes through unchanged, flushing after every
// chunk so the downstream caller sees them without buffering delay, and
// calling onChunk after each successful forwarded chunk so the workload's
// activity timestamp advances across the whole stream, not just at its end
// (§4.4 step 5; I3).
func streamCopy(dst io.Writer, src io.Reader, onChunk func()) error {
	flusher, canFlush := dst.(http.Flusher)

	buf := make([]byte, 4096)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if canFlush {
				flusher.Flush()
			}
			onChunk()
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

func classifyConnectError(err error) *apperrors.AppError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.DeadlineExceeded("upstream connect timed out")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return apperrors.Unavailable("sandbox not reachable", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return apperrors.Unavailable("sandbox not reachable", err)
	}

	return apperrors.Unavailable("sandbox not reachable", err)
}
