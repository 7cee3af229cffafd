// Package provisioner implements the Sandbox Provisioner: given a session
// id it returns a ready workload id, reusing an existing binding or
// creating a new workload and waiting for it to become ready, serializing
// concurrent first-touches for the same session via the registry's
// single-flight token.
package provisioner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxgw/sandboxgw/internal/common/config"
	apperrors "github.com/sandboxgw/sandboxgw/internal/common/errors"
	"github.com/sandboxgw/sandboxgw/internal/common/logger"
	"github.com/sandboxgw/sandboxgw/internal/events/bus"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/k8s"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/registry"
)

// Driver is the subset of the Orchestrator Driver the Provisioner needs.
type Driver interface {
	CreateWorkload(ctx context.Context, name string, env map[string]string) (*k8s.Descriptor, error)
	WaitReady(ctx context.Context, name string, deadline time.Time) (string, error)
	DeleteWorkload(ctx context.Context, name string) error
}

// Provisioner turns a session id into a ready workload id.
type Provisioner struct {
	driver   Driver
	registry *registry.Registry
	cfg      config.SandboxConfig
	bus      bus.EventBus
	logger   *logger.Logger
}

// New builds a Provisioner.
func New(driver Driver, reg *registry.Registry, cfg config.SandboxConfig, eventBus bus.EventBus, log *logger.Logger) *Provisioner {
	return &Provisioner{
		driver:   driver,
		registry: reg,
		cfg:      cfg,
		bus:      eventBus,
		logger:   log,
	}
}

// EnsureWorkload implements ensure_workload(session_id) -> workload_id
// from §4.3: return the existing binding if present, otherwise serialize
// on the session's creation token, create a pod+service, wait for
// readiness, and bind the result.
func (p *Provisioner) EnsureWorkload(ctx context.Context, session string) (string, error) {
	id, _, err := p.EnsureWorkloadStatus(ctx, session)
	return id, err
}

// EnsureWorkloadStatus is EnsureWorkload plus whether this call was the
// one that provisioned the workload (as opposed to reusing an existing
// binding) — the distinction POST /sessions/{id}/initialize reports back
// to the caller as "created" vs "exists".
func (p *Provisioner) EnsureWorkloadStatus(ctx context.Context, session string) (id string, created bool, err error) {
	if id, ok := p.registry.Get(session); ok {
		return id, false, nil
	}

	creation, started := p.registry.BeginCreation(session)
	if !started {
		id, err := creation.Wait()
		return id, false, err
	}

	workloadID, err := p.create(ctx, session)
	p.registry.Complete(session, creation, workloadID, err)
	return workloadID, err == nil, err
}

// CreateSandbox provisions a new workload independent of any session (the
// direct POST /sandboxes entry point). Unlike ensure_workload, it does not
// wait for readiness: it creates the pod+service and returns the workload
// id immediately with the workload tracked but not yet ready, matching
// original_source's create_sandbox (which responds {"status":"creating"}
// and leaves wait_for_pod_ready to the later, lazy execute_code call).
func (p *Provisioner) CreateSandbox(ctx context.Context) (string, error) {
	name, err := randomWorkloadName()
	if err != nil {
		return "", apperrors.Internal("failed to generate workload name", err)
	}

	desc, err := p.createWithRetry(ctx, name)
	if err != nil {
		return "", err
	}
	name = desc.Name

	p.registry.TrackCreated(name)
	p.registry.Bind(name, name)
	p.publish(ctx, bus.EventSandboxCreated, name)

	return name, nil
}

func (p *Provisioner) create(ctx context.Context, session string) (string, error) {
	// Double-check under the token: another goroutine may have completed
	// a creation for this session between our first Get and winning the
	// token (e.g. the registry was bound by a caller using an out-of-band
	// path); honor any such binding instead of creating a second workload.
	if id, ok := p.registry.Get(session); ok {
		return id, nil
	}

	name, err := randomWorkloadName()
	if err != nil {
		return "", apperrors.Internal("failed to generate workload name", err)
	}

	desc, err := p.createWithRetry(ctx, name)
	if err != nil {
		return "", err
	}
	name = desc.Name
	p.registry.TrackCreated(name)

	deadline := time.Now().Add(p.cfg.ReadyTimeoutDuration())
	if _, err := p.driver.WaitReady(ctx, name, deadline); err != nil {
		p.cleanup(name)
		p.registry.Unbind(name)
		return "", err
	}

	p.registry.Bind(session, name)
	if session != name {
		// The workload's own id resolves to itself too, so callers that
		// address it directly (the /sandboxes/{id} family) and callers
		// that address it by session (the /sessions/{id} family) share
		// one registry entry.
		p.registry.Bind(name, name)
	}

	p.publish(ctx, bus.EventSandboxCreated, name)
	p.publish(ctx, bus.EventSandboxReady, name)

	return name, nil
}

// createWithRetry creates a workload, retrying exactly once with a fresh
// name if the chosen name collides (§4.3, §7: one retry on AlreadyExists).
func (p *Provisioner) createWithRetry(ctx context.Context, name string) (*k8s.Descriptor, error) {
	desc, err := p.driver.CreateWorkload(ctx, name, nil)
	if err == nil {
		return desc, nil
	}

	var appErr *apperrors.AppError
	if !isConflict(err, &appErr) {
		return nil, err
	}

	p.logger.Warn("workload name collision, retrying once", zap.String("name", name))

	retryName, genErr := randomWorkloadName()
	if genErr != nil {
		return nil, apperrors.Internal("failed to generate workload name", genErr)
	}
	return p.driver.CreateWorkload(ctx, retryName, nil)
}

func isConflict(err error, target **apperrors.AppError) bool {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		return false
	}
	*target = appErr
	return appErr.Code == apperrors.ErrCodeConflict
}

// cleanup best-effort deletes a partially-provisioned workload (§4.3
// failure semantics: on any error past creation, leave no partial
// residue).
func (p *Provisioner) cleanup(name string) {
	if err := p.driver.DeleteWorkload(context.Background(), name); err != nil {
		p.logger.WithError(err).Warn("cleanup of partially provisioned workload failed", zap.String("name", name))
	}
}

func (p *Provisioner) publish(ctx context.Context, eventType, workloadID string) {
	if p.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "provisioner", map[string]interface{}{"workload_id": workloadID})
	if err := p.bus.Publish(ctx, eventType, event); err != nil {
		p.logger.WithError(err).Debug("failed to publish lifecycle event", zap.String("event_type", eventType))
	}
}

func randomWorkloadName() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("sandbox-%s", hex.EncodeToString(buf)), nil
}
