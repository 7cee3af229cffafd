// Package reaper implements the Idle Reaper: a periodic background loop
// that destroys workloads the Session Registry has not seen activity for
// within the configured idle timeout, plus any labelled workload the
// registry has no record of at all (a stray left behind by a crash or a
// restart).
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxgw/sandboxgw/internal/common/config"
	"github.com/sandboxgw/sandboxgw/internal/common/logger"
	"github.com/sandboxgw/sandboxgw/internal/events/bus"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/k8s"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/registry"
)

// Driver is the subset of the Orchestrator Driver the reaper needs.
type Driver interface {
	ListLabelled(ctx context.Context, selector string) ([]*k8s.Descriptor, error)
	DeleteWorkload(ctx context.Context, name string) error
}

// Reaper periodically destroys idle or orphaned workloads.
type Reaper struct {
	driver   Driver
	registry *registry.Registry
	cfg      config.ReaperConfig
	bus      bus.EventBus
	logger   *logger.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds a Reaper.
func New(driver Driver, reg *registry.Registry, cfg config.ReaperConfig, eventBus bus.EventBus, log *logger.Logger) *Reaper {
	return &Reaper{
		driver:   driver,
		registry: reg,
		cfg:      cfg,
		bus:      eventBus,
		logger:   log,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the reap loop in a background goroutine. Stop blocks
// until the loop has exited.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop signals the reap loop to exit and waits for it to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CheckIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper loop stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("reaper loop stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep implements §4.6: list every labelled workload, destroy strays (no
// activity entry) and idle ones (last activity older than the configured
// timeout). Each destroy is best-effort and idempotent (P7); one
// workload's failure never stops the sweep.
func (r *Reaper) sweep(ctx context.Context) {
	workloads, err := r.driver.ListLabelled(ctx, k8s.SelectorLabelled)
	if err != nil {
		r.logger.WithError(err).Warn("reaper failed to list workloads")
		return
	}

	now := time.Now()
	threshold := r.cfg.IdleTimeoutDuration()

	for _, w := range workloads {
		if !r.registry.HasActivity(w.Name) {
			r.reap(ctx, w.Name, "stray")
			continue
		}
	}

	for _, name := range r.registry.SnapshotExpired(now, threshold) {
		r.reap(ctx, name, "idle")
	}
}

func (r *Reaper) reap(ctx context.Context, name, reason string) {
	if err := r.driver.DeleteWorkload(ctx, name); err != nil {
		r.logger.WithError(err).Warn("reaper failed to delete workload",
			zap.String("workload_id", name), zap.String("reason", reason))
		return
	}

	r.registry.Unbind(name)
	r.logger.Info("reaped workload", zap.String("workload_id", name), zap.String("reason", reason))
	r.publish(ctx, name)
}

func (r *Reaper) publish(ctx context.Context, workloadID string) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(bus.EventSandboxReaped, "reaper", map[string]interface{}{"workload_id": workloadID})
	if err := r.bus.Publish(ctx, bus.EventSandboxReaped, event); err != nil {
		r.logger.WithError(err).Debug("failed to publish lifecycle event", zap.String("event_type", bus.EventSandboxReaped))
	}
}
