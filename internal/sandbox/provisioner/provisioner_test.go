package provisioner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sandboxgw/sandboxgw/internal/common/config"
	apperrors "github.com/sandboxgw/sandboxgw/internal/common/errors"
	"github.com/sandboxgw/sandboxgw/internal/common/logger"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/k8s"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/registry"
)

type fakeDriver struct {
	mu          sync.Mutex
	createCalls int
	created     map[string]bool
	createErr   error
	waitErr     error
	deleteCalls []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{created: make(map[string]bool)}
}

func (f *fakeDriver) CreateWorkload(ctx context.Context, name string, env map[string]string) (*k8s.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.created[name] {
		return nil, apperrors.Conflict("workload exists")
	}
	f.created[name] = true
	return &k8s.Descriptor{Name: name}, nil
}

func (f *fakeDriver) WaitReady(ctx context.Context, name string, deadline time.Time) (string, error) {
	if f.waitErr != nil {
		return "", f.waitErr
	}
	return "addr", nil
}

func (f *fakeDriver) DeleteWorkload(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, name)
	return nil
}

func TestEnsureWorkloadReturnsExistingBinding(t *testing.T) {
	reg := registry.New()
	reg.Bind("session-1", "sandbox-existing")
	driver := newFakeDriver()
	p := New(driver, reg, testSandboxConfig(), nil, logger.Default())

	id, err := p.EnsureWorkload(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("EnsureWorkload: %v", err)
	}
	if id != "sandbox-existing" {
		t.Fatalf("expected existing binding, got %q", id)
	}
	if driver.createCalls != 0 {
		t.Fatalf("expected no creation for already-bound session, got %d calls", driver.createCalls)
	}
}

func TestEnsureWorkloadCreatesOnFirstTouch(t *testing.T) {
	reg := registry.New()
	driver := newFakeDriver()
	p := New(driver, reg, testSandboxConfig(), nil, logger.Default())

	id, err := p.EnsureWorkload(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("EnsureWorkload: %v", err)
	}
	if id == "" {
		t.Fatal("expected a workload id")
	}

	bound, ok := reg.Get("session-1")
	if !ok || bound != id {
		t.Fatalf("expected session bound to %q, got %q ok=%v", id, bound, ok)
	}
}

// TestEnsureWorkloadSingleFlight exercises P1 end-to-end through the
// Provisioner: N concurrent calls for the same session produce exactly
// one orchestrator create and N identical workload ids.
func TestEnsureWorkloadSingleFlight(t *testing.T) {
	reg := registry.New()
	driver := newFakeDriver()
	p := New(driver, reg, testSandboxConfig(), nil, logger.Default())

	const n = 16
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = p.EnsureWorkload(context.Background(), "session-concurrent")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d error: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got %q, want %q", i, ids[i], ids[0])
		}
	}

	if driver.createCalls != 1 {
		t.Fatalf("expected exactly 1 orchestrator create, got %d", driver.createCalls)
	}
}

// TestEnsureWorkloadCleansUpOnWaitReadyFailure exercises P2: if readiness
// never arrives, no workload is left registered and the orchestrator sees
// a delete call.
func TestEnsureWorkloadCleansUpOnWaitReadyFailure(t *testing.T) {
	reg := registry.New()
	driver := newFakeDriver()
	driver.waitErr = apperrors.DeadlineExceeded("not ready")
	p := New(driver, reg, testSandboxConfig(), nil, logger.Default())

	_, err := p.EnsureWorkload(context.Background(), "session-1")
	if err == nil {
		t.Fatal("expected error from wait-ready failure")
	}
	if len(driver.deleteCalls) != 1 {
		t.Fatalf("expected 1 cleanup delete, got %d", len(driver.deleteCalls))
	}
	if _, ok := reg.Get("session-1"); ok {
		t.Fatal("expected session to remain unbound after failed provisioning")
	}
}

// TestEnsureWorkloadStatusReportsCreatedOnce exercises scenario 6: the
// first call for a session reports created=true, and a later call that
// reuses the binding reports created=false with the same id.
func TestEnsureWorkloadStatusReportsCreatedOnce(t *testing.T) {
	reg := registry.New()
	driver := newFakeDriver()
	p := New(driver, reg, testSandboxConfig(), nil, logger.Default())

	id, created, err := p.EnsureWorkloadStatus(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("EnsureWorkloadStatus: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first call")
	}

	id2, created2, err := p.EnsureWorkloadStatus(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("EnsureWorkloadStatus: %v", err)
	}
	if created2 {
		t.Fatal("expected created=false on second call")
	}
	if id2 != id {
		t.Fatalf("expected same workload id, got %q want %q", id2, id)
	}
}

func testSandboxConfig() config.SandboxConfig {
	return config.SandboxConfig{
		Image:        "kernel:latest",
		Port:         8000,
		UploadDir:    "/app",
		ReadyTimeout: 5,
		ExecuteWait:  5,
	}
}
