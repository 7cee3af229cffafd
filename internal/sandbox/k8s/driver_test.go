package k8s

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/sandboxgw/sandboxgw/internal/common/config"
	"github.com/sandboxgw/sandboxgw/internal/common/logger"
)

func newTestDriver() (*Driver, *fake.Clientset) {
	cs := fake.NewSimpleClientset()
	return &Driver{
		clientset: cs,
		namespace: "app",
		sandboxCfg: config.SandboxConfig{
			Image: "kernel:latest",
			Port:  8000,
		},
		logger: logger.Default(),
	}, cs
}

func TestCreateWorkloadCreatesPodThenService(t *testing.T) {
	d, cs := newTestDriver()

	desc, err := d.CreateWorkload(context.Background(), "sandbox-aaaaaaaa", nil)
	if err != nil {
		t.Fatalf("CreateWorkload: %v", err)
	}
	if desc.Name != "sandbox-aaaaaaaa" {
		t.Fatalf("unexpected name: %s", desc.Name)
	}

	if _, err := cs.CoreV1().Pods("app").Get(context.Background(), "sandbox-aaaaaaaa", metav1.GetOptions{}); err != nil {
		t.Fatalf("expected pod to exist: %v", err)
	}
	if _, err := cs.CoreV1().Services("app").Get(context.Background(), "sandbox-aaaaaaaa-service", metav1.GetOptions{}); err != nil {
		t.Fatalf("expected service to exist: %v", err)
	}
}

func TestCreateWorkloadConflictOnExistingName(t *testing.T) {
	d, _ := newTestDriver()

	if _, err := d.CreateWorkload(context.Background(), "sandbox-bbbbbbbb", nil); err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err := d.CreateWorkload(context.Background(), "sandbox-bbbbbbbb", nil)
	if err == nil {
		t.Fatal("expected conflict error on duplicate name")
	}
}

func TestDeleteWorkloadIdempotent(t *testing.T) {
	d, _ := newTestDriver()

	if err := d.DeleteWorkload(context.Background(), "sandbox-cccccccc"); err != nil {
		t.Fatalf("delete of nonexistent workload should succeed: %v", err)
	}
}

func TestWaitReadySucceedsWhenPodReady(t *testing.T) {
	d, cs := newTestDriver()

	pod := buildPod("sandbox-dddddddd", "app", d.sandboxCfg, nil)
	pod.Status = corev1.PodStatus{
		Phase:      corev1.PodRunning,
		Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
	}
	if _, err := cs.CoreV1().Pods("app").Create(context.Background(), pod, metav1.CreateOptions{}); err != nil {
		t.Fatalf("seed pod: %v", err)
	}

	addr, err := d.WaitReady(context.Background(), "sandbox-dddddddd", time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if addr == "" {
		t.Fatal("expected non-empty address")
	}
}

func TestWaitReadyDeadlineExceeded(t *testing.T) {
	d, cs := newTestDriver()

	pod := buildPod("sandbox-eeeeeeee", "app", d.sandboxCfg, nil)
	pod.Status = corev1.PodStatus{Phase: corev1.PodPending}
	if _, err := cs.CoreV1().Pods("app").Create(context.Background(), pod, metav1.CreateOptions{}); err != nil {
		t.Fatalf("seed pod: %v", err)
	}

	_, err := d.WaitReady(context.Background(), "sandbox-eeeeeeee", time.Now().Add(-1*time.Second))
	if err == nil {
		t.Fatal("expected deadline exceeded error")
	}
}

func TestListLabelled(t *testing.T) {
	d, cs := newTestDriver()

	pod := buildPod("sandbox-ffffffff", "app", d.sandboxCfg, nil)
	if _, err := cs.CoreV1().Pods("app").Create(context.Background(), pod, metav1.CreateOptions{}); err != nil {
		t.Fatalf("seed pod: %v", err)
	}

	descriptors, err := d.ListLabelled(context.Background(), SelectorLabelled)
	if err != nil {
		t.Fatalf("ListLabelled: %v", err)
	}
	if len(descriptors) != 1 {
		t.Fatalf("expected 1 workload, got %d", len(descriptors))
	}
}
