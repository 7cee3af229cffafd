package k8s

import (
	"bytes"
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"go.uber.org/zap"

	"github.com/sandboxgw/sandboxgw/internal/common/config"
	apperrors "github.com/sandboxgw/sandboxgw/internal/common/errors"
	"github.com/sandboxgw/sandboxgw/internal/common/logger"
)

// waitPollInterval is the polling cadence for wait-ready; the same value
// the original service's readiness loop used.
const waitPollInterval = 2 * time.Second

// Driver is the Orchestrator Driver: it exposes workload create, read,
// wait-ready, list, delete, and exec to the Provisioner, Execution Proxy,
// File Ingestor, and Idle Reaper, and treats the Kubernetes API as
// partially available — transient errors are surfaced as Unavailable
// without retry; callers decide whether and how to retry.
type Driver struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	namespace  string
	sandboxCfg config.SandboxConfig
	logger     *logger.Logger
}

// NewDriver builds a Driver from the given Kubernetes and sandbox
// configuration. Kubeconfig empty means in-cluster config.
func NewDriver(cfg config.KubernetesConfig, sandboxCfg config.SandboxConfig, log *logger.Logger) (*Driver, error) {
	restConfig, err := loadRestConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes clientset: %w", err)
	}

	return &Driver{
		clientset:  clientset,
		restConfig: restConfig,
		namespace:  cfg.Namespace,
		sandboxCfg: sandboxCfg,
		logger:     log,
	}, nil
}

func loadRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
}

// CreateWorkload creates the pod for name, then its sibling service. Pod
// first, service second — the service's selector references the pod's
// name label, so creating it first would select nothing yet.
func (d *Driver) CreateWorkload(ctx context.Context, name string, env map[string]string) (*Descriptor, error) {
	pod := buildPod(name, d.namespace, d.sandboxCfg, env)

	_, err := d.clientset.CoreV1().Pods(d.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil, apperrors.Conflict(fmt.Sprintf("workload %q already exists", name))
		}
		if apierrors.IsForbidden(err) {
			return nil, apperrors.Internal(fmt.Sprintf("forbidden creating workload %q", name), err)
		}
		return nil, apperrors.Unavailable("orchestrator API unreachable", err)
	}

	svc := buildService(name, d.namespace, d.sandboxCfg)
	if _, err := d.clientset.CoreV1().Services(d.namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		d.logger.WithError(err).Warn("service creation failed, cleaning up pod", zap.String("workload", name))
		_ = d.DeleteWorkload(context.Background(), name)
		return nil, apperrors.Unavailable("orchestrator API unreachable creating service", err)
	}

	return &Descriptor{
		Name:   name,
		Status: StatusPending,
		Ready:  false,
		Labels: workloadLabels(name),
	}, nil
}

// ReadWorkload returns the current status of a workload.
func (d *Driver) ReadWorkload(ctx context.Context, name string) (*Descriptor, error) {
	pod, err := d.clientset.CoreV1().Pods(d.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, apperrors.NotFound("workload", name)
		}
		return nil, apperrors.Unavailable("orchestrator API unreachable", err)
	}

	return &Descriptor{
		Name:   name,
		Status: podStatus(pod),
		Ready:  isPodReady(pod),
		Addr:   serviceDNS(name, d.namespace),
		Labels: pod.Labels,
	}, nil
}

// WaitReady polls until the workload's phase is Running, all containers
// are ready, and its service address is assigned, or until the deadline
// elapses.
func (d *Driver) WaitReady(ctx context.Context, name string, deadline time.Time) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", apperrors.DeadlineExceeded(fmt.Sprintf("context cancelled waiting for workload %q", name))
		default:
		}

		pod, err := d.clientset.CoreV1().Pods(d.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return "", apperrors.NotFound("workload", name)
			}
			return "", apperrors.Unavailable("orchestrator API unreachable", err)
		}

		if pod.Status.Phase == corev1.PodFailed {
			return "", apperrors.Unavailable(fmt.Sprintf("workload %q failed", name), nil)
		}

		if isPodReady(pod) {
			return serviceDNS(name, d.namespace), nil
		}

		if time.Now().After(deadline) {
			return "", apperrors.DeadlineExceeded(fmt.Sprintf("workload %q not ready before deadline", name))
		}

		select {
		case <-ctx.Done():
			return "", apperrors.DeadlineExceeded(fmt.Sprintf("context cancelled waiting for workload %q", name))
		case <-time.After(waitPollInterval):
		}
	}
}

// ListLabelled returns every workload matching the sandbox label selector,
// the discovery set the Idle Reaper scans each tick.
func (d *Driver) ListLabelled(ctx context.Context, selector string) ([]*Descriptor, error) {
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, apperrors.Unavailable("orchestrator API unreachable", err)
	}

	descriptors := make([]*Descriptor, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		descriptors = append(descriptors, &Descriptor{
			Name:   pod.Name,
			Status: podStatus(pod),
			Ready:  isPodReady(pod),
			Addr:   serviceDNS(pod.Name, d.namespace),
			Labels: pod.Labels,
		})
	}
	return descriptors, nil
}

// DeleteWorkload deletes the service then the pod for name. Idempotent:
// NotFound on either is treated as success.
func (d *Driver) DeleteWorkload(ctx context.Context, name string) error {
	if err := d.clientset.CoreV1().Services(d.namespace).Delete(ctx, serviceName(name), metav1.DeleteOptions{}); err != nil {
		if !apierrors.IsNotFound(err) {
			return apperrors.Unavailable("orchestrator API unreachable deleting service", err)
		}
	}

	if err := d.clientset.CoreV1().Pods(d.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		if !apierrors.IsNotFound(err) {
			return apperrors.Unavailable("orchestrator API unreachable deleting pod", err)
		}
	}

	return nil
}

// Exec runs argv inside the workload's sole container via the Kubernetes
// exec subresource over a SPDY stream, and returns captured stdout/stderr.
func (d *Driver) Exec(ctx context.Context, name string, argv []string) (stdout, stderr string, err error) {
	req := d.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(name).
		Namespace(d.namespace).
		SubResource("exec")

	req.VersionedParams(&corev1.PodExecOptions{
		Container: "kernel",
		Command:   argv,
		Stdout:    true,
		Stderr:    true,
	}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(d.restConfig, "POST", req.URL())
	if err != nil {
		return "", "", apperrors.Unavailable("failed to build exec stream", err)
	}

	var outBuf, errBuf bytes.Buffer
	streamErr := executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &outBuf,
		Stderr: &errBuf,
		Tty:    false,
	})
	if streamErr != nil {
		if apierrors.IsNotFound(streamErr) {
			return "", "", apperrors.NotFound("workload", name)
		}
		return outBuf.String(), errBuf.String(), apperrors.Internal(fmt.Sprintf("exec failed in workload %q", name), streamErr)
	}

	return outBuf.String(), errBuf.String(), nil
}

func podStatus(pod *corev1.Pod) Status {
	switch pod.Status.Phase {
	case corev1.PodPending:
		return StatusPending
	case corev1.PodRunning:
		return StatusRunning
	case corev1.PodFailed:
		return StatusFailed
	default:
		return StatusUnknown
	}
}

func isPodReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func serviceDNS(podName, namespace string) string {
	return fmt.Sprintf("%s.%s.svc.cluster.local", serviceName(podName), namespace)
}
