package k8s

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/sandboxgw/sandboxgw/internal/common/config"
)

func parseQuantity(s string) (resource.Quantity, error) {
	return resource.ParseQuantity(s)
}

func workloadLabels(name string) map[string]string {
	return map[string]string{
		LabelApp:     LabelValueApp,
		LabelSbx:     LabelValueSbx,
		LabelSbxLang: LabelValueLang,
		LabelPodName: name,
	}
}

// buildPod constructs the pod manifest for a workload: one container
// running the kernel executor image, a readiness probe polled every ~3s
// after a short initial delay, a liveness probe every ~10s after ~15s, and
// RestartPolicy Never (a failed pod is reaped and re-provisioned, not
// restarted in place).
func buildPod(name, namespace string, sandboxCfg config.SandboxConfig, env map[string]string) *corev1.Pod {
	port := int32(sandboxCfg.Port)

	envVars := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	probe := &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: "/health",
				Port: intstr.FromInt(int(port)),
			},
		},
	}
	readiness := *probe
	readiness.InitialDelaySeconds = 2
	readiness.PeriodSeconds = 3

	liveness := *probe
	liveness.InitialDelaySeconds = 15
	liveness.PeriodSeconds = 10

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    workloadLabels(name),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:           "kernel",
					Image:          sandboxCfg.Image,
					Env:            envVars,
					Ports:          []corev1.ContainerPort{{ContainerPort: port}},
					ReadinessProbe: &readiness,
					LivenessProbe:  &liveness,
					Resources: corev1.ResourceRequirements{
						Requests: resourceList(sandboxCfg.CPURequest, sandboxCfg.MemoryRequest),
						Limits:   resourceList(sandboxCfg.CPULimit, sandboxCfg.MemoryLimit),
					},
				},
			},
		},
	}
}

// buildService constructs the sibling service that selects the pod by its
// unique pod-name label and exposes the kernel executor's port. The
// service's DNS name, not the pod IP, is the address the Execution Proxy
// uses, so a pod restart never invalidates routing. (The File Ingestor
// reaches the pod through the exec subresource, not this address.)
func buildService(name, namespace string, sandboxCfg config.SandboxConfig) *corev1.Service {
	port := int32(sandboxCfg.Port)

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      serviceName(name),
			Namespace: namespace,
			Labels:    workloadLabels(name),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{LabelPodName: name},
			Ports: []corev1.ServicePort{
				{
					Name:       "kernel",
					Port:       port,
					TargetPort: intstr.FromInt(int(port)),
					Protocol:   corev1.ProtocolTCP,
				},
			},
			Type: corev1.ServiceTypeClusterIP,
		},
	}
}

func serviceName(podName string) string {
	return podName + "-service"
}

func resourceList(cpu, memory string) corev1.ResourceList {
	list := corev1.ResourceList{}
	if q, err := parseQuantity(cpu); err == nil {
		list[corev1.ResourceCPU] = q
	}
	if q, err := parseQuantity(memory); err == nil {
		list[corev1.ResourceMemory] = q
	}
	return list
}
