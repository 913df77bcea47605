// Package kubernetes runs lithops runtimes on a Kubernetes cluster as a
// Deployment, a Service and a HorizontalPodAutoscaler per runtime.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"github.com/tomwhite/lithops/internal/platform"
	"github.com/tomwhite/lithops/internal/protocol"
)

const (
	serviceLabel          = "lithops.dev/service"
	maxInstancesAnnot     = "lithops.dev/max-instances"
	requestTimeoutAnnot   = "lithops.dev/request-timeout"
	containerName         = "lithops"
	containerPort         = 8080
	defaultCPURequest     = "250m"
	targetCPUUtilization  = 80
	defaultPollInterval   = 2 * time.Second
	defaultReadinessLimit = 2 * time.Minute
)

// Manager provisions runtime services inside Kubernetes.
type Manager struct {
	client           kubernetes.Interface
	namespace        string
	serviceDomain    string
	servicePort      int
	logger           *slog.Logger
	readinessTimeout time.Duration
	pollInterval     time.Duration
}

// New creates a Kubernetes-backed platform. It prefers in-cluster configuration
// and falls back to KUBECONFIG when running locally.
func New(namespace, serviceDomain string, servicePort int, readinessTimeout time.Duration, log *slog.Logger) (*Manager, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewForClient(clientset, namespace, serviceDomain, servicePort, readinessTimeout, log), nil
}

// NewForClient builds a Manager around an existing clientset.
func NewForClient(client kubernetes.Interface, namespace, serviceDomain string, servicePort int, readinessTimeout time.Duration, log *slog.Logger) *Manager {
	if readinessTimeout <= 0 {
		readinessTimeout = defaultReadinessLimit
	}
	if servicePort <= 0 {
		servicePort = containerPort
	}
	if namespace == "" {
		namespace = "default"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		client:           client,
		namespace:        namespace,
		serviceDomain:    strings.TrimSuffix(serviceDomain, "."),
		servicePort:      servicePort,
		logger:           log,
		readinessTimeout: readinessTimeout,
		pollInterval:     defaultPollInterval,
	}
}

// Deploy applies the Deployment, Service and autoscaler for the runtime and
// returns once a pod is ready.
func (m *Manager) Deploy(ctx context.Context, req platform.DeployRequest) (platform.Service, error) {
	if req.Name == "" {
		return platform.Service{}, fmt.Errorf("service name required")
	}
	if req.Image == "" {
		return platform.Service{}, fmt.Errorf("image required")
	}

	labels := map[string]string{
		serviceLabel:                req.Name,
		platform.ManagedByLabel:     platform.ManagedByValue,
		"app.kubernetes.io/name":    "lithops-runtime",
		"app.kubernetes.io/version": imageTag(req.Image),
	}
	annotations := map[string]string{
		maxInstancesAnnot:   strconv.Itoa(req.MaxInstances),
		requestTimeoutAnnot: req.Timeout.String(),
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        req.Name,
			Namespace:   m.namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas:             ptr.To[int32](1),
			RevisionHistoryLimit: ptr.To[int32](1),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{serviceLabel: req.Name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers:                    []corev1.Container{buildRuntimeContainer(req)},
					TerminationGracePeriodSeconds: ptr.To(int64(req.Timeout / time.Second)),
				},
			},
		},
	}
	if err := m.applyDeployment(ctx, deployment); err != nil {
		return platform.Service{}, err
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:        req.Name,
			Namespace:   m.namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{serviceLabel: req.Name},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       int32(m.servicePort),
				TargetPort: intstr.FromInt32(containerPort),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
	if err := m.applyService(ctx, svc); err != nil {
		return platform.Service{}, err
	}

	if err := m.applyAutoscaler(ctx, buildAutoscaler(m.namespace, req, labels)); err != nil {
		return platform.Service{}, err
	}

	if _, err := m.waitForReadyPod(ctx, req.Name); err != nil {
		return platform.Service{}, err
	}
	m.logger.Debug("runtime service ready", "service_name", req.Name, "namespace", m.namespace)
	return platform.Service{Name: req.Name, URL: m.serviceURL(req.Name), State: platform.StateReady}, nil
}

// Describe reports the service and whether any of its pods is ready.
func (m *Manager) Describe(ctx context.Context, name string) (platform.Service, error) {
	svc, err := m.client.CoreV1().Services(m.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return platform.Service{}, fmt.Errorf("%w: %s", platform.ErrServiceNotFound, name)
		}
		return platform.Service{}, fmt.Errorf("get service: %w", err)
	}
	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector(name)})
	if err != nil {
		return platform.Service{}, fmt.Errorf("list runtime pods: %w", err)
	}
	ready := false
	for i := range pods.Items {
		if isPodReady(&pods.Items[i]) {
			ready = true
			break
		}
	}
	return platform.Service{Name: name, URL: m.serviceURL(name), State: serviceState(svc, ready)}, nil
}

// List returns every service managed by lithops in the namespace.
func (m *Manager) List(ctx context.Context) ([]platform.Service, error) {
	selector := fmt.Sprintf("%s=%s", platform.ManagedByLabel, platform.ManagedByValue)
	services, err := m.client.CoreV1().Services(m.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list runtime pods: %w", err)
	}
	ready := make(map[string]bool)
	for i := range pods.Items {
		if isPodReady(&pods.Items[i]) {
			ready[pods.Items[i].Labels[serviceLabel]] = true
		}
	}
	out := make([]platform.Service, 0, len(services.Items))
	for i := range services.Items {
		svc := &services.Items[i]
		out = append(out, platform.Service{
			Name:  svc.Name,
			URL:   m.serviceURL(svc.Name),
			State: serviceState(svc, ready[svc.Name]),
		})
	}
	return out, nil
}

// Delete removes the runtime's Service, Deployment and autoscaler. A missing
// Service is reported as ErrServiceNotFound.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("service name required")
	}
	err := m.client.CoreV1().Services(m.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	notFound := errors.IsNotFound(err)
	if err != nil && !notFound {
		return fmt.Errorf("delete service: %w", err)
	}
	if err := m.client.AutoscalingV2().HorizontalPodAutoscalers(m.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete autoscaler: %w", err)
	}
	if err := m.client.AppsV1().Deployments(m.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if notFound {
		return fmt.Errorf("%w: %s", platform.ErrServiceNotFound, name)
	}
	return nil
}

func (m *Manager) applyDeployment(ctx context.Context, desired *appsv1.Deployment) error {
	deployments := m.client.AppsV1().Deployments(m.namespace)
	_, err := deployments.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create deployment: %w", err)
	}
	existing, getErr := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get deployment: %w", getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	return nil
}

func (m *Manager) applyService(ctx context.Context, desired *corev1.Service) error {
	services := m.client.CoreV1().Services(m.namespace)
	_, err := services.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create service: %w", err)
	}
	existing, getErr := services.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get service: %w", getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	desired.Spec.ClusterIP = existing.Spec.ClusterIP
	desired.Spec.ClusterIPs = existing.Spec.ClusterIPs
	if _, err := services.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	return nil
}

func (m *Manager) applyAutoscaler(ctx context.Context, desired *autoscalingv2.HorizontalPodAutoscaler) error {
	hpas := m.client.AutoscalingV2().HorizontalPodAutoscalers(m.namespace)
	_, err := hpas.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create autoscaler: %w", err)
	}
	existing, getErr := hpas.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get autoscaler: %w", getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := hpas.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update autoscaler: %w", err)
	}
	return nil
}

func (m *Manager) waitForReadyPod(ctx context.Context, name string) (*corev1.Pod, error) {
	var readyPod *corev1.Pod
	err := wait.PollUntilContextTimeout(ctx, m.pollInterval, m.readinessTimeout, true, func(ctx context.Context) (bool, error) {
		pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector(name)})
		if err != nil {
			return false, err
		}
		for _, pod := range pods.Items {
			if pod.Status.Phase == corev1.PodFailed {
				msg := pod.Status.Message
				if msg == "" {
					msg = containerMessage(pod.Status.ContainerStatuses)
				}
				return false, fmt.Errorf("runtime pod failed: %s", msg)
			}
			if pod.Status.Phase == corev1.PodRunning && isPodReady(&pod) {
				readyPod = pod.DeepCopy()
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("wait for runtime %s: %w", name, err)
	}
	return readyPod, nil
}

func (m *Manager) serviceURL(name string) string {
	host := fmt.Sprintf("%s.%s.svc.cluster.local", name, m.namespace)
	if m.serviceDomain != "" {
		host = fmt.Sprintf("%s.%s", name, m.serviceDomain)
	}
	if m.servicePort == 80 {
		return "http://" + host
	}
	return fmt.Sprintf("http://%s:%d", host, m.servicePort)
}

func buildRuntimeContainer(req platform.DeployRequest) corev1.Container {
	memory := resource.MustParse(fmt.Sprintf("%dMi", req.MemoryMB))
	env := []corev1.EnvVar{
		{Name: "PORT", Value: strconv.Itoa(containerPort)},
		{Name: "LITHOPS_TARGET", Value: "kubernetes"},
	}
	for k, v := range req.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	probe := &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: protocol.RouteHealth,
				Port: intstr.FromInt32(containerPort),
			},
		},
		InitialDelaySeconds: 2,
		PeriodSeconds:       10,
		FailureThreshold:    6,
	}
	return corev1.Container{
		Name:  containerName,
		Image: req.Image,
		Ports: []corev1.ContainerPort{{
			Name:          "http",
			ContainerPort: containerPort,
		}},
		Env: env,
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(defaultCPURequest),
				corev1.ResourceMemory: memory,
			},
			Limits: corev1.ResourceList{
				corev1.ResourceMemory: memory,
			},
		},
		ReadinessProbe: probe,
	}
}

func buildAutoscaler(namespace string, req platform.DeployRequest, labels map[string]string) *autoscalingv2.HorizontalPodAutoscaler {
	maxReplicas := int32(req.MaxInstances)
	if maxReplicas < 1 {
		maxReplicas = 1
	}
	return &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.Name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       req.Name,
			},
			MinReplicas: ptr.To[int32](1),
			MaxReplicas: maxReplicas,
			Metrics: []autoscalingv2.MetricSpec{{
				Type: autoscalingv2.ResourceMetricSourceType,
				Resource: &autoscalingv2.ResourceMetricSource{
					Name: corev1.ResourceCPU,
					Target: autoscalingv2.MetricTarget{
						Type:               autoscalingv2.UtilizationMetricType,
						AverageUtilization: ptr.To[int32](targetCPUUtilization),
					},
				},
			}},
		},
	}
}

func serviceState(svc *corev1.Service, ready bool) platform.State {
	switch {
	case svc.DeletionTimestamp != nil:
		return platform.StateDeleting
	case ready:
		return platform.StateReady
	default:
		return platform.StateDeploying
	}
}

func imageTag(image string) string {
	if i := strings.LastIndex(image, ":"); i >= 0 && !strings.Contains(image[i:], "/") {
		return image[i+1:]
	}
	return "latest"
}

func labelSelector(name string) string {
	return fmt.Sprintf("%s=%s", serviceLabel, name)
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func containerMessage(statuses []corev1.ContainerStatus) string {
	for _, s := range statuses {
		if s.State.Waiting != nil && s.State.Waiting.Message != "" {
			return s.State.Waiting.Message
		}
		if s.State.Terminated != nil && s.State.Terminated.Message != "" {
			return s.State.Terminated.Message
		}
	}
	return ""
}
