package driver

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/osrd-project/osrdyne/internal/keycodec"
)

const (
	k8sLabelManagedBy = "managed-by"
	k8sLabelWorkerID  = "osrdyne/worker-id"
	k8sLabelKey       = "osrdyne/key"
)

// KubernetesConfig configures the one-Deployment-per-key backend.
type KubernetesConfig struct {
	Namespace      string
	Image          string
	Env            map[string]string
	DeploymentName string // prefix; the encoded key is appended
}

// KubernetesDriver drives one single-replica Deployment per key via the
// typed client-go clientset, discovered by label selector rather than by
// tracking names in memory — so a restarted dispatcher recovers its
// inventory purely from cluster state.
type KubernetesDriver struct {
	client kubernetes.Interface
	cfg    KubernetesConfig
	logger *logrus.Entry
}

func NewKubernetesDriver(client kubernetes.Interface, cfg KubernetesConfig, logger *logrus.Entry) *KubernetesDriver {
	if cfg.DeploymentName == "" {
		cfg.DeploymentName = "osrdyne-core"
	}
	return &KubernetesDriver{client: client, cfg: cfg, logger: logger}
}

func (d *KubernetesDriver) deploymentName(key string) string {
	return fmt.Sprintf("%s-%s", d.cfg.DeploymentName, keycodec.Encode([]byte(key)))
}

func (d *KubernetesDriver) labelSelector() string {
	return fmt.Sprintf("%s=%s", k8sLabelManagedBy, ManagedByValue)
}

func (d *KubernetesDriver) GetOrCreateCorePool(ctx context.Context, key string) (uuid.UUID, error) {
	deployments := d.client.AppsV1().Deployments(d.cfg.Namespace)

	existing, err := deployments.Get(ctx, d.deploymentName(key), metav1.GetOptions{})
	switch {
	case err == nil:
		workerID, perr := uuid.Parse(existing.Labels[k8sLabelWorkerID])
		if perr == nil {
			return workerID, nil
		}
		// Labels corrupted or from a foreign resource; fall through to recreate.
	case apierrors.IsNotFound(err):
		// expected on first call
	default:
		return uuid.Nil, BackendError("get", key, err)
	}

	workerID := uuid.New()
	replicas := int32(1)
	labels := map[string]string{
		k8sLabelManagedBy: ManagedByValue,
		k8sLabelWorkerID:  workerID.String(),
		k8sLabelKey:       key,
	}

	envVars := []corev1.EnvVar{
		{Name: "OSRDYNE_KEY", Value: key},
		{Name: "OSRDYNE_WORKER_ID", Value: workerID.String()},
	}
	for k, v := range d.cfg.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      d.deploymentName(key),
			Namespace: d.cfg.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{k8sLabelWorkerID: workerID.String()},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  "worker",
							Image: d.cfg.Image,
							Env:   envVars,
						},
					},
				},
			},
		},
	}

	if _, err := deployments.Create(ctx, dep, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return workerID, nil
		}
		return uuid.Nil, BackendError("create", key, err)
	}

	d.logger.WithField("key", key).WithField("deployment", dep.Name).Info("created core worker deployment")
	return workerID, nil
}

func (d *KubernetesDriver) DestroyCorePool(ctx context.Context, key string) error {
	policy := metav1.DeletePropagationForeground
	err := d.client.AppsV1().Deployments(d.cfg.Namespace).Delete(ctx, d.deploymentName(key), metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return BackendError("delete", key, err)
	}
	return nil
}

func (d *KubernetesDriver) ListCorePools(ctx context.Context) ([]WorkerInfo, error) {
	list, err := d.client.AppsV1().Deployments(d.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: d.labelSelector(),
	})
	if err != nil {
		return nil, BackendError("list", "", err)
	}
	out := make([]WorkerInfo, 0, len(list.Items))
	for _, dep := range list.Items {
		workerID, err := uuid.Parse(dep.Labels[k8sLabelWorkerID])
		if err != nil {
			continue
		}
		out = append(out, WorkerInfo{
			ExternalID: dep.Namespace + "/" + dep.Name,
			WorkerID:   workerID,
			Key:        dep.Labels[k8sLabelKey],
		})
	}
	return out, nil
}

var _ Driver = (*KubernetesDriver)(nil)
