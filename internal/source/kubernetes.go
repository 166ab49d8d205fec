package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/devflow-metrics/devflow/internal/models"
)

const revisionAnnotation = "deployment.kubernetes.io/revision"

// Kubernetes reads ReplicaSet creations as deployments: every rollout of
// a k8s Deployment stamps a new ReplicaSet, so their creation times are
// the cluster's deploy history. It has no incident or change records.
type Kubernetes struct {
	name      string
	namespace string
	client    kubernetes.Interface
}

// NewKubernetes builds a cluster adapter. Optional settings: namespace
// (default "default"), kubeconfig (explicit path; otherwise in-cluster
// config is tried first, then KUBECONFIG, then ~/.kube/config).
func NewKubernetes(name string, settings map[string]string) (Source, error) {
	client, err := buildKubernetesClient(settings["kubeconfig"])
	if err != nil {
		return nil, fmt.Errorf("could not create kubernetes client: %w", err)
	}
	return newKubernetesWithClient(name, settings["namespace"], client), nil
}

func newKubernetesWithClient(name, namespace string, client kubernetes.Interface) *Kubernetes {
	if namespace == "" {
		namespace = "default"
	}
	return &Kubernetes{name: name, namespace: namespace, client: client}
}

func buildKubernetesClient(explicitPath string) (kubernetes.Interface, error) {
	if explicitPath == "" {
		if config, err := rest.InClusterConfig(); err == nil {
			return kubernetes.NewForConfig(config)
		}
	}

	kubeconfigPath := explicitPath
	if kubeconfigPath == "" {
		kubeconfigPath = os.Getenv("KUBECONFIG")
	}
	if kubeconfigPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("could not get home directory: %w", err)
		}
		kubeconfigPath = filepath.Join(home, ".kube", "config")
	}

	if _, err := os.Stat(kubeconfigPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("kubeconfig not found at %s", kubeconfigPath)
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig: %w", err)
	}
	return kubernetes.NewForConfig(config)
}

func (k *Kubernetes) Name() string { return k.name }
func (k *Kubernetes) Type() string { return TypeKubernetes }

// Connect lists a single pod in the configured namespace, which checks
// both API server reachability and namespace read permission.
func (k *Kubernetes) Connect(ctx context.Context) error {
	_, err := k.client.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return fmt.Errorf("kubernetes api check failed: %w", err)
	}
	return nil
}

func (k *Kubernetes) ListDeployments(ctx context.Context, w models.Window) ([]models.Deployment, bool) {
	out, err := k.fetchDeployments(ctx, w)
	if err != nil {
		reportDegraded(k.name, TypeKubernetes, "list_deployments", err)
		return nil, false
	}
	return out, true
}

// ListIncidents returns nothing; the cluster has no incident records.
func (k *Kubernetes) ListIncidents(_ context.Context, _ models.Window) ([]models.Incident, bool) {
	return nil, true
}

// ListChanges returns nothing; the cluster has no change records.
func (k *Kubernetes) ListChanges(_ context.Context, _ models.Window) ([]models.Change, bool) {
	return nil, true
}

func (k *Kubernetes) fetchDeployments(ctx context.Context, w models.Window) ([]models.Deployment, error) {
	replicaSets, err := k.client.AppsV1().ReplicaSets(k.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list replicasets: %w", err)
	}
	deployments, err := k.client.AppsV1().Deployments(k.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	owners := make(map[string]*appsv1.Deployment, len(deployments.Items))
	for i := range deployments.Items {
		owners[deployments.Items[i].Name] = &deployments.Items[i]
	}

	var out []models.Deployment
	for i := range replicaSets.Items {
		rs := &replicaSets.Items[i]
		ts := rs.CreationTimestamp.Time.UTC()
		if !w.Contains(ts) {
			continue
		}

		ownerName := rs.Name
		for _, ref := range rs.OwnerReferences {
			if ref.Kind == "Deployment" {
				ownerName = ref.Name
				break
			}
		}

		status := models.DeploySuccess
		if owner, ok := owners[ownerName]; ok {
			if deploymentFailing(owner) && isNewestReplicaSet(rs, owner) {
				status = models.DeployFailed
			}
		}

		out = append(out, models.Deployment{
			ID:          uuid.NewString(),
			Timestamp:   ts,
			Repository:  ownerName,
			Environment: k.namespace,
			Status:      status,
			Source:      k.name,
			Metadata: map[string]string{
				"replica_set":       rs.Name,
				"revision":          rs.Annotations[revisionAnnotation],
				"pod_template_hash": rs.Labels["pod-template-hash"],
			},
		})
	}
	return out, nil
}

// deploymentFailing reports whether the Deployment currently exposes a
// rollout failure condition.
func deploymentFailing(d *appsv1.Deployment) bool {
	for _, cond := range d.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing &&
			cond.Status == corev1.ConditionFalse &&
			cond.Reason == "ProgressDeadlineExceeded" {
			return true
		}
		if cond.Type == appsv1.DeploymentReplicaFailure && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// isNewestReplicaSet matches revision annotations; only the latest
// rollout inherits the owner's failure state, older ReplicaSets already
// completed.
func isNewestReplicaSet(rs *appsv1.ReplicaSet, owner *appsv1.Deployment) bool {
	rev := rs.Annotations[revisionAnnotation]
	return rev != "" && rev == owner.Annotations[revisionAnnotation]
}
