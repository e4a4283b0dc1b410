package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/caravel-io/caravel/internal/logging"
)

// KubeDeployRunner rolls a new image out to a Kubernetes Deployment. The
// image reference comes from an upstream stage's artifact, so a containerize
// stage feeding a deploy stage needs no explicit plumbing in the pipeline
// file.
//
// Stage inputs (with):
//
//	deployment  name of the Deployment to update (required)
//	namespace   default "default"
//	container   container to retag, default is every container
//	image       explicit image reference, overrides upstream artifacts
//	kubeconfig  path to a kubeconfig file; in-cluster config when absent
type KubeDeployRunner struct {
	mu        sync.Mutex
	clientset kubernetes.Interface
}

func NewKubeDeployRunner() *KubeDeployRunner {
	return &KubeDeployRunner{}
}

func (r *KubeDeployRunner) ensureClient(kubeconfig string) (kubernetes.Interface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clientset != nil {
		return r.clientset, nil
	}

	cfg, err := buildRestConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	r.clientset = clientset
	return clientset, nil
}

func buildRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if env := os.Getenv("KUBECONFIG"); env != "" {
			kubeconfig = env
		} else if home, err := os.UserHomeDir(); err == nil {
			if path := filepath.Join(home, ".kube", "config"); fileExists(path) {
				kubeconfig = path
			}
		}
	}
	if kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig %s: %w", kubeconfig, err)
		}
		return cfg, nil
	}

	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("no kubeconfig found and not running in-cluster: %w", err)
	}
	return cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (r *KubeDeployRunner) Run(ctx context.Context, req *Request) (*Result, error) {
	name := stringWith(req, "deployment", "")
	if name == "" {
		return nil, fmt.Errorf("stage %q: missing 'deployment' input", req.Stage.Name)
	}
	namespace := stringWith(req, "namespace", "default")

	image, err := resolveImage(req)
	if err != nil {
		return nil, err
	}

	clientset, err := r.ensureClient(stringWith(req, "kubeconfig", ""))
	if err != nil {
		return nil, err
	}

	deployments := clientset.AppsV1().Deployments(namespace)
	deployment, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment %s/%s: %w", namespace, name, err)
	}

	container := stringWith(req, "container", "")
	updated := retagContainers(deployment, container, image)
	if updated == 0 {
		return nil, fmt.Errorf("deployment %s/%s has no container named %q", namespace, name, container)
	}

	logging.Info("updating deployment image",
		"stage", req.Stage.Name,
		"deployment", fmt.Sprintf("%s/%s", namespace, name),
		"image", image)

	if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to update deployment %s/%s: %w", namespace, name, err)
	}

	output := fmt.Sprintf("deployment %s/%s updated to image %s (%d container(s))\n",
		namespace, name, image, updated)
	return &Result{Output: output}, nil
}

// retagContainers sets the image on the named container, or on every
// container when name is empty. Returns how many containers were updated.
func retagContainers(deployment *appsv1.Deployment, name, image string) int {
	updated := 0
	for i := range deployment.Spec.Template.Spec.Containers {
		c := &deployment.Spec.Template.Spec.Containers[i]
		if name != "" && c.Name != name {
			continue
		}
		c.Image = image
		updated++
	}
	return updated
}

// resolveImage prefers an explicit 'image' input, then falls back to the
// single artifact published upstream. Multiple upstream artifacts are
// ambiguous and must be disambiguated with the explicit input.
func resolveImage(req *Request) (string, error) {
	if image := stringWith(req, "image", ""); image != "" {
		return image, nil
	}

	switch len(req.Artifacts) {
	case 0:
		return "", fmt.Errorf("stage %q: no 'image' input and no upstream artifact to deploy", req.Stage.Name)
	case 1:
		for _, ref := range req.Artifacts {
			return ref, nil
		}
	}

	names := make([]string, 0, len(req.Artifacts))
	for stage := range req.Artifacts {
		names = append(names, stage)
	}
	sort.Strings(names)
	return "", fmt.Errorf("stage %q: multiple upstream artifacts %v, set the 'image' input explicitly", req.Stage.Name, names)
}
