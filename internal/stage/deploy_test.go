package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/caravel-io/caravel/internal/ir"
)

func testDeployment(containers ...string) *appsv1.Deployment {
	d := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "default"},
	}
	for _, name := range containers {
		d.Spec.Template.Spec.Containers = append(d.Spec.Template.Spec.Containers,
			corev1.Container{Name: name, Image: "registry.test/" + name + ":old"})
	}
	return d
}

func TestKubeDeployRunner_UpdatesImageFromArtifact(t *testing.T) {
	clientset := fake.NewSimpleClientset(testDeployment("api"))
	runner := &KubeDeployRunner{clientset: clientset}

	result, err := runner.Run(context.Background(), &Request{
		Stage: &ir.Stage{
			Name: "deploy",
			Uses: "kube-deploy",
			With: map[string]any{"deployment": "api"},
		},
		Artifacts: map[string]string{"containerize": "registry.test/api:abc123"},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Output, "registry.test/api:abc123")

	updated, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "registry.test/api:abc123", updated.Spec.Template.Spec.Containers[0].Image)
}

func TestKubeDeployRunner_TargetsNamedContainer(t *testing.T) {
	clientset := fake.NewSimpleClientset(testDeployment("api", "sidecar"))
	runner := &KubeDeployRunner{clientset: clientset}

	_, err := runner.Run(context.Background(), &Request{
		Stage: &ir.Stage{
			Name: "deploy",
			With: map[string]any{
				"deployment": "api",
				"container":  "api",
				"image":      "registry.test/api:v2",
			},
		},
	})
	require.NoError(t, err)

	updated, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "registry.test/api:v2", updated.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, "registry.test/sidecar:old", updated.Spec.Template.Spec.Containers[1].Image)
}

func TestKubeDeployRunner_MissingDeploymentInput(t *testing.T) {
	runner := &KubeDeployRunner{clientset: fake.NewSimpleClientset()}
	_, err := runner.Run(context.Background(), &Request{
		Stage: &ir.Stage{Name: "deploy"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deployment")
}

func TestKubeDeployRunner_UnknownContainer(t *testing.T) {
	clientset := fake.NewSimpleClientset(testDeployment("api"))
	runner := &KubeDeployRunner{clientset: clientset}

	_, err := runner.Run(context.Background(), &Request{
		Stage: &ir.Stage{
			Name: "deploy",
			With: map[string]any{
				"deployment": "api",
				"container":  "worker",
				"image":      "registry.test/api:v2",
			},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker")
}

func TestResolveImage(t *testing.T) {
	req := &Request{Stage: &ir.Stage{Name: "deploy", With: map[string]any{"image": "explicit:v1"}}}
	image, err := resolveImage(req)
	require.NoError(t, err)
	assert.Equal(t, "explicit:v1", image)

	req = &Request{
		Stage:     &ir.Stage{Name: "deploy"},
		Artifacts: map[string]string{"containerize": "artifact:v1"},
	}
	image, err = resolveImage(req)
	require.NoError(t, err)
	assert.Equal(t, "artifact:v1", image)

	req = &Request{Stage: &ir.Stage{Name: "deploy"}}
	_, err = resolveImage(req)
	require.Error(t, err)

	req = &Request{
		Stage:     &ir.Stage{Name: "deploy"},
		Artifacts: map[string]string{"a": "one", "b": "two"},
	}
	_, err = resolveImage(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple upstream artifacts")
}
