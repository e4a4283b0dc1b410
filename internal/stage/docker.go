package stage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"

	"github.com/caravel-io/caravel/internal/logging"
)

// DockerImageRunner builds a container image for the triggering commit and
// pushes it to a registry. The produced artifact is the pushed image
// reference, which downstream deploy stages consume.
//
// Stage inputs (with):
//
//	repository  registry repository to tag and push to (required)
//	context     build context directory, default "."
//	dockerfile  path within the context, default "Dockerfile"
//	push        set false to skip the push
//	region      AWS region for ECR token exchange
//
// Registry auth comes from the REGISTRY_TOKEN credential when declared,
// otherwise from an ECR authorization token for the configured region.
type DockerImageRunner struct {
	mu     sync.Mutex
	client *client.Client
}

func NewDockerImageRunner() *DockerImageRunner {
	return &DockerImageRunner{}
}

func (r *DockerImageRunner) ensureClient() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	r.client = cli
	return nil
}

func (r *DockerImageRunner) Run(ctx context.Context, req *Request) (*Result, error) {
	if err := r.ensureClient(); err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	repo := stringWith(req, "repository", "")
	if repo == "" {
		return nil, fmt.Errorf("stage %q: missing 'repository' input", req.Stage.Name)
	}

	tag := req.Commit
	if tag == "" {
		tag = "latest"
	}
	ref := repo + ":" + tag

	contextDir := stringWith(req, "context", ".")
	dockerfile := stringWith(req, "dockerfile", "Dockerfile")

	tar, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create build context tar: %w", err)
	}

	logging.Info("building image", "stage", req.Stage.Name, "ref", ref)
	resp, err := r.client.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:       []string{ref},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	io.Copy(&out, resp.Body)

	if push, ok := req.Stage.With["push"].(bool); !ok || push {
		auth, err := r.registryAuth(ctx, req)
		if err != nil {
			return nil, err
		}
		logging.Info("pushing image", "stage", req.Stage.Name, "ref", ref)
		reader, err := r.client.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
		if err != nil {
			return nil, fmt.Errorf("failed to push image: %w", err)
		}
		io.Copy(&out, reader)
		reader.Close()
	}

	return &Result{Output: out.String(), Artifact: ref}, nil
}

func (r *DockerImageRunner) registryAuth(ctx context.Context, req *Request) (string, error) {
	if token := req.Credentials["REGISTRY_TOKEN"]; token != "" {
		return encodeRegistryAuth("AWS", token)
	}

	region := stringWith(req, "region", "us-east-1")
	return ecrAuthToken(ctx, region)
}

// ecrAuthToken exchanges AWS credentials for a short-lived ECR registry
// token. The token decodes to user:password.
func ecrAuthToken(ctx context.Context, region string) (string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return "", fmt.Errorf("unable to load AWS config: %w", err)
	}

	resp, err := ecr.NewFromConfig(cfg).GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get ECR authorization token: %w", err)
	}
	if len(resp.AuthorizationData) == 0 || resp.AuthorizationData[0].AuthorizationToken == nil {
		return "", fmt.Errorf("ECR returned no authorization data")
	}

	decoded, err := base64.StdEncoding.DecodeString(*resp.AuthorizationData[0].AuthorizationToken)
	if err != nil {
		return "", fmt.Errorf("failed to decode ECR token: %w", err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", fmt.Errorf("malformed ECR token")
	}
	return encodeRegistryAuth(user, pass)
}

func encodeRegistryAuth(user, pass string) (string, error) {
	encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username: user,
		Password: pass,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode registry auth: %w", err)
	}
	return encoded, nil
}

func stringWith(req *Request, key, fallback string) string {
	if v, ok := req.Stage.With[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
