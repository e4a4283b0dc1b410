package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"

	pv "github.com/caravel-io/caravel/internal/provider"
)

// Provider manages local Docker images, optionally pushing them to a remote
// registry after build.
type Provider struct {
	mu     sync.Mutex
	client *client.Client
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) ensureClient() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	p.client = cli
	return nil
}

type ImageConfig struct {
	Name         string            `json:"name"`
	BuildContext string            `json:"buildContext"`
	Dockerfile   string            `json:"dockerfile"`
	BuildArgs    map[string]string `json:"buildArgs"`
	Push         bool              `json:"push"`
	RegistryAuth string            `json:"registryAuth"` // base64 auth for push
}

type ImageState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (p *Provider) Configure(ctx context.Context, req *pv.ConfigureRequest) (*pv.ConfigureResponse, error) {
	if err := p.ensureClient(); err != nil {
		return &pv.ConfigureResponse{
			Diagnostics: []*pv.Diagnostic{
				{
					Severity: pv.SeverityError,
					Summary:  "Failed to create Docker client",
					Detail:   err.Error(),
				},
			},
		}, nil
	}
	return &pv.ConfigureResponse{}, nil
}

func (p *Provider) Plan(ctx context.Context, req *pv.PlanRequest) (*pv.PlanResponse, error) {
	if req.PriorStateJSON == nil {
		return &pv.PlanResponse{Action: pv.ActionCreate}, nil
	}

	var desired ImageConfig
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	var prior ImageState
	if err := json.Unmarshal(req.PriorStateJSON, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
	}

	if desired.Name != prior.Name {
		return &pv.PlanResponse{Action: pv.ActionReplace, ChangedAttributes: []string{"name"}}, nil
	}
	return &pv.PlanResponse{Action: pv.ActionNoop}, nil
}

func (p *Provider) Apply(ctx context.Context, req *pv.ApplyRequest) (*pv.ApplyResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}
	if req.Type != "docker_image" {
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}

	var desired ImageConfig
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	if desired.BuildContext != "" {
		if err := p.buildImage(ctx, &desired); err != nil {
			return nil, err
		}
	} else {
		reader, err := p.client.ImagePull(ctx, desired.Name, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image: %w", err)
		}
		io.Copy(os.Stdout, reader)
		reader.Close()
	}

	if desired.Push {
		if err := p.pushImage(ctx, &desired); err != nil {
			return nil, err
		}
	}

	inspect, _, err := p.client.ImageInspectWithRaw(ctx, desired.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image: %w", err)
	}

	newState := ImageState{
		ID:   inspect.ID,
		Name: desired.Name,
	}
	stateJSON, _ := json.Marshal(newState)
	return &pv.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (p *Provider) buildImage(ctx context.Context, desired *ImageConfig) error {
	tar, err := archive.TarWithOptions(desired.BuildContext, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to create build context tar: %w", err)
	}

	buildArgs := make(map[string]*string, len(desired.BuildArgs))
	for k, v := range desired.BuildArgs {
		v := v
		buildArgs[k] = &v
	}

	resp, err := p.client.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:       []string{desired.Name},
		Dockerfile: desired.Dockerfile,
		BuildArgs:  buildArgs,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	// Drain output to prevent blocking
	io.Copy(os.Stdout, resp.Body)
	return nil
}

func (p *Provider) pushImage(ctx context.Context, desired *ImageConfig) error {
	auth := desired.RegistryAuth
	if auth == "" {
		encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{})
		if err != nil {
			return err
		}
		auth = encoded
	}

	reader, err := p.client.ImagePush(ctx, desired.Name, image.PushOptions{
		RegistryAuth: auth,
	})
	if err != nil {
		return fmt.Errorf("failed to push image: %w", err)
	}
	defer reader.Close()
	io.Copy(os.Stdout, reader)
	return nil
}

func (p *Provider) Read(ctx context.Context, req *pv.ReadRequest) (*pv.ReadResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	var prior ImageState
	if len(req.CurrentStateJSON) > 0 {
		if err := json.Unmarshal(req.CurrentStateJSON, &prior); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
		}
	}
	if prior.Name == "" {
		return &pv.ReadResponse{Exists: false}, nil
	}

	inspect, _, err := p.client.ImageInspectWithRaw(ctx, prior.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &pv.ReadResponse{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to inspect image: %w", err)
	}

	state := ImageState{ID: inspect.ID, Name: prior.Name}
	stateJSON, _ := json.Marshal(state)
	return &pv.ReadResponse{Exists: true, NewStateJSON: stateJSON}, nil
}

func (p *Provider) Delete(ctx context.Context, req *pv.DeleteRequest) (*pv.DeleteResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" && len(req.CurrentStateJSON) > 0 {
		var prior ImageState
		if err := json.Unmarshal(req.CurrentStateJSON, &prior); err == nil {
			id = prior.ID
		}
	}
	if id == "" {
		return &pv.DeleteResponse{}, nil
	}

	_, err := p.client.ImageRemove(ctx, id, image.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return nil, fmt.Errorf("failed to remove image: %w", err)
	}
	return &pv.DeleteResponse{}, nil
}
