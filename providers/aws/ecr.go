package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"

	pv "github.com/caravel-io/caravel/internal/provider"
)

type RepositoryConfig struct {
	RepositoryName     string `json:"repositoryName"`
	ImageTagMutability string `json:"imageTagMutability"`
	ScanOnPush         bool   `json:"scanOnPush"`
}

type RepositoryState struct {
	RepositoryName string `json:"repositoryName"`
	ARN            string `json:"arn"`
	URL            string `json:"url"`
}

func (p *Provider) applyRepository(ctx context.Context, req *pv.ApplyRequest) (*pv.ApplyResponse, error) {
	var desired RepositoryConfig
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	if desired.RepositoryName == "" {
		desired.RepositoryName = req.Name
	}

	input := &ecr.CreateRepositoryInput{
		RepositoryName: &desired.RepositoryName,
		ImageScanningConfiguration: &types.ImageScanningConfiguration{
			ScanOnPush: desired.ScanOnPush,
		},
	}
	if desired.ImageTagMutability != "" {
		input.ImageTagMutability = types.ImageTagMutability(desired.ImageTagMutability)
	}

	resp, err := p.ecrClient.CreateRepository(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository: %w", err)
	}

	newState := RepositoryState{
		RepositoryName: *resp.Repository.RepositoryName,
		ARN:            *resp.Repository.RepositoryArn,
		URL:            *resp.Repository.RepositoryUri,
	}
	stateJSON, _ := json.Marshal(newState)
	return &pv.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (p *Provider) deleteRepository(ctx context.Context, req *pv.DeleteRequest) (*pv.DeleteResponse, error) {
	var prior RepositoryState
	if len(req.CurrentStateJSON) > 0 {
		if err := json.Unmarshal(req.CurrentStateJSON, &prior); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
		}
	}
	if prior.RepositoryName == "" {
		return &pv.DeleteResponse{}, nil
	}
	_, err := p.ecrClient.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: &prior.RepositoryName,
		Force:          true,
	})
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to delete repository: %w", err)
	}
	return &pv.DeleteResponse{}, nil
}

func (p *Provider) readRepository(ctx context.Context, req *pv.ReadRequest) (*pv.ReadResponse, error) {
	var prior RepositoryState
	if len(req.CurrentStateJSON) > 0 {
		if err := json.Unmarshal(req.CurrentStateJSON, &prior); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
		}
	}
	if prior.RepositoryName == "" {
		return &pv.ReadResponse{Exists: false}, nil
	}

	resp, err := p.ecrClient.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{prior.RepositoryName},
	})
	if err != nil {
		if isNotFound(err) || strings.Contains(err.Error(), "RepositoryNotFoundException") {
			return &pv.ReadResponse{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe repository: %w", err)
	}
	if len(resp.Repositories) == 0 {
		return &pv.ReadResponse{Exists: false}, nil
	}

	repo := resp.Repositories[0]
	state := RepositoryState{
		RepositoryName: *repo.RepositoryName,
		ARN:            *repo.RepositoryArn,
		URL:            *repo.RepositoryUri,
	}
	stateJSON, _ := json.Marshal(state)
	return &pv.ReadResponse{Exists: true, NewStateJSON: stateJSON}, nil
}
