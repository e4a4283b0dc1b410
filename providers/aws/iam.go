package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"

	pv "github.com/caravel-io/caravel/internal/provider"
)

type RoleConfig struct {
	Name             string            `json:"name"`
	AssumeRolePolicy string            `json:"assumeRolePolicy"`
	ManagedPolicies  []string          `json:"managedPolicies"`
	Tags             map[string]string `json:"tags"`
}

type RoleState struct {
	Name            string   `json:"name"`
	ARN             string   `json:"arn"`
	ManagedPolicies []string `json:"managedPolicies"`
}

func (p *Provider) applyRole(ctx context.Context, req *pv.ApplyRequest) (*pv.ApplyResponse, error) {
	var desired RoleConfig
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	input := &iam.CreateRoleInput{
		RoleName:                 &desired.Name,
		AssumeRolePolicyDocument: &desired.AssumeRolePolicy,
	}
	if len(desired.Tags) > 0 {
		var tags []types.Tag
		for k, v := range desired.Tags {
			tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		input.Tags = tags
	}

	resp, err := p.iamClient.CreateRole(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create role: %w", err)
	}

	for _, policyArn := range desired.ManagedPolicies {
		_, err := p.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  &desired.Name,
			PolicyArn: aws.String(policyArn),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to attach policy %s: %w", policyArn, err)
		}
	}

	newState := RoleState{
		Name:            *resp.Role.RoleName,
		ARN:             *resp.Role.Arn,
		ManagedPolicies: desired.ManagedPolicies,
	}
	stateJSON, _ := json.Marshal(newState)
	return &pv.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (p *Provider) deleteRole(ctx context.Context, req *pv.DeleteRequest) (*pv.DeleteResponse, error) {
	var prior RoleState
	if len(req.CurrentStateJSON) > 0 {
		if err := json.Unmarshal(req.CurrentStateJSON, &prior); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
		}
	}
	if prior.Name == "" {
		prior.Name = req.ID
	}
	if prior.Name == "" {
		return &pv.DeleteResponse{}, nil
	}

	// Attached managed policies must be detached before the role can go.
	for _, policyArn := range prior.ManagedPolicies {
		_, err := p.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  &prior.Name,
			PolicyArn: aws.String(policyArn),
		})
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("failed to detach policy %s: %w", policyArn, err)
		}
	}

	_, err := p.iamClient.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: &prior.Name})
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to delete role: %w", err)
	}
	return &pv.DeleteResponse{}, nil
}
