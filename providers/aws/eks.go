package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"

	pv "github.com/caravel-io/caravel/internal/provider"
)

type EKSClusterConfig struct {
	ClusterName string            `json:"clusterName"`
	RoleArn     string            `json:"roleArn"`
	Version     string            `json:"version"`
	VpcConfig   EKSVpcConfig      `json:"vpcConfig"`
	Tags        map[string]string `json:"tags"`
}

type EKSVpcConfig struct {
	SubnetIds             []string `json:"subnetIds"`
	SecurityGroupIds      []string `json:"securityGroupIds"`
	EndpointPublicAccess  bool     `json:"endpointPublicAccess"`
	EndpointPrivateAccess bool     `json:"endpointPrivateAccess"`
}

type EKSClusterState struct {
	Name     string `json:"name"`
	ARN      string `json:"arn"`
	Endpoint string `json:"endpoint"`
	Version  string `json:"version"`
}

func (p *Provider) applyEKSCluster(ctx context.Context, req *pv.ApplyRequest) (*pv.ApplyResponse, error) {
	var desired EKSClusterConfig
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	if desired.ClusterName == "" {
		desired.ClusterName = req.Name
	}

	input := &eks.CreateClusterInput{
		Name:    &desired.ClusterName,
		RoleArn: &desired.RoleArn,
		ResourcesVpcConfig: &types.VpcConfigRequest{
			SubnetIds:             desired.VpcConfig.SubnetIds,
			SecurityGroupIds:      desired.VpcConfig.SecurityGroupIds,
			EndpointPublicAccess:  &desired.VpcConfig.EndpointPublicAccess,
			EndpointPrivateAccess: &desired.VpcConfig.EndpointPrivateAccess,
		},
		Tags: desired.Tags,
	}
	if desired.Version != "" {
		input.Version = &desired.Version
	}

	resp, err := p.eksClient.CreateCluster(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create EKS cluster: %w", err)
	}

	newState := EKSClusterState{
		Name: *resp.Cluster.Name,
		ARN:  *resp.Cluster.Arn,
	}
	if resp.Cluster.Endpoint != nil {
		newState.Endpoint = *resp.Cluster.Endpoint
	}
	if resp.Cluster.Version != nil {
		newState.Version = *resp.Cluster.Version
	}
	stateJSON, _ := json.Marshal(newState)
	return &pv.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (p *Provider) deleteEKSCluster(ctx context.Context, req *pv.DeleteRequest) (*pv.DeleteResponse, error) {
	var prior EKSClusterState
	if len(req.CurrentStateJSON) > 0 {
		if err := json.Unmarshal(req.CurrentStateJSON, &prior); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
		}
	}
	if prior.Name == "" {
		return &pv.DeleteResponse{}, nil
	}
	_, err := p.eksClient.DeleteCluster(ctx, &eks.DeleteClusterInput{Name: &prior.Name})
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to delete EKS cluster: %w", err)
	}
	return &pv.DeleteResponse{}, nil
}

func (p *Provider) readEKSCluster(ctx context.Context, req *pv.ReadRequest) (*pv.ReadResponse, error) {
	var prior EKSClusterState
	if len(req.CurrentStateJSON) > 0 {
		if err := json.Unmarshal(req.CurrentStateJSON, &prior); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
		}
	}
	if prior.Name == "" {
		return &pv.ReadResponse{Exists: false}, nil
	}

	resp, err := p.eksClient.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: &prior.Name})
	if err != nil {
		if isNotFound(err) {
			return &pv.ReadResponse{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe EKS cluster: %w", err)
	}

	state := EKSClusterState{Name: *resp.Cluster.Name, ARN: *resp.Cluster.Arn}
	if resp.Cluster.Endpoint != nil {
		state.Endpoint = *resp.Cluster.Endpoint
	}
	if resp.Cluster.Version != nil {
		state.Version = *resp.Cluster.Version
	}
	stateJSON, _ := json.Marshal(state)
	return &pv.ReadResponse{Exists: true, NewStateJSON: stateJSON}, nil
}

type EKSNodeGroupConfig struct {
	NodeGroupName string            `json:"nodeGroupName"`
	ClusterName   string            `json:"clusterName"`
	NodeRoleArn   string            `json:"nodeRoleArn"`
	SubnetIds     []string          `json:"subnetIds"`
	ScalingConfig EKSScalingConfig  `json:"scalingConfig"`
	InstanceTypes []string          `json:"instanceTypes"`
	Labels        map[string]string `json:"labels"`
	Tags          map[string]string `json:"tags"`
}

type EKSScalingConfig struct {
	DesiredSize int32 `json:"desiredSize"`
	MaxSize     int32 `json:"maxSize"`
	MinSize     int32 `json:"minSize"`
}

type EKSNodeGroupState struct {
	NodeGroupName string `json:"nodeGroupName"`
	ARN           string `json:"arn"`
	ClusterName   string `json:"clusterName"`
}

func (p *Provider) applyEKSNodeGroup(ctx context.Context, req *pv.ApplyRequest) (*pv.ApplyResponse, error) {
	var desired EKSNodeGroupConfig
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	if desired.NodeGroupName == "" {
		desired.NodeGroupName = req.Name
	}

	input := &eks.CreateNodegroupInput{
		NodegroupName: &desired.NodeGroupName,
		ClusterName:   &desired.ClusterName,
		NodeRole:      &desired.NodeRoleArn,
		Subnets:       desired.SubnetIds,
		ScalingConfig: &types.NodegroupScalingConfig{
			DesiredSize: &desired.ScalingConfig.DesiredSize,
			MaxSize:     &desired.ScalingConfig.MaxSize,
			MinSize:     &desired.ScalingConfig.MinSize,
		},
		Tags: desired.Tags,
	}
	if len(desired.InstanceTypes) > 0 {
		input.InstanceTypes = desired.InstanceTypes
	}
	if len(desired.Labels) > 0 {
		input.Labels = desired.Labels
	}

	resp, err := p.eksClient.CreateNodegroup(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create EKS node group: %w", err)
	}

	newState := EKSNodeGroupState{
		NodeGroupName: *resp.Nodegroup.NodegroupName,
		ARN:           *resp.Nodegroup.NodegroupArn,
		ClusterName:   *resp.Nodegroup.ClusterName,
	}
	stateJSON, _ := json.Marshal(newState)
	return &pv.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (p *Provider) deleteEKSNodeGroup(ctx context.Context, req *pv.DeleteRequest) (*pv.DeleteResponse, error) {
	var prior EKSNodeGroupState
	if len(req.CurrentStateJSON) > 0 {
		if err := json.Unmarshal(req.CurrentStateJSON, &prior); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
		}
	}
	if prior.NodeGroupName == "" {
		return &pv.DeleteResponse{}, nil
	}
	_, err := p.eksClient.DeleteNodegroup(ctx, &eks.DeleteNodegroupInput{
		ClusterName:   &prior.ClusterName,
		NodegroupName: &prior.NodeGroupName,
	})
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to delete EKS node group: %w", err)
	}
	return &pv.DeleteResponse{}, nil
}
