package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	pv "github.com/caravel-io/caravel/internal/provider"
)

type VpcConfig struct {
	CidrBlock string            `json:"cidrBlock"`
	Tags      map[string]string `json:"tags"`
}

type VpcState struct {
	ID        string `json:"id"`
	CidrBlock string `json:"cidrBlock"`
}

type SubnetConfig struct {
	VpcID               string            `json:"vpcId"`
	CidrBlock           string            `json:"cidrBlock"`
	AvailabilityZone    string            `json:"availabilityZone"`
	MapPublicIpOnLaunch bool              `json:"mapPublicIpOnLaunch"`
	Tags                map[string]string `json:"tags"`
}

type SubnetState struct {
	ID    string `json:"id"`
	VpcID string `json:"vpcId"`
}

type SecurityGroupConfig struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	VpcID       string              `json:"vpcId"`
	Ingress     []SecurityGroupRule `json:"ingress"`
}

type SecurityGroupRule struct {
	FromPort   int      `json:"fromPort"`
	ToPort     int      `json:"toPort"`
	Protocol   string   `json:"protocol"`
	CidrBlocks []string `json:"cidrBlocks"`
}

type SecurityGroupState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (p *Provider) applyVpc(ctx context.Context, req *pv.ApplyRequest) (*pv.ApplyResponse, error) {
	var desired VpcConfig
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	resp, err := p.ec2Client.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock: &desired.CidrBlock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create VPC: %w", err)
	}

	p.tagResource(ctx, *resp.Vpc.VpcId, desired.Tags)

	newState := VpcState{
		ID:        *resp.Vpc.VpcId,
		CidrBlock: *resp.Vpc.CidrBlock,
	}
	stateJSON, _ := json.Marshal(newState)
	return &pv.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (p *Provider) deleteVpc(ctx context.Context, req *pv.DeleteRequest) (*pv.DeleteResponse, error) {
	if req.ID == "" {
		return &pv.DeleteResponse{}, nil
	}
	_, err := p.ec2Client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: &req.ID})
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to delete VPC: %w", err)
	}
	return &pv.DeleteResponse{}, nil
}

func (p *Provider) readVpc(ctx context.Context, req *pv.ReadRequest) (*pv.ReadResponse, error) {
	if req.ID == "" {
		return &pv.ReadResponse{Exists: false}, nil
	}
	resp, err := p.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		VpcIds: []string{req.ID},
	})
	if err != nil {
		if isNotFound(err) {
			return &pv.ReadResponse{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe VPC: %w", err)
	}
	if len(resp.Vpcs) == 0 {
		return &pv.ReadResponse{Exists: false}, nil
	}

	state := VpcState{
		ID:        *resp.Vpcs[0].VpcId,
		CidrBlock: *resp.Vpcs[0].CidrBlock,
	}
	stateJSON, _ := json.Marshal(state)
	return &pv.ReadResponse{Exists: true, NewStateJSON: stateJSON}, nil
}

func (p *Provider) applySubnet(ctx context.Context, req *pv.ApplyRequest) (*pv.ApplyResponse, error) {
	var desired SubnetConfig
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	input := &ec2.CreateSubnetInput{
		VpcId:     &desired.VpcID,
		CidrBlock: &desired.CidrBlock,
	}
	if desired.AvailabilityZone != "" {
		input.AvailabilityZone = &desired.AvailabilityZone
	}

	resp, err := p.ec2Client.CreateSubnet(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create subnet: %w", err)
	}

	p.tagResource(ctx, *resp.Subnet.SubnetId, desired.Tags)

	if desired.MapPublicIpOnLaunch {
		_, _ = p.ec2Client.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            resp.Subnet.SubnetId,
			MapPublicIpOnLaunch: &types.AttributeBooleanValue{Value: aws.Bool(true)},
		})
	}

	newState := SubnetState{
		ID:    *resp.Subnet.SubnetId,
		VpcID: *resp.Subnet.VpcId,
	}
	stateJSON, _ := json.Marshal(newState)
	return &pv.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (p *Provider) deleteSubnet(ctx context.Context, req *pv.DeleteRequest) (*pv.DeleteResponse, error) {
	if req.ID == "" {
		return &pv.DeleteResponse{}, nil
	}
	_, err := p.ec2Client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: &req.ID})
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to delete subnet: %w", err)
	}
	return &pv.DeleteResponse{}, nil
}

func (p *Provider) applySecurityGroup(ctx context.Context, req *pv.ApplyRequest) (*pv.ApplyResponse, error) {
	var desired SecurityGroupConfig
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	input := &ec2.CreateSecurityGroupInput{
		GroupName:   &desired.Name,
		Description: &desired.Description,
	}
	if desired.VpcID != "" {
		input.VpcId = &desired.VpcID
	}

	resp, err := p.ec2Client.CreateSecurityGroup(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create security group: %w", err)
	}
	groupID := *resp.GroupId

	if len(desired.Ingress) > 0 {
		var perms []types.IpPermission
		for _, rule := range desired.Ingress {
			var ipRanges []types.IpRange
			for _, cidr := range rule.CidrBlocks {
				ipRanges = append(ipRanges, types.IpRange{CidrIp: aws.String(cidr)})
			}
			perms = append(perms, types.IpPermission{
				IpProtocol: aws.String(rule.Protocol),
				FromPort:   aws.Int32(int32(rule.FromPort)),
				ToPort:     aws.Int32(int32(rule.ToPort)),
				IpRanges:   ipRanges,
			})
		}
		_, err := p.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       &groupID,
			IpPermissions: perms,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to authorize ingress: %w", err)
		}
	}

	newState := SecurityGroupState{
		ID:   groupID,
		Name: desired.Name,
	}
	stateJSON, _ := json.Marshal(newState)
	return &pv.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (p *Provider) deleteSecurityGroup(ctx context.Context, req *pv.DeleteRequest) (*pv.DeleteResponse, error) {
	if req.ID == "" {
		return &pv.DeleteResponse{}, nil
	}
	_, err := p.ec2Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: &req.ID})
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to delete security group: %w", err)
	}
	return &pv.DeleteResponse{}, nil
}

func (p *Provider) tagResource(ctx context.Context, id string, tags map[string]string) {
	if len(tags) == 0 {
		return
	}
	var ec2Tags []types.Tag
	for k, v := range tags {
		ec2Tags = append(ec2Tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	_, _ = p.ec2Client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      ec2Tags,
	})
}
