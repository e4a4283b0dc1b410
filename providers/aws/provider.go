package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"

	pv "github.com/caravel-io/caravel/internal/provider"
)

// Provider manages AWS resources. Clients are created lazily on first use so
// a provider can be registered without credentials present.
type Provider struct {
	mu     sync.Mutex
	region string

	ec2Client *ec2.Client
	iamClient *iam.Client
	eksClient *eks.Client
	ecrClient *ecr.Client
}

func New() *Provider {
	return &Provider{region: "us-east-1"}
}

func (p *Provider) ensureClients(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ec2Client != nil {
		return nil
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(p.region))
	if err != nil {
		return fmt.Errorf("unable to load AWS config: %w", err)
	}

	p.ec2Client = ec2.NewFromConfig(cfg)
	p.iamClient = iam.NewFromConfig(cfg)
	p.eksClient = eks.NewFromConfig(cfg)
	p.ecrClient = ecr.NewFromConfig(cfg)
	return nil
}

func (p *Provider) Configure(ctx context.Context, req *pv.ConfigureRequest) (*pv.ConfigureResponse, error) {
	if region := req.Settings["region"]; region != "" {
		p.mu.Lock()
		p.region = region
		p.mu.Unlock()
	}
	if err := p.ensureClients(ctx); err != nil {
		return &pv.ConfigureResponse{
			Diagnostics: []*pv.Diagnostic{
				{
					Severity: pv.SeverityError,
					Summary:  "Failed to load AWS config",
					Detail:   err.Error(),
				},
			},
		}, nil
	}
	return &pv.ConfigureResponse{}, nil
}

// Plan compares desired config against recorded state attribute by attribute.
// AWS resources here are immutable once created, so any drift on a shared
// attribute plans a REPLACE. Computed attributes (id, arn, endpoint) only
// exist on the state side and are not compared.
func (p *Provider) Plan(ctx context.Context, req *pv.PlanRequest) (*pv.PlanResponse, error) {
	if req.PriorStateJSON == nil {
		return &pv.PlanResponse{Action: pv.ActionCreate}, nil
	}

	var desired, prior map[string]any
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	if err := json.Unmarshal(req.PriorStateJSON, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
	}

	var changed []string
	for key, want := range desired {
		have, ok := prior[key]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(want, have) {
			changed = append(changed, key)
		}
	}
	if len(changed) == 0 {
		return &pv.PlanResponse{Action: pv.ActionNoop}, nil
	}
	sort.Strings(changed)
	return &pv.PlanResponse{Action: pv.ActionReplace, ChangedAttributes: changed}, nil
}

func (p *Provider) Apply(ctx context.Context, req *pv.ApplyRequest) (*pv.ApplyResponse, error) {
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	switch req.Type {
	case "aws:EC2.Vpc":
		return p.applyVpc(ctx, req)
	case "aws:EC2.Subnet":
		return p.applySubnet(ctx, req)
	case "aws:EC2.SecurityGroup":
		return p.applySecurityGroup(ctx, req)
	case "aws:IAM.Role":
		return p.applyRole(ctx, req)
	case "aws:EKS.Cluster":
		return p.applyEKSCluster(ctx, req)
	case "aws:EKS.NodeGroup":
		return p.applyEKSNodeGroup(ctx, req)
	case "aws:ECR.Repository":
		return p.applyRepository(ctx, req)
	}
	return nil, fmt.Errorf("unknown resource type: %s", req.Type)
}

func (p *Provider) Read(ctx context.Context, req *pv.ReadRequest) (*pv.ReadResponse, error) {
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	switch req.Type {
	case "aws:EC2.Vpc":
		return p.readVpc(ctx, req)
	case "aws:EKS.Cluster":
		return p.readEKSCluster(ctx, req)
	case "aws:ECR.Repository":
		return p.readRepository(ctx, req)
	}

	// Resources without a cheap describe path report their recorded state.
	return &pv.ReadResponse{
		Exists:       len(req.CurrentStateJSON) > 0,
		NewStateJSON: req.CurrentStateJSON,
	}, nil
}

func (p *Provider) Delete(ctx context.Context, req *pv.DeleteRequest) (*pv.DeleteResponse, error) {
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	switch req.Type {
	case "aws:EC2.Vpc":
		return p.deleteVpc(ctx, req)
	case "aws:EC2.Subnet":
		return p.deleteSubnet(ctx, req)
	case "aws:EC2.SecurityGroup":
		return p.deleteSecurityGroup(ctx, req)
	case "aws:IAM.Role":
		return p.deleteRole(ctx, req)
	case "aws:EKS.Cluster":
		return p.deleteEKSCluster(ctx, req)
	case "aws:EKS.NodeGroup":
		return p.deleteEKSNodeGroup(ctx, req)
	case "aws:ECR.Repository":
		return p.deleteRepository(ctx, req)
	}
	return nil, fmt.Errorf("unknown resource type: %s", req.Type)
}

// isNotFound reports whether an AWS API error means the resource is already
// gone. Deleting a missing resource is a success for convergence purposes.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "InvalidVpcID.NotFound", "InvalidSubnetID.NotFound", "InvalidGroup.NotFound",
		"NoSuchEntity", "ResourceNotFoundException", "RepositoryNotFoundException":
		return true
	}
	return false
}
