// Package compute wraps the EC2 and STS control planes behind the provider
// interface the chat core consumes.
package compute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"infra-agent/internal/domain"
)

const defaultWaitTimeout = 10 * time.Minute

// ec2API is the minimal EC2 interface required by Client. *ec2.Client from
// aws-sdk-go-v2 satisfies this interface, as do test fakes. It also
// satisfies ec2.DescribeInstancesAPIClient, which the SDK waiters consume.
type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeRegions(ctx context.Context, in *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

type stsAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// RegionalFactory returns an EC2 API client scoped to one region. Every
// control-plane call is regional, so the Client builds API clients on demand
// instead of holding a single one.
type RegionalFactory func(region string) ec2API

// NewRegionalFactory builds a factory over a shared AWS config.
func NewRegionalFactory(cfg aws.Config) RegionalFactory {
	return func(region string) ec2API {
		return ec2.NewFromConfig(cfg, func(o *ec2.Options) {
			o.Region = region
		})
	}
}

// Client implements the compute provider over the AWS SDK.
type Client struct {
	regional      RegionalFactory
	sts           stsAPI
	defaultRegion string
	waitTimeout   time.Duration
}

type Option func(*Client)

// WithWaitTimeout bounds how long WaitUntilRunning / WaitUntilTerminated
// block on the provider-side waiters.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.waitTimeout = d
		}
	}
}

// New creates a Client. defaultRegion scopes the calls that are not tied to
// a user-resolved region (region listing, instance counting).
func New(regional RegionalFactory, stsClient stsAPI, defaultRegion string, opts ...Option) (*Client, error) {
	if regional == nil {
		return nil, errors.New("compute: regional factory must not be nil")
	}
	if stsClient == nil {
		return nil, errors.New("compute: sts client must not be nil")
	}
	if strings.TrimSpace(defaultRegion) == "" {
		return nil, errors.New("compute: default region must not be empty")
	}
	c := &Client{
		regional:      regional,
		sts:           stsClient,
		defaultRegion: defaultRegion,
		waitTimeout:   defaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateInstance launches a single instance tagged with nameTag so later
// terminations can find it.
func (c *Client) CreateInstance(ctx context.Context, region, imageRef, sizeClass, nameTag string) (domain.InstanceHandle, error) {
	out, err := c.regional(region).RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(imageRef),
		InstanceType: types.InstanceType(sizeClass),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(nameTag)},
				},
			},
		},
	})
	if err != nil {
		return domain.InstanceHandle{}, fmt.Errorf("compute: run instances in %s: %w", region, err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return domain.InstanceHandle{}, errors.New("compute: run instances returned no instance")
	}
	return domain.InstanceHandle{ID: *out.Instances[0].InstanceId, Region: region}, nil
}

// WaitUntilRunning blocks until the instance reaches the running state.
func (c *Client) WaitUntilRunning(ctx context.Context, handle domain.InstanceHandle) error {
	waiter := ec2.NewInstanceRunningWaiter(c.regional(handle.Region))
	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{handle.ID},
	}, c.waitTimeout)
	if err != nil {
		return fmt.Errorf("compute: wait until running %s: %w", handle.ID, err)
	}
	return nil
}

// DescribeInstance returns the instance's network attributes.
func (c *Client) DescribeInstance(ctx context.Context, handle domain.InstanceHandle) (domain.InstanceInfo, error) {
	out, err := c.regional(handle.Region).DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{handle.ID},
	})
	if err != nil {
		return domain.InstanceInfo{}, fmt.Errorf("compute: describe instance %s: %w", handle.ID, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if inst.InstanceId == nil || *inst.InstanceId != handle.ID {
				continue
			}
			return domain.InstanceInfo{
				ID:        handle.ID,
				PublicDNS: aws.ToString(inst.PublicDnsName),
				PrivateIP: aws.ToString(inst.PrivateIpAddress),
			}, nil
		}
	}
	return domain.InstanceInfo{}, fmt.Errorf("compute: instance %s not found", handle.ID)
}

// FindInstances returns handles for instances in the region matching the
// name tag and any of the given states.
func (c *Client) FindInstances(ctx context.Context, region, nameTag string, states []string) ([]domain.InstanceHandle, error) {
	out, err := c.regional(region).DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{nameTag}},
			{Name: aws.String("instance-state-name"), Values: states},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("compute: find instances in %s: %w", region, err)
	}
	var handles []domain.InstanceHandle
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if inst.InstanceId != nil {
				handles = append(handles, domain.InstanceHandle{ID: *inst.InstanceId, Region: region})
			}
		}
	}
	return handles, nil
}

// Terminate issues termination for the given handles. All handles must be in
// one region; terminations are region-scoped by design.
func (c *Client) Terminate(ctx context.Context, handles []domain.InstanceHandle) error {
	region, ids, err := splitHandles(handles)
	if err != nil {
		return err
	}
	_, err = c.regional(region).TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: ids,
	})
	if err != nil {
		return fmt.Errorf("compute: terminate instances in %s: %w", region, err)
	}
	return nil
}

// WaitUntilTerminated blocks until every handle reaches the terminated
// state.
func (c *Client) WaitUntilTerminated(ctx context.Context, handles []domain.InstanceHandle) error {
	region, ids, err := splitHandles(handles)
	if err != nil {
		return err
	}
	waiter := ec2.NewInstanceTerminatedWaiter(c.regional(region))
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids}, c.waitTimeout); err != nil {
		return fmt.Errorf("compute: wait until terminated in %s: %w", region, err)
	}
	return nil
}

// ListRegions returns the region names visible to the account.
func (c *Client) ListRegions(ctx context.Context) ([]string, error) {
	out, err := c.regional(c.defaultRegion).DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, fmt.Errorf("compute: describe regions: %w", err)
	}
	names := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		names = append(names, aws.ToString(r.RegionName))
	}
	return names, nil
}

// CountInstances counts all instances in the default region, any state.
func (c *Client) CountInstances(ctx context.Context) (int, error) {
	api := c.regional(c.defaultRegion)
	count := 0
	var nextToken *string
	for {
		out, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{NextToken: nextToken})
		if err != nil {
			return 0, fmt.Errorf("compute: count instances: %w", err)
		}
		for _, r := range out.Reservations {
			count += len(r.Instances)
		}
		if out.NextToken == nil {
			return count, nil
		}
		nextToken = out.NextToken
	}
}

// CallerIdentity returns the STS caller identity.
func (c *Client) CallerIdentity(ctx context.Context) (domain.Identity, error) {
	out, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("compute: get caller identity: %w", err)
	}
	return domain.Identity{
		AccountID: aws.ToString(out.Account),
		ARN:       aws.ToString(out.Arn),
	}, nil
}

func splitHandles(handles []domain.InstanceHandle) (string, []string, error) {
	if len(handles) == 0 {
		return "", nil, errors.New("compute: no instance handles given")
	}
	region := handles[0].Region
	ids := make([]string, 0, len(handles))
	for _, h := range handles {
		if h.Region != region {
			return "", nil, fmt.Errorf("compute: handles span regions %s and %s", region, h.Region)
		}
		ids = append(ids, h.ID)
	}
	return region, ids, nil
}
