// Package aws implements the EC2 compute provider.
package aws

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/dormant/providers"
	"github.com/yairfalse/dormant/types"
)

// Account is an AWS account the provider may act on. RoleARN, when set, is
// assumed from the base credentials.
type Account struct {
	ID         string
	Profile    string
	RoleARN    string
	ExternalID string
}

// Config holds AWS provider configuration.
type Config struct {
	Regions  []string
	Accounts []Account
}

// ClientFactory builds the clients of one account in one region
type ClientFactory func(ctx context.Context, account Account, region string) (EC2API, STSAPI, error)

// Compute implements providers.Compute for EC2.
type Compute struct {
	regions  []string
	accounts map[string]Account
	factory  ClientFactory
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[clientKey]EC2API
}

type clientKey struct {
	account string
	region  string
}

// Option configures the provider
type Option func(*Compute)

// WithClientFactory replaces the SDK client construction
func WithClientFactory(f ClientFactory) Option {
	return func(c *Compute) { c.factory = f }
}

// WithLogger sets the provider logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Compute) { c.logger = logger }
}

// New creates the EC2 provider.
func New(cfg Config, opts ...Option) (*Compute, error) {
	if len(cfg.Regions) == 0 {
		return nil, fmt.Errorf("aws: at least one region is required")
	}
	c := &Compute{
		regions:  append([]string(nil), cfg.Regions...),
		accounts: make(map[string]Account, len(cfg.Accounts)),
		factory:  sdkClients,
		logger:   log.Logger,
		clients:  make(map[clientKey]EC2API),
	}
	for _, a := range cfg.Accounts {
		c.accounts[a.ID] = a
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// sdkClients loads the account's credentials, assuming its role when configured.
func sdkClients(ctx context.Context, account Account, region string) (EC2API, STSAPI, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if account.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(account.Profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}

	if account.RoleARN != "" {
		var roleOpts []func(*stscreds.AssumeRoleOptions)
		if account.ExternalID != "" {
			externalID := account.ExternalID
			roleOpts = append(roleOpts, func(o *stscreds.AssumeRoleOptions) {
				o.ExternalID = &externalID
			})
		}
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), account.RoleARN, roleOpts...)
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return ec2.NewFromConfig(cfg), sts.NewFromConfig(cfg), nil
}

// Name returns the provider identifier.
func (c *Compute) Name() types.Provider {
	return types.ProviderAWS
}

// Verify checks that the credentials of every configured account resolve to
// that account.
func (c *Compute) Verify(ctx context.Context) error {
	for _, id := range c.accountIDs() {
		_, stsClient, err := c.factory(ctx, c.accounts[id], c.regions[0])
		if err != nil {
			return providers.Wrap(types.ProviderAWS, "verify", id, err)
		}
		out, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return providers.Wrap(types.ProviderAWS, "verify", id, err)
		}
		if got := aws.ToString(out.Account); got != id {
			return providers.Wrap(types.ProviderAWS, "verify", id, fmt.Errorf("credentials resolve to account %s", got))
		}
	}
	return nil
}

// ListInstances lists every non-terminated instance of the account across
// the configured regions.
func (c *Compute) ListInstances(ctx context.Context, accountID string) ([]providers.Instance, error) {
	var (
		mu  sync.Mutex
		out []providers.Instance
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, region := range c.regions {
		region := region
		g.Go(func() error {
			instances, err := c.listRegion(ctx, accountID, region)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, instances...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, providers.Wrap(types.ProviderAWS, "list", accountID, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Compute) listRegion(ctx context.Context, accountID, region string) ([]providers.Instance, error) {
	client, err := c.client(ctx, accountID, region)
	if err != nil {
		return nil, err
	}

	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{{
			Name:   aws.String("instance-state-name"),
			Values: []string{"pending", "running", "stopping", "stopped"},
		}},
	}

	var out []providers.Instance
	paginator := ec2.NewDescribeInstancesPaginator(client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances in %s: %w", region, err)
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				out = append(out, convertInstance(inst, region))
			}
		}
	}
	return out, nil
}

func convertInstance(inst ec2types.Instance, region string) providers.Instance {
	out := providers.Instance{
		ID:     aws.ToString(inst.InstanceId),
		Region: region,
	}
	if inst.State != nil {
		out.State = string(inst.State.Name)
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			out.Name = aws.ToString(tag.Value)
		}
	}
	return out
}

// StopInstances stops the instances, one request per region.
func (c *Compute) StopInstances(ctx context.Context, accountID string, refs []providers.Ref) error {
	return c.perRegion(ctx, "stop", accountID, refs, func(ctx context.Context, client EC2API, ids []string) error {
		_, err := client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids})
		return err
	})
}

// StartInstances starts the instances, one request per region.
func (c *Compute) StartInstances(ctx context.Context, accountID string, refs []providers.Ref) error {
	return c.perRegion(ctx, "start", accountID, refs, func(ctx context.Context, client EC2API, ids []string) error {
		_, err := client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
		return err
	})
}

// TerminateInstances terminates the instances, one request per region.
func (c *Compute) TerminateInstances(ctx context.Context, accountID string, refs []providers.Ref) error {
	return c.perRegion(ctx, "terminate", accountID, refs, func(ctx context.Context, client EC2API, ids []string) error {
		_, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
		return err
	})
}

func (c *Compute) perRegion(ctx context.Context, op, accountID string, refs []providers.Ref, fn func(context.Context, EC2API, []string) error) error {
	if len(refs) == 0 {
		return nil
	}

	byRegion := make(map[string][]string)
	for _, ref := range refs {
		region := ref.Region
		if region == "" {
			region = c.regions[0]
		}
		byRegion[region] = append(byRegion[region], ref.ID)
	}

	regions := make([]string, 0, len(byRegion))
	for region := range byRegion {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	for _, region := range regions {
		client, err := c.client(ctx, accountID, region)
		if err != nil {
			return providers.Wrap(types.ProviderAWS, op, accountID, err)
		}
		ids := byRegion[region]
		if err := fn(ctx, client, ids); err != nil {
			return providers.Wrap(types.ProviderAWS, op, accountID, fmt.Errorf("%s: %w", region, err))
		}
		c.logger.Debug().
			Str("account", accountID).
			Str("region", region).
			Strs("instance_ids", ids).
			Msgf("%s requested", op)
	}
	return nil
}

func (c *Compute) client(ctx context.Context, accountID, region string) (EC2API, error) {
	account, ok := c.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s is not configured", accountID)
	}

	key := clientKey{account: accountID, region: region}
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[key]; ok {
		return client, nil
	}
	client, _, err := c.factory(ctx, account, region)
	if err != nil {
		return nil, err
	}
	c.clients[key] = client
	return client, nil
}

func (c *Compute) accountIDs() []string {
	ids := make([]string, 0, len(c.accounts))
	for id := range c.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ providers.Compute = (*Compute)(nil)
