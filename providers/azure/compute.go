// Package azure implements the Azure virtual machine compute provider.
package azure

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/dormant/providers"
	"github.com/yairfalse/dormant/types"
)

// Account is an Azure identity the provider may act on. When Subscriptions
// is empty every subscription visible to the credential is used.
type Account struct {
	ID            string
	TenantID      string
	Subscriptions []string
}

// Config holds Azure provider configuration.
type Config struct {
	Accounts []Account
}

// ClientFactory builds the VM client of one subscription
type ClientFactory func(account Account, subscriptionID string) (VMAPI, error)

// SubscriptionLister discovers the subscriptions visible to an account
type SubscriptionLister func(ctx context.Context, account Account) ([]string, error)

// Compute implements providers.Compute for Azure VMs.
type Compute struct {
	accounts      map[string]Account
	factory       ClientFactory
	subscriptions SubscriptionLister
	logger        zerolog.Logger

	mu        sync.Mutex
	clients   map[string]VMAPI
	locations map[vmKey]vmLocation
}

type vmKey struct {
	subscription string
	vmID         string
}

type vmLocation struct {
	resourceGroup string
	name          string
}

// Option configures the provider
type Option func(*Compute)

// WithClientFactory replaces the SDK client construction
func WithClientFactory(f ClientFactory) Option {
	return func(c *Compute) { c.factory = f }
}

// WithSubscriptionLister replaces subscription discovery
func WithSubscriptionLister(l SubscriptionLister) Option {
	return func(c *Compute) { c.subscriptions = l }
}

// WithLogger sets the provider logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Compute) { c.logger = logger }
}

// New creates the Azure provider.
func New(cfg Config, opts ...Option) *Compute {
	creds := &credentials{byAccount: make(map[string]azcore.TokenCredential)}
	c := &Compute{
		accounts:      make(map[string]Account, len(cfg.Accounts)),
		factory:       creds.vmClient,
		subscriptions: creds.listSubscriptions,
		logger:        log.Logger,
		clients:       make(map[string]VMAPI),
		locations:     make(map[vmKey]vmLocation),
	}
	for _, a := range cfg.Accounts {
		c.accounts[a.ID] = a
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider identifier.
func (c *Compute) Name() types.Provider {
	return types.ProviderAzure
}

// ListInstances lists every VM of the account's subscriptions with its power state.
func (c *Compute) ListInstances(ctx context.Context, accountID string) ([]providers.Instance, error) {
	account, ok := c.accounts[accountID]
	if !ok {
		return nil, providers.Wrap(types.ProviderAzure, "list", accountID, fmt.Errorf("account %s is not configured", accountID))
	}

	subs := account.Subscriptions
	if len(subs) == 0 {
		var err error
		if subs, err = c.subscriptions(ctx, account); err != nil {
			return nil, providers.Wrap(types.ProviderAzure, "list", accountID, fmt.Errorf("list subscriptions: %w", err))
		}
	}

	var out []providers.Instance
	for _, sub := range subs {
		instances, err := c.listSubscription(ctx, account, sub)
		if err != nil {
			return nil, providers.Wrap(types.ProviderAzure, "list", accountID, err)
		}
		out = append(out, instances...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Compute) listSubscription(ctx context.Context, account Account, sub string) ([]providers.Instance, error) {
	client, err := c.client(account, sub)
	if err != nil {
		return nil, err
	}

	var out []providers.Instance
	pager := client.NewListAllPager(&armcompute.VirtualMachinesClientListAllOptions{
		StatusOnly: to.Ptr("true"),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list VMs in %s: %w", sub, err)
		}

		for _, vm := range page.Value {
			inst, loc, ok := convertVM(vm, sub)
			if !ok {
				continue
			}
			c.mu.Lock()
			c.locations[vmKey{subscription: inst.SubscriptionID, vmID: inst.ID}] = loc
			c.mu.Unlock()
			out = append(out, inst)
		}
	}
	return out, nil
}

func convertVM(vm *armcompute.VirtualMachine, sub string) (providers.Instance, vmLocation, bool) {
	if vm == nil || vm.ID == nil || vm.Properties == nil || vm.Properties.VMID == nil {
		return providers.Instance{}, vmLocation{}, false
	}
	rid, err := arm.ParseResourceID(*vm.ID)
	if err != nil {
		return providers.Instance{}, vmLocation{}, false
	}

	inst := providers.Instance{
		ID:             *vm.Properties.VMID,
		Name:           rid.Name,
		Region:         deref(vm.Location),
		SubscriptionID: sub,
		State:          powerState(vm.Properties.InstanceView),
	}
	if rid.SubscriptionID != "" {
		inst.SubscriptionID = rid.SubscriptionID
	}
	return inst, vmLocation{resourceGroup: rid.ResourceGroupName, name: rid.Name}, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func powerState(view *armcompute.VirtualMachineInstanceView) string {
	if view == nil {
		return "unknown"
	}
	for _, status := range view.Statuses {
		if status == nil || status.Code == nil {
			continue
		}
		if state, ok := strings.CutPrefix(*status.Code, "PowerState/"); ok {
			return state
		}
	}
	return "unknown"
}

// StopInstances deallocates the VMs so compute is no longer billed.
func (c *Compute) StopInstances(ctx context.Context, accountID string, refs []providers.Ref) error {
	return c.each(ctx, "stop", accountID, refs, func(client VMAPI, loc vmLocation) error {
		_, err := client.BeginDeallocate(ctx, loc.resourceGroup, loc.name, nil)
		return err
	})
}

// StartInstances starts the VMs.
func (c *Compute) StartInstances(ctx context.Context, accountID string, refs []providers.Ref) error {
	return c.each(ctx, "start", accountID, refs, func(client VMAPI, loc vmLocation) error {
		_, err := client.BeginStart(ctx, loc.resourceGroup, loc.name, nil)
		return err
	})
}

// TerminateInstances deletes the VMs.
func (c *Compute) TerminateInstances(ctx context.Context, accountID string, refs []providers.Ref) error {
	return c.each(ctx, "terminate", accountID, refs, func(client VMAPI, loc vmLocation) error {
		_, err := client.BeginDelete(ctx, loc.resourceGroup, loc.name, nil)
		return err
	})
}

// each issues one long-running operation per VM without waiting for it
func (c *Compute) each(ctx context.Context, op, accountID string, refs []providers.Ref, fn func(VMAPI, vmLocation) error) error {
	account, ok := c.accounts[accountID]
	if !ok {
		return providers.Wrap(types.ProviderAzure, op, accountID, fmt.Errorf("account %s is not configured", accountID))
	}

	for _, ref := range refs {
		if ref.SubscriptionID == "" {
			return providers.Wrap(types.ProviderAzure, op, accountID, fmt.Errorf("vm %s has no subscription", ref.ID))
		}
		loc, err := c.locate(ctx, account, ref)
		if err != nil {
			return providers.Wrap(types.ProviderAzure, op, accountID, err)
		}
		client, err := c.client(account, ref.SubscriptionID)
		if err != nil {
			return providers.Wrap(types.ProviderAzure, op, accountID, err)
		}
		if err := fn(client, loc); err != nil {
			return providers.Wrap(types.ProviderAzure, op, accountID, fmt.Errorf("%s: %w", ref.ID, err))
		}
		c.logger.Debug().
			Str("account", accountID).
			Str("subscription", ref.SubscriptionID).
			Str("vm", loc.name).
			Msgf("%s requested", op)
	}
	return nil
}

// locate resolves a VM to its resource group and name, listing the
// subscription when the VM has not been seen yet
func (c *Compute) locate(ctx context.Context, account Account, ref providers.Ref) (vmLocation, error) {
	key := vmKey{subscription: ref.SubscriptionID, vmID: ref.ID}

	c.mu.Lock()
	loc, ok := c.locations[key]
	c.mu.Unlock()
	if ok {
		return loc, nil
	}

	if _, err := c.listSubscription(ctx, account, ref.SubscriptionID); err != nil {
		return vmLocation{}, err
	}

	c.mu.Lock()
	loc, ok = c.locations[key]
	c.mu.Unlock()
	if !ok {
		return vmLocation{}, fmt.Errorf("vm %s not found in subscription %s", ref.ID, ref.SubscriptionID)
	}
	return loc, nil
}

func (c *Compute) client(account Account, sub string) (VMAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := account.ID + "/" + sub
	if client, ok := c.clients[key]; ok {
		return client, nil
	}
	client, err := c.factory(account, sub)
	if err != nil {
		return nil, fmt.Errorf("failed to create VM client: %w", err)
	}
	c.clients[key] = client
	return client, nil
}

// credentials caches one DefaultAzureCredential per account
type credentials struct {
	mu        sync.Mutex
	byAccount map[string]azcore.TokenCredential
}

func (c *credentials) get(account Account) (azcore.TokenCredential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cred, ok := c.byAccount[account.ID]; ok {
		return cred, nil
	}
	cred, err := azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
		TenantID: account.TenantID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}
	c.byAccount[account.ID] = cred
	return cred, nil
}

func (c *credentials) vmClient(account Account, sub string) (VMAPI, error) {
	cred, err := c.get(account)
	if err != nil {
		return nil, err
	}
	client, err := armcompute.NewVirtualMachinesClient(sub, cred, nil)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (c *credentials) listSubscriptions(ctx context.Context, account Account) ([]string, error) {
	cred, err := c.get(account)
	if err != nil {
		return nil, err
	}
	client, err := armsubscriptions.NewClient(cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptions client: %w", err)
	}

	var subs []string
	pager := client.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range page.Value {
			if s.SubscriptionID == nil {
				continue
			}
			if s.State != nil && *s.State != armsubscriptions.SubscriptionStateEnabled {
				continue
			}
			subs = append(subs, *s.SubscriptionID)
		}
	}
	return subs, nil
}

var _ providers.Compute = (*Compute)(nil)
