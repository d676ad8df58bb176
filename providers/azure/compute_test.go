package azure

import (
	"context"
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/dormant/providers"
)

// mockVMClient implements VMAPI for testing.
type mockVMClient struct {
	pages   [][]*armcompute.VirtualMachine
	listErr error
	lists   int

	deallocated []string
	started     []string
	deleted     []string
	commandErr  error
}

func (m *mockVMClient) NewListAllPager(options *armcompute.VirtualMachinesClientListAllOptions) *runtime.Pager[armcompute.VirtualMachinesClientListAllResponse] {
	m.lists++
	page := 0
	return runtime.NewPager(runtime.PagingHandler[armcompute.VirtualMachinesClientListAllResponse]{
		More: func(armcompute.VirtualMachinesClientListAllResponse) bool {
			return page < len(m.pages)
		},
		Fetcher: func(ctx context.Context, _ *armcompute.VirtualMachinesClientListAllResponse) (armcompute.VirtualMachinesClientListAllResponse, error) {
			if m.listErr != nil {
				return armcompute.VirtualMachinesClientListAllResponse{}, m.listErr
			}
			resp := armcompute.VirtualMachinesClientListAllResponse{}
			if page < len(m.pages) {
				resp.Value = m.pages[page]
			}
			page++
			return resp, nil
		},
	})
}

func (m *mockVMClient) BeginDeallocate(ctx context.Context, resourceGroupName string, vmName string, options *armcompute.VirtualMachinesClientBeginDeallocateOptions) (*runtime.Poller[armcompute.VirtualMachinesClientDeallocateResponse], error) {
	if m.commandErr != nil {
		return nil, m.commandErr
	}
	m.deallocated = append(m.deallocated, resourceGroupName+"/"+vmName)
	return nil, nil
}

func (m *mockVMClient) BeginStart(ctx context.Context, resourceGroupName string, vmName string, options *armcompute.VirtualMachinesClientBeginStartOptions) (*runtime.Poller[armcompute.VirtualMachinesClientStartResponse], error) {
	if m.commandErr != nil {
		return nil, m.commandErr
	}
	m.started = append(m.started, resourceGroupName+"/"+vmName)
	return nil, nil
}

func (m *mockVMClient) BeginDelete(ctx context.Context, resourceGroupName string, vmName string, options *armcompute.VirtualMachinesClientBeginDeleteOptions) (*runtime.Poller[armcompute.VirtualMachinesClientDeleteResponse], error) {
	if m.commandErr != nil {
		return nil, m.commandErr
	}
	m.deleted = append(m.deleted, resourceGroupName+"/"+vmName)
	return nil, nil
}

func vm(sub, rg, name, vmID, power string) *armcompute.VirtualMachine {
	return &armcompute.VirtualMachine{
		ID:       to.Ptr("/subscriptions/" + sub + "/resourceGroups/" + rg + "/providers/Microsoft.Compute/virtualMachines/" + name),
		Name:     to.Ptr(name),
		Location: to.Ptr("westeurope"),
		Properties: &armcompute.VirtualMachineProperties{
			VMID: to.Ptr(vmID),
			InstanceView: &armcompute.VirtualMachineInstanceView{
				Statuses: []*armcompute.InstanceViewStatus{
					{Code: to.Ptr("ProvisioningState/succeeded")},
					{Code: to.Ptr("PowerState/" + power)},
				},
			},
		},
	}
}

func newTestCompute(clients map[string]*mockVMClient, subs []string) *Compute {
	return New(Config{Accounts: []Account{{ID: "az", Subscriptions: subs}}},
		WithClientFactory(func(account Account, sub string) (VMAPI, error) {
			client, ok := clients[sub]
			if !ok {
				return nil, errors.New("unknown subscription")
			}
			return client, nil
		}),
		WithSubscriptionLister(func(ctx context.Context, account Account) ([]string, error) {
			out := make([]string, 0, len(clients))
			for sub := range clients {
				out = append(out, sub)
			}
			return out, nil
		}),
	)
}

func TestListInstances(t *testing.T) {
	client := &mockVMClient{pages: [][]*armcompute.VirtualMachine{
		{vm("sub-1", "rg-a", "web-1", "v-2", "running")},
		{vm("sub-1", "rg-b", "db-1", "v-1", "deallocated"), {Name: to.Ptr("no-id")}},
	}}
	c := newTestCompute(map[string]*mockVMClient{"sub-1": client}, []string{"sub-1"})

	got, err := c.ListInstances(context.Background(), "az")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, providers.Instance{ID: "v-1", State: "deallocated", Region: "westeurope", Name: "db-1", SubscriptionID: "sub-1"}, got[0])
	assert.Equal(t, providers.Instance{ID: "v-2", State: "running", Region: "westeurope", Name: "web-1", SubscriptionID: "sub-1"}, got[1])
}

func TestListInstances_DiscoversSubscriptions(t *testing.T) {
	c := newTestCompute(map[string]*mockVMClient{
		"sub-1": {pages: [][]*armcompute.VirtualMachine{{vm("sub-1", "rg", "a", "v-1", "running")}}},
		"sub-2": {pages: [][]*armcompute.VirtualMachine{{vm("sub-2", "rg", "b", "v-2", "running")}}},
	}, nil)

	got, err := c.ListInstances(context.Background(), "az")
	require.NoError(t, err)
	assert.Equal(t, []string{"v-1", "v-2"}, []string{got[0].ID, got[1].ID})
}

func TestListInstances_Errors(t *testing.T) {
	c := newTestCompute(map[string]*mockVMClient{"sub-1": {listErr: errors.New("AuthorizationFailed")}}, []string{"sub-1"})

	_, err := c.ListInstances(context.Background(), "az")
	var perr *providers.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, err.Error(), "AuthorizationFailed")

	_, err = c.ListInstances(context.Background(), "other")
	assert.True(t, errors.As(err, &perr))
}

func TestCommands_ResolveLocation(t *testing.T) {
	client := &mockVMClient{pages: [][]*armcompute.VirtualMachine{
		{vm("sub-1", "rg-a", "web-1", "v-1", "running")},
	}}
	c := newTestCompute(map[string]*mockVMClient{"sub-1": client}, []string{"sub-1"})
	ctx := context.Background()

	// unseen VM triggers a listing of its subscription
	require.NoError(t, c.StopInstances(ctx, "az", []providers.Ref{{ID: "v-1", SubscriptionID: "sub-1"}}))
	assert.Equal(t, []string{"rg-a/web-1"}, client.deallocated)
	assert.Equal(t, 1, client.lists)

	require.NoError(t, c.StartInstances(ctx, "az", []providers.Ref{{ID: "v-1", SubscriptionID: "sub-1"}}))
	assert.Equal(t, []string{"rg-a/web-1"}, client.started)
	assert.Equal(t, 1, client.lists, "location is cached")

	require.NoError(t, c.TerminateInstances(ctx, "az", []providers.Ref{{ID: "v-1", SubscriptionID: "sub-1"}}))
	assert.Equal(t, []string{"rg-a/web-1"}, client.deleted)

	err := c.StopInstances(ctx, "az", []providers.Ref{{ID: "v-404", SubscriptionID: "sub-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	err = c.StopInstances(ctx, "az", []providers.Ref{{ID: "v-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no subscription")
}

func TestCommands_Error(t *testing.T) {
	client := &mockVMClient{
		pages:      [][]*armcompute.VirtualMachine{{vm("sub-1", "rg-a", "web-1", "v-1", "running")}},
		commandErr: errors.New("Conflict"),
	}
	c := newTestCompute(map[string]*mockVMClient{"sub-1": client}, []string{"sub-1"})

	err := c.StopInstances(context.Background(), "az", []providers.Ref{{ID: "v-1", SubscriptionID: "sub-1"}})
	var perr *providers.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "stop", perr.Op)
}

func TestPowerState(t *testing.T) {
	assert.Equal(t, "unknown", powerState(nil))
	assert.Equal(t, "stopped", powerState(&armcompute.VirtualMachineInstanceView{
		Statuses: []*armcompute.InstanceViewStatus{nil, {Code: to.Ptr("PowerState/stopped")}},
	}))
}
