package aws

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/dormant/providers"
)

// mockEC2Client implements EC2API for testing.
type mockEC2Client struct {
	mu sync.Mutex

	DescribeInstancesFunc  func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StopInstancesFunc      func(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	StartInstancesFunc     func(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	TerminateInstancesFunc func(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)

	stopped []string
	started []string
}

func (m *mockEC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if m.DescribeInstancesFunc != nil {
		return m.DescribeInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (m *mockEC2Client) StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	if m.StopInstancesFunc != nil {
		return m.StopInstancesFunc(ctx, params, optFns...)
	}
	m.mu.Lock()
	m.stopped = append(m.stopped, params.InstanceIds...)
	m.mu.Unlock()
	return &ec2.StopInstancesOutput{}, nil
}

func (m *mockEC2Client) StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	if m.StartInstancesFunc != nil {
		return m.StartInstancesFunc(ctx, params, optFns...)
	}
	m.mu.Lock()
	m.started = append(m.started, params.InstanceIds...)
	m.mu.Unlock()
	return &ec2.StartInstancesOutput{}, nil
}

func (m *mockEC2Client) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	if m.TerminateInstancesFunc != nil {
		return m.TerminateInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

type mockSTSClient struct {
	account string
	err     error
}

func (m *mockSTSClient) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String(m.account)}, nil
}

func newTestCompute(t *testing.T, clients map[string]*mockEC2Client, stsAccount string) *Compute {
	t.Helper()
	regions := make([]string, 0, len(clients))
	for _, r := range []string{"us-east-1", "eu-west-1"} {
		if _, ok := clients[r]; ok {
			regions = append(regions, r)
		}
	}
	c, err := New(Config{
		Regions:  regions,
		Accounts: []Account{{ID: "111"}},
	}, WithClientFactory(func(ctx context.Context, account Account, region string) (EC2API, STSAPI, error) {
		return clients[region], &mockSTSClient{account: stsAccount}, nil
	}))
	require.NoError(t, err)
	return c
}

func instance(id, state, name string) ec2types.Instance {
	inst := ec2types.Instance{
		InstanceId: aws.String(id),
		State:      &ec2types.InstanceState{Name: ec2types.InstanceStateName(state)},
	}
	if name != "" {
		inst.Tags = []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}}
	}
	return inst
}

func TestNew_RequiresRegion(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestListInstances_AcrossRegions(t *testing.T) {
	east := &mockEC2Client{
		DescribeInstancesFunc: func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			if assert.Len(t, params.Filters, 1) {
				assert.Equal(t, "instance-state-name", aws.ToString(params.Filters[0].Name))
			}
			return &ec2.DescribeInstancesOutput{
				Reservations: []ec2types.Reservation{{
					Instances: []ec2types.Instance{instance("i-2", "running", "web")},
				}},
			}, nil
		},
	}
	west := &mockEC2Client{
		DescribeInstancesFunc: func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return &ec2.DescribeInstancesOutput{
				Reservations: []ec2types.Reservation{{
					Instances: []ec2types.Instance{instance("i-1", "stopped", "")},
				}},
			}, nil
		},
	}

	c := newTestCompute(t, map[string]*mockEC2Client{"us-east-1": east, "eu-west-1": west}, "111")

	got, err := c.ListInstances(context.Background(), "111")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, providers.Instance{ID: "i-1", State: "stopped", Region: "eu-west-1"}, got[0])
	assert.Equal(t, providers.Instance{ID: "i-2", State: "running", Region: "us-east-1", Name: "web"}, got[1])
}

func TestListInstances_Pagination(t *testing.T) {
	calls := 0
	client := &mockEC2Client{
		DescribeInstancesFunc: func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			calls++
			if params.NextToken == nil {
				return &ec2.DescribeInstancesOutput{
					Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{instance("i-1", "running", "")}}},
					NextToken:    aws.String("page-2"),
				}, nil
			}
			return &ec2.DescribeInstancesOutput{
				Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{instance("i-2", "running", "")}}},
			}, nil
		},
	}
	c := newTestCompute(t, map[string]*mockEC2Client{"us-east-1": client}, "111")

	got, err := c.ListInstances(context.Background(), "111")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, calls)
}

func TestListInstances_Errors(t *testing.T) {
	client := &mockEC2Client{
		DescribeInstancesFunc: func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return nil, errors.New("UnauthorizedOperation")
		},
	}
	c := newTestCompute(t, map[string]*mockEC2Client{"us-east-1": client}, "111")

	_, err := c.ListInstances(context.Background(), "111")
	var perr *providers.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "list", perr.Op)
	assert.Equal(t, "111", perr.Account)

	_, err = c.ListInstances(context.Background(), "999")
	assert.True(t, errors.As(err, &perr))
	assert.Contains(t, err.Error(), "not configured")
}

func TestStopInstances_GroupsByRegion(t *testing.T) {
	east := &mockEC2Client{}
	west := &mockEC2Client{}
	c := newTestCompute(t, map[string]*mockEC2Client{"us-east-1": east, "eu-west-1": west}, "111")

	err := c.StopInstances(context.Background(), "111", []providers.Ref{
		{ID: "i-1", Region: "us-east-1"},
		{ID: "i-2", Region: "eu-west-1"},
		{ID: "i-3"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1", "i-3"}, east.stopped)
	assert.Equal(t, []string{"i-2"}, west.stopped)

	require.NoError(t, c.StartInstances(context.Background(), "111", []providers.Ref{{ID: "i-2", Region: "eu-west-1"}}))
	assert.Equal(t, []string{"i-2"}, west.started)

	assert.NoError(t, c.StopInstances(context.Background(), "111", nil))
}

func TestStopInstances_Error(t *testing.T) {
	client := &mockEC2Client{
		StopInstancesFunc: func(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	c := newTestCompute(t, map[string]*mockEC2Client{"us-east-1": client}, "111")

	err := c.StopInstances(context.Background(), "111", []providers.Ref{{ID: "i-1", Region: "us-east-1"}})
	var perr *providers.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "stop", perr.Op)
	assert.Contains(t, err.Error(), "throttled")
}

func TestVerify(t *testing.T) {
	clients := map[string]*mockEC2Client{"us-east-1": {}}

	c := newTestCompute(t, clients, "111")
	assert.NoError(t, c.Verify(context.Background()))

	c = newTestCompute(t, clients, "222")
	err := c.Verify(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "222")
}
